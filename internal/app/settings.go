package app

import (
	"log/slog"

	"github.com/MrWong99/voxrelay/internal/bridge"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// settings is the per-session configuration snapshot. A reload swaps the whole
// snapshot; sessions keep the one they started with.
type settings struct {
	dial    realtime.DialConfig
	session realtime.SessionConfig
	bridge  bridge.Config
}

func newSettings(cfg *config.Config, log *slog.Logger) *settings {
	return &settings{
		dial:    dialConfig(cfg.Realtime, log),
		session: sessionConfig(cfg.Realtime),
		bridge:  bridgeConfig(cfg.Audio, cfg.Debug),
	}
}

func dialConfig(rt config.RealtimeConfig, log *slog.Logger) realtime.DialConfig {
	return realtime.DialConfig{
		URL:              rt.URL,
		Model:            rt.Model,
		APIKey:           rt.APIKey,
		HandshakeTimeout: rt.HandshakeTimeout,
		PingInterval:     rt.PingInterval,
		Logger:           log,
	}
}

// sessionConfig maps the realtime section onto the session.update body.
func sessionConfig(rt config.RealtimeConfig) realtime.SessionConfig {
	sc := realtime.DefaultSessionConfig()
	sc.Instructions = rt.Instructions
	if rt.Voice != "" {
		sc.Voice = rt.Voice
	}
	if rt.MaxResponseOutputTokens > 0 {
		sc.MaxResponseOutputTokens = rt.MaxResponseOutputTokens
	}

	switch rt.NoiseReduction {
	case "":
	case "off":
		sc.InputAudioNoiseReduction = nil
	default:
		sc.InputAudioNoiseReduction = &realtime.NoiseReduction{Type: rt.NoiseReduction}
	}

	switch rt.TranscriptionModel {
	case "":
		sc.InputAudioTranscription.Language = rt.Language
	case "off":
		sc.InputAudioTranscription = nil
	default:
		sc.InputAudioTranscription = &realtime.Transcription{Model: rt.TranscriptionModel, Language: rt.Language}
	}

	td := rt.TurnDetection
	if td.Type != "" {
		out := &realtime.TurnDetection{
			Type:              string(td.Type),
			CreateResponse:    derefOr(td.CreateResponse, true),
			InterruptResponse: derefOr(td.InterruptResponse, true),
		}
		switch td.Type {
		case config.TurnServerVAD:
			out.Threshold = td.Threshold
			out.PrefixPaddingMs = td.PrefixPaddingMs
			out.SilenceDurationMs = td.SilenceDurationMs
		case config.TurnSemanticVAD:
			out.Eagerness = td.Eagerness
		}
		sc.TurnDetection = out
	}
	return sc
}

func bridgeConfig(a config.AudioConfig, d config.DebugConfig) bridge.Config {
	return bridge.Config{
		PeerFormat:     audio.Format{SampleRate: a.PeerSampleRate, Channels: 2},
		LinkSampleRate: a.LinkSampleRate,
		Slice:          a.Slice,
		Margin:         a.SchedulingMargin,
		PacerQueue:     a.PacerQueue,
		DownlinkQueue:  a.DownlinkQueue,
		Resampler:      a.Resampler,
		RecordDir:      d.RecordDir,
	}
}

func derefOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
