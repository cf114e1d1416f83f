package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxrelay/pkg/audio/resample"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultRealtimeURL      = "wss://api.openai.com/v1/realtime"
	DefaultRealtimeModel    = "gpt-realtime-2025-08-28"
	DefaultVoice            = "marin"
	DefaultTranscription    = "gpt-4o-transcribe"
	DefaultNoiseReduction   = "near_field"
	DefaultMaxOutputTokens  = 4096
	DefaultPingInterval     = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPeerSampleRate   = 48000
	DefaultSlice            = 20 * time.Millisecond
	DefaultLinkSampleRate   = 24000
	DefaultSchedulingMargin = time.Millisecond
	DefaultPacerQueue       = 250
	DefaultDownlinkQueue    = 64
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 30 * time.Second
)

// APIKeyEnv is the environment variable that supplies realtime.api_key.
const APIKeyEnv = "OPENAI_API_KEY"

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Unlike [LoadFromReader] it also reads realtime.instructions_file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ResolveInstructions(cfg, time.Now()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills values left empty in the file from the environment.
// lookup has the signature of [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Realtime.APIKey == "" {
		if v, ok := lookup(APIKeyEnv); ok {
			cfg.Realtime.APIKey = v
		}
	}
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	rt := &cfg.Realtime
	if rt.URL == "" {
		rt.URL = DefaultRealtimeURL
	}
	if rt.Model == "" {
		rt.Model = DefaultRealtimeModel
	}
	if rt.Voice == "" {
		rt.Voice = DefaultVoice
	}
	if rt.TranscriptionModel == "" {
		rt.TranscriptionModel = DefaultTranscription
	}
	if rt.NoiseReduction == "" {
		rt.NoiseReduction = DefaultNoiseReduction
	}
	if rt.MaxResponseOutputTokens == 0 {
		rt.MaxResponseOutputTokens = DefaultMaxOutputTokens
	}
	if rt.PingInterval <= 0 {
		rt.PingInterval = DefaultPingInterval
	}
	if rt.HandshakeTimeout <= 0 {
		rt.HandshakeTimeout = DefaultHandshakeTimeout
	}
	td := &rt.TurnDetection
	if td.Type == "" {
		td.Type = TurnSemanticVAD
	}
	if td.CreateResponse == nil {
		td.CreateResponse = ptr(true)
	}
	if td.InterruptResponse == nil {
		td.InterruptResponse = ptr(true)
	}

	a := &cfg.Audio
	if a.PeerSampleRate == 0 {
		a.PeerSampleRate = DefaultPeerSampleRate
	}
	if a.Slice == 0 {
		a.Slice = DefaultSlice
	}
	if a.LinkSampleRate == 0 {
		a.LinkSampleRate = DefaultLinkSampleRate
	}
	if a.SchedulingMargin == 0 {
		a.SchedulingMargin = DefaultSchedulingMargin
	}
	if a.PacerQueue == 0 {
		a.PacerQueue = DefaultPacerQueue
	}
	if a.DownlinkQueue == 0 {
		a.DownlinkQueue = DefaultDownlinkQueue
	}
	if a.Resampler == "" {
		a.Resampler = resample.KindLinear
	}

	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout <= 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}

// ResolveInstructions replaces realtime.instructions with the content of
// realtime.instructions_file followed by the date of now. It does nothing
// when no file is configured.
func ResolveInstructions(cfg *Config, now time.Time) error {
	path := cfg.Realtime.InstructionsFile
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read instructions_file: %w", err)
	}
	cfg.Realtime.Instructions = strings.TrimRight(string(data), "\n") +
		"\n\nToday is " + now.Format("02.01.2006")
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.URL != "" {
		u, err := url.Parse(rt.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("realtime.url %q must be a ws:// or wss:// URL", rt.URL))
		}
	}
	if rt.APIKey == "" {
		slog.Warn("realtime.api_key is empty and " + APIKeyEnv + " is not set; the speech service will reject sessions")
	}
	if t := rt.TurnDetection.Type; t != "" && !t.IsValid() {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.type %q is invalid; valid values: server_vad, semantic_vad", t))
	}
	if th := rt.TurnDetection.Threshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.threshold %.2f is out of range [0, 1]", th))
	}
	switch rt.NoiseReduction {
	case "", "near_field", "far_field", "off":
	default:
		errs = append(errs, fmt.Errorf("realtime.noise_reduction %q is invalid; valid values: near_field, far_field, off", rt.NoiseReduction))
	}
	if rt.MaxResponseOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("realtime.max_response_output_tokens %d must not be negative", rt.MaxResponseOutputTokens))
	}

	// Audio
	a := cfg.Audio
	if a.PeerSampleRate != 0 && a.PeerSampleRate != DefaultPeerSampleRate {
		errs = append(errs, fmt.Errorf("audio.peer_sample_rate %d is unsupported; the Opus transport runs at %d", a.PeerSampleRate, DefaultPeerSampleRate))
	}
	if a.Slice != 0 && a.Slice != DefaultSlice {
		errs = append(errs, fmt.Errorf("audio.slice %s is unsupported; the Opus transport uses %s frames", a.Slice, DefaultSlice))
	}
	if a.LinkSampleRate < 0 || (a.LinkSampleRate != 0 && a.LinkSampleRate < 8000) {
		errs = append(errs, fmt.Errorf("audio.link_sample_rate %d must be at least 8000", a.LinkSampleRate))
	}
	if a.SchedulingMargin >= DefaultSlice {
		errs = append(errs, fmt.Errorf("audio.scheduling_margin %s must be shorter than one slice", a.SchedulingMargin))
	}
	if a.PacerQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.pacer_queue %d must not be negative", a.PacerQueue))
	}
	if a.DownlinkQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.downlink_queue %d must not be negative", a.DownlinkQueue))
	}
	if a.Resampler != "" && !a.Resampler.IsValid() {
		errs = append(errs, fmt.Errorf("audio.resampler %q is invalid; valid values: linear, polyphase", a.Resampler))
	}

	// WebRTC
	for i, s := range cfg.WebRTC.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			errs = append(errs, fmt.Errorf("webrtc.stun_servers[%d] %q must start with stun: or stuns:", i, s))
		}
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}

	return errors.Join(errs...)
}

func ptr[T any](v T) *T { return &v }
