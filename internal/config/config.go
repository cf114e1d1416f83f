// Package config provides the configuration schema, loader and file watcher
// for the voxrelay server.
package config

import (
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio/resample"
)

// LogLevel controls log verbosity for the voxrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TurnDetectionType selects the speech service's voice activity detector.
type TurnDetectionType string

const (
	TurnServerVAD   TurnDetectionType = "server_vad"
	TurnSemanticVAD TurnDetectionType = "semantic_vad"
)

// IsValid reports whether t is a recognised detector.
func (t TurnDetectionType) IsValid() bool {
	return t == TurnServerVAD || t == TurnSemanticVAD
}

// Config is the root configuration structure for voxrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Audio      AudioConfig      `yaml:"audio"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Debug      DebugConfig      `yaml:"debug"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	// Browsers only grant microphone access on secure origins, so anything
	// other than localhost needs it.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds how long shutdown waits for sessions to close.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RealtimeConfig configures the speech service link and the session sent in
// its handshake.
type RealtimeConfig struct {
	// URL is the WebSocket endpoint. The model is appended as a query parameter.
	URL string `yaml:"url"`

	Model string `yaml:"model"`

	// APIKey authenticates against the service. The OPENAI_API_KEY environment
	// variable fills it when empty.
	APIKey string `yaml:"api_key"`

	Voice string `yaml:"voice"`

	// Instructions is the system prompt. When InstructionsFile is set, its
	// content replaces Instructions and today's date is appended.
	Instructions     string `yaml:"instructions"`
	InstructionsFile string `yaml:"instructions_file"`

	// Language hints the transcription model (ISO-639-1, e.g. "en").
	Language string `yaml:"language"`

	// TranscriptionModel transcribes the user's speech. "off" disables user
	// transcripts.
	TranscriptionModel string `yaml:"transcription_model"`

	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`

	// NoiseReduction is "near_field", "far_field" or "off".
	NoiseReduction string `yaml:"noise_reduction"`

	MaxResponseOutputTokens int `yaml:"max_response_output_tokens"`

	PingInterval     time.Duration `yaml:"ping_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// TurnDetectionConfig configures server-side voice activity detection.
type TurnDetectionConfig struct {
	Type TurnDetectionType `yaml:"type"`

	// CreateResponse and InterruptResponse default to true.
	CreateResponse    *bool `yaml:"create_response"`
	InterruptResponse *bool `yaml:"interrupt_response"`

	// Threshold, PrefixPaddingMs and SilenceDurationMs apply to server_vad.
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`

	// Eagerness applies to semantic_vad: "low", "medium", "high" or "auto".
	Eagerness string `yaml:"eagerness"`
}

// AudioConfig tunes the relay pipeline.
type AudioConfig struct {
	// PeerSampleRate and Slice are fixed by the Opus transport (48 kHz, 20ms).
	// They may be stated explicitly but cannot be changed.
	PeerSampleRate int           `yaml:"peer_sample_rate"`
	Slice          time.Duration `yaml:"slice"`

	// LinkSampleRate is the PCM rate of the speech service in both directions.
	LinkSampleRate int `yaml:"link_sample_rate"`

	// SchedulingMargin is subtracted from every pacer sleep. Negative disables it.
	SchedulingMargin time.Duration `yaml:"scheduling_margin"`

	// PacerQueue and DownlinkQueue are the queue capacities in frames and
	// payloads. Overflow drops the oldest element.
	PacerQueue    int `yaml:"pacer_queue"`
	DownlinkQueue int `yaml:"downlink_queue"`

	Resampler resample.Kind `yaml:"resampler"`
}

// WebRTCConfig configures peer connections.
type WebRTCConfig struct {
	// STUNServers are ICE server URLs (e.g. "stun:stun.l.google.com:19302").
	STUNServers []string `yaml:"stun_servers"`
}

// ResilienceConfig configures the circuit breaker in front of the speech
// service.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DebugConfig holds diagnostic switches.
type DebugConfig struct {
	// RecordDir, when set, receives one WAV file per session with the audio
	// exactly as sent to the speech service.
	RecordDir string `yaml:"record_dir"`
}
