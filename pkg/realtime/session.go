package realtime

// SessionConfig is the body of the one-time session.update message sent during
// the handshake.
type SessionConfig struct {
	Modalities               []string        `json:"modalities,omitempty"`
	Instructions             string          `json:"instructions,omitempty"`
	Voice                    string          `json:"voice,omitempty"`
	InputAudioFormat         string          `json:"input_audio_format,omitempty"`
	OutputAudioFormat        string          `json:"output_audio_format,omitempty"`
	InputAudioNoiseReduction *NoiseReduction `json:"input_audio_noise_reduction,omitempty"`
	InputAudioTranscription  *Transcription  `json:"input_audio_transcription,omitempty"`
	TurnDetection            *TurnDetection  `json:"turn_detection,omitempty"`
	MaxResponseOutputTokens  int             `json:"max_response_output_tokens,omitempty"`
}

// NoiseReduction selects input noise suppression ("near_field" or "far_field").
type NoiseReduction struct {
	Type string `json:"type"`
}

// Transcription enables transcripts of the user's speech.
type Transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// TurnDetection configures server-side voice activity detection. Threshold and
// the millisecond fields only apply to "server_vad"; Eagerness only to
// "semantic_vad".
type TurnDetection struct {
	Type              string  `json:"type"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	Eagerness         string  `json:"eagerness,omitempty"`
}

// DefaultSessionConfig returns an audio-in, audio-out session with semantic
// VAD that interrupts the current response when the user starts talking.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:               []string{"text", "audio"},
		Voice:                    "marin",
		InputAudioFormat:         "pcm16",
		OutputAudioFormat:        "pcm16",
		InputAudioNoiseReduction: &NoiseReduction{Type: "near_field"},
		InputAudioTranscription:  &Transcription{Model: "gpt-4o-transcribe"},
		TurnDetection: &TurnDetection{
			Type:              "semantic_vad",
			CreateResponse:    true,
			InterruptResponse: true,
		},
		MaxResponseOutputTokens: 4096,
	}
}

// ── Outgoing messages ──────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}
