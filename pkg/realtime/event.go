package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventKind enumerates the inbound event variants the relay distinguishes.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindAudioDelta
	KindAudioDone
	KindSpeechStarted
	KindTranscriptDelta
	KindTranscriptDone
	KindInputTranscriptDelta
	KindInputTranscriptDone
	KindError
	KindSessionCreated
	KindSessionUpdated
)

var kindNames = [...]string{
	KindUnknown:              "unknown",
	KindAudioDelta:           "audio_delta",
	KindAudioDone:            "audio_done",
	KindSpeechStarted:        "speech_started",
	KindTranscriptDelta:      "transcript_delta",
	KindTranscriptDone:       "transcript_done",
	KindInputTranscriptDelta: "input_transcript_delta",
	KindInputTranscriptDone:  "input_transcript_done",
	KindError:                "error",
	KindSessionCreated:       "session_created",
	KindSessionUpdated:       "session_updated",
}

// String returns the snake_case name of the kind.
func (k EventKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return kindNames[k]
}

// Event is one decoded inbound message. The set of implementations is closed;
// consumers switch over the concrete types below.
type Event interface {
	Kind() EventKind
	event()
}

// AudioDelta carries a fragment of synthesised speech as PCM16 mono at the
// link's output rate.
type AudioDelta struct {
	ItemID string
	Audio  []byte
}

// AudioDone marks the end of the audio for one response item.
type AudioDone struct {
	ItemID string
}

// SpeechStarted signals that server-side VAD detected the user speaking.
type SpeechStarted struct {
	ItemID       string
	AudioStartMs int
}

// TranscriptDelta is a partial transcript of the assistant's speech.
type TranscriptDelta struct {
	Delta string
}

// TranscriptDone is the final transcript of one assistant audio item.
type TranscriptDone struct {
	Text string
}

// InputTranscriptDelta is a partial transcript of the user's speech.
type InputTranscriptDelta struct {
	Delta string
}

// InputTranscriptDone is the final transcript of one user utterance.
type InputTranscriptDone struct {
	Text string
}

// Error is an error reported by the service.
type Error struct {
	Detail ErrorDetail
}

// SessionCreated acknowledges a new connection.
type SessionCreated struct{}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct{}

// Unknown is any message type the relay does not act on.
type Unknown struct {
	Type string
	Raw  []byte
}

// ErrorDetail is the nested error object of an "error" event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// String formats the detail for logs and error messages.
func (d ErrorDetail) String() string {
	msg := d.Message
	if msg == "" {
		msg = "unknown error"
	}
	if d.Code != "" {
		return fmt.Sprintf("%s (%s/%s)", msg, d.Type, d.Code)
	}
	if d.Type != "" {
		return fmt.Sprintf("%s (%s)", msg, d.Type)
	}
	return msg
}

func (AudioDelta) Kind() EventKind           { return KindAudioDelta }
func (AudioDone) Kind() EventKind            { return KindAudioDone }
func (SpeechStarted) Kind() EventKind        { return KindSpeechStarted }
func (TranscriptDelta) Kind() EventKind      { return KindTranscriptDelta }
func (TranscriptDone) Kind() EventKind       { return KindTranscriptDone }
func (InputTranscriptDelta) Kind() EventKind { return KindInputTranscriptDelta }
func (InputTranscriptDone) Kind() EventKind  { return KindInputTranscriptDone }
func (Error) Kind() EventKind                { return KindError }
func (SessionCreated) Kind() EventKind       { return KindSessionCreated }
func (SessionUpdated) Kind() EventKind       { return KindSessionUpdated }
func (Unknown) Kind() EventKind              { return KindUnknown }

func (AudioDelta) event()           {}
func (AudioDone) event()            {}
func (SpeechStarted) event()        {}
func (TranscriptDelta) event()      {}
func (TranscriptDone) event()       {}
func (InputTranscriptDelta) event() {}
func (InputTranscriptDone) event()  {}
func (Error) event()                {}
func (SessionCreated) event()       {}
func (SessionUpdated) event()       {}
func (Unknown) event()              {}

// ── Wire decoding ──────────────────────────────────────────────────────────────

// serverEvent is the union of the inbound fields the relay reads.
type serverEvent struct {
	Type         string       `json:"type"`
	ItemID       string       `json:"item_id,omitempty"`
	Delta        string       `json:"delta,omitempty"`
	Transcript   string       `json:"transcript,omitempty"`
	AudioStartMs int          `json:"audio_start_ms,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
}

// Decode parses one inbound message. Messages with an unrecognised type decode
// to [Unknown]; malformed JSON and undecodable audio payloads return an error.
func Decode(data []byte) (Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("realtime: decode event: %w", err)
	}

	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return nil, fmt.Errorf("realtime: decode %s payload: %w", evt.Type, err)
		}
		return AudioDelta{ItemID: evt.ItemID, Audio: pcm}, nil

	case "response.audio.done", "response.output_audio.done":
		return AudioDone{ItemID: evt.ItemID}, nil

	case "input_audio_buffer.speech_started":
		return SpeechStarted{ItemID: evt.ItemID, AudioStartMs: evt.AudioStartMs}, nil

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return TranscriptDelta{Delta: evt.Delta}, nil

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return TranscriptDone{Text: evt.Transcript}, nil

	case "conversation.item.input_audio_transcription.delta":
		return InputTranscriptDelta{Delta: evt.Delta}, nil

	case "conversation.item.input_audio_transcription.completed":
		return InputTranscriptDone{Text: evt.Transcript}, nil

	case "error":
		var detail ErrorDetail
		if evt.Error != nil {
			detail = *evt.Error
		}
		return Error{Detail: detail}, nil

	case "session.created":
		return SessionCreated{}, nil

	case "session.updated":
		return SessionUpdated{}, nil

	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		return Unknown{Type: evt.Type, Raw: raw}, nil
	}
}
