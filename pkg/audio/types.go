package audio

import (
	"errors"
	"time"
)

// ErrNotAudio is returned by a [Source] when the transport yields a frame that
// does not carry audio. Consumers treat it like end of stream.
var ErrNotAudio = errors.New("audio: non-audio frame")

// AudioFrame represents a single frame of audio data flowing through the relay.
// Frames are the atomic unit of audio transport between the peer transport and
// the conversion stages.
type AudioFrame struct {
	// Data is little-endian interleaved int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for WebRTC Opus, 24000 for the AI link).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// PTS is the presentation timestamp in units of 1/TimeBase. Frames
	// produced by the pacer use a sample-count clock, so TimeBase equals
	// SampleRate.
	PTS int64

	// TimeBase is the number of PTS ticks per second. Zero means the frame
	// carries no timing information.
	TimeBase int
}

// Format returns the sample format of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Samples returns the number of samples per channel held in Data.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame returns the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return 2 * f.Channels
}

// SamplesPer returns the number of samples per channel covering d.
func (f Format) SamplesPer(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// BytesPer returns the number of PCM bytes covering d.
func (f Format) BytesPer(d time.Duration) int {
	return f.SamplesPer(d) * f.BytesPerFrame()
}

// Duration returns the playback duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := int64(n / f.BytesPerFrame())
	return time.Duration(samples * int64(time.Second) / int64(f.SampleRate))
}

// String returns a human-readable representation, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
