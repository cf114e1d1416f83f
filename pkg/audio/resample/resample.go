// Package resample converts 16-bit PCM between sample rates while keeping
// conversion state across calls, so a stream fed in arbitrary pieces produces
// the same output as the whole stream fed at once.
//
// Two implementations are provided: [KindLinear], an exact-position linear
// interpolator with no filter delay, and [KindPolyphase], a windowed-sinc
// resampler backed by github.com/tphakala/go-audio-resampling.
package resample

import (
	"fmt"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Kind selects a resampler implementation.
type Kind string

const (
	// KindLinear selects the linear interpolator.
	KindLinear Kind = "linear"

	// KindPolyphase selects the high-quality polyphase resampler.
	KindPolyphase Kind = "polyphase"
)

// IsValid reports whether k names a known implementation.
func (k Kind) IsValid() bool {
	return k == KindLinear || k == KindPolyphase
}

// Resampler converts interleaved int16 PCM from one sample rate to another.
// Implementations are stateful and not safe for concurrent use; create one per
// stream.
type Resampler interface {
	// Process consumes pcm at the source rate and returns whatever output is
	// ready at the destination rate. Input must hold whole frames.
	Process(pcm []byte) ([]byte, error)

	// Flush returns output still held back for lookahead, treating the stream
	// as ended. The resampler may be reused afterwards.
	Flush() ([]byte, error)

	// Src and Dst return the source and destination formats.
	Src() audio.Format
	Dst() audio.Format
}

// New returns a Resampler of the given kind converting channels-channel audio
// from srcRate to dstRate. When the rates match a passthrough is returned.
func New(kind Kind, srcRate, dstRate, channels int) (Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resample: invalid rates %d -> %d", srcRate, dstRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("resample: invalid channel count %d", channels)
	}
	src := audio.Format{SampleRate: srcRate, Channels: channels}
	dst := audio.Format{SampleRate: dstRate, Channels: channels}
	if srcRate == dstRate {
		return &passthrough{src: src}, nil
	}
	switch kind {
	case KindLinear, "":
		return newLinear(src, dst), nil
	case KindPolyphase:
		return newPolyphase(src, dst)
	default:
		return nil, fmt.Errorf("resample: unknown kind %q", kind)
	}
}

// checkFrames validates that pcm holds whole frames of f.
func checkFrames(pcm []byte, f audio.Format) error {
	if len(pcm)%f.BytesPerFrame() != 0 {
		return fmt.Errorf("resample: %d bytes is not a whole number of %s frames: %w",
			len(pcm), f, audio.ErrOddLength)
	}
	return nil
}

type passthrough struct {
	src audio.Format
}

func (p *passthrough) Process(pcm []byte) ([]byte, error) {
	if err := checkFrames(pcm, p.src); err != nil {
		return nil, err
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

func (p *passthrough) Flush() ([]byte, error) { return nil, nil }
func (p *passthrough) Src() audio.Format      { return p.src }
func (p *passthrough) Dst() audio.Format      { return p.src }
