package resample

import (
	"math"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// linear interpolates between neighbouring input samples. Output sample k maps
// to input position k*src/dst, computed in integers so that no drift builds up
// over long streams. The last input frame is held back until its successor
// arrives (or Flush is called).
type linear struct {
	src, dst audio.Format

	// out counts output frames produced so far.
	out int64
	// base is the absolute input frame index of pending[0].
	base int64
	// pending holds interleaved input samples from base onwards.
	pending []int16
}

func newLinear(src, dst audio.Format) *linear {
	return &linear{src: src, dst: dst}
}

func (l *linear) Src() audio.Format { return l.src }
func (l *linear) Dst() audio.Format { return l.dst }

func (l *linear) Process(pcm []byte) ([]byte, error) {
	if err := checkFrames(pcm, l.src); err != nil {
		return nil, err
	}
	l.pending = append(l.pending, audio.BytesToInt16s(pcm)...)
	return l.run(false), nil
}

func (l *linear) Flush() ([]byte, error) {
	out := l.run(true)
	return out, nil
}

// run emits every output frame whose interpolation inputs are available. With
// final set, the last frame is extended by holding its value.
func (l *linear) run(final bool) []byte {
	ch := l.src.Channels
	srcRate, dstRate := int64(l.src.SampleRate), int64(l.dst.SampleRate)
	avail := int64(len(l.pending) / ch)

	var out []int16
	for {
		num := l.out * srcRate
		idx := num/dstRate - l.base
		if idx >= avail || (!final && idx+1 >= avail) {
			break
		}
		frac := float64(num%dstRate) / float64(dstRate)
		next := idx + 1
		if next >= avail {
			next = idx
		}
		for c := range ch {
			s0 := float64(l.pending[idx*int64(ch)+int64(c)])
			s1 := float64(l.pending[next*int64(ch)+int64(c)])
			out = append(out, int16(math.Round(s0+(s1-s0)*frac)))
		}
		l.out++
	}

	// Forget input frames no later output can reference.
	keepFrom := l.out*srcRate/dstRate - l.base
	if keepFrom > avail {
		keepFrom = avail
	}
	if keepFrom > 0 {
		n := copy(l.pending, l.pending[keepFrom*int64(ch):])
		l.pending = l.pending[:n]
		l.base += keepFrom
	}
	return audio.Int16sToBytes(out)
}
