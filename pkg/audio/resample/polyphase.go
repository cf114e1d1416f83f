package resample

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// pcmScale maps int16 samples onto [-1, 1) and back.
const pcmScale = 32768.0

// polyphase wraps a pure Go windowed-sinc resampler. The library filters one
// mono stream per instance, so interleaved input is split into one resampler
// per channel and joined again on the way out. The filter introduces a fixed
// group delay; Flush drains it.
type polyphase struct {
	src, dst audio.Format
	chans    []resampling.Resampler
}

func newPolyphase(src, dst audio.Format) (*polyphase, error) {
	p := &polyphase{src: src, dst: dst, chans: make([]resampling.Resampler, src.Channels)}
	for i := range p.chans {
		r, err := resampling.New(&resampling.Config{
			InputRate:  float64(src.SampleRate),
			OutputRate: float64(dst.SampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("resample: create polyphase %s -> %s: %w", src, dst, err)
		}
		p.chans[i] = r
	}
	return p, nil
}

func (p *polyphase) Src() audio.Format { return p.src }
func (p *polyphase) Dst() audio.Format { return p.dst }

func (p *polyphase) Process(pcm []byte) ([]byte, error) {
	if err := checkFrames(pcm, p.src); err != nil {
		return nil, err
	}
	nch := len(p.chans)
	frames := len(pcm) / p.src.BytesPerFrame()
	outs := make([][]float64, nch)
	for c, r := range p.chans {
		in := make([]float64, frames)
		for i := range in {
			off := (i*nch + c) * 2
			in[i] = float64(int16(pcm[off])|int16(pcm[off+1])<<8) / pcmScale
		}
		out, err := r.Process(in)
		if err != nil {
			return nil, fmt.Errorf("resample: polyphase process: %w", err)
		}
		outs[c] = out
	}
	return interleave(outs), nil
}

// Flush drains the filter tail of every channel and resets the filters so the
// next Process starts a fresh stream.
func (p *polyphase) Flush() ([]byte, error) {
	outs := make([][]float64, len(p.chans))
	for c, r := range p.chans {
		out, err := r.Flush()
		if err != nil {
			return nil, fmt.Errorf("resample: polyphase flush: %w", err)
		}
		outs[c] = out
		r.Reset()
	}
	return interleave(outs), nil
}

// interleave joins per-channel float samples into int16 frames. Channels may
// come back with slightly different lengths; only whole frames are emitted.
func interleave(chans [][]float64) []byte {
	n := len(chans[0])
	for _, ch := range chans[1:] {
		n = min(n, len(ch))
	}
	nch := len(chans)
	b := make([]byte, n*nch*2)
	for i := range n {
		for c, ch := range chans {
			v := toInt16(ch[i])
			off := (i*nch + c) * 2
			b[off] = byte(v)
			b[off+1] = byte(v >> 8)
		}
	}
	return b
}

func toInt16(s float64) int16 {
	v := s * pcmScale
	switch {
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	default:
		return int16(v)
	}
}
