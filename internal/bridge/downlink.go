package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/resample"
)

// Downlink converts speech service audio into peer-ready frames.
//
// Payloads are cut into slice-sized windows at the link rate, resampled to the
// peer rate by a session-scoped resampler, re-cut into exactly one slice per
// frame, widened to the peer channel layout and queued for the [Pacer].
// Partial windows carry over between payloads until [Downlink.Reset].
type Downlink struct {
	in      *audio.Queue[[]byte]
	out     *audio.Queue[audio.AudioFrame]
	kind    resample.Kind
	src     audio.Format
	dst     audio.Format
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	inSlice  *audio.Slicer
	outSlice *audio.Slicer
	rs       resample.Resampler
	frames   int64
}

// NewDownlink returns a Downlink reading payloads from in and queueing frames
// on out.
func NewDownlink(in *audio.Queue[[]byte], out *audio.Queue[audio.AudioFrame], cfg Config, m *observe.Metrics, log *slog.Logger) (*Downlink, error) {
	cfg = cfg.withDefaults()
	if cfg.PeerFormat.Channels > 2 {
		return nil, fmt.Errorf("bridge: downlink: unsupported peer channel count %d", cfg.PeerFormat.Channels)
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	src := cfg.linkFormat()
	mono := audio.Format{SampleRate: cfg.PeerFormat.SampleRate, Channels: 1}
	d := &Downlink{
		in:       in,
		out:      out,
		kind:     cfg.Resampler,
		src:      src,
		dst:      cfg.PeerFormat,
		metrics:  m,
		log:      log,
		inSlice:  audio.NewSlicer(src.BytesPer(cfg.Slice)),
		outSlice: audio.NewSlicer(mono.BytesPer(cfg.Slice)),
	}
	if err := d.newResampler(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Downlink) newResampler() error {
	rs, err := resample.New(d.kind, d.src.SampleRate, d.dst.SampleRate, 1)
	if err != nil {
		return fmt.Errorf("bridge: downlink: %w", err)
	}
	d.rs = rs
	return nil
}

// Run converts payloads until ctx is done, which returns nil. A payload that
// cannot be converted ends the loop with a [*ConversionError].
func (d *Downlink) Run(ctx context.Context) error {
	for {
		payload, err := d.in.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := d.process(ctx, payload); err != nil {
			d.metrics.RecordConversionError(ctx, StageDownlink)
			d.log.Warn("bridge: downlink conversion failed", "bytes", len(payload), "err", err)
			return &ConversionError{Stage: StageDownlink, Err: err}
		}
	}
}

// process converts one payload and queues every completed frame.
func (d *Downlink) process(ctx context.Context, payload []byte) error {
	if len(payload)%2 != 0 {
		return fmt.Errorf("payload of %d bytes: %w", len(payload), audio.ErrOddLength)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, window := range d.inSlice.Push(payload) {
		pcm, err := d.rs.Process(window)
		if err != nil {
			return err
		}
		for _, slice := range d.outSlice.Push(pcm) {
			data := slice
			if d.dst.Channels == 2 {
				data = audio.MonoToStereo(slice)
			}
			frame := audio.AudioFrame{
				Data:       data,
				SampleRate: d.dst.SampleRate,
				Channels:   d.dst.Channels,
			}
			if d.out.Push(frame) {
				d.metrics.RecordQueueOverflow(ctx, "pacer")
			}
			d.frames++
		}
	}
	return nil
}

// Reset discards partial windows and resampler history so audio queued before
// a flush never bleeds into later audio. It waits for an in-progress payload
// to finish.
func (d *Downlink) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inSlice.Reset()
	d.outSlice.Reset()
	if err := d.newResampler(); err != nil {
		// The same parameters succeeded in NewDownlink.
		d.log.Error("bridge: downlink reset failed", "err", err)
	}
}

// Frames returns the number of frames queued so far.
func (d *Downlink) Frames() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}
