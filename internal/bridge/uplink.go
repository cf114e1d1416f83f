package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/resample"
)

// Uplink converts peer audio into fixed-duration mono chunks for the speech
// service.
//
// Each frame is downmixed, resampled to the link rate by a resampler that
// persists across frames, and cut into chunks of exactly one slice. Inbound
// timestamps are ignored.
type Uplink struct {
	src     audio.Source
	link    Link
	kind    resample.Kind
	dst     audio.Format
	slicer  *audio.Slicer
	tap     io.Writer
	metrics *observe.Metrics
	log     *slog.Logger

	rs   resample.Resampler
	sent int64
}

// NewUplink returns an Uplink reading from src and sending to link. When tap
// is non-nil every chunk is also written to it.
func NewUplink(src audio.Source, link Link, cfg Config, tap io.Writer, m *observe.Metrics, log *slog.Logger) *Uplink {
	cfg = cfg.withDefaults()
	dst := cfg.linkFormat()
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Uplink{
		src:     src,
		link:    link,
		kind:    cfg.Resampler,
		dst:     dst,
		slicer:  audio.NewSlicer(dst.BytesPer(cfg.Slice)),
		tap:     tap,
		metrics: m,
		log:     log,
	}
}

// Run relays audio until the source ends or ctx is done, both of which return
// nil. A frame that cannot be converted ends the loop with a
// [*ConversionError]; a failed send ends it with the link error.
func (u *Uplink) Run(ctx context.Context) error {
	for {
		frame, err := u.src.Recv(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, audio.ErrNotAudio):
				u.log.Debug("bridge: uplink source ended", "reason", err, "chunks", u.sent)
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("bridge: uplink: recv: %w", err)
			}
		}

		chunks, err := u.convert(frame)
		if err != nil {
			u.metrics.RecordConversionError(ctx, StageUplink)
			u.log.Warn("bridge: uplink conversion failed", "format", frame.Format(), "bytes", len(frame.Data), "err", err)
			return &ConversionError{Stage: StageUplink, Err: err}
		}

		for _, chunk := range chunks {
			if err := u.link.SendAudio(ctx, chunk); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("bridge: uplink: send: %w", err)
			}
			u.sent++
			u.metrics.UplinkChunks.Add(ctx, 1)
			if u.tap != nil {
				if _, err := u.tap.Write(chunk); err != nil {
					u.log.Warn("bridge: recording disabled", "err", err)
					u.tap = nil
				}
			}
		}
	}
}

// Sent returns the number of chunks sent. Only valid after Run returned.
func (u *Uplink) Sent() int64 { return u.sent }

// convert turns one frame into zero or more link chunks.
func (u *Uplink) convert(frame audio.AudioFrame) ([][]byte, error) {
	if frame.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", frame.SampleRate)
	}
	mono, err := audio.Downmix(frame.Data, frame.Channels)
	if err != nil {
		return nil, err
	}

	if u.rs == nil || u.rs.Src().SampleRate != frame.SampleRate {
		if u.rs != nil {
			u.log.Debug("bridge: uplink input rate changed", "from", u.rs.Src().SampleRate, "to", frame.SampleRate)
		}
		u.rs, err = resample.New(u.kind, frame.SampleRate, u.dst.SampleRate, 1)
		if err != nil {
			return nil, err
		}
	}

	pcm, err := u.rs.Process(mono)
	if err != nil {
		return nil, err
	}
	return u.slicer.Push(pcm), nil
}
