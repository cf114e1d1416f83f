package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Clock abstracts time for the [Pacer].
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements [Clock].
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements [Clock].
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PacerState is the delivery state of a [Pacer].
type PacerState int32

const (
	// PacerIdle means no frame has been pulled yet.
	PacerIdle PacerState = iota
	// PacerStreaming means at least one frame has been delivered.
	PacerStreaming
)

func (s PacerState) String() string {
	switch s {
	case PacerIdle:
		return "idle"
	case PacerStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Pacer meters queued output frames to the peer at real-time cadence. It
// implements [audio.FrameSource].
//
// Next must be called from a single goroutine. Delivered and State may be read
// concurrently.
type Pacer struct {
	queue   *audio.Queue[audio.AudioFrame]
	clock   Clock
	metrics *observe.Metrics

	slice        time.Duration
	margin       time.Duration
	sliceSamples int64
	timeBase     int

	delivered atomic.Int64
	state     atomic.Int32
	last      time.Time
}

var _ audio.FrameSource = (*Pacer)(nil)

// NewPacer returns a Pacer draining queue. Frames are stamped in a time base
// of rate ticks per second, one slice apart.
func NewPacer(queue *audio.Queue[audio.AudioFrame], rate int, slice, margin time.Duration, clock Clock, m *observe.Metrics) *Pacer {
	if clock == nil {
		clock = SystemClock{}
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	f := audio.Format{SampleRate: rate, Channels: 1}
	return &Pacer{
		queue:        queue,
		clock:        clock,
		metrics:      m,
		slice:        slice,
		margin:       margin,
		sliceSamples: int64(f.SamplesPer(slice)),
		timeBase:     rate,
	}
}

// Next blocks until a frame is queued, stamps it and waits until it is due.
// A frame that is already late is returned at once; frames are never dropped.
func (p *Pacer) Next(ctx context.Context) (audio.AudioFrame, error) {
	f, err := p.queue.Pop(ctx)
	if err != nil {
		return audio.AudioFrame{}, err
	}

	n := p.delivered.Add(1) - 1
	p.state.Store(int32(PacerStreaming))
	f.PTS = p.sliceSamples * n
	f.TimeBase = p.timeBase

	if !p.last.IsZero() {
		remaining := p.slice - p.clock.Now().Sub(p.last) - p.margin
		if remaining > 0 {
			p.metrics.PacerSleep.Record(ctx, remaining.Seconds())
			if err := p.clock.Sleep(ctx, remaining); err != nil {
				return audio.AudioFrame{}, err
			}
		} else {
			p.metrics.PacerLateFrames.Add(ctx, 1)
		}
	}
	p.last = p.clock.Now()
	p.metrics.PacerFrames.Add(ctx, 1)
	return f, nil
}

// Delivered returns the number of frames handed out so far.
func (p *Pacer) Delivered() int64 { return p.delivered.Load() }

// State returns the current delivery state.
func (p *Pacer) State() PacerState { return PacerState(p.state.Load()) }

// Queue returns the queue the pacer drains.
func (p *Pacer) Queue() *audio.Queue[audio.AudioFrame] { return p.queue }
