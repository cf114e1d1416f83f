package bridge

import (
	"context"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// FlushResult reports how many queued items a flush discarded.
type FlushResult struct {
	Pacer    int
	Downlink int
}

// Total returns the number of discarded items across both queues.
func (r FlushResult) Total() int { return r.Pacer + r.Downlink }

// Flusher empties the output path when the user barges in.
//
// Flushing is local: the speech service cancels its own response when its
// voice activity detector fires.
type Flusher struct {
	pacer    *audio.Queue[audio.AudioFrame]
	downlink *audio.Queue[[]byte]
	reset    func()
	metrics  *observe.Metrics
}

// NewFlusher returns a Flusher for the given queues. reset, when non-nil, runs
// between draining the downlink input and draining the pacer queue.
func NewFlusher(pacer *audio.Queue[audio.AudioFrame], downlink *audio.Queue[[]byte], reset func(), m *observe.Metrics) *Flusher {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Flusher{pacer: pacer, downlink: downlink, reset: reset, metrics: m}
}

// Flush drains both queues without blocking. A frame produced concurrently may
// survive it.
func (f *Flusher) Flush(ctx context.Context) FlushResult {
	var res FlushResult
	res.Downlink = f.downlink.Drain()
	if f.reset != nil {
		f.reset()
	}
	res.Pacer = f.pacer.Drain()
	f.metrics.RecordFlush(ctx, res.Pacer, res.Downlink)
	return res
}
