package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// Role identifies the speaker of a [Transcript].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is one completed utterance.
type Transcript struct {
	SessionID string
	Role      Role
	Text      string
}

// TranscriptSink receives completed transcripts. Implementations must not
// block for long; they run on the router goroutine.
type TranscriptSink interface {
	OnTranscript(ctx context.Context, t Transcript)
}

// TranscriptFunc adapts a function to the [TranscriptSink] interface.
type TranscriptFunc func(ctx context.Context, t Transcript)

// OnTranscript implements [TranscriptSink].
func (f TranscriptFunc) OnTranscript(ctx context.Context, t Transcript) { f(ctx, t) }

// Router is the single consumer of a link's events. It forwards audio to the
// downlink queue, flushes on barge-in and reports transcripts and errors.
type Router struct {
	sessionID string
	link      Link
	downlink  *audio.Queue[[]byte]
	flusher   *Flusher
	sink      TranscriptSink
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewRouter returns a Router for link. sink may be nil.
func NewRouter(sessionID string, link Link, downlink *audio.Queue[[]byte], flusher *Flusher, sink TranscriptSink, m *observe.Metrics, log *slog.Logger) *Router {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sessionID: sessionID,
		link:      link,
		downlink:  downlink,
		flusher:   flusher,
		sink:      sink,
		metrics:   m,
		log:       log,
	}
}

// Run dispatches events in arrival order. It returns nil when ctx is done and
// an error wrapping [ErrLinkClosed] when the link stops.
func (r *Router) Run(ctx context.Context) error {
	events := r.link.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := r.link.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrLinkClosed, err)
				}
				return ErrLinkClosed
			}
			r.dispatch(ctx, evt)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, evt realtime.Event) {
	switch e := evt.(type) {
	case realtime.AudioDelta:
		if len(e.Audio) == 0 {
			return
		}
		if r.downlink.Push(e.Audio) {
			r.metrics.RecordQueueOverflow(ctx, "downlink")
		}

	case realtime.AudioDone:
		// End of one response; the pacer keeps draining what is queued.

	case realtime.SpeechStarted:
		res := r.flusher.Flush(ctx)
		r.log.Info("bridge: barge-in flush",
			"item_id", e.ItemID,
			"pacer_dropped", res.Pacer,
			"downlink_dropped", res.Downlink,
		)

	case realtime.TranscriptDelta, realtime.InputTranscriptDelta:

	// Transcripts are logged by the sink, not here.
	case realtime.TranscriptDone:
		r.emit(ctx, RoleAssistant, e.Text)

	case realtime.InputTranscriptDone:
		r.emit(ctx, RoleUser, e.Text)

	case realtime.Error:
		r.metrics.RecordProviderError(ctx, e.Detail.Type, e.Detail.Code)
		r.log.Warn("bridge: speech service error",
			"type", e.Detail.Type,
			"code", e.Detail.Code,
			"message", e.Detail.Message,
			"param", e.Detail.Param,
			"event_id", e.Detail.EventID,
		)

	case realtime.SessionCreated, realtime.SessionUpdated:
		r.log.Debug("bridge: ignoring lifecycle event", "kind", e.Kind())

	case realtime.Unknown:
		r.log.Debug("bridge: ignoring event", "type", e.Type)

	default:
		r.log.Debug("bridge: unhandled event", "kind", evt.Kind())
	}
}

func (r *Router) emit(ctx context.Context, role Role, text string) {
	if r.sink == nil {
		return
	}
	r.sink.OnTranscript(ctx, Transcript{SessionID: r.sessionID, Role: role, Text: text})
}
