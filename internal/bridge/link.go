package bridge

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// Link is the speech service connection a session talks to. [realtime.Link]
// implements it.
type Link interface {
	// SendAudio appends one chunk of mono PCM16 to the service input buffer.
	SendAudio(ctx context.Context, pcm []byte) error

	// Events returns inbound events in arrival order. The channel is closed
	// when the link stops.
	Events() <-chan realtime.Event

	// Done is closed when the link stops for any reason.
	Done() <-chan struct{}

	// Err returns the failure that stopped the link, or nil.
	Err() error

	// Close shuts the link down. Idempotent.
	Close() error
}

var _ Link = (*realtime.Link)(nil)

// Dialer opens a ready-to-use [Link]. Handshake failures are reported as
// [*SetupError].
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context) (Link, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context) (Link, error) { return f(ctx) }

// RealtimeDialer returns a [Dialer] that connects with [realtime.Dial].
func RealtimeDialer(dc realtime.DialConfig, sc realtime.SessionConfig) Dialer {
	return DialerFunc(func(ctx context.Context) (Link, error) {
		l, err := realtime.Dial(ctx, dc, sc)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
}
