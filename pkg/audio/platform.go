// Package audio defines the frame types, PCM helpers and stream primitives
// shared by the voxrelay pipeline.
//
// The two stream abstractions are:
//
//   - [Source]: a pull-based producer of captured [AudioFrame] values (the
//     peer's microphone, after codec decoding).
//   - [FrameSource]: a pull-based producer of frames ready for playback.
//     The peer transport calls Next at its own cadence; implementations may
//     block to meter delivery.
//
// Implementations live in transport adapter packages (e.g., audio/webrtc) and
// in the relay core.
package audio

import (
	"context"
	"io"
)

// Source yields captured audio frames.
//
// Recv blocks until a frame is available. It returns [io.EOF] when the stream
// has ended, [ErrNotAudio] when the transport delivered a non-audio frame, and
// ctx.Err() when ctx is cancelled.
type Source interface {
	Recv(ctx context.Context) (AudioFrame, error)
}

// FrameSource hands out frames ready for playback, one per call.
//
// Next blocks until a frame is available or ctx is done. Returned frames carry
// strictly increasing PTS values in a fixed time base.
type FrameSource interface {
	Next(ctx context.Context) (AudioFrame, error)
}

// ChanSource adapts a receive-only channel to the [Source] interface. A closed
// channel reports [io.EOF].
type ChanSource <-chan AudioFrame

// Recv implements [Source].
func (c ChanSource) Recv(ctx context.Context) (AudioFrame, error) {
	select {
	case <-ctx.Done():
		return AudioFrame{}, ctx.Err()
	case f, ok := <-c:
		if !ok {
			return AudioFrame{}, io.EOF
		}
		return f, nil
	}
}

// PeerState is the connection state reported by a [Peer].
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

var peerStateNames = [...]string{"new", "connecting", "connected", "disconnected", "failed", "closed"}

func (s PeerState) String() string {
	if s < 0 || int(s) >= len(peerStateNames) {
		return "unknown"
	}
	return peerStateNames[s]
}

// Terminal reports whether the state ends the connection for good.
func (s PeerState) Terminal() bool {
	return s == PeerFailed || s == PeerClosed
}

// Peer is one remote participant exchanging audio with the relay.
//
// Implementations must be safe for concurrent use. Close is idempotent.
type Peer interface {
	// Source returns the participant's decoded inbound audio.
	Source() Source

	// Play starts delivering frames pulled from src to the participant. It
	// returns immediately; delivery stops when ctx is done, src returns an
	// error, or the peer is closed.
	Play(ctx context.Context, src FrameSource)

	// OnStateChange registers a callback for connection state changes. The
	// callback runs on a transport goroutine and must not block.
	OnStateChange(func(PeerState))

	// Close tears down the connection.
	Close() error
}
