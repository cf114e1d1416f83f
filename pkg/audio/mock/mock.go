// Package mock provides an in-memory [audio.Peer] for unit tests.
//
// The mock is safe for concurrent use. It records calls so tests can assert on
// them, and exposes channels for injecting inbound audio and collecting the
// frames the relay plays.
//
// Typical usage:
//
//	peer := mock.NewPeer()
//	peer.Inbound <- audio.AudioFrame{...}   // simulate microphone audio
//	frame := <-peer.Played                   // observe paced output
//	peer.SetState(audio.PeerFailed)          // simulate a dropped call
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

var _ audio.Peer = (*Peer)(nil)

// Peer is a mock implementation of [audio.Peer].
type Peer struct {
	// Inbound feeds the peer's Source. Close it to signal end of stream.
	Inbound chan audio.AudioFrame

	// Played receives every frame pulled by Play.
	Played chan audio.AudioFrame

	// CloseError is returned by Close.
	CloseError error

	mu sync.Mutex

	// RecvError, when set, is returned by Source().Recv instead of reading
	// Inbound.
	RecvError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountPlay records how many times Play was called.
	CallCountPlay int

	// CallCountRecv records how many times Source().Recv was called.
	CallCountRecv int

	callbacks []func(audio.PeerState)
	closed    chan struct{}
	playWG    sync.WaitGroup
}

// NewPeer returns a Peer with buffered Inbound and Played channels.
func NewPeer() *Peer {
	return &Peer{
		Inbound: make(chan audio.AudioFrame, 64),
		Played:  make(chan audio.AudioFrame, 256),
		closed:  make(chan struct{}),
	}
}

// Source implements [audio.Peer].
func (p *Peer) Source() audio.Source { return source{p} }

type source struct{ p *Peer }

func (s source) Recv(ctx context.Context) (audio.AudioFrame, error) {
	s.p.mu.Lock()
	s.p.CallCountRecv++
	recvErr := s.p.RecvError
	s.p.mu.Unlock()
	if recvErr != nil {
		return audio.AudioFrame{}, recvErr
	}

	select {
	case <-ctx.Done():
		return audio.AudioFrame{}, ctx.Err()
	case <-s.p.closed:
		return audio.AudioFrame{}, io.EOF
	case f, ok := <-s.p.Inbound:
		if !ok {
			return audio.AudioFrame{}, io.EOF
		}
		return f, nil
	}
}

// Play implements [audio.Peer]. Frames pulled from src are sent to Played.
func (p *Peer) Play(ctx context.Context, src audio.FrameSource) {
	p.mu.Lock()
	p.CallCountPlay++
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.playWG.Add(1)
	go func() {
		defer p.playWG.Done()
		defer cancel()
		go func() {
			select {
			case <-p.closed:
				cancel()
			case <-ctx.Done():
			}
		}()
		for {
			f, err := src.Next(ctx)
			if err != nil {
				return
			}
			select {
			case p.Played <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// OnStateChange implements [audio.Peer].
func (p *Peer) OnStateChange(cb func(audio.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// SetState invokes every registered state callback with s.
func (p *Peer) SetState(s audio.PeerState) {
	p.mu.Lock()
	cbs := make([]func(audio.PeerState), len(p.callbacks))
	copy(cbs, p.callbacks)
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

// Close implements [audio.Peer]. It stops Play and unblocks Source readers,
// then waits for the play goroutine to exit.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.CallCountClose++
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	err := p.CloseError
	p.mu.Unlock()
	p.playWG.Wait()
	return err
}

// Closed reports whether Close has been called.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Counts returns the Close, Play and Recv call counts under the lock.
func (p *Peer) Counts() (closeCalls, playCalls, recvCalls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountClose, p.CallCountPlay, p.CallCountRecv
}
