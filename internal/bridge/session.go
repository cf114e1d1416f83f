// Package bridge relays audio between one peer and one speech service link.
//
// A [Session] owns four loops: the [Uplink] converts peer audio into link
// chunks, the [Router] consumes link events, the [Downlink] converts link
// audio into peer frames, and the peer's sender pulls those frames through
// the [Pacer]. A user speaking over the response triggers the [Flusher],
// which empties every queue between the link and the peer.
//
// Sessions are tracked in an injected [Registry] from the moment their
// handshake succeeds until they close.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/wav"
	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// SessionState is the lifecycle state of a [Session].
type SessionState int

const (
	SessionInitializing SessionState = iota
	SessionActive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionInitializing:
		return "initializing"
	case SessionActive:
		return "active"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Deps holds the collaborators shared by every session.
type Deps struct {
	// Dialer opens the speech service link. Required.
	Dialer Dialer

	// Registry tracks live sessions. Required.
	Registry *Registry

	// Config tunes the audio pipeline.
	Config Config

	// Transcripts receives completed utterances. Optional.
	Transcripts TranscriptSink

	// Clock drives the pacer. Default: [SystemClock].
	Clock Clock

	// Metrics records session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is enriched with the session ID. Default: [slog.Default].
	Logger *slog.Logger
}

// Session is one live relay between a peer and a speech service link.
type Session struct {
	id       string
	log      *slog.Logger
	link     Link
	peer     audio.Peer
	registry *Registry
	metrics  *observe.Metrics

	pacer    *Pacer
	downlink *Downlink
	flusher  *Flusher
	recorder io.Closer
	started  time.Time

	cancel    context.CancelFunc
	groupDone chan struct{}
	groupErr  error

	mu     sync.Mutex
	state  SessionState
	closed chan struct{}
}

// Start dials the speech service and starts relaying between it and peer.
//
// If the handshake fails, peer is closed and a [*SetupError] is returned;
// nothing is registered and no goroutine is left running. The session outlives
// ctx; call [Session.Close] to end it.
func Start(ctx context.Context, id string, deps Deps, peer audio.Peer) (*Session, error) {
	cfg := deps.Config.withDefaults()
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	log := base.With("session_id", id)

	ctx, span := observe.StartSessionSpan(ctx, observe.SpanSessionStart, id)
	defer span.End()

	link, err := deps.Dialer.Dial(ctx)
	if err != nil {
		var se *SetupError
		if !errors.As(err, &se) {
			se = &SetupError{Stage: realtime.StageConnect, Err: err}
		}
		_ = peer.Close()
		m.RecordSetupFailure(ctx, se.Stage)
		observe.FailSpan(span, se, "setup failed")
		observe.WithTrace(ctx, log).Warn("bridge: session setup failed", "stage", se.Stage, "err", se)
		return nil, se
	}

	s, err := newSession(id, cfg, deps, link, peer, m, log)
	if err != nil {
		_ = link.Close()
		_ = peer.Close()
		observe.FailSpan(span, err, "session build failed")
		return nil, err
	}

	m.ActiveSessions.Add(ctx, 1)
	s.run(context.WithoutCancel(ctx), cfg, deps.Transcripts)

	// A session that already ended on its own is never registered.
	s.mu.Lock()
	if s.state == SessionActive {
		err = deps.Registry.Add(s)
	} else {
		err = fmt.Errorf("bridge: session %s ended during setup: %w", id, ErrTransportClosed)
	}
	s.mu.Unlock()
	if err != nil {
		_ = s.Close()
		observe.FailSpan(span, err, "register failed")
		return nil, err
	}

	observe.WithTrace(ctx, log).Info("bridge: session started",
		"peer_format", cfg.PeerFormat,
		"link_rate", cfg.LinkSampleRate,
		"resampler", cfg.Resampler,
		"recording", s.recorder != nil,
	)
	return s, nil
}

// newSession builds the queues and converters of a session.
func newSession(id string, cfg Config, deps Deps, link Link, peer audio.Peer, m *observe.Metrics, log *slog.Logger) (*Session, error) {
	pacerQ := audio.NewQueue[audio.AudioFrame](cfg.PacerQueue)
	downQ := audio.NewQueue[[]byte](cfg.DownlinkQueue)

	down, err := NewDownlink(downQ, pacerQ, cfg, m, log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        id,
		log:       log,
		link:      link,
		peer:      peer,
		registry:  deps.Registry,
		metrics:   m,
		pacer:     NewPacer(pacerQ, cfg.PeerFormat.SampleRate, cfg.Slice, cfg.Margin, deps.Clock, m),
		downlink:  down,
		flusher:   NewFlusher(pacerQ, downQ, down.Reset, m),
		started:   time.Now(),
		groupDone: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	return s, nil
}

// run starts the session loops. ctx carries values only.
func (s *Session) run(ctx context.Context, cfg Config, sink TranscriptSink) {
	var tap io.Writer
	if cfg.RecordDir != "" {
		w, err := openRecording(cfg.RecordDir, s.id, cfg.LinkSampleRate)
		if err != nil {
			s.log.Warn("bridge: recording disabled", "dir", cfg.RecordDir, "err", err)
		} else {
			s.recorder = w
			tap = w
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(sessCtx)

	up := NewUplink(s.peer.Source(), s.link, cfg, tap, s.metrics, s.log)
	router := NewRouter(s.id, s.link, s.downlink.in, s.flusher, sink, s.metrics, s.log)

	g.Go(func() error {
		s.isolate(StageUplink, up.Run(gctx))
		return nil
	})
	g.Go(func() error {
		s.isolate(StageDownlink, s.downlink.Run(gctx))
		return nil
	})
	g.Go(func() error {
		return router.Run(gctx)
	})

	s.mu.Lock()
	s.state = SessionActive
	s.mu.Unlock()

	go func() {
		s.groupErr = g.Wait()
		close(s.groupDone)
		if s.groupErr != nil {
			s.log.Info("bridge: session ending", "reason", s.groupErr)
		}
		_ = s.Close()
	}()

	s.peer.OnStateChange(func(st audio.PeerState) {
		s.log.Debug("bridge: peer state changed", "state", st)
		if st.Terminal() {
			go s.Close()
		}
	})
	s.peer.Play(sessCtx, s.pacer)
}

// isolate logs a loop error that must not end the session.
func (s *Session) isolate(stage string, err error) {
	if err == nil {
		return
	}
	var ce *ConversionError
	if errors.As(err, &ce) {
		s.log.Warn("bridge: conversion loop stopped", "stage", stage, "err", err)
		return
	}
	s.log.Warn("bridge: loop stopped", "stage", stage, "err", err)
}

func openRecording(dir, id string, rate int) (*wav.Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bridge: create record dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, id+".wav"))
	if err != nil {
		return nil, fmt.Errorf("bridge: create recording: %w", err)
	}
	w, err := wav.NewWriter(f, rate, 1)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pacer returns the session's output pacer.
func (s *Session) Pacer() *Pacer { return s.pacer }

// Flush empties the output path as a barge-in would.
func (s *Session) Flush(ctx context.Context) FlushResult { return s.flusher.Flush(ctx) }

// Done is closed once the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the reason the session loops ended on their own, such as an
// error wrapping [ErrLinkClosed]. It is nil while the loops run and for a
// session ended by Close.
func (s *Session) Err() error {
	select {
	case <-s.groupDone:
		return s.groupErr
	default:
		return nil
	}
}

// Close tears the session down: it stops every loop, closes the link and the
// peer, and unregisters the session. It is idempotent; concurrent callers
// wait for the first to finish.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state != SessionActive {
		s.mu.Unlock()
		<-s.closed
		return nil
	}
	s.state = SessionClosing
	s.mu.Unlock()

	s.cancel()
	var errs []error
	if err := s.link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bridge: close link: %w", err))
	}
	if err := s.peer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bridge: close peer: %w", err))
	}
	<-s.groupDone
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bridge: close recording: %w", err))
		}
	}
	s.registry.drop(s)
	s.metrics.ActiveSessions.Add(context.Background(), -1)

	s.mu.Lock()
	s.state = SessionClosed
	s.mu.Unlock()
	close(s.closed)

	s.log.Info("bridge: session closed",
		"duration", time.Since(s.started).Round(time.Millisecond),
		"frames", s.pacer.Delivered(),
	)
	return errors.Join(errs...)
}
