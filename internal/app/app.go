// Package app wires the voxrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the WebRTC platform,
// circuit breaker, health probes and HTTP routes, Run serves until its
// context ends, and Shutdown drains sessions and tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithPlatform, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxrelay/internal/bridge"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/webrtc"
)

// ErrShuttingDown is returned by [App.Attach] once Shutdown has begun.
var ErrShuttingDown = errors.New("app: shutting down")

//go:embed static
var staticFS embed.FS

// App owns all subsystem lifetimes of the relay server.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	platform  *webrtc.Platform
	signaling *webrtc.SignalingServer
	registry  *bridge.Registry
	breaker   *resilience.CircuitBreaker
	health    *health.Handler

	// dialer overrides the realtime dialer built from settings.
	dialer bridge.Dialer
	sink   bridge.TranscriptSink
	clock  bridge.Clock

	current  atomic.Pointer[settings]
	draining atomic.Bool

	serverMu sync.Mutex
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer replaces the speech service dialer. The circuit breaker still
// guards it.
func WithDialer(d bridge.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithPlatform injects a WebRTC platform instead of creating one from config.
func WithPlatform(p *webrtc.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.Reload] change the log level of the handler that
// level controls.
func WithLevelVar(level *slog.LevelVar) Option {
	return func(a *App) { a.level = level }
}

// WithTranscriptSink receives every completed utterance of every session.
// By default transcripts are logged.
func WithTranscriptSink(s bridge.TranscriptSink) Option {
	return func(a *App) { a.sink = s }
}

// WithClock drives session pacers. Default: [bridge.SystemClock].
func WithClock(c bridge.Clock) Option {
	return func(a *App) { a.clock = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It does not listen yet; call [App.Run] or
// mount [App.Handler] yourself.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: bridge.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sink == nil {
		a.sink = logTranscripts(a.log)
	}

	// ── 1. WebRTC platform ───────────────────────────────────────────────
	if a.platform == nil {
		popts := []webrtc.Option{webrtc.WithLogger(a.log)}
		if len(cfg.WebRTC.STUNServers) > 0 {
			popts = append(popts, webrtc.WithSTUNServers(cfg.WebRTC.STUNServers...))
		}
		p, err := webrtc.New(popts...)
		if err != nil {
			return nil, fmt.Errorf("app: init webrtc: %w", err)
		}
		a.platform = p
	}

	// ── 2. Circuit breaker ───────────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "speech_service",
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		Logger:       a.log,
	})

	// ── 3. Health probes ─────────────────────────────────────────────────
	a.health = health.New(health.Checker{
		Name: "speech_service",
		Check: func(context.Context) error {
			if a.breaker.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	})
	a.health.AddGauge(health.Gauge{Name: "sessions", Value: a.registry.Len})

	// ── 4. Session settings ──────────────────────────────────────────────
	a.current.Store(newSettings(cfg, a.log))

	// ── 5. Signaling ─────────────────────────────────────────────────────
	a.signaling = webrtc.NewSignalingServer(a.platform, func(ctx context.Context, id string, p *webrtc.Peer) (io.Closer, error) {
		s, err := a.Attach(ctx, id, p)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	return a, nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// Attach starts a relay session for peer using the current settings. The
// speech service dial goes through the circuit breaker, so an open breaker
// fails fast with a [*bridge.SetupError] wrapping [resilience.ErrCircuitOpen].
func (a *App) Attach(ctx context.Context, id string, peer audio.Peer) (*bridge.Session, error) {
	if a.draining.Load() {
		_ = peer.Close()
		return nil, ErrShuttingDown
	}

	s := a.current.Load()
	inner := a.dialer
	if inner == nil {
		inner = bridge.RealtimeDialer(s.dial, s.session)
	}
	guarded := bridge.DialerFunc(func(ctx context.Context) (bridge.Link, error) {
		return resilience.Call(a.breaker, func() (bridge.Link, error) {
			return inner.Dial(ctx)
		})
	})

	return bridge.Start(ctx, id, bridge.Deps{
		Dialer:      guarded,
		Registry:    a.registry,
		Config:      s.bridge,
		Transcripts: a.sink,
		Clock:       a.clock,
		Metrics:     a.metrics,
		Logger:      a.log,
	}, peer)
}

// Sessions returns the live session registry.
func (a *App) Sessions() *bridge.Registry { return a.registry }

// Breaker returns the circuit breaker guarding the speech service.
func (a *App) Breaker() *resilience.CircuitBreaker { return a.breaker }

func logTranscripts(log *slog.Logger) bridge.TranscriptSink {
	return bridge.TranscriptFunc(func(ctx context.Context, t bridge.Transcript) {
		log.InfoContext(ctx, "transcript", "session_id", t.SessionID, "role", t.Role, "text", t.Text)
	})
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the relay's HTTP surface:
//
//	POST /offer    WebRTC signaling
//	GET  /healthz  liveness
//	GET  /readyz   readiness
//	GET  /metrics  Prometheus scrape endpoint
//	GET  /         browser client
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /offer", a.signaling.Handler())
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic(err)
	}
	mux.Handle("GET /", http.FileServerFS(static))

	return observe.Middleware(a.metrics, observe.WithRequestLogger(a.log))(mux)
}

// Run listens on the configured address and serves until ctx is cancelled.
// It returns ctx.Err() after a cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. It closes ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: a.Handler()}
	a.serverMu.Lock()
	a.server = srv
	a.serverMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()

	a.log.Info("app: serving", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. The log level and the settings used
// by new sessions change immediately; live sessions keep theirs. Keys that
// need a restart are logged and otherwise ignored. Reload has the signature
// expected by [config.NewWatcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.RealtimeChanged || d.AudioChanged || d.DebugChanged {
		a.current.Store(newSettings(new, a.log))
		a.log.Info("app: session settings reloaded",
			"realtime", d.RealtimeChanged,
			"audio", d.AudioChanged,
			"debug", d.DebugChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: changed keys need a restart to take effect", "keys", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// AddCloser registers fn to run at the end of Shutdown.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Shutdown stops accepting sessions, fails readiness, stops the HTTP server
// and closes every live session. It respects the context deadline: if ctx
// expires first, remaining steps are skipped and the context error is
// returned. Calling Shutdown again is a no-op.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.registry.Len(), "closers", len(a.closers))

		a.draining.Store(true)
		a.health.SetDraining(true)

		a.serverMu.Lock()
		srv := a.server
		a.serverMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		if err := a.registry.CloseAll(ctx); err != nil {
			if ctx.Err() != nil {
				a.log.Warn("shutdown deadline exceeded while closing sessions", "remaining", a.registry.Len())
				shutdownErr = ctx.Err()
				return
			}
			a.log.Warn("session close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
