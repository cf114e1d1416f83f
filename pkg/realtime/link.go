// Package realtime is a client for OpenAI Realtime-style speech services: a
// duplex WebSocket carrying JSON events, with base64 PCM16 audio in both
// directions.
//
// [Dial] performs the two-phase handshake (ready event, then session.update
// and its acknowledgment) and returns a [Link] whose inbound messages are
// decoded into the closed [Event] set. A keepalive loop pings the service for
// the lifetime of the link.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	DefaultURL              = "wss://api.openai.com/v1/realtime"
	DefaultModel            = "gpt-realtime-2025-08-28"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 15 * time.Second

	defaultEventBuffer = 64
	defaultReadLimit   = 16 << 20
)

// DialConfig controls how a [Link] connects.
type DialConfig struct {
	URL    string
	Model  string
	APIKey string

	// HandshakeTimeout bounds the connect and both handshake reads.
	HandshakeTimeout time.Duration

	// PingInterval is the keepalive period. Each ping must be answered within
	// one interval.
	PingInterval time.Duration

	// EventBuffer is the capacity of the Events channel.
	EventBuffer int

	// ReadLimit caps the size of one inbound message in bytes.
	ReadLimit int64

	// HTTPClient is used for the WebSocket upgrade. Nil means the default.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c *DialConfig) withDefaults() DialConfig {
	out := *c
	if out.URL == "" {
		out.URL = DefaultURL
	}
	if out.Model == "" {
		out.Model = DefaultModel
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	if out.ReadLimit <= 0 {
		out.ReadLimit = defaultReadLimit
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Link is an established, configured connection to the speech service.
type Link struct {
	conn   *websocket.Conn
	log    *slog.Logger
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// Dial connects, performs the handshake and starts the receive and keepalive
// loops. Any handshake failure is returned as a *[SetupError]; in that case the
// connection is already closed and no goroutine has been started.
func Dial(ctx context.Context, dc DialConfig, sc SessionConfig) (*Link, error) {
	cfg := dc.withDefaults()

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?model=%s", cfg.URL, url.QueryEscape(cfg.Model))
	conn, _, err := websocket.Dial(hctx, wsURL, &websocket.DialOptions{
		HTTPClient: cfg.HTTPClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &SetupError{Stage: StageConnect, Err: err}
	}
	conn.SetReadLimit(cfg.ReadLimit)

	if err := handshake(hctx, conn, sc); err != nil {
		conn.CloseNow()
		return nil, err
	}

	lctx, lcancel := context.WithCancel(context.Background())
	l := &Link{
		conn:   conn,
		log:    cfg.Logger,
		events: make(chan Event, cfg.EventBuffer),
		ctx:    lctx,
		cancel: lcancel,
		done:   make(chan struct{}),
	}
	l.wg.Add(2)
	go l.receiveLoop()
	go l.keepalive(cfg.PingInterval)

	cfg.Logger.Debug("realtime: link established", "model", cfg.Model)
	return l, nil
}

// handshake reads the ready event, sends session.update and reads the
// acknowledgment.
func handshake(ctx context.Context, conn *websocket.Conn, sc SessionConfig) error {
	ready, err := readEvent(ctx, conn)
	if err != nil {
		return &SetupError{Stage: StageReady, Err: err}
	}
	if e, ok := ready.(Error); ok {
		return &SetupError{Stage: StageReady, Detail: e.Detail}
	}

	msg, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: sc})
	if err != nil {
		return &SetupError{Stage: StageConfigure, Err: fmt.Errorf("marshal session.update: %w", err)}
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return &SetupError{Stage: StageConfigure, Err: err}
	}

	ack, err := readEvent(ctx, conn)
	if err != nil {
		return &SetupError{Stage: StageConfigure, Err: err}
	}
	if e, ok := ack.(Error); ok {
		return &SetupError{Stage: StageConfigure, Detail: e.Detail}
	}
	return nil
}

func readEvent(ctx context.Context, conn *websocket.Conn) (Event, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// receiveLoop decodes inbound messages onto events. It owns events and closes
// it on exit.
func (l *Link) receiveLoop() {
	defer l.wg.Done()
	defer close(l.events)

	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			l.terminate(fmt.Errorf("realtime: read: %w", err))
			return
		}

		evt, err := Decode(data)
		if err != nil {
			l.log.Warn("realtime: dropping undecodable message", "err", err)
			continue
		}

		select {
		case l.events <- evt:
		case <-l.ctx.Done():
			return
		}
	}
}

// terminate records cause (unless the link was closed locally first), stops
// both loops and closes the connection without waiting for the loops.
func (l *Link) terminate(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.err = cause
	l.mu.Unlock()

	if cause != nil {
		l.log.Warn("realtime: link failed", "err", cause)
		l.cancel()
		l.conn.CloseNow()
	} else {
		l.conn.Close(websocket.StatusNormalClosure, "session closed")
		l.cancel()
	}
	close(l.done)
}

// Events returns the decoded inbound events in arrival order. The channel is
// closed once the link is closed for any reason.
func (l *Link) Events() <-chan Event { return l.events }

// Done is closed when the link stops, whether by Close or by failure.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the failure that closed the link, or nil if it is still open or
// was closed with Close.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// SendAudio appends one chunk of PCM16 mono audio to the service's input
// buffer.
func (l *Link) SendAudio(ctx context.Context, pcm []byte) error {
	return l.SendJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendJSON marshals v and writes it as a text message. Writes are serialised
// by the connection.
func (l *Link) SendJSON(ctx context.Context, v any) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := l.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if l.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Close shuts the link down and waits for its loops to exit. Idempotent.
func (l *Link) Close() error {
	l.terminate(nil)
	l.wg.Wait()
	return nil
}
