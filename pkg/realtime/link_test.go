package realtime_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/realtime"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a fake realtime service. The handler receives the
// accepted conn; the server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptHandshake plays the service side of a successful handshake and
// returns the received session.update.
func acceptHandshake(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created", "session": map[string]any{}})
	var update map[string]any
	if err := readJSON(t, conn, &update); err != nil {
		t.Errorf("read session.update: %v", err)
		return nil
	}
	writeJSON(t, conn, map[string]any{"type": "session.updated", "session": map[string]any{}})
	return update
}

func dialConfig(srv *httptest.Server) realtime.DialConfig {
	return realtime.DialConfig{
		URL:              wsURL(srv),
		Model:            "test-model",
		APIKey:           "sk-test",
		HandshakeTimeout: 2 * time.Second,
	}
}

func errorEvent(msg string) map[string]any {
	return map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "invalid_request_error", "message": msg},
	}
}

// ── Handshake ─────────────────────────────────────────────────────────────────

func TestDial_Handshake(t *testing.T) {
	t.Parallel()

	type request struct {
		auth, beta, model string
		update            map[string]any
	}
	got := make(chan request, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		req := request{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		req.update = acceptHandshake(t, conn)
		got <- req
		<-conn.CloseRead(context.Background()).Done()
	})

	sc := realtime.DefaultSessionConfig()
	sc.Instructions = "be brief"
	link, err := realtime.Dial(context.Background(), dialConfig(srv), sc)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer link.Close()

	req := <-got
	if req.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", req.auth)
	}
	if req.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", req.beta)
	}
	if req.model != "test-model" {
		t.Errorf("model = %q", req.model)
	}
	if req.update["type"] != "session.update" {
		t.Fatalf("first client message type = %v", req.update["type"])
	}
	session := req.update["session"].(map[string]any)
	if session["instructions"] != "be brief" || session["voice"] != "marin" {
		t.Errorf("session = %v", session)
	}
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v", session["input_audio_format"], session["output_audio_format"])
	}
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "semantic_vad" || td["interrupt_response"] != true {
		t.Errorf("turn_detection = %v", td)
	}
}

func TestDial_ReadyError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, errorEvent("no quota"))
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := realtime.Dial(context.Background(), dialConfig(srv), realtime.DefaultSessionConfig())
	var setupErr *realtime.SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("err = %v, want *SetupError", err)
	}
	if setupErr.Stage != realtime.StageReady {
		t.Errorf("Stage = %q, want %q", setupErr.Stage, realtime.StageReady)
	}
	if setupErr.Detail.Message != "no quota" {
		t.Errorf("Detail = %+v", setupErr.Detail)
	}
}

func TestDial_ConfigureError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		var update map[string]any
		_ = readJSON(t, conn, &update)
		writeJSON(t, conn, errorEvent("unknown voice"))
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := realtime.Dial(context.Background(), dialConfig(srv), realtime.DefaultSessionConfig())
	var setupErr *realtime.SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("err = %v, want *SetupError", err)
	}
	if setupErr.Stage != realtime.StageConfigure {
		t.Errorf("Stage = %q, want %q", setupErr.Stage, realtime.StageConfigure)
	}
}

func TestDial_HandshakeTimeout(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := dialConfig(srv)
	cfg.HandshakeTimeout = 100 * time.Millisecond
	start := time.Now()
	_, err := realtime.Dial(context.Background(), cfg, realtime.DefaultSessionConfig())
	var setupErr *realtime.SetupError
	if !errors.As(err, &setupErr) || setupErr.Stage != realtime.StageReady {
		t.Fatalf("err = %v, want ready-stage SetupError", err)
	}
	if setupErr.Err == nil {
		t.Error("timeout SetupError carries no transport error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Dial took %v, handshake timeout not applied", elapsed)
	}
}

func TestDial_ConnectError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := realtime.Dial(context.Background(), dialConfig(srv), realtime.DefaultSessionConfig())
	var setupErr *realtime.SetupError
	if !errors.As(err, &setupErr) || setupErr.Stage != realtime.StageConnect {
		t.Fatalf("err = %v, want connect-stage SetupError", err)
	}
}

// ── Established link ──────────────────────────────────────────────────────────

func TestLink_EventsAndSendAudio(t *testing.T) {
	t.Parallel()

	appended := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{9, 8, 7, 6}),
		})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})

		var msg struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		if err := readJSON(t, conn, &msg); err == nil && msg.Type == "input_audio_buffer.append" {
			appended <- msg.Audio
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	link, err := realtime.Dial(context.Background(), dialConfig(srv), realtime.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer link.Close()

	want := []realtime.EventKind{realtime.KindAudioDelta, realtime.KindSpeechStarted}
	for i, kind := range want {
		select {
		case evt := <-link.Events():
			if evt.Kind() != kind {
				t.Fatalf("event %d: kind = %v, want %v", i, evt.Kind(), kind)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}

	if err := link.SendAudio(context.Background(), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case b64 := <-appended:
		if b64 != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
			t.Errorf("appended audio = %q", b64)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for input_audio_buffer.append")
	}
}

func TestLink_UndecodableAudioIsSkipped(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "%%not-base64%%"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	link, err := realtime.Dial(context.Background(), dialConfig(srv), realtime.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer link.Close()

	select {
	case evt := <-link.Events():
		if evt.Kind() != realtime.KindSpeechStarted {
			t.Fatalf("first event kind = %v, want speech started", evt.Kind())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the event after the bad delta")
	}
	select {
	case <-link.Done():
		t.Fatalf("link ended after a bad delta: %v", link.Err())
	default:
	}
}

func TestLink_CloseIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	link, err := realtime.Dial(context.Background(), dialConfig(srv), realtime.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-link.Done():
	default:
		t.Error("Done not closed after Close")
	}
	if err := link.Err(); err != nil {
		t.Errorf("Err() after local Close = %v, want nil", err)
	}
	if _, ok := <-link.Events(); ok {
		t.Error("Events channel still open after Close")
	}
	if err := link.SendAudio(context.Background(), []byte{0, 0}); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("SendAudio after Close: err = %v, want ErrClosed", err)
	}
}

func TestLink_RemoteClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		conn.Close(websocket.StatusGoingAway, "bye")
	})

	cfg := dialConfig(srv)
	cfg.PingInterval = 50 * time.Millisecond
	link, err := realtime.Dial(context.Background(), cfg, realtime.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case <-link.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("link not done after remote close")
	}
	if link.Err() == nil {
		t.Error("Err() = nil after remote close")
	}

	// Both loops must already be winding down: Close only waits for them.
	start := time.Now()
	link.Close()
	if elapsed := time.Since(start); elapsed > cfg.PingInterval {
		t.Errorf("keepalive still running %v after link closed", elapsed)
	}
}

func TestLink_KeepaliveFailure(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptHandshake(t, conn)
		// Stop reading: pings go unanswered.
		<-release
	})
	t.Cleanup(func() { close(release) })

	cfg := dialConfig(srv)
	cfg.PingInterval = 50 * time.Millisecond
	link, err := realtime.Dial(context.Background(), cfg, realtime.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer link.Close()

	select {
	case <-link.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("link not closed after unanswered ping")
	}
	if err := link.Err(); err == nil || !strings.Contains(err.Error(), "keepalive") {
		t.Errorf("Err() = %v, want keepalive failure", err)
	}
}
