package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps the relay config current while the process runs. A reload is
// applied when the YAML file changes, when the instructions_file it points at
// changes, or when the date stamped into the instructions rolls over. Edits
// that fail to load keep the previous config and are logged once per distinct
// error.
type Watcher struct {
	path     string
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
	apply    func(old, new *Config)

	pollMu sync.Mutex // serialises Poll

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
	lastErr string

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the files are polled. Zero or negative turns
// polling off; [Watcher.Poll] still works. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithWatchClock sets the clock used to date the instructions.
func WithWatchClock(now func() time.Time) WatcherOption {
	return func(w *Watcher) { w.now = now }
}

// WithWatchLogger sets the logger for reload events.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the config at path and starts polling it. apply is called
// with the previous and the new config after every accepted change; it runs on
// the polling goroutine (or the caller of Poll) and may call Current.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		now:      time.Now,
		log:      slog.Default(),
		apply:    apply,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, sum, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum = cfg, sum

	if w.interval > 0 {
		go w.run()
	} else {
		close(w.stopped)
	}
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Poll checks the files once and applies a change if there is one. It returns
// the load error when the files currently on disk are rejected.
func (w *Watcher) Poll() error {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	cfg, sum, err := w.load()

	w.mu.Lock()
	if err != nil {
		msg := err.Error()
		repeat := msg == w.lastErr
		w.lastErr = msg
		w.mu.Unlock()
		if !repeat {
			w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		}
		return err
	}
	w.lastErr = ""
	if sum == w.sum {
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.log.Info("config: reloaded",
		"path", w.path,
		"realtime_changed", d.RealtimeChanged,
		"audio_changed", d.AudioChanged,
		"restart_required", d.RestartRequired,
	)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return nil
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			_ = w.Poll()
		}
	}
}

// load reads and resolves the config. The returned sum covers the YAML bytes
// and the resolved instructions, so it moves with either file and with the
// date.
func (w *Watcher) load() (*Config, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, sum, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, sum, err
	}
	if err := ResolveInstructions(cfg, w.now()); err != nil {
		return nil, sum, err
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(cfg.Realtime.Instructions))
	copy(sum[:], h.Sum(nil))
	return cfg, sum, nil
}
