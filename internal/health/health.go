// Package health provides the relay's liveness and readiness endpoints.
//
//   - /healthz is the liveness probe; it returns 200 while the process serves HTTP.
//   - /readyz is the readiness probe; it returns 200 only when the relay is not
//     draining and every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail"),
// a "checks" map with the result of each named checker, and optional numeric
// "info" gauges such as the live session count.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Gauge is a named number reported alongside the checks.
type Gauge struct {
	Name  string
	Value func() int
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Info   map[string]int    `json:"info,omitempty"`
}

// Handler serves /healthz and /readyz. The checker and gauge lists are fixed at
// construction time.
type Handler struct {
	checkers []Checker
	gauges   []Gauge
	draining atomic.Bool
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// AddGauge reports g in every /readyz response. It must be called before the
// handler serves requests.
func (h *Handler) AddGauge(g Gauge) {
	h.gauges = append(h.gauges, g)
}

// SetDraining marks the relay as shutting down. A draining relay fails
// readiness so load balancers stop sending new sessions.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	var mu sync.Mutex
	allOK := true

	var wg sync.WaitGroup
	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := runCheck(ctx, c)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
		})
	}
	wg.Wait()

	if h.draining.Load() {
		checks["shutdown"] = "fail: draining"
		allOK = false
	}

	res := result{Status: "ok", Checks: checks}
	if len(h.gauges) > 0 {
		res.Info = make(map[string]int, len(h.gauges))
		for _, g := range h.gauges {
			res.Info[g.Name] = g.Value()
		}
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// runCheck calls c.Check and converts a panic into an error.
func runCheck(ctx context.Context, c Checker) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.Check(ctx)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
