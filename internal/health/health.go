// Package health provides the liveness and readiness handlers.
//
//   - /healthz always answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every required [Checker] passes.
//     Optional checkers are reported but never fail readiness, so a local
//     engine still downloading its model shows up as "degraded" while the
//     cloud backend keeps the service ready.
//
// Both endpoints answer with {"status": ..., "checks": {...}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe.
type Checker struct {
	// Name is the key under which the result is reported.
	Name string

	// Check returns nil when healthy. It must respect ctx.
	Check func(ctx context.Context) error

	// Optional checkers are reported as "degraded" on failure instead of
	// failing readiness.
	Optional bool
}

// Availability reports a checker that passes while available returns true.
func Availability(name string, available func() bool, reason string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !available() {
				return errors.New(reason)
			}
			return nil
		},
	}
}

// StateReporter exposes a component's lifecycle state.
type StateReporter interface {
	State() string
}

// State reports an optional checker that passes while r is in the ready
// state.
func State(name string, r StateReporter, ready string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if s := r.State(); s != ready {
				return fmt.Errorf("state %s", s)
			}
			return nil
		},
		Optional: true,
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating checkers in order on each /readyz call.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		switch {
		case err == nil:
			res.Checks[c.Name] = "ok"
		case c.Optional:
			res.Checks[c.Name] = "degraded: " + err.Error()
		default:
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
