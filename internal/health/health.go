// Package health serves the liveness (/healthz) and readiness (/readyz)
// endpoints of the control API.
//
// /healthz answers 200 as long as the process serves HTTP. /readyz runs every
// registered [Checker] concurrently and answers 503 when any of them fails.
// Both respond with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrNotConfigured is reported by [Configured] when the dependency is absent.
var ErrNotConfigured = errors.New("not configured")

// Checker is a named readiness check.
type Checker struct {
	// Name keys the check in [Report.Checks] (e.g. "live", "audio").
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error
}

// Configured returns a Checker failing with [ErrNotConfigured] while present
// reports false.
func Configured(name string, present func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !present() {
			return ErrNotConfigured
		}
		return nil
	}}
}

// Status values used in a [Report].
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Report is the JSON body of both endpoints.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Handler serves the health endpoints. Its checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, Report{Status: StatusOK})
}

// Readyz reports the combined result of [Handler.Check].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	writeReport(w, h.Check(r.Context()))
}

// Check runs every checker concurrently, each under its own [checkTimeout],
// and folds the results into a [Report].
func (h *Handler) Check(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			res := run(ctx, c)
			mu.Lock()
			rep.Checks[c.Name] = res
			if res.Status != StatusOK {
				rep.Status = StatusFail
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, Duration: time.Since(start).Round(time.Microsecond).String()}
	if err != nil {
		res.Status = StatusFail
		res.Error = err.Error()
	}
	return res
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, rep Report) {
	status := http.StatusOK
	if rep.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}
