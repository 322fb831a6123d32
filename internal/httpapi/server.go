// Package httpapi serves the session control API over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/carevoice/internal/health"
	"github.com/MrWong99/carevoice/internal/observe"
	"github.com/MrWong99/carevoice/internal/session"
)

// stopTimeout bounds how long POST /api/session/stop waits for teardown.
const stopTimeout = 5 * time.Second

// Sessions is the part of [session.Manager] the API drives.
type Sessions interface {
	Toggle(ctx context.Context) error
	StartIfIdle(ctx context.Context) (bool, error)
	Stop(ctx context.Context) error
	Snapshot() session.Snapshot
	DismissError()
}

// Server routes the control API, health endpoints and the metrics endpoint.
type Server struct {
	sessions    Sessions
	health      *health.Handler
	metrics     *observe.Metrics
	metricsPath string
	metricsH    http.Handler
	log         *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts h's /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h at path (e.g. promhttp.Handler at /metrics).
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsH = h
	}
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger for request failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Server driving sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{sessions: sessions, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics, s.metricsPath))

	if s.health != nil {
		s.health.Register(r)
	}
	if s.metricsH != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metricsH)
	}

	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Post("/toggle", s.handleToggle)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Delete("/error", s.handleDismissError)
	})
	return r
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Toggle(r.Context()); err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.sessions.StartIfIdle(r.Context())
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	respondJSON(w, status, s.sessions.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := s.sessions.Stop(ctx); err != nil {
		respondError(w, http.StatusGatewayTimeout, "stop_timeout", "session did not stop in time")
		return
	}
	respondJSON(w, http.StatusOK, s.sessions.Snapshot())
}

func (s *Server) handleDismissError(w http.ResponseWriter, _ *http.Request) {
	s.sessions.DismissError()
	w.WriteHeader(http.StatusNoContent)
}

// respondSessionError maps a start failure to a status code. The body
// carries the same user-facing message the snapshot would show.
func (s *Server) respondSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		dev  *session.DeviceAcquisitionError
		cred *session.CredentialError
	)
	status, code := http.StatusInternalServerError, "session_failed"
	switch {
	case errors.Is(err, session.ErrNotConfigured):
		status, code = http.StatusServiceUnavailable, "not_configured"
	case errors.As(err, &cred):
		status, code = http.StatusUnauthorized, "credentials"
	case errors.As(err, &dev):
		status, code = http.StatusServiceUnavailable, "device_unavailable"
	}
	s.log.WarnContext(r.Context(), "session request failed",
		"path", r.URL.Path,
		"correlation_id", observe.CorrelationID(r.Context()),
		"err", err)
	respondError(w, status, code, session.UserMessage(err))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
