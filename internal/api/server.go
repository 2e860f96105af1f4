// Package api exposes the HTTP status interface of a harvest run.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/dispatcher"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/metrics"
	"github.com/JakeFAU/bitbucket-branch-harvester/internal/resume"
)

const (
	defaultProjectLimit = 100
	maxProjectLimit     = 1000
	requestTimeout      = 10 * time.Second
	requestIDHeader     = "X-Request-ID"
)

// StatusProvider reports live run counters.
type StatusProvider interface {
	Snapshot() dispatcher.Summary
}

// ResumeView lists completed resume keys.
type ResumeView interface {
	Keys() []string
}

// Server wires HTTP handlers to the running harvest.
type Server struct {
	router chi.Router
	status StatusProvider
	resume ResumeView
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. resume may be nil.
func NewServer(status StatusProvider, resume ResumeView, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{status: status, resume: resume, logger: logger}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/resume", s.getResume)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once a run has started.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no run attached")
		return
	}
	state := s.status.Snapshot().State
	if state == dispatcher.StateIdle {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(state)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(state)})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no run attached")
		return
	}
	snap := s.status.Snapshot()
	s.writeJSON(w, http.StatusOK, statusResponse{Summary: snap, InFlight: snap.InFlight()})
}

func (s *Server) getResume(w http.ResponseWriter, r *http.Request) {
	if s.resume == nil {
		s.writeError(w, http.StatusServiceUnavailable, "resume log disabled")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultProjectLimit, maxProjectLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keys := s.resume.Keys()
	counts := resume.CountByProject(keys)
	total := len(counts)
	start := min(offset, total)
	end := min(start+limit, total)
	s.writeJSON(w, http.StatusOK, resumeResponse{
		Repos:    len(keys),
		Total:    total,
		Projects: counts[start:end],
	})
}

type statusResponse struct {
	dispatcher.Summary
	InFlight int `json:"repos_in_flight"`
}

type resumeResponse struct {
	Repos    int                   `json:"repos"`
	Total    int                   `json:"projects_total"`
	Projects []resume.ProjectCount `json:"projects"`
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestIDHeader, uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", w.Header().Get(requestIDHeader)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}
