// Package server exposes run status and Prometheus metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/image-weaver/internal/metrics"
	"github.com/alvmarrod/image-weaver/internal/storage"
	"github.com/alvmarrod/image-weaver/internal/version"
)

// ProgressCounter reports persisted record totals
type ProgressCounter interface {
	Counts(ctx context.Context) (storage.ProgressCounts, error)
}

// BreakerResetter closes a source's circuit breaker by name
type BreakerResetter interface {
	ResetBreaker(source string) bool
}

// StatsResponse is the body of /api/stats
type StatsResponse struct {
	RunID    string                  `json:"run_id"`
	Version  string                  `json:"version"`
	Counters metrics.Snapshot        `json:"counters"`
	Progress *storage.ProgressCounts `json:"progress,omitempty"`
}

// SourcesResponse is the body of /api/sources
type SourcesResponse struct {
	Sources           []metrics.SourceStats `json:"sources"`
	SuggestedPriority []string              `json:"suggested_priority"`
}

// Server serves the status endpoints
type Server struct {
	tracker  *metrics.Tracker
	sources  metrics.SourceReporter
	progress ProgressCounter
	srv      *http.Server
}

// New creates a status server on addr. sources and progress may be nil.
func New(addr string, tracker *metrics.Tracker, sources metrics.SourceReporter, progress ProgressCounter) *Server {
	s := &Server{
		tracker:  tracker,
		sources:  sources,
		progress: progress,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/sources", s.handleSources)
		r.Post("/sources/{name}/reset", s.handleResetBreaker)
	})
	return r
}

// Start serves in the background until Shutdown
func (s *Server) Start() {
	go func() {
		logrus.Infof("Status server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Status server error: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		RunID:    s.tracker.RunID(),
		Version:  version.Version,
		Counters: s.tracker.GetSnapshot(),
	}
	if s.progress != nil {
		counts, err := s.progress.Counts(r.Context())
		if err != nil {
			logrus.Warnf("Status server: progress counts: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "progress unavailable"})
			return
		}
		resp.Progress = &counts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	resp := SourcesResponse{
		Sources:           []metrics.SourceStats{},
		SuggestedPriority: []string{},
	}
	if s.sources != nil {
		resp.Sources = s.sources.Report()
		resp.SuggestedPriority = s.sources.SuggestPriority()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	resetter, ok := s.sources.(BreakerResetter)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "breaker reset unavailable"})
		return
	}
	if !resetter.ResetBreaker(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown source"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": name, "breaker": "closed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
