// Package api exposes the inbound operations and the read-only query surface
// over HTTP, next to the health and Prometheus endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/lifecycle"
	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/liamashdown/claimwatch/internal/queue"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes bounds request bodies; sync batches are the largest
const maxBodyBytes = 32 << 20

// Matcher runs evidence matching on demand against fresh documents
type Matcher interface {
	Refresh(ctx context.Context, resultID string) ([]storage.EvidenceMatch, error)
}

// Server wires HTTP handlers to the queue, tracker and matcher
type Server struct {
	triage    config.TriageConfig
	lifecycle config.LifecycleConfig
	db        *storage.DB
	queue     *queue.Queue
	tracker   *lifecycle.Tracker
	matcher   Matcher
	log       *logrus.Logger
}

// New creates a new API server
func New(
	triageCfg config.TriageConfig,
	lifecycleCfg config.LifecycleConfig,
	db *storage.DB,
	q *queue.Queue,
	tracker *lifecycle.Tracker,
	matcher Matcher,
	log *logrus.Logger,
) *Server {
	return &Server{
		triage:    triageCfg,
		lifecycle: lifecycleCfg,
		db:        db,
		queue:     q,
		tracker:   tracker,
		matcher:   matcher,
		log:       log,
	}
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/jobs", s.handleEnqueue)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("POST /api/v1/sync-batches", s.handleSyncBatch)

	mux.HandleFunc("GET /api/v1/results", s.handleListResults)
	mux.HandleFunc("GET /api/v1/results/{id}", s.handleGetResult)
	mux.HandleFunc("POST /api/v1/results/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/v1/results/{id}/status", s.handleUpdateStatus)
	mux.HandleFunc("POST /api/v1/results/{id}/match", s.handleMatch)

	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/deadlines", s.handleDeadlines)
	mux.HandleFunc("GET /api/v1/prompts", s.handlePrompts)

	// Health check endpoints
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		metrics.RecordHealthCheck(true)
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	return s.logRequests(mux)
}

// Serve runs the HTTP server until ctx is cancelled
func (s *Server) Serve(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("port", port).Info("Starting HTTP server (api + health + metrics)")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		metrics.RecordHealthCheck(false)
		s.log.WithError(err).Warn("Readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	metrics.RecordHealthCheck(true)

	body := map[string]string{"status": "ready"}
	last, err := s.tracker.LastSweep(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to read last deadline sweep")
	} else if !last.IsZero() {
		body["lastDeadlineSweep"] = last.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

var errBadRequest = errors.New("bad request")

// writeError maps the error taxonomy onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, queue.ErrInvalidJob),
		errors.Is(err, lifecycle.ErrNegativeAmount):
		status = http.StatusBadRequest
	case errors.Is(err, claim.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, claim.ErrDuplicateJob),
		errors.Is(err, claim.ErrAlreadyResolved),
		errors.Is(err, claim.ErrConcurrentUpdate):
		status = http.StatusConflict
	case errors.Is(err, claim.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case claim.IsTransient(err):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
