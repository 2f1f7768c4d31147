// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JaysonBrenton/MRE-sub001/internal/config"
	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
	"github.com/JaysonBrenton/MRE-sub001/internal/metrics"
	"github.com/JaysonBrenton/MRE-sub001/internal/scheduler"
)

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/ingest", func(r chi.Router) {
			r.Post("/events/{event_id}", s.ingestEvent)
			r.Post("/source-events", s.ingestSourceEvent)
		})
		r.Get("/jobs/{job_id}", s.getJob)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type ingestEventRequest struct {
	Depth string `json:"depth"`
}

type ingestSourceEventRequest struct {
	SourceEventID string `json:"source_event_id"`
	TrackID       string `json:"track_id"`
	Depth         string `json:"depth"`
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	req := ingestEventRequest{Depth: string(ingest.DepthResultsOnly)}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if depth := r.URL.Query().Get("depth"); depth != "" {
		req.Depth = depth
	}
	jobID, err := s.scheduler.EnqueueEvent(eventID, ingest.Depth(req.Depth))
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) ingestSourceEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestSourceEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Depth == "" {
		req.Depth = string(ingest.DepthResultsOnly)
	}
	jobID, err := s.scheduler.EnqueueSourceEvent(req.SourceEventID, req.TrackID, ingest.Depth(req.Depth))
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// jobResponse is the wire shape of a job record. Queue position appears only
// while the job is queued, result only once completed, and the error fields
// only after a failure.
type jobResponse struct {
	ID            string           `json:"id"`
	Status        ingest.JobStatus `json:"status"`
	Created       time.Time        `json:"created_at"`
	Updated       time.Time        `json:"updated_at"`
	QueuePosition *int             `json:"queue_position,omitempty"`
	Result        *ingest.Result   `json:"result,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
	Error         string           `json:"error,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.scheduler.Job(jobID)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	resp := jobResponse{
		ID:      job.ID,
		Status:  job.Status,
		Created: job.Created,
		Updated: job.Updated,
	}
	switch job.Status {
	case ingest.JobStatusQueued:
		if pos, ok := s.scheduler.QueuePosition(job.ID); ok {
			resp.QueuePosition = &pos
		}
	case ingest.JobStatusCompleted:
		resp.Result = job.Result
	case ingest.JobStatusFailed:
		resp.ErrorCode = job.ErrorCode
		resp.Error = job.ErrorText
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeIngestError maps typed ingestion errors to HTTP status codes.
func writeIngestError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch ingest.CodeOf(err) {
	case ingest.CodeValidation:
		status = http.StatusBadRequest
	case ingest.CodeNotFound:
		status = http.StatusNotFound
	case ingest.CodeScrapingDisabled:
		status = http.StatusServiceUnavailable
	}
	var ie *ingest.Error
	if errors.As(err, &ie) {
		writeJSON(w, status, map[string]string{"error": ie.Message, "error_code": string(ie.Code)})
		return
	}
	writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, elapsed)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
			)
		})
	}
}

// routePattern returns the chi route template so metrics labels stay bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
