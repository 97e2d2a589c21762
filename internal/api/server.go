package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/vine-crawler/internal/crawler"
	"github.com/JakeFAU/vine-crawler/internal/metrics"
)

// MaxCompletionBytes bounds the size of a PUT /job body.
const MaxCompletionBytes = 32 << 20

// Service is the dispatcher surface served over HTTP.
type Service interface {
	ListJobs(ctx context.Context, count int) []crawler.Job
	JobCount() int
	CompleteJobs(ctx context.Context, c crawler.Completion) crawler.CompletionResult
	Stats() crawler.QueueStats
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	// MaxLeaseBatch caps the count accepted by GET /job/{count}. Zero means no cap.
	MaxLeaseBatch int
	// RequestTimeout bounds every handler. Zero selects 60s.
	RequestTimeout time.Duration
	// APIKey, when set, must be presented by workers in X-API-Key.
	APIKey string
}

// Server wires HTTP handlers to the dispatcher.
type Server struct {
	router  chi.Router
	service Service
	cfg     ServerConfig
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service Service, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		service: service,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/job", s.listJobs)
		r.Get("/job/{count}", s.listJobs)
		r.Get("/job-count", s.jobCount)
		r.Put("/job", s.completeJobs)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue":  s.service.Stats(),
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	count := 1
	if raw := chi.URLParam(r, "count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}
	if s.cfg.MaxLeaseBatch > 0 && count > s.cfg.MaxLeaseBatch {
		count = s.cfg.MaxLeaseBatch
	}
	writeJSON(w, http.StatusOK, s.service.ListJobs(r.Context(), count))
}

func (s *Server) jobCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.JobCount())
}

func (s *Server) completeJobs(w http.ResponseWriter, r *http.Request) {
	var req crawler.Completion
	body := http.MaxBytesReader(w, r.Body, MaxCompletionBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res := s.service.CompleteJobs(r.Context(), req)
	writeJSON(w, http.StatusOK, res)
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
