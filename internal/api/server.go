// Package api exposes the HTTP interface for the crawlgate service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/predictwire/crawlgate/internal/backpressure"
	"github.com/predictwire/crawlgate/internal/crawl"
	"github.com/predictwire/crawlgate/internal/telemetry"
)

// Submitter enqueues crawl jobs; the scheduler satisfies it.
type Submitter interface {
	Submit(ctx context.Context, sourceID, url string) (crawl.Job, error)
}

// Server wires HTTP handlers to the admission engine and scheduler.
type Server struct {
	router    chi.Router
	engine    *backpressure.Engine
	submitter Submitter
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine *backpressure.Engine, submitter Submitter, logger *zap.Logger) *Server {
	s := &Server{
		engine:    engine,
		submitter: submitter,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/admission", func(r chi.Router) {
			r.Get("/stats", s.getStats)
			r.Get("/backpressure", s.getBackpressure)
		})
		r.Post("/crawls", s.submitCrawl)
		r.Post("/admin/reset", s.resetEngine)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	ActiveCrawlsGlobal   int            `json:"active_crawls_global"`
	ActiveCrawlsBySource map[string]int `json:"active_crawls_by_source"`
	QueueDepth           int            `json:"queue_depth"`
	AvailableTokens      float64        `json:"available_tokens"`
	Config               configResponse `json:"config"`
}

type configResponse struct {
	MaxConcurrentPerSource int     `json:"max_concurrent_per_source"`
	MaxConcurrentGlobal    int     `json:"max_concurrent_global"`
	CrawlDelayMs           int64   `json:"crawl_delay_ms"`
	QueueDepthThreshold    int     `json:"queue_depth_threshold"`
	TokenRefillRate        float64 `json:"token_refill_rate"`
	MaxTokens              float64 `json:"max_tokens"`
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		ActiveCrawlsGlobal:   stats.ActiveCrawlsGlobal,
		ActiveCrawlsBySource: stats.ActiveCrawlsBySource,
		QueueDepth:           stats.QueueDepth,
		AvailableTokens:      stats.AvailableTokens,
		Config: configResponse{
			MaxConcurrentPerSource: stats.Config.MaxConcurrentPerSource,
			MaxConcurrentGlobal:    stats.Config.MaxConcurrentGlobal,
			CrawlDelayMs:           stats.Config.CrawlDelay.Milliseconds(),
			QueueDepthThreshold:    stats.Config.QueueDepthThreshold,
			TokenRefillRate:        stats.Config.TokenRefillRate,
			MaxTokens:              stats.Config.MaxTokens,
		},
	})
}

type backpressureResponse struct {
	UnderBackpressure bool    `json:"under_backpressure"`
	Reason            string  `json:"reason,omitempty"`
	CurrentCrawls     int     `json:"current_crawls"`
	MaxCrawls         int     `json:"max_crawls"`
	QueueDepth        int     `json:"queue_depth"`
	AvailableTokens   float64 `json:"available_tokens"`
}

func (s *Server) getBackpressure(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Status()
	writeJSON(w, http.StatusOK, backpressureResponse{
		UnderBackpressure: st.UnderBackpressure,
		Reason:            st.Reason,
		CurrentCrawls:     st.CurrentCrawls,
		MaxCrawls:         st.MaxCrawls,
		QueueDepth:        st.QueueDepth,
		AvailableTokens:   st.AvailableTokens,
	})
}

type submitCrawlRequest struct {
	SourceID string `json:"source_id"`
	URL      string `json:"url"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req submitCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if req.SourceID == "" {
		writeError(w, http.StatusBadRequest, "source_id required")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	job, err := s.submitter.Submit(queueCtx, req.SourceID, req.URL)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) resetEngine(w http.ResponseWriter, _ *http.Request) {
	s.engine.Reset()
	s.logger.Warn("admission engine reset via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
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
