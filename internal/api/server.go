// Package api exposes the HTTP interface for the crawl-and-summarize
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitedigest/sitedigest/internal/config"
	"github.com/sitedigest/sitedigest/internal/crawler"
	"github.com/sitedigest/sitedigest/internal/dispatcher"
	"github.com/sitedigest/sitedigest/internal/metrics"
	"github.com/sitedigest/sitedigest/internal/worker"
)

const enqueueTimeout = 5 * time.Second

// Server wires HTTP handlers to the dispatcher, stores, and job registry.
type Server struct {
	router     chi.Router
	jobStore   crawler.JobStore
	dispatcher *dispatcher.Dispatcher
	registry   *worker.Registry
	robots     *crawler.RobotsEnforcer
	idGen      crawler.IDGenerator
	clock      crawler.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobStore crawler.JobStore,
	dispatch *dispatcher.Dispatcher,
	registry *worker.Registry,
	robots *crawler.RobotsEnforcer,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore:   jobStore,
		dispatcher: dispatch,
		registry:   registry,
		robots:     robots,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
				r.Get("/summaries", s.getJobSummaries)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/compliance/check", s.checkCompliance)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startCrawlRequest struct {
	RootURL    string   `json:"root_url"`
	OwnerID    string   `json:"owner_id"`
	MaxDepth   int      `json:"max_depth"`
	MaxPages   int      `json:"max_pages"`
	Language   string   `json:"language"`
	AllowHosts []string `json:"allow_hosts"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RootURL == "" {
		s.writeError(w, http.StatusBadRequest, "root_url is required")
		return
	}
	scope, err := crawler.NewScope(req.RootURL, req.AllowHosts)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid root_url: %v", err))
		return
	}
	rootURL := scope.Root()
	if req.MaxDepth > s.cfg.Crawler.MaxDepthLimit {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("max_depth exceeds limit of %d", s.cfg.Crawler.MaxDepthLimit))
		return
	}
	if req.MaxPages > s.cfg.Crawler.MaxPagesLimit {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("max_pages exceeds limit of %d", s.cfg.Crawler.MaxPagesLimit))
		return
	}
	params := crawler.JobParameters{
		MaxDepth:   valueOrDefault(req.MaxDepth, s.cfg.Crawler.MaxDepthDefault),
		MaxPages:   valueOrDefault(req.MaxPages, s.cfg.Crawler.MaxPagesDefault),
		Language:   req.Language,
		AllowHosts: req.AllowHosts,
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate job id failed")
		return
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:         jobID,
		RootURL:    rootURL,
		OwnerID:    req.OwnerID,
		Status:     crawler.JobStatusPending,
		Parameters: params,
		Submitted:  now,
	}
	if err := s.jobStore.CreateJob(r.Context(), job); err != nil {
		s.writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		JobID:     jobID,
		RootURL:   rootURL,
		Params:    params,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		s.logger.Error("enqueue job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "enqueue job failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(crawler.JobStatusPending),
	})
}

type jobStatusResponse struct {
	JobID     string              `json:"job_id"`
	Status    crawler.JobStatus   `json:"status"`
	ErrorText string              `json:"error_text,omitempty"`
	Counters  crawler.JobCounters `json:"counters"`
	Submitted time.Time           `json:"submitted_at"`
	Started   *time.Time          `json:"started_at,omitempty"`
	Finished  *time.Time          `json:"finished_at,omitempty"`
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:     job.ID,
		Status:    job.Status.Reported(),
		ErrorText: job.ErrorText,
		Counters:  job.Counters,
		Submitted: job.Submitted,
		Started:   job.Started,
		Finished:  job.Finished,
	})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	pages, err := s.jobStore.ListPages(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "fetch job pages failed")
		return
	}
	job.Status = job.Status.Reported()
	s.writeJSON(w, http.StatusOK, crawler.JobResult{Job: job, Pages: pages})
}

type pageSummary struct {
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

func (s *Server) getJobSummaries(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	pages, err := s.jobStore.ListPages(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "fetch job pages failed")
		return
	}
	summaries := make([]pageSummary, 0, len(pages))
	for _, page := range pages {
		if page.Summary == "" {
			continue
		}
		summaries = append(summaries, pageSummary{URL: page.URL, Summary: page.Summary})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    job.ID,
		"status":    job.Status.Reported(),
		"summaries": summaries,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job is already %s", job.Status))
		return
	}
	if s.registry.Cancel(job.ID) {
		// Running: the pipeline persists CANCELLED once in-flight work drains.
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": job.ID,
			"status": string(crawler.JobStatusCancelled),
		})
		return
	}
	// Still queued: mark it cancelled directly so the runner skips it.
	if err := s.jobStore.UpdateJobStatus(r.Context(), job.ID, crawler.JobStatusCancelled, "cancelled via API", job.Counters); err != nil {
		s.writeError(w, http.StatusInternalServerError, "cancel job failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": job.ID,
		"status": string(crawler.JobStatusCancelled),
	})
}

func (s *Server) checkCompliance(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	report, err := s.robots.Probe(r.Context(), rawURL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("compliance check failed: %v", err))
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (crawler.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if errors.Is(err, crawler.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return crawler.Job{}, false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "load job failed")
		return crawler.Job{}, false
	}
	return job, true
}

func valueOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
