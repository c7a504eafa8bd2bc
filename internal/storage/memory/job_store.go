package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sitedigest/sitedigest/internal/crawler"
)

// Aliases for the store sentinels so callers in this package's tests read
// naturally; implementations share the crawler package definitions.
var (
	ErrJobExists     = crawler.ErrJobExists
	ErrJobNotFound   = crawler.ErrJobNotFound
	ErrPageNotFound  = crawler.ErrPageNotFound
	ErrSummaryExists = crawler.ErrSummaryExists
)

// JobStore provides an in-memory crawler.JobStore for development and tests.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.Job
	pages map[string][]crawler.PageRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:  make(map[string]crawler.Job),
		pages: make(map[string][]crawler.PageRecord),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobExists
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status, error text, and counters for a job.
// Terminal statuses are sticky: once a job is COMPLETED, ERROR, or
// CANCELLED, only counter refreshes on the same status are accepted.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() && job.Status != status {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	now := time.Now().UTC()
	if status == crawler.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.Terminal() && job.Finished == nil {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	return nil
}

// RecordPage appends a page row for a job.
func (s *JobStore) RecordPage(_ context.Context, page crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[page.JobID]; !ok {
		return ErrJobNotFound
	}
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	return nil
}

// AttachSummary sets the summary on a page and marks it COMPLETED. An
// existing non-empty summary is preserved unless overwrite is set.
func (s *JobStore) AttachSummary(_ context.Context, jobID, pageID, summary string, at time.Time, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := s.pages[jobID]
	for i := range pages {
		if pages[i].ID != pageID {
			continue
		}
		if pages[i].Summary != "" && !overwrite {
			return ErrSummaryExists
		}
		pages[i].Summary = summary
		pages[i].Status = crawler.PageStatusCompleted
		pages[i].FailureReason = ""
		ts := at
		pages[i].SummarizedAt = &ts
		return nil
	}
	return ErrPageNotFound
}

// MarkPageError records a terminal per-page failure. Extracted content
// already on the record is preserved.
func (s *JobStore) MarkPageError(_ context.Context, jobID, pageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := s.pages[jobID]
	for i := range pages {
		if pages[i].ID != pageID {
			continue
		}
		pages[i].Status = crawler.PageStatusError
		pages[i].FailureReason = reason
		return nil
	}
	return ErrPageNotFound
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, ErrJobNotFound
	}
	return job, nil
}

// ListPages returns all recorded pages for a job in insertion order.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[jobID]
	out := make([]crawler.PageRecord, len(pages))
	copy(out, pages)
	return out, nil
}
