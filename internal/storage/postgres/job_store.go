// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitedigest/sitedigest/internal/crawler"
)

const uniqueViolation = "23505"

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists jobs and pages in the crawl_jobs and crawl_pages tables.
// The expected DDL, including the seq identity column that preserves page
// insertion order, is in schema.sql.
type JobStore struct {
	pool dbPool
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool dbPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	paramsJSON, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	countersJSON, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := `
INSERT INTO crawl_jobs (
	id,
	root_url,
	owner_id,
	status,
	error_text,
	parameters,
	counters,
	submitted_at,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.RootURL,
		job.OwnerID,
		string(job.Status),
		job.ErrorText,
		paramsJSON,
		countersJSON,
		job.Submitted,
		job.Started,
		job.Finished,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return crawler.ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus updates status, error text, and counters for a job.
// Terminal statuses are sticky: the update is rejected once the job is
// COMPLETED, ERROR, or CANCELLED, except for counter refreshes on the
// same status.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	query := `
UPDATE crawl_jobs SET
	status = $2,
	error_text = $3,
	counters = $4,
	started_at = CASE WHEN $2 = 'RUNNING' AND started_at IS NULL THEN $5 ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('COMPLETED','ERROR','CANCELLED') AND finished_at IS NULL THEN $5 ELSE finished_at END
WHERE id = $1
  AND (status NOT IN ('COMPLETED','ERROR','CANCELLED') OR status = $2)`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, countersJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, jobID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("check job status: %w", err)
		}
		return fmt.Errorf("job %s is already %s", jobID, current)
	}
	return nil
}

// RecordPage inserts a page row.
func (s *JobStore) RecordPage(ctx context.Context, page crawler.PageRecord) error {
	if page.ID == "" {
		return fmt.Errorf("page id is required")
	}
	query := `
INSERT INTO crawl_pages (
	id,
	job_id,
	url,
	depth,
	content,
	content_hash,
	blob_uri,
	summary,
	status,
	failure_reason,
	fetched_at,
	summarized_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`
	_, err := s.pool.Exec(ctx, query,
		page.ID,
		page.JobID,
		page.URL,
		page.Depth,
		page.Content,
		page.ContentHash,
		page.BlobURI,
		page.Summary,
		string(page.Status),
		page.FailureReason,
		page.FetchedAt,
		page.SummarizedAt,
	)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// AttachSummary sets the summary on a page and marks it COMPLETED. An
// existing non-empty summary is preserved unless overwrite is set.
func (s *JobStore) AttachSummary(ctx context.Context, jobID, pageID, summary string, at time.Time, overwrite bool) error {
	query := `
UPDATE crawl_pages SET
	summary = $3,
	status = 'COMPLETED',
	failure_reason = '',
	summarized_at = $4
WHERE job_id = $1 AND id = $2 AND (summary = '' OR $5)`
	tag, err := s.pool.Exec(ctx, query, jobID, pageID, summary, at, overwrite)
	if err != nil {
		return fmt.Errorf("attach summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM crawl_pages WHERE job_id = $1 AND id = $2)`,
			jobID, pageID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check page: %w", err)
		}
		if exists {
			return crawler.ErrSummaryExists
		}
		return crawler.ErrPageNotFound
	}
	return nil
}

// MarkPageError records a terminal per-page failure. Content columns are
// left untouched.
func (s *JobStore) MarkPageError(ctx context.Context, jobID, pageID, reason string) error {
	query := `
UPDATE crawl_pages SET
	status = 'ERROR',
	failure_reason = $3
WHERE job_id = $1 AND id = $2`
	tag, err := s.pool.Exec(ctx, query, jobID, pageID, reason)
	if err != nil {
		return fmt.Errorf("mark page error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrPageNotFound
	}
	return nil
}

// GetJob fetches a job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := `
SELECT id, root_url, owner_id, status, error_text, parameters, counters,
       submitted_at, started_at, finished_at
FROM crawl_jobs WHERE id = $1`
	var (
		job          crawler.Job
		status       string
		paramsJSON   []byte
		countersJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.RootURL,
		&job.OwnerID,
		&status,
		&job.ErrorText,
		&paramsJSON,
		&countersJSON,
		&job.Submitted,
		&job.Started,
		&job.Finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
		return crawler.Job{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal(countersJSON, &job.Counters); err != nil {
		return crawler.Job{}, fmt.Errorf("unmarshal counters: %w", err)
	}
	return job, nil
}

// ListPages returns the pages recorded for a job in insertion order.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]crawler.PageRecord, error) {
	query := `
SELECT id, job_id, url, depth, content, content_hash, blob_uri, summary,
       status, failure_reason, fetched_at, summarized_at
FROM crawl_pages WHERE job_id = $1 ORDER BY seq`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	var pages []crawler.PageRecord
	for rows.Next() {
		var (
			page   crawler.PageRecord
			status string
		)
		if err := rows.Scan(
			&page.ID,
			&page.JobID,
			&page.URL,
			&page.Depth,
			&page.Content,
			&page.ContentHash,
			&page.BlobURI,
			&page.Summary,
			&status,
			&page.FailureReason,
			&page.FetchedAt,
			&page.SummarizedAt,
		); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		page.Status = crawler.PageStatus(status)
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}
