package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists job and page metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	RecordPage(ctx context.Context, page PageRecord) error
	// AttachSummary sets the summary on a page and marks it COMPLETED. A
	// non-empty summary is never overwritten unless overwrite is set.
	AttachSummary(ctx context.Context, jobID, pageID, summary string, at time.Time, overwrite bool) error
	// MarkPageError records a terminal per-page failure, preserving any
	// extracted content already on the record.
	MarkPageError(ctx context.Context, jobID, pageID, reason string) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]PageRecord, error)
}

// BlobStore archives raw page bodies and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves a URL and returns the body plus metadata. Transient
// failures are retried internally; a returned error is terminal for the
// attempt.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Summarizer sends extracted content to the external summarization service.
type Summarizer interface {
	Summarize(ctx context.Context, request SummarizeRequest) (Summary, error)
}

// RobotsPolicy answers whether a URL may be fetched under the origin's
// exclusion rules.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RetryPolicy decides whether and when a failed operation is re-attempted.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for content deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and page IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
