package crawler

import "time"

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store. RUNNING is internal to the
// pipeline; callers observe it as PENDING until the job reaches a terminal
// state.
const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusError     JobStatus = "ERROR"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Reported maps internal statuses to the three-state surface exposed to
// callers: RUNNING is reported as PENDING.
func (s JobStatus) Reported() JobStatus {
	if s == JobStatusRunning {
		return JobStatusPending
	}
	return s
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// PageStatus is the per-page outcome recorded on a PageRecord.
type PageStatus string

// Page status values. A page stays PENDING while its summary is in flight;
// content without a summary is a valid terminal state (status ERROR with
// content preserved).
const (
	PageStatusPending   PageStatus = "PENDING"
	PageStatusCompleted PageStatus = "COMPLETED"
	PageStatusError     PageStatus = "ERROR"
)

// JobParameters captures per-job configuration knobs requested by the client.
// Zero values fall back to configured defaults.
type JobParameters struct {
	MaxDepth   int      `json:"max_depth"`
	MaxPages   int      `json:"max_pages"`
	Language   string   `json:"language"`
	AllowHosts []string `json:"allow_hosts"`
}

// Job represents the metadata persisted for each submitted crawl request.
type Job struct {
	ID         string        `json:"id"`
	RootURL    string        `json:"root_url"`
	OwnerID    string        `json:"owner_id"`
	Status     JobStatus     `json:"status"`
	ErrorText  string        `json:"error_text,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
}

// JobCounters tracks per-job page and summary stats.
type JobCounters struct {
	PagesCrawled       int `json:"pages_crawled"`
	PagesFailed        int `json:"pages_failed"`
	PagesSkipped       int `json:"pages_skipped"`
	SummariesCompleted int `json:"summaries_completed"`
	SummariesFailed    int `json:"summaries_failed"`
	Retries            int `json:"retries"`
}

// PageRecord is persisted for each fetched-and-extracted page. The canonical
// URL is the deduplication key within a job; Summary stays empty until
// summarization succeeds.
type PageRecord struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	URL           string     `json:"url"`
	Depth         int        `json:"depth"`
	Content       string     `json:"content,omitempty"`
	ContentHash   string     `json:"content_hash,omitempty"`
	BlobURI       string     `json:"blob_uri,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	Status        PageStatus `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	FetchedAt     time.Time  `json:"fetched_at"`
	SummarizedAt  *time.Time `json:"summarized_at,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID string
	URL   string
	Depth int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
	Truncated   bool
	Attempts    int
}

// SummarizeRequest carries extracted page content to the summarization
// service. Context is typically the page URL.
type SummarizeRequest struct {
	Content  string
	Context  string
	Language string
}

// Summary is the result of a successful summarization call.
type Summary struct {
	Text    string
	Quality string
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	RootURL   string
	Params    JobParameters
	Submitted int64
}

// JobResult is returned by the API result endpoint.
type JobResult struct {
	Job   Job          `json:"job"`
	Pages []PageRecord `json:"pages"`
}
