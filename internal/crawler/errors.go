package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by JobStore implementations.
var (
	ErrJobExists     = errors.New("job already exists")
	ErrJobNotFound   = errors.New("job not found")
	ErrPageNotFound  = errors.New("page not found")
	ErrSummaryExists = errors.New("summary already set")
)

// Sentinel errors for per-page outcomes that skip a page without failing it.
var (
	// ErrExclusionDenied marks a URL the robots policy forbids. The page is
	// skipped; no PageRecord is created.
	ErrExclusionDenied = errors.New("fetch denied by exclusion policy")
	// ErrNotHTML marks a response whose content type is not HTML.
	ErrNotHTML = errors.New("content is not HTML")
)

// FetchError wraps a failed fetch with enough context to classify it.
type FetchError struct {
	URL        string
	StatusCode int
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsPermanentFetch reports whether err is a fetch failure that must not be
// retried (4xx other than 429).
func IsPermanentFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Permanent
}

// SummarizeFailure classifies summarizer outcomes.
type SummarizeFailure string

// Summarize failure reasons. TooLong and Rejected are terminal for the page;
// RateLimited and Unavailable are surfaced only after the retry ceiling.
const (
	SummarizeTooLong     SummarizeFailure = "too_long"
	SummarizeRateLimited SummarizeFailure = "rate_limited"
	SummarizeUnavailable SummarizeFailure = "unavailable"
	SummarizeRejected    SummarizeFailure = "rejected"
)

// SummarizeError is the typed failure returned by the Summarizer.
type SummarizeError struct {
	Reason SummarizeFailure
	Err    error
}

func (e *SummarizeError) Error() string {
	return fmt.Sprintf("summarize: %s: %v", e.Reason, e.Err)
}

func (e *SummarizeError) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed on a later attempt.
func (e *SummarizeError) Transient() bool {
	return e.Reason == SummarizeRateLimited || e.Reason == SummarizeUnavailable
}
