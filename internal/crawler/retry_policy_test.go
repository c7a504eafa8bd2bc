package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetryClassification(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 0, 0)

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil error", err: nil, attempt: 0, want: false},
		{name: "transient server error", err: &FetchError{StatusCode: 500, Err: errors.New("boom")}, attempt: 0, want: true},
		{name: "rate limited", err: &FetchError{StatusCode: 429, Err: errors.New("slow down")}, attempt: 1, want: true},
		{name: "permanent 404", err: &FetchError{StatusCode: 404, Permanent: true, Err: errors.New("gone")}, attempt: 0, want: false},
		{name: "context canceled", err: context.Canceled, attempt: 0, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, attempt: 0, want: false},
		{name: "ceiling reached", err: errors.New("timeout"), attempt: 2, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, time.Second)
	prevMax := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, time.Second)
		// The deterministic half of the delay grows until the cap.
		if attempt < 3 {
			require.GreaterOrEqual(t, d, prevMax/2)
		}
		prevMax = d
	}
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection reset")
	err := &FetchError{URL: "https://example.test", Err: inner}
	require.ErrorIs(t, err, inner)
	require.False(t, IsPermanentFetch(err))

	perm := &FetchError{URL: "https://example.test", StatusCode: 410, Permanent: true, Err: errors.New("gone")}
	require.True(t, IsPermanentFetch(perm))
}

func TestSummarizeErrorTransient(t *testing.T) {
	t.Parallel()

	require.True(t, (&SummarizeError{Reason: SummarizeRateLimited}).Transient())
	require.True(t, (&SummarizeError{Reason: SummarizeUnavailable}).Transient())
	require.False(t, (&SummarizeError{Reason: SummarizeTooLong}).Transient())
	require.False(t, (&SummarizeError{Reason: SummarizeRejected}).Transient())
}
