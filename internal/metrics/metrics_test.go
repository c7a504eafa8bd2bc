package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "https url", in: "https://Example.Test/page", want: "example.test"},
		{name: "bare host", in: "example.test", want: "example.test"},
		{name: "invalid", in: "://", want: "unknown"},
		{name: "empty", in: "", want: "unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, SanitizeSite(tc.in))
		})
	}
}

func TestObserversDoNotPanic(t *testing.T) {
	Init()
	Init() // idempotent

	ObservePage("https://example.test/a", "completed", 1024)
	ObservePage("", "failed", 0)
	ObserveJob("COMPLETED")
	ObserveSummary("completed", 2*time.Second)
	ObserveSummary("too_long", time.Millisecond)
	ObserveRateLimitDelay("example.test", 150*time.Millisecond)
	ObserveHTTPRequest("GET", "/v1/crawls/{job_id}/status", 200, 5*time.Millisecond)
	IncActiveWorkers()
	DecActiveWorkers()
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveJob("COMPLETED")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "sitedigest_jobs_total")
}
