package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitedigest/sitedigest/internal/clock/system"
	"github.com/sitedigest/sitedigest/internal/crawler"
	"github.com/sitedigest/sitedigest/internal/extractor"
	"github.com/sitedigest/sitedigest/internal/hash/sha256"
	"github.com/sitedigest/sitedigest/internal/id/uuid"
	"github.com/sitedigest/sitedigest/internal/metrics"
	pubmemory "github.com/sitedigest/sitedigest/internal/publisher/memory"
	"github.com/sitedigest/sitedigest/internal/storage/memory"
)

type fakePage struct {
	body        string
	contentType string
	attempts    int
	err         error
	blockOnCtx  bool
	// block, when non-nil, stalls the fetch until the channel closes,
	// ignoring context cancellation.
	block chan struct{}
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]fakePage
	calls map[string]int
}

func newFakeFetcher(pages map[string]fakePage) *fakeFetcher {
	return &fakeFetcher{pages: pages, calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	page, ok := f.pages[req.URL]
	f.mu.Unlock()
	if !ok {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, StatusCode: 404, Permanent: true, Err: errors.New("not found")}
	}
	if page.blockOnCtx {
		<-ctx.Done()
		return crawler.FetchResponse{}, ctx.Err()
	}
	if page.block != nil {
		<-page.block
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, Err: errors.New("connection reset")}
	}
	if page.err != nil {
		return crawler.FetchResponse{}, page.err
	}
	attempts := page.attempts
	if attempts == 0 {
		attempts = 1
	}
	contentType := page.contentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return crawler.FetchResponse{
		URL:         req.URL,
		StatusCode:  200,
		ContentType: contentType,
		Body:        []byte(page.body),
		Attempts:    attempts,
	}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeSummarizer struct {
	mu   sync.Mutex
	errs map[string]error // keyed by page URL (request context)
}

func (s *fakeSummarizer) Summarize(_ context.Context, req crawler.SummarizeRequest) (crawler.Summary, error) {
	s.mu.Lock()
	err := s.errs[req.Context]
	s.mu.Unlock()
	if err != nil {
		return crawler.Summary{}, err
	}
	return crawler.Summary{Text: "summary of " + req.Context, Quality: "good"}, nil
}

type denyListPolicy struct {
	denied []string
}

func (p denyListPolicy) Allowed(_ context.Context, rawURL string) bool {
	for _, prefix := range p.denied {
		if strings.HasPrefix(rawURL, prefix) {
			return false
		}
	}
	return true
}

func linkPage(text string, hrefs ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>t</title></head><body><p>")
	b.WriteString(text)
	b.WriteString("</p>")
	for _, href := range hrefs {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, href)
	}
	b.WriteString("</body></html>")
	return b.String()
}

type pipelineHarness struct {
	store     *memory.JobStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	registry  *Registry
	pipeline  *Pipeline
}

func newHarness(t *testing.T, fetcher crawler.Fetcher, summarizer crawler.Summarizer, robots crawler.RobotsPolicy, cfg Config) *pipelineHarness {
	t.Helper()
	h := &pipelineHarness{
		store:     memory.NewJobStore(),
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		registry:  NewRegistry(),
	}
	if robots == nil {
		robots = crawler.AllowAllPolicy{}
	}
	cfg.PageTopic = "pages"
	cfg.JobTopic = "jobs"
	h.pipeline = NewPipeline(
		h.store,
		h.blobs,
		h.publisher,
		fetcher,
		extractor.New(zap.NewNop()),
		summarizer,
		robots,
		sha256.New(),
		system.New(),
		uuid.New(),
		h.registry,
		cfg,
		zap.NewNop(),
	)
	return h
}

func (h *pipelineHarness) submit(t *testing.T, rootURL string) crawler.QueueItem {
	t.Helper()
	job := crawler.Job{
		ID:        "job-1",
		RootURL:   rootURL,
		OwnerID:   "owner-1",
		Status:    crawler.JobStatusPending,
		Submitted: time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return crawler.QueueItem{JobID: job.ID, RootURL: rootURL}
}

func pageByURL(pages []crawler.PageRecord, url string) (crawler.PageRecord, bool) {
	for _, p := range pages {
		if p.URL == url {
			return p, true
		}
	}
	return crawler.PageRecord{}, false
}

func TestRunJobCompletesAndSkipsExcludedPages(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/":  {body: linkPage("welcome to the home page", "/a", "/b")},
		"https://example.test/a": {body: linkPage("everything about the a page")},
		"https://example.test/b": {body: linkPage("the forbidden b page")},
	})
	robots := denyListPolicy{denied: []string{"https://example.test/b"}}
	h := newHarness(t, fetcher, &fakeSummarizer{}, robots, Config{Concurrency: 1, SummarizeConcurrency: 1})

	item := h.submit(t, "https://example.test/")
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.Counters.PagesCrawled)
	require.Equal(t, 1, job.Counters.PagesSkipped)
	require.Equal(t, 2, job.Counters.SummariesCompleted)

	pages, err := h.store.ListPages(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	_, found := pageByURL(pages, "https://example.test/b")
	require.False(t, found, "excluded page must not be recorded")
	for _, page := range pages {
		require.Equal(t, crawler.PageStatusCompleted, page.Status)
		require.NotEmpty(t, page.Summary)
		require.NotEmpty(t, page.Content)
		require.NotEmpty(t, page.BlobURI)
	}
	require.Equal(t, 0, fetcher.callCount("https://example.test/b"))
}

func TestRunJobRootFetchFailureErrorsJob(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/": {err: &crawler.FetchError{URL: "https://example.test/", StatusCode: 503, Err: errors.New("unavailable")}},
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{Concurrency: 1, SummarizeConcurrency: 1})

	item := h.submit(t, "https://example.test/")
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusError, job.Status)
	require.Contains(t, job.ErrorText, "root url fetch failed")

	pages, err := h.store.ListPages(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Empty(t, pages)
}

func TestRunJobSummaryRejectionKeepsContent(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/":  {body: linkPage("welcome to the home page", "/a")},
		"https://example.test/a": {body: linkPage("a very long page about many things")},
	})
	summarizer := &fakeSummarizer{errs: map[string]error{
		"https://example.test/a": &crawler.SummarizeError{Reason: crawler.SummarizeTooLong, Err: errors.New("content too long")},
	}}
	h := newHarness(t, fetcher, summarizer, nil, Config{Concurrency: 1, SummarizeConcurrency: 1})

	item := h.submit(t, "https://example.test/")
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.Counters.SummariesCompleted)
	require.Equal(t, 1, job.Counters.SummariesFailed)

	pages, err := h.store.ListPages(context.Background(), item.JobID)
	require.NoError(t, err)
	page, found := pageByURL(pages, "https://example.test/a")
	require.True(t, found)
	require.Equal(t, crawler.PageStatusError, page.Status)
	require.Empty(t, page.Summary)
	require.NotEmpty(t, page.Content, "rejected page keeps its extracted content")
	require.Contains(t, page.FailureReason, "too_long")
}

func TestRunJobDeduplicatesIdenticalContent(t *testing.T) {
	t.Parallel()

	same := linkPage("the identical body text of this page")
	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/":  {body: linkPage("welcome to the home page", "/a", "/b")},
		"https://example.test/a": {body: same},
		"https://example.test/b": {body: same},
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{Concurrency: 1, SummarizeConcurrency: 1})

	item := h.submit(t, "https://example.test/")
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 3, job.Counters.PagesCrawled)
	require.Equal(t, 2, job.Counters.SummariesCompleted)

	pages, err := h.store.ListPages(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	// FIFO at concurrency 1: /a is summarized, /b is the duplicate.
	dup, found := pageByURL(pages, "https://example.test/b")
	require.True(t, found)
	require.Equal(t, crawler.PageStatusCompleted, dup.Status)
	require.Empty(t, dup.Summary)
	first, found := pageByURL(pages, "https://example.test/a")
	require.True(t, found)
	require.Equal(t, first.ContentHash, dup.ContentHash)
	require.NotEmpty(t, first.Summary)
}

func TestRunJobRetriedFetchDoesNotFailJob(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/":  {body: linkPage("welcome to the home page", "/a")},
		"https://example.test/a": {body: linkPage("the a page that needed retries"), attempts: 4},
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{Concurrency: 1, SummarizeConcurrency: 1})

	item := h.submit(t, "https://example.test/")
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 0, job.Counters.PagesFailed)
	require.Equal(t, 3, job.Counters.Retries)

	pages, err := h.store.ListPages(context.Background(), item.JobID)
	require.NoError(t, err)
	page, found := pageByURL(pages, "https://example.test/a")
	require.True(t, found)
	require.NotEmpty(t, page.Content)
}

func TestRunJobFailureRateAbortsJob(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/": {body: linkPage("welcome to the home page", "/f1", "/f2", "/f3")},
		// /f1../f3 are absent from the map and fail with 404.
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{
		Concurrency:          1,
		SummarizeConcurrency: 1,
		FailureRateThreshold: 0.4,
		FailureMinPages:      2,
	})

	item := h.submit(t, "https://example.test/")
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusError, job.Status)
	require.Contains(t, job.ErrorText, "failure rate")
	require.GreaterOrEqual(t, job.Counters.PagesFailed, 1)
}

func TestRunJobCancellation(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/":     {body: linkPage("welcome to the home page", "/slow")},
		"https://example.test/slow": {blockOnCtx: true},
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{
		Concurrency:          1,
		SummarizeConcurrency: 1,
		CancelGrace:          200 * time.Millisecond,
	})

	item := h.submit(t, "https://example.test/")
	done := make(chan error, 1)
	go func() {
		done <- h.pipeline.RunJob(context.Background(), item)
	}()

	require.Eventually(t, func() bool {
		return fetcher.callCount("https://example.test/slow") > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, h.registry.Cancel(item.JobID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish after cancellation")
	}

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, job.Status)
	require.False(t, h.registry.Running(item.JobID))
}

func TestRunJobCancellationAbandonsStuckFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/":      {body: linkPage("welcome to the home page", "/stuck")},
		"https://example.test/stuck": {block: release},
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{
		Concurrency:          1,
		SummarizeConcurrency: 1,
		CancelGrace:          100 * time.Millisecond,
	})

	item := h.submit(t, "https://example.test/")
	done := make(chan error, 1)
	go func() {
		done <- h.pipeline.RunJob(context.Background(), item)
	}()

	require.Eventually(t, func() bool {
		return fetcher.callCount("https://example.test/stuck") > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, h.registry.Cancel(item.JobID))

	// A fetch that ignores cancellation must not pin the job past the
	// grace period.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation blocked on a stuck in-flight fetch")
	}

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCancelled, job.Status)
}

func TestRunJobToleratesOversizedMaxPages(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/": {body: linkPage("welcome to the home page")},
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{Concurrency: 1, SummarizeConcurrency: 1})

	item := h.submit(t, "https://example.test/")
	// The summary buffer must not be sized from this value.
	item.Params.MaxPages = 1 << 61
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	job, err := h.store.GetJob(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.Counters.PagesCrawled)
}

func TestRunJobRecordsSummaryOutcomeOnce(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/": {body: linkPage("welcome to the home page")},
	})
	summarizer := &fakeSummarizer{errs: map[string]error{
		"https://example.test/": &crawler.SummarizeError{
			Reason: crawler.SummarizeRejected,
			Err:    errors.New("service rejected content"),
		},
	}}
	h := newHarness(t, fetcher, summarizer, nil, Config{Concurrency: 1, SummarizeConcurrency: 1})

	before := testutil.ToFloat64(metrics.SummariesCounter(string(crawler.SummarizeRejected)))

	item := h.submit(t, "https://example.test/")
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	after := testutil.ToFloat64(metrics.SummariesCounter(string(crawler.SummarizeRejected)))
	require.Equal(t, 1.0, after-before, "one summarization attempt increments the counter once")
}

func TestRunJobRespectsMaxDepth(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/":   {body: linkPage("welcome to the home page", "/d1")},
		"https://example.test/d1": {body: linkPage("first level page", "/d2")},
		"https://example.test/d2": {body: linkPage("second level page", "/d3")},
		"https://example.test/d3": {body: linkPage("third level page")},
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{Concurrency: 1, SummarizeConcurrency: 1})

	item := h.submit(t, "https://example.test/")
	item.Params.MaxDepth = 2
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	pages, err := h.store.ListPages(context.Background(), item.JobID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	_, found := pageByURL(pages, "https://example.test/d3")
	require.False(t, found, "links beyond max depth are dropped silently")
	require.Equal(t, 0, fetcher.callCount("https://example.test/d3"))
}

func TestRunJobPublishesEvents(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(map[string]fakePage{
		"https://example.test/": {body: linkPage("welcome to the home page")},
	})
	h := newHarness(t, fetcher, &fakeSummarizer{}, nil, Config{Concurrency: 1, SummarizeConcurrency: 1})

	item := h.submit(t, "https://example.test/")
	require.NoError(t, h.pipeline.RunJob(context.Background(), item))

	var pageEvents, jobEvents int
	for _, msg := range h.publisher.Messages() {
		switch msg.Topic {
		case "pages":
			pageEvents++
		case "jobs":
			jobEvents++
		}
	}
	require.Equal(t, 2, pageEvents, "crawled + summarized events")
	require.Equal(t, 1, jobEvents)
}
