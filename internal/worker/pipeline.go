// Package worker implements the crawl pipeline: frontier traversal,
// page processing, and the summarization stage.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitedigest/sitedigest/internal/crawler"
	"github.com/sitedigest/sitedigest/internal/extractor"
	"github.com/sitedigest/sitedigest/internal/metrics"
)

// Page processing outcomes used for counters and metrics.
const (
	outcomeCrawled   = "crawled"
	outcomeFailed    = "failed"
	outcomeExcluded  = "excluded"
	outcomeSkipped   = "skipped"
	outcomeDuplicate = "duplicate"
)

// maxSummaryBuffer caps the summarization channel buffer regardless of the
// job's max_pages parameter.
const maxSummaryBuffer = 1024

// Config controls Pipeline behavior. Zero values fall back to the
// defaults below.
type Config struct {
	Concurrency          int
	SummarizeConcurrency int
	MaxDepth             int
	MaxPages             int
	FailureRateThreshold float64
	FailureMinPages      int
	CancelGrace          time.Duration
	BlobContentType      string
	PageTopic            string
	JobTopic             string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.SummarizeConcurrency <= 0 {
		c.SummarizeConcurrency = 4
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 500
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.FailureMinPages <= 0 {
		c.FailureMinPages = 10
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.BlobContentType == "" {
		c.BlobContentType = "text/html; charset=utf-8"
	}
	return c
}

// Pipeline runs one crawl job end to end: fetch workers drain the
// frontier while a separately bounded summarization stage consumes
// extracted pages, so a slow summarizer never stalls discovery.
type Pipeline struct {
	store      crawler.JobStore
	blobs      crawler.BlobStore
	publisher  crawler.Publisher
	fetcher    crawler.Fetcher
	extract    *extractor.Extractor
	summarizer crawler.Summarizer
	robots     crawler.RobotsPolicy
	hasher     crawler.Hasher
	clock      crawler.Clock
	ids        crawler.IDGenerator
	registry   *Registry
	cfg        Config
	logger     *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(
	store crawler.JobStore,
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
	fetcher crawler.Fetcher,
	extract *extractor.Extractor,
	summarizer crawler.Summarizer,
	robots crawler.RobotsPolicy,
	hasher crawler.Hasher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	registry *Registry,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      store,
		blobs:      blobs,
		publisher:  publisher,
		fetcher:    fetcher,
		extract:    extract,
		summarizer: summarizer,
		robots:     robots,
		hasher:     hasher,
		clock:      clock,
		ids:        ids,
		registry:   registry,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// pageOutcome is the result a fetch worker hands back to the coordinator.
type pageOutcome struct {
	entry   crawler.FrontierEntry
	outcome string
	links   []string
	task    *summaryTask
	err     error
}

// summaryTask carries one extracted page into the summarization stage.
type summaryTask struct {
	pageID  string
	content string
	pageURL string
}

// jobRun holds the per-job state shared between the coordinator, fetch
// workers, and summary workers.
type jobRun struct {
	job      crawler.Job
	scope    *crawler.Scope
	language string

	mu       sync.Mutex
	counters crawler.JobCounters
	hashes   map[string]string
}

func (r *jobRun) snapshot() crawler.JobCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *jobRun) addRetries(n int) {
	r.mu.Lock()
	r.counters.Retries += n
	r.mu.Unlock()
}

// seenContent records a content hash and reports whether an earlier page
// in this job already produced the same normalized content.
func (r *jobRun) seenContent(hash, pageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hashes[hash]; ok {
		return true
	}
	r.hashes[hash] = pageID
	return false
}

// RunJob executes a dequeued crawl job to a terminal status. The error
// return is reserved for store failures that prevented recording the
// outcome; job-level failures are persisted, not returned.
func (p *Pipeline) RunJob(ctx context.Context, item crawler.QueueItem) error {
	log := p.logger.With(zap.String("job_id", item.JobID), zap.String("root_url", item.RootURL))

	job, err := p.store.GetJob(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", item.JobID, err)
	}
	if job.Status.Terminal() {
		log.Info("job already terminal, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	scope, err := crawler.NewScope(item.RootURL, item.Params.AllowHosts)
	if err != nil {
		return p.finishJob(ctx, &jobRun{job: job}, crawler.JobStatusError, fmt.Sprintf("invalid root url: %v", err))
	}

	run := &jobRun{
		job:      job,
		scope:    scope,
		language: item.Params.Language,
		hashes:   make(map[string]string),
	}

	maxDepth := item.Params.MaxDepth
	if maxDepth <= 0 {
		maxDepth = p.cfg.MaxDepth
	}
	maxPages := item.Params.MaxPages
	if maxPages <= 0 {
		maxPages = p.cfg.MaxPages
	}
	frontier := crawler.NewFrontier(maxPages, maxDepth)
	frontier.Offer(scope.Root(), 0)

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	p.registry.Register(job.ID, cancelJob)
	defer p.registry.Remove(job.ID)

	// Summarization stage. Buffered so fetch workers rarely block on a
	// slow summarizer. The buffer is capped independently of the job's
	// max_pages: that value is caller-supplied and must not size an
	// allocation.
	buffer := maxPages
	if buffer > maxSummaryBuffer {
		buffer = maxSummaryBuffer
	}
	summaryCh := make(chan summaryTask, buffer)
	var summaryWG sync.WaitGroup
	for i := 0; i < p.cfg.SummarizeConcurrency; i++ {
		summaryWG.Add(1)
		go func() {
			defer summaryWG.Done()
			p.runSummaries(jobCtx, run, summaryCh, log)
		}()
	}

	// Root fetch first: a terminal root failure errors the job with zero
	// pages recorded.
	rootEntry, _ := frontier.Take()
	rootResult := p.processPage(jobCtx, run, rootEntry, summaryCh, log)
	if rootResult.outcome != outcomeCrawled && rootResult.outcome != outcomeDuplicate {
		close(summaryCh)
		summaryWG.Wait()
		if jobCtx.Err() != nil {
			return p.finishJob(ctx, run, crawler.JobStatusCancelled, "cancelled")
		}
		reason := "root url fetch failed"
		if rootResult.err != nil {
			reason = fmt.Sprintf("root url fetch failed: %v", rootResult.err)
		}
		switch rootResult.outcome {
		case outcomeExcluded:
			reason = "root url denied by exclusion policy"
		case outcomeSkipped:
			reason = "root url is not an html page"
		}
		return p.finishJob(ctx, run, crawler.JobStatusError, reason)
	}
	if err := p.store.UpdateJobStatus(ctx, job.ID, crawler.JobStatusRunning, "", run.snapshot()); err != nil {
		log.Error("update job status failed", zap.Error(err))
	}
	for _, link := range rootResult.links {
		frontier.Offer(link, rootEntry.Depth+1)
	}

	aborted, abandoned, abortReason := p.crawlLoop(jobCtx, run, frontier, summaryCh, log)

	// crawlLoop closes summaryCh once the fetch workers are done. After a
	// grace-period abandonment the summary stage is likewise waited for at
	// most one more grace period.
	summaryDone := make(chan struct{})
	go func() {
		summaryWG.Wait()
		close(summaryDone)
	}()
	if abandoned {
		select {
		case <-summaryDone:
		case <-time.After(p.cfg.CancelGrace):
			log.Warn("abandoning queued summaries after grace period")
		}
	} else {
		<-summaryDone
	}

	switch {
	case jobCtx.Err() != nil:
		return p.finishJob(ctx, run, crawler.JobStatusCancelled, "cancelled")
	case aborted:
		return p.finishJob(ctx, run, crawler.JobStatusError, abortReason)
	default:
		return p.finishJob(ctx, run, crawler.JobStatusCompleted, "")
	}
}

// crawlLoop fans frontier entries out to a bounded worker pool and folds
// results back into the frontier until it drains, the failure-rate
// threshold trips, or the job context ends.
func (p *Pipeline) crawlLoop(
	ctx context.Context,
	run *jobRun,
	frontier *crawler.Frontier,
	summaryCh chan<- summaryTask,
	log *zap.Logger,
) (aborted, abandoned bool, reason string) {
	workCh := make(chan crawler.FrontierEntry)
	results := make(chan pageOutcome)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			for entry := range workCh {
				results <- p.processPage(ctx, run, entry, summaryCh, log)
			}
		}()
	}

	inflight := 0
	var held *crawler.FrontierEntry
	stop := false
	ctxDone := ctx.Done()

	for {
		if !stop && held == nil {
			if entry, ok := frontier.Take(); ok {
				held = &entry
			}
		}
		if held == nil && inflight == 0 {
			break
		}

		var dispatch chan<- crawler.FrontierEntry
		var next crawler.FrontierEntry
		if held != nil && !stop {
			dispatch = workCh
			next = *held
		}

		select {
		case dispatch <- next:
			held = nil
			inflight++
		case res := <-results:
			inflight--
			for _, link := range res.links {
				frontier.Offer(link, res.entry.Depth+1)
			}
			if !stop && p.failureRateExceeded(run) {
				stop = true
				aborted = true
				reason = "page failure rate exceeded threshold"
				log.Warn("aborting crawl", zap.String("reason", reason))
			}
		case <-ctxDone:
			stop = true
			held = nil
			ctxDone = nil
		}
		// On stop, in-flight pages are handed off to the bounded drain
		// below instead of being awaited here.
		if stop {
			break
		}
	}

	// The summary channel closes only after every fetch worker has
	// returned, so no worker can send on a closed channel.
	close(workCh)
	go func() {
		wg.Wait()
		close(results)
		close(summaryCh)
	}()
	drained := make(chan struct{})
	go func() {
		for range results {
			// discard results of abandoned in-flight pages
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.cfg.CancelGrace):
		abandoned = true
		log.Warn("abandoning in-flight pages after grace period")
	}
	return aborted, abandoned, reason
}

func (p *Pipeline) failureRateExceeded(run *jobRun) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	attempted := run.counters.PagesCrawled + run.counters.PagesFailed
	if attempted < p.cfg.FailureMinPages {
		return false
	}
	rate := float64(run.counters.PagesFailed) / float64(attempted)
	return rate > p.cfg.FailureRateThreshold
}

// processPage runs one frontier entry through exclusion check, fetch,
// extraction, dedup, archival, and persistence, handing extracted
// content to the summarization stage.
func (p *Pipeline) processPage(
	ctx context.Context,
	run *jobRun,
	entry crawler.FrontierEntry,
	summaryCh chan<- summaryTask,
	log *zap.Logger,
) pageOutcome {
	out := pageOutcome{entry: entry}
	site := metrics.SanitizeSite(entry.URL)

	if ctx.Err() != nil {
		out.outcome = outcomeSkipped
		return out
	}

	if !p.robots.Allowed(ctx, entry.URL) {
		log.Debug("page denied by exclusion policy", zap.String("url", entry.URL))
		run.mu.Lock()
		run.counters.PagesSkipped++
		run.mu.Unlock()
		metrics.ObservePage(site, outcomeExcluded, 0)
		out.outcome = outcomeExcluded
		return out
	}

	resp, err := p.fetcher.Fetch(ctx, crawler.FetchRequest{
		JobID: run.job.ID,
		URL:   entry.URL,
		Depth: entry.Depth,
	})
	if resp.Attempts > 1 {
		run.addRetries(resp.Attempts - 1)
	}
	if err != nil {
		log.Warn("page fetch failed", zap.String("url", entry.URL), zap.Error(err))
		run.mu.Lock()
		run.counters.PagesFailed++
		run.mu.Unlock()
		metrics.ObservePage(site, outcomeFailed, 0)
		out.outcome = outcomeFailed
		out.err = err
		return out
	}

	extracted, err := p.extract.Extract(resp.ContentType, resp.Body, entry.URL, run.scope)
	if err != nil {
		if errors.Is(err, crawler.ErrNotHTML) {
			log.Debug("skipping non-html page", zap.String("url", entry.URL), zap.String("content_type", resp.ContentType))
			run.mu.Lock()
			run.counters.PagesSkipped++
			run.mu.Unlock()
			metrics.ObservePage(site, outcomeSkipped, len(resp.Body))
			out.outcome = outcomeSkipped
			return out
		}
		log.Warn("page extraction failed", zap.String("url", entry.URL), zap.Error(err))
		run.mu.Lock()
		run.counters.PagesFailed++
		run.mu.Unlock()
		metrics.ObservePage(site, outcomeFailed, len(resp.Body))
		out.outcome = outcomeFailed
		out.err = err
		return out
	}
	out.links = extracted.Links

	pageID, err := p.ids.NewID()
	if err != nil {
		out.outcome = outcomeFailed
		out.err = fmt.Errorf("generate page id: %w", err)
		return out
	}

	content := extractor.NormalizeText(extracted.Text)
	hash, err := p.hasher.Hash([]byte(content))
	if err != nil {
		out.outcome = outcomeFailed
		out.err = fmt.Errorf("hash content: %w", err)
		return out
	}
	duplicate := content != "" && run.seenContent(hash, pageID)

	// Persistence outlives cancellation so in-flight pages land.
	storeCtx := context.WithoutCancel(ctx)

	blobURI := ""
	if p.blobs != nil && len(resp.Body) > 0 {
		uri, err := p.blobs.PutObject(storeCtx, blobPath(run.job.ID, pageID), p.cfg.BlobContentType, bytes.NewReader(resp.Body))
		if err != nil {
			log.Warn("archive page body failed", zap.String("url", entry.URL), zap.Error(err))
		} else {
			blobURI = uri
		}
	}

	status := crawler.PageStatusPending
	if duplicate {
		status = crawler.PageStatusCompleted
	}
	page := crawler.PageRecord{
		ID:          pageID,
		JobID:       run.job.ID,
		URL:         entry.URL,
		Depth:       entry.Depth,
		Content:     content,
		ContentHash: hash,
		BlobURI:     blobURI,
		Status:      status,
		FetchedAt:   p.clock.Now(),
	}
	if err := p.store.RecordPage(storeCtx, page); err != nil {
		log.Error("record page failed", zap.String("url", entry.URL), zap.Error(err))
		run.mu.Lock()
		run.counters.PagesFailed++
		run.mu.Unlock()
		metrics.ObservePage(site, outcomeFailed, len(resp.Body))
		out.outcome = outcomeFailed
		out.err = err
		return out
	}

	run.mu.Lock()
	run.counters.PagesCrawled++
	run.mu.Unlock()

	if duplicate {
		metrics.ObservePage(site, outcomeDuplicate, len(resp.Body))
		out.outcome = outcomeDuplicate
	} else {
		metrics.ObservePage(site, outcomeCrawled, len(resp.Body))
		out.outcome = outcomeCrawled
		out.task = &summaryTask{pageID: pageID, content: content, pageURL: entry.URL}
		summaryCh <- *out.task
	}

	p.publishEvent(storeCtx, p.cfg.PageTopic, map[string]any{
		"event":   "page_crawled",
		"job_id":  run.job.ID,
		"page_id": pageID,
		"url":     entry.URL,
		"depth":   entry.Depth,
	}, log)
	return out
}

// runSummaries drains the summary channel. Terminal summarizer failures
// mark the page ERROR while keeping its extracted content.
func (p *Pipeline) runSummaries(ctx context.Context, run *jobRun, tasks <-chan summaryTask, log *zap.Logger) {
	for task := range tasks {
		storeCtx := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			p.markSummaryFailed(storeCtx, run, task, "job cancelled before summarization", log)
			continue
		}
		if task.content == "" {
			p.markSummaryFailed(storeCtx, run, task, "no content extracted", log)
			continue
		}

		start := p.clock.Now()
		summary, err := p.summarizer.Summarize(ctx, crawler.SummarizeRequest{
			Content:  task.content,
			Context:  task.pageURL,
			Language: run.language,
		})
		elapsed := p.clock.Now().Sub(start)
		if err != nil {
			reason := "summarization failed"
			outcome := "failed"
			var se *crawler.SummarizeError
			if errors.As(err, &se) {
				reason = fmt.Sprintf("summarization failed: %s", se.Reason)
				outcome = string(se.Reason)
			}
			metrics.ObserveSummary(outcome, elapsed)
			log.Warn("summarize failed", zap.String("url", task.pageURL), zap.Error(err))
			p.markSummaryFailed(storeCtx, run, task, reason, log)
			continue
		}
		metrics.ObserveSummary("completed", elapsed)

		if err := p.store.AttachSummary(storeCtx, run.job.ID, task.pageID, summary.Text, p.clock.Now(), false); err != nil {
			log.Error("attach summary failed", zap.String("page_id", task.pageID), zap.Error(err))
			continue
		}
		run.mu.Lock()
		run.counters.SummariesCompleted++
		run.mu.Unlock()
		p.publishEvent(storeCtx, p.cfg.PageTopic, map[string]any{
			"event":   "page_summarized",
			"job_id":  run.job.ID,
			"page_id": task.pageID,
			"url":     task.pageURL,
			"quality": summary.Quality,
		}, log)
	}
}

func (p *Pipeline) markSummaryFailed(ctx context.Context, run *jobRun, task summaryTask, reason string, log *zap.Logger) {
	if err := p.store.MarkPageError(ctx, run.job.ID, task.pageID, reason); err != nil {
		log.Error("mark page error failed", zap.String("page_id", task.pageID), zap.Error(err))
	}
	run.mu.Lock()
	run.counters.SummariesFailed++
	run.mu.Unlock()
}

// finishJob persists the terminal status and publishes the job event.
func (p *Pipeline) finishJob(ctx context.Context, run *jobRun, status crawler.JobStatus, errText string) error {
	storeCtx := context.WithoutCancel(ctx)
	counters := run.snapshot()
	if err := p.store.UpdateJobStatus(storeCtx, run.job.ID, status, errText, counters); err != nil {
		return fmt.Errorf("finish job %s: %w", run.job.ID, err)
	}
	metrics.ObserveJob(string(status))
	p.logger.Info("job finished",
		zap.String("job_id", run.job.ID),
		zap.String("status", string(status)),
		zap.Int("pages_crawled", counters.PagesCrawled),
		zap.Int("pages_failed", counters.PagesFailed),
		zap.Int("summaries_completed", counters.SummariesCompleted),
	)
	p.publishEvent(storeCtx, p.cfg.JobTopic, map[string]any{
		"event":  "job_finished",
		"job_id": run.job.ID,
		"status": string(status),
		"error":  errText,
	}, p.logger)
	return nil
}

func (p *Pipeline) publishEvent(ctx context.Context, topic string, payload any, log *zap.Logger) {
	if p.publisher == nil || topic == "" {
		return
	}
	if _, err := p.publisher.Publish(ctx, topic, payload); err != nil {
		log.Warn("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}

func blobPath(jobID, pageID string) string {
	return fmt.Sprintf("%s/%s.html", jobID, pageID)
}
