// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/sitedigest/sitedigest/internal/crawler"
	"github.com/sitedigest/sitedigest/internal/policy/ratelimit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Transient
// failures (timeouts, 5xx, connection resets, 429) are retried with jittered
// exponential backoff; 429 responses honor a Retry-After hint when present.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       *ratelimit.Limiter
	retry         crawler.RetryPolicy
	logger        *zap.Logger
}

// New builds a Fetcher. limiter may be nil to disable per-origin throttling.
func New(cfg Config, limiter *ratelimit.Limiter, retry crawler.RetryPolicy, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 * 1024 * 1024
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(3, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	// Exclusion rules are enforced upstream by the robots policy; keep the
	// collector from issuing its own robots.txt probes.
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = cfg.MaxBodyBytes
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		limiter:       limiter,
		retry:         retry,
		logger:        logger,
	}
}

// Fetch executes an HTTP GET with bounded retries.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	for attempt := 0; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, request.URL); err != nil {
				return crawler.FetchResponse{}, err
			}
		}

		resp, err := f.fetchOnce(ctx, request)
		if err == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}
		if !f.retry.ShouldRetry(err, attempt) {
			return crawler.FetchResponse{}, err
		}

		wait := f.retry.Backoff(attempt)
		var fe *crawler.FetchError
		if errors.As(err, &fe) && fe.RetryAfter > wait {
			wait = fe.RetryAfter
		}
		f.logger.Debug("retrying fetch",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return crawler.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		result = crawler.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
			Truncated:   len(r.Body) >= f.cfg.MaxBodyBytes,
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = f.classify(request.URL, r, err)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return crawler.FetchResponse{}, fetchErr
		}
		if err != nil {
			return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Err: err}
		}
		return result, nil
	}
}

// classify maps a failed response to the fetch error taxonomy: 5xx and
// network errors are transient, 429 is transient with an optional
// Retry-After hint, all other 4xx are permanent.
func (f *Fetcher) classify(url string, r *colly.Response, err error) error {
	fe := &crawler.FetchError{URL: url, Err: err}
	if r != nil {
		fe.StatusCode = r.StatusCode
	}
	switch {
	case fe.StatusCode == http.StatusTooManyRequests:
		if r != nil && r.Headers != nil {
			fe.RetryAfter = parseRetryAfter(r.Headers.Get("Retry-After"))
		}
	case fe.StatusCode >= 400 && fe.StatusCode < 500:
		fe.Permanent = true
	}
	return fe
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
