// Package summarizer wraps the external content summarization service.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sitedigest/sitedigest/internal/crawler"
)

const maxErrorBodyBytes = 8 << 10

// Config controls the summarizer client.
type Config struct {
	Endpoint        string
	APIKey          string
	Timeout         time.Duration
	MaxContentBytes int
	RPS             float64
	Burst           int
}

// Client implements crawler.Summarizer over HTTP. Calls are throttled by a
// token bucket so parallel summarizations respect the service's throughput
// limits; transient failures are retried up to the policy ceiling.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	retry   crawler.RetryPolicy
	logger  *zap.Logger
}

type summarizeRequest struct {
	Content  string `json:"content"`
	Context  string `json:"context,omitempty"`
	Language string `json:"language"`
}

type summarizeResponse struct {
	SummarizedContent string `json:"summarized_content"`
	SummaryQuality    string `json:"summary_quality"`
}

// New builds a Client.
func New(cfg Config, retry crawler.RetryPolicy, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("summarizer endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 200 * 1024
	}
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(3, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
		logger:  logger,
	}, nil
}

// Summarize sends content to the summarization service and returns the
// summary or a typed SummarizeError. Content over the configured size is
// rejected locally as too-long without a network call.
func (c *Client) Summarize(ctx context.Context, request crawler.SummarizeRequest) (crawler.Summary, error) {
	if len(request.Content) > c.cfg.MaxContentBytes {
		return crawler.Summary{}, &crawler.SummarizeError{
			Reason: crawler.SummarizeTooLong,
			Err:    fmt.Errorf("content is %d bytes, limit %d", len(request.Content), c.cfg.MaxContentBytes),
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return crawler.Summary{}, fmt.Errorf("summarizer rate limit wait: %w", err)
		}

		summary, err := c.callOnce(ctx, request)
		if err == nil {
			return summary, nil
		}

		var se *crawler.SummarizeError
		transient := errors.As(err, &se) && se.Transient()
		if !transient || !c.retry.ShouldRetry(err, attempt) {
			return crawler.Summary{}, err
		}

		wait := c.retry.Backoff(attempt)
		c.logger.Debug("retrying summarization",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return crawler.Summary{}, fmt.Errorf("summarize canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (c *Client) callOnce(ctx context.Context, request crawler.SummarizeRequest) (crawler.Summary, error) {
	payload, err := json.Marshal(summarizeRequest{
		Content:  request.Content,
		Context:  request.Context,
		Language: request.Language,
	})
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("marshal summarize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("new summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return crawler.Summary{}, err
		}
		return crawler.Summary{}, &crawler.SummarizeError{Reason: crawler.SummarizeUnavailable, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close summarize response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return crawler.Summary{}, c.classifyStatus(resp)
	}

	var decoded summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return crawler.Summary{}, &crawler.SummarizeError{
			Reason: crawler.SummarizeRejected,
			Err:    fmt.Errorf("decode summarize response: %w", err),
		}
	}
	if decoded.SummarizedContent == "" {
		return crawler.Summary{}, &crawler.SummarizeError{
			Reason: crawler.SummarizeRejected,
			Err:    errors.New("service returned an empty summary"),
		}
	}
	return crawler.Summary{Text: decoded.SummarizedContent, Quality: decoded.SummaryQuality}, nil
}

func (c *Client) classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return &crawler.SummarizeError{Reason: crawler.SummarizeTooLong, Err: err}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &crawler.SummarizeError{Reason: crawler.SummarizeRateLimited, Err: err}
	case resp.StatusCode >= 500:
		return &crawler.SummarizeError{Reason: crawler.SummarizeUnavailable, Err: err}
	default:
		return &crawler.SummarizeError{Reason: crawler.SummarizeRejected, Err: err}
	}
}
