package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const robotsMaxBytes = 1 << 20

// RobotsEnforcer evaluates robots.txt exclusion rules per origin. The
// manifest is fetched once per origin and cached for the enforcer's lifetime.
// Fetch and parse failures fail open: absence of a manifest conventionally
// means no restriction.
type RobotsEnforcer struct {
	client    *http.Client
	cache     sync.Map
	userAgent string
	logger    *zap.Logger
}

// ComplianceReport describes an origin's crawl permissions for our agent.
type ComplianceReport struct {
	Origin      string `json:"origin"`
	HasManifest bool   `json:"has_manifest"`
	RootAllowed bool   `json:"root_allowed"`
}

// NewRobotsEnforcer builds a RobotsEnforcer. A nil client falls back to a
// default with a 10s timeout.
func NewRobotsEnforcer(userAgent string, client *http.Client, logger *zap.Logger) *RobotsEnforcer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsEnforcer{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
	}
}

// robotsEntry is the cached per-origin verdict. A nil data means the
// manifest was unavailable or malformed and the origin fails open.
type robotsEntry struct {
	data *robotstxt.RobotsData
}

// Allowed implements RobotsPolicy. Unparseable URLs are rejected; everything
// else defaults to allowed unless the origin's manifest denies the path.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	entry := r.load(ctx, parsed)
	if entry.data == nil {
		return true
	}
	group := entry.data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	p := parsed.Path
	if p == "" {
		p = "/"
	}
	return group.Test(p)
}

// Probe fetches the origin's manifest and reports whether our agent may
// fetch the site root. It backs the compliance pre-check endpoint.
func (r *RobotsEnforcer) Probe(ctx context.Context, rawURL string) (ComplianceReport, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ComplianceReport{}, fmt.Errorf("parse target url %q: %w", rawURL, err)
	}
	report := ComplianceReport{
		Origin:      parsed.Scheme + "://" + strings.ToLower(parsed.Host),
		RootAllowed: true,
	}
	entry := r.load(ctx, parsed)
	if entry.data == nil {
		return report, nil
	}
	report.HasManifest = true
	if group := entry.data.FindGroup(r.userAgent); group != nil {
		report.RootAllowed = group.Test("/")
	}
	return report, nil
}

// load returns the cached verdict for an origin, fetching the manifest at
// most once. Fetch and parse failures are cached too: an origin whose
// manifest is unavailable fails open without refetching on every call.
func (r *RobotsEnforcer) load(ctx context.Context, parsed *url.URL) *robotsEntry {
	hostKey := strings.ToLower(parsed.Host)
	if cached, ok := r.cache.Load(hostKey); ok {
		if entry, assertOK := cached.(*robotsEntry); assertOK {
			return entry
		}
	}

	entry := &robotsEntry{}
	data, err := r.fetch(ctx, parsed)
	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation says nothing about the origin; leave
			// the cache empty so the next call retries the fetch.
			return entry
		}
		r.logger.Warn("robots manifest unavailable; origin fails open",
			zap.String("host", hostKey), zap.Error(err))
	} else {
		entry.data = data
	}
	r.cache.Store(hostKey, entry)
	return entry
}

func (r *RobotsEnforcer) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   "/robots.txt",
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		// Malformed manifests fail open, same as a missing one.
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// AllowAllPolicy is a RobotsPolicy that permits every fetch. Used when a job
// opts out of exclusion rules and in tests.
type AllowAllPolicy struct{}

// Allowed implements RobotsPolicy.
func (AllowAllPolicy) Allowed(context.Context, string) bool { return true }
