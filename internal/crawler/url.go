package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so it can serve as a deduplication key.
// It lowercases the scheme and host, removes default ports, strips the
// fragment, resolves dot segments, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	normalize(u)
	return u.String(), nil
}

func normalize(u *url.URL) {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.Path != "" {
		u.Path = u.ResolveReference(&url.URL{}).Path
	}

	q := u.Query()
	u.RawQuery = q.Encode()
}

// Scope decides which discovered references belong to a crawl job. Only
// HTTP(S) URLs on the job's root host (or an explicitly allowed host) are
// accepted; a leading "www." is treated as equivalent.
type Scope struct {
	base    *url.URL
	allowed map[string]struct{}
}

// NewScope builds a Scope rooted at rootURL. extraHosts widens the scope to
// additional hosts the job explicitly allows.
func NewScope(rootURL string, extraHosts []string) (*Scope, error) {
	u, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("parse root url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("root url scheme %q is not http(s)", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("root url %q has no host", rootURL)
	}
	normalize(u)

	allowed := map[string]struct{}{
		bareHost(u.Hostname()): {},
	}
	for _, h := range extraHosts {
		h = bareHost(strings.ToLower(strings.TrimSpace(h)))
		if h != "" {
			allowed[h] = struct{}{}
		}
	}
	return &Scope{base: u, allowed: allowed}, nil
}

// Root returns the canonical root URL of the scope.
func (s *Scope) Root() string {
	return s.base.String()
}

// Canonicalize resolves ref against base, normalizes it, and reports whether
// the result is an in-scope HTTP(S) resource. Out-of-scope and non-HTTP
// references return ok=false rather than an error.
func (s *Scope) Canonicalize(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base == nil {
		base = s.base
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	normalize(resolved)
	if _, ok := s.allowed[bareHost(resolved.Hostname())]; !ok {
		return "", false
	}
	return resolved.String(), true
}

func bareHost(host string) string {
	return strings.TrimPrefix(host, "www.")
}
