package crawler

import "sync"

// FrontierEntry is a pending canonical URL within one job's traversal scope.
type FrontierEntry struct {
	URL   string
	Depth int
}

// Frontier is the deduplicated FIFO work queue of discovered URLs for a
// single crawl job. The seen-set check is atomic with insertion, so a URL is
// enqueued at most once even under concurrent discovery. URLs beyond the
// page-count or depth limit are silently dropped.
type Frontier struct {
	mu       sync.Mutex
	queue    []FrontierEntry
	seen     map[string]struct{}
	maxPages int
	maxDepth int
	enqueued int
}

// NewFrontier creates a Frontier bounded by maxPages total enqueued URLs and
// maxDepth hops from the root. Non-positive limits disable the bound.
func NewFrontier(maxPages, maxDepth int) *Frontier {
	return &Frontier{
		seen:     make(map[string]struct{}),
		maxPages: maxPages,
		maxDepth: maxDepth,
	}
}

// Offer adds a canonical URL to the pending queue unless it was already seen
// or exceeds a limit. It reports whether the URL was enqueued.
func (f *Frontier) Offer(url string, depth int) bool {
	if url == "" {
		return false
	}
	if f.maxDepth > 0 && depth > f.maxDepth {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[url]; dup {
		return false
	}
	if f.maxPages > 0 && f.enqueued >= f.maxPages {
		return false
	}
	f.seen[url] = struct{}{}
	f.enqueued++
	f.queue = append(f.queue, FrontierEntry{URL: url, Depth: depth})
	return true
}

// Take pops the next pending entry in discovery (FIFO) order. ok is false
// when no entries are pending.
func (f *Frontier) Take() (FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return FrontierEntry{}, false
	}
	entry := f.queue[0]
	f.queue = f.queue[1:]
	return entry, true
}

// Pending returns the number of queued, not-yet-taken entries.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Seen reports whether the URL was ever enqueued for this job.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[url]
	return ok
}
