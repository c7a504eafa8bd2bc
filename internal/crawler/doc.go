// Package crawler defines the core types, interfaces, and traversal
// primitives shared by the crawl-and-summarize pipeline: job and page
// records, the deduplicating frontier, URL canonicalization, the robots
// exclusion policy, and the retry policy used by the fetcher.
package crawler
