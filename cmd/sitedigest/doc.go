// Command sitedigest runs the crawl-and-summarize service: an HTTP API
// for submitting crawl jobs, a dispatcher pool that executes them, and
// pluggable job, blob, and event backends selected by configuration.
package main
