// Package progress carries crawl and upload milestones from workers to
// observers. Emitters hand events to a non-blocking Hub which batches them on
// a background goroutine and fans them out to sinks (logs, Prometheus,
// published notifications).
package progress
