// Package progress carries crawl lifecycle events from workers to their
// consumers. Workers Emit without blocking; a Hub goroutine batches events,
// keeps only the newest heartbeat per worker within a batch and hands each
// batch to every registered Sink.
package progress
