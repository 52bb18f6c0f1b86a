// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that job session trackers use to report applied progress updates.
// It batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, persistent storage or outcome publishers.
package progress
