// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, repository-backed storage and outcome publishing.
// Each sink satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
