// Package api hosts the local HTTP status server of the job progress client.
// Routes:
//   - GET /healthz and /readyz for health checks; readyz fails while the push
//     connection is down.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sessions and /v1/sessions/{session_id} for live snapshots.
//   - GET /v1/history and /v1/history/{session_id} for persisted snapshots
//     when a ProgressRepository is configured.
package api
