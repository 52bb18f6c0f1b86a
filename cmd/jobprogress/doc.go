// Package main hosts the job progress client entrypoint.
//
// Architecture overview:
//   - Push connection: internal/connection.Manager keeps one STOMP-over-WebSocket link to
//     <service.base_url><service.ws_path>, negotiates heart-beats, and reconnects after a fixed delay
//     for as long as the process runs. Disconnect is the only way to stop it.
//   - Topics: internal/topic.Registry holds at most one subscription per destination and hands each
//     decoded progress message to its callback on a single dispatch goroutine. Registrations are
//     dropped on every teardown; the connection's OnConnect hook re-binds live sessions.
//   - Sessions: internal/jobsession.Tracker owns one client-generated session id, listens on
//     /topic/<kind>-progress/<id>, and exposes the derived state for polling or waiting.
//   - Submission: internal/submit posts the archive to <base_url>/api/<kind>/import with the session
//     id as a multipart field, after the topic is bound so no early update is missed.
//   - Fan-out: every applied update becomes a progress.Event batched by the hub into Prometheus,
//     optional Postgres history, optional logs, and terminal outcomes published to Pub/Sub (or kept
//     in memory when no topic is configured).
//   - Status API: internal/api serves /healthz, /readyz, /metrics and the /v1/sessions routes.
//
// Usage:
//   - Serve status only: go run ./cmd/jobprogress -config config.yaml
//   - Import and wait: go run ./cmd/jobprogress -file course.zip -kind course
//     The final state is printed as JSON. Exit code 0 means SUCCESS, 2 means FAILED, 1 means the
//     import could not be submitted or followed.
//   - Every key can be overridden via JOBPROGRESS_* environment variables, e.g.
//     JOBPROGRESS_SERVICE_BASE_URL or JOBPROGRESS_DATABASE_DSN.
package main
