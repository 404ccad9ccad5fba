// Package api hosts the control server for a running engine. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for scheduler state and queue depth.
//   - POST /v1/pause, /v1/unpause and /v1/stop to steer dispatch.
//   - DELETE /v1/tasks/{key} to remove one task.
//   - GET /v1/progress for the per-file progress of a download run.
package api
