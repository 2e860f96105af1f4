// Package api hosts the optional status server that operators can poll during
// a long harvest. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the live run summary.
//   - GET /v1/resume?limit=&offset= for completed repositories per project.
package api
