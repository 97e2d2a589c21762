// Package api hosts the dispatcher's HTTP server and the client workers use to reach it.
// Routes:
//   - GET /job and GET /job/{count} lease up to count jobs (default 1).
//   - GET /job-count reports how many jobs are available.
//   - PUT /job submits results: {"data":[record...],"jobs":[{"type":0,"id":"..."}]}.
//   - GET /healthz with queue stats, GET /metrics for Prometheus scraping.
package api
