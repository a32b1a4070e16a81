// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl/advance to tick the crawl coordinator.
//   - GET /v1/crawls for crawl history, /v1/feeds for feed administration.
//   - GET /v1/alerts for the filtered alert query surface.
package api
