// Package api hosts the HTTP server, middleware, and REST handlers for shelfbox.
// Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/boxes for box definitions, page listings, crawls and uploads.
//   - /v1/sessions/{session_id} and /v1/uploads/{upload_id}/result for following
//     running work; result endpoints block up to ?wait= (default 30s).
//
// Callers name their shelves in the X-Shelves header. Boxes on other shelves
// answer 403.
package api
