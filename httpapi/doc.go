// Package httpapi is the plain-HTTP sidecar next to the MCP surface.
//
// It serves signed artifact downloads (GET /artifacts/{id}?token=...),
// a liveness probe (GET /healthz) and Prometheus metrics
// (GET /metrics). Download tokens are verified and scoped to a single
// artifact id before any bytes leave the blob store.
package httpapi
