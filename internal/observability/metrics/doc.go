// Package metrics exposes Prometheus collectors for the background cycles
// and the market, plus a small HTTP server serving /metrics and /healthz on
// a listener separate from any public API.
package metrics
