// Package metrics exposes Prometheus metrics and health endpoints for
// the orchestrator: fleet gauges refreshed by a store-backed collector,
// command and proxy counters incremented at the call sites, and
// liveness/readiness handlers gated on the critical components.
package metrics
