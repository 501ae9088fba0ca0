// Package proxy manages the reverse proxy fronting all web UIs and
// exposed services. It rebuilds the proxy's admin-API config from the
// stored route tables, deduplicates unchanged configs by content hash,
// debounces bursts of route changes, and trips a circuit breaker when
// the admin API stays unreachable so the last applied config keeps
// serving traffic.
package proxy
