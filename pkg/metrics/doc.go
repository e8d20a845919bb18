// Package metrics exposes Prometheus instrumentation for the cluster:
// node and task gauges derived from the store, dispatch and API counters,
// relay session tracking, plus health/readiness/liveness HTTP handlers
// shared by the host and runner daemons.
package metrics
