// Package metrics exposes Prometheus instrumentation for upgrade runs:
// per-component outcomes and durations, rollbacks, health-check polls,
// resolver cache effectiveness, and lock wait time. Collectors register at
// init; the CLI serves them on --metrics-addr while an apply is running.
package metrics
