// Package metrics defines the operational metrics hooks of the registry
// and three collectors: [Noop], [Basic] (in-memory counters) and
// [Prometheus].
package metrics
