// Package metrics defines the Prometheus collectors for the relay and the
// /metrics HTTP handler. Collectors are registered at package init.
package metrics
