// Package metrics provides Prometheus instrumentation for the service.
package metrics
