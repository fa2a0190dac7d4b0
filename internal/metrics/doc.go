// Package metrics defines the Prometheus metrics of the listener. Metrics are
// registered on an injected registerer so that tests can use private
// registries.
package metrics
