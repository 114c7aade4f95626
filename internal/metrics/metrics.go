// Package metrics exposes the Prometheus instrumentation for cellsd:
// a gauge of allocated cells and counters for each RPC outcome and for
// nested-dial retries.
//
// The source spec treats metrics/observability as out of scope for
// the core, but SPEC_FULL.md's domain stack calls for wiring
// prometheus/client_golang (present in the hashicorp-nomad and
// tomponline-lxd go.mod files) somewhere real; cmd/celld's debug mux
// is that home.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric cellsd exports. Constructed once at
// startup and passed down to the router and registry layers that
// record against it.
type Registry struct {
	CellsAllocated prometheus.Gauge
	Operations     *prometheus.CounterVec
	NestedRetries  prometheus.Counter
}

// New registers every metric against reg (typically
// prometheus.NewRegistry(), not the global DefaultRegisterer, so tests
// can construct independent instances without collisions).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CellsAllocated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cellsd",
			Name:      "cells_allocated",
			Help:      "Number of cells currently tracked by the registry.",
		}),
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellsd",
			Name:      "rpc_operations_total",
			Help:      "Count of cell-service RPCs by method and outcome.",
		}, []string{"method", "outcome"}),
		NestedRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cellsd",
			Name:      "nested_dial_retries_total",
			Help:      "Count of retried nested-agent dial/call attempts.",
		}),
	}
}

// ObserveOperation records one RPC outcome; the router reports "ok"
// or "error".
func (r *Registry) ObserveOperation(method, outcome string) {
	if r == nil {
		return
	}
	r.Operations.WithLabelValues(method, outcome).Inc()
}

// SetCellsAllocated overwrites the cells-allocated gauge to n, called
// after every registry mutation.
func (r *Registry) SetCellsAllocated(n int) {
	if r == nil {
		return
	}
	r.CellsAllocated.Set(float64(n))
}

// IncNestedRetry records one nested dial/call retry.
func (r *Registry) IncNestedRetry() {
	if r == nil {
		return
	}
	r.NestedRetries.Inc()
}
