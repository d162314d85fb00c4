package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's Prometheus counters.
type Metrics struct {
	Requests         *prometheus.CounterVec
	Retries          prometheus.Counter
	GatewayErrors    *prometheus.CounterVec
	FilteredBlocks   prometheus.Counter
	ConvertedBlocks  prometheus.Counter
	RegisteredBlocks prometheus.Counter
	BackendSwitches  prometheus.Counter
}

// NewMetrics creates and registers the proxy counters.
func NewMetrics() *Metrics {
	return &Metrics{
		Requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_requests_total",
			Help: "Forwarded requests by backend and pipeline",
		}, []string{"backend", "pipeline"}),
		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_upstream_retries_total",
			Help: "Upstream connection retries",
		}),
		GatewayErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swapgate_gateway_errors_total",
			Help: "Gateway-synthesized errors by code",
		}, []string{"code"}),
		FilteredBlocks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_thinking_blocks_filtered_total",
			Help: "Thinking blocks removed from outgoing requests",
		}),
		ConvertedBlocks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_thinking_blocks_converted_total",
			Help: "Foreign thinking blocks rewritten by the conversion modes",
		}),
		RegisteredBlocks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_thinking_blocks_registered_total",
			Help: "Thinking blocks registered from responses",
		}),
		BackendSwitches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swapgate_backend_switches_total",
			Help: "Hot-swaps of the active backend",
		}),
	}
}

// NewNopMetrics returns counters that are not registered anywhere,
// for tests and embedded use.
func NewNopMetrics() *Metrics {
	return noopMetrics()
}

// noopMetrics returns unregistered counters for tests.
func noopMetrics() *Metrics {
	return &Metrics{
		Requests:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_requests"}, []string{"backend", "pipeline"}),
		Retries:          prometheus.NewCounter(prometheus.CounterOpts{Name: "test_retries"}),
		GatewayErrors:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_gateway_errors"}, []string{"code"}),
		FilteredBlocks:   prometheus.NewCounter(prometheus.CounterOpts{Name: "test_filtered"}),
		ConvertedBlocks:  prometheus.NewCounter(prometheus.CounterOpts{Name: "test_converted"}),
		RegisteredBlocks: prometheus.NewCounter(prometheus.CounterOpts{Name: "test_registered"}),
		BackendSwitches:  prometheus.NewCounter(prometheus.CounterOpts{Name: "test_switches"}),
	}
}
