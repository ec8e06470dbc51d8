package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
)

// Backend selects a concrete Provider implementation, mirroring the
// teacher's engine.Config.MetricsBackend string toggle.
type Backend string

const (
	BackendNoop       Backend = "noop"
	BackendPrometheus Backend = "prometheus"
	BackendOTel       Backend = "otel"
)

// New builds a Provider for the requested backend. reg and meterProvider are
// only consulted for the matching backend and may be nil to get a
// package-provisioned default.
func New(backend Backend, reg *prometheus.Registry, meterProvider metric.MeterProvider) Provider {
	switch backend {
	case BackendPrometheus:
		return NewPrometheusProvider(reg)
	case BackendOTel:
		return NewOTelProvider(meterProvider, "tracking-sub002")
	default:
		return NewNoopProvider()
	}
}
