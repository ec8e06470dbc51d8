package metrics

// IngestMetrics adapts a Provider into the named counters/gauges the ingest
// pipeline emits, independent of whether Provider is backed by Prometheus or
// OpenTelemetry. internal/orchestrator depends on this shape, not on
// Provider directly, so it never imports a concrete metrics backend.
type IngestMetrics struct {
	parseReject       Counter
	validationReject  Counter
	publishTotal      Counter
	dirtySetSize      Gauge
	windowStoreKeys   Gauge
	filterStatesActive Gauge
}

func NewIngestMetrics(p Provider) *IngestMetrics {
	return &IngestMetrics{
		parseReject:      p.NewCounter(CounterOpts{CommonOpts{Namespace: "ingest", Name: "parse_reject", Labels: []string{"source"}}}),
		validationReject: p.NewCounter(CounterOpts{CommonOpts{Namespace: "ingest", Name: "validation_reject", Labels: []string{"reason"}}}),
		publishTotal:     p.NewCounter(CounterOpts{CommonOpts{Namespace: "ingest", Name: "publish_total", Labels: []string{"result"}}}),
		dirtySetSize:     p.NewGauge(GaugeOpts{CommonOpts{Namespace: "ingest", Name: "dirty_set_size"}}),
		windowStoreKeys:  p.NewGauge(GaugeOpts{CommonOpts{Namespace: "ingest", Name: "window_store_keys"}}),
		filterStatesActive: p.NewGauge(GaugeOpts{CommonOpts{Namespace: "ingest", Name: "filter_states_active"}}),
	}
}

func (m *IngestMetrics) IncNormalizeReject(source string)  { m.parseReject.Inc(1, source) }
func (m *IngestMetrics) IncValidationReject(reason string) { m.validationReject.Inc(1, reason) }
func (m *IngestMetrics) IncPublish(result string)          { m.publishTotal.Inc(1, result) }
func (m *IngestMetrics) SetDirtySetSize(n int)             { m.dirtySetSize.Set(float64(n)) }
func (m *IngestMetrics) SetWindowStoreKeys(n int)          { m.windowStoreKeys.Set(float64(n)) }
func (m *IngestMetrics) SetFilterStatesActive(n int)       { m.filterStatesActive.Set(float64(n)) }
