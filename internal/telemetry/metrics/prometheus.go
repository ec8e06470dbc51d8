package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusProvider implements Provider on top of client_golang, the
// default backend (mirroring the teacher's own default selection in
// engine.Config.MetricsBackend == "prom"). Metric vectors are memoized per
// (namespace,subsystem,name) so repeated NewCounter/NewGauge/NewHistogram
// calls for the same opts share one underlying vector instead of registering
// duplicates, which the Prometheus client would otherwise reject.
type PrometheusProvider struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusProvider(reg *prometheus.Registry) *PrometheusProvider {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *PrometheusProvider) Registry() *prometheus.Registry { return p.reg }

func optsKey(o CommonOpts) string { return o.Namespace + "_" + o.Subsystem + "_" + o.Name }

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := optsKey(opts.CommonOpts)
	vec, ok := p.counters[key]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: helpOrDefault(opts.Help, opts.Name),
		}, opts.Labels)
		p.reg.MustRegister(vec)
		p.counters[key] = vec
	}
	return promCounter{vec: vec}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := optsKey(opts.CommonOpts)
	vec, ok := p.gauges[key]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: helpOrDefault(opts.Help, opts.Name),
		}, opts.Labels)
		p.reg.MustRegister(vec)
		p.gauges[key] = vec
	}
	return promGauge{vec: vec}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := optsKey(opts.CommonOpts)
	vec, ok := p.histograms[key]
	if !ok {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: helpOrDefault(opts.Help, opts.Name), Buckets: buckets,
		}, opts.Labels)
		p.reg.MustRegister(vec)
		p.histograms[key] = vec
	}
	return promHistogram{vec: vec}
}

func (p *PrometheusProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &promTimer{hist: hist, start: time.Now()} }
}

func (p *PrometheusProvider) Health(ctx context.Context) error { return nil }

func helpOrDefault(help, name string) string {
	if help != "" {
		return help
	}
	return name
}

type promCounter struct{ vec *prometheus.CounterVec }

func (c promCounter) Inc(delta float64, labels ...string) { c.vec.WithLabelValues(labels...).Add(delta) }

type promGauge struct{ vec *prometheus.GaugeVec }

func (g promGauge) Set(v float64, labels ...string)   { g.vec.WithLabelValues(labels...).Set(v) }
func (g promGauge) Add(delta float64, labels ...string) { g.vec.WithLabelValues(labels...).Add(delta) }

type promHistogram struct{ vec *prometheus.HistogramVec }

func (h promHistogram) Observe(v float64, labels ...string) { h.vec.WithLabelValues(labels...).Observe(v) }

type promTimer struct {
	hist  Histogram
	start time.Time
}

func (t *promTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}
