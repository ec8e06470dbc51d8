package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProvider implements Provider on top of the OpenTelemetry metrics SDK.
// It is an alternative to PrometheusProvider for deployments that ship a
// collector rather than scraping /metrics directly; both satisfy the same
// Provider contract so callers never branch on backend.
type OTelProvider struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64UpDownCounter
	histograms map[string]metric.Float64Histogram
}

func NewOTelProvider(meterProvider metric.MeterProvider, instrumentationName string) *OTelProvider {
	if meterProvider == nil {
		meterProvider = sdkmetric.NewMeterProvider()
	}
	return &OTelProvider{
		meter:      meterProvider.Meter(instrumentationName),
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64UpDownCounter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (p *OTelProvider) NewCounter(opts CounterOpts) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := optsKey(opts.CommonOpts)
	c, ok := p.counters[key]
	if !ok {
		c, _ = p.meter.Float64Counter(key, metric.WithDescription(helpOrDefault(opts.Help, opts.Name)))
		p.counters[key] = c
	}
	return otelCounter{c: c, labelKeys: opts.Labels}
}

func (p *OTelProvider) NewGauge(opts GaugeOpts) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := optsKey(opts.CommonOpts)
	g, ok := p.gauges[key]
	if !ok {
		g, _ = p.meter.Float64UpDownCounter(key, metric.WithDescription(helpOrDefault(opts.Help, opts.Name)))
		p.gauges[key] = g
	}
	return &otelGauge{g: g, labelKeys: opts.Labels}
}

func (p *OTelProvider) NewHistogram(opts HistogramOpts) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := optsKey(opts.CommonOpts)
	h, ok := p.histograms[key]
	if !ok {
		histOpts := []metric.Float64HistogramOption{metric.WithDescription(helpOrDefault(opts.Help, opts.Name))}
		if len(opts.Buckets) > 0 {
			histOpts = append(histOpts, metric.WithExplicitBucketBoundaries(opts.Buckets...))
		}
		h, _ = p.meter.Float64Histogram(key, histOpts...)
		p.histograms[key] = h
	}
	return otelHistogram{h: h, labelKeys: opts.Labels}
}

func (p *OTelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &otelTimer{hist: hist, start: time.Now()} }
}

func (p *OTelProvider) Health(ctx context.Context) error { return nil }

func attrsFor(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	attrs := make([]attribute.KeyValue, n)
	for i := 0; i < n; i++ {
		attrs[i] = attribute.String(keys[i], values[i])
	}
	return attrs
}

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
}

func (c otelCounter) Inc(delta float64, labels ...string) {
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrsFor(c.labelKeys, labels)...))
}

type otelGauge struct {
	g         metric.Float64UpDownCounter
	labelKeys []string
	mu        sync.Mutex
	last      float64
}

func (g *otelGauge) Set(v float64, labels ...string) {
	g.mu.Lock()
	delta := v - g.last
	g.last = v
	g.mu.Unlock()
	g.g.Add(context.Background(), delta, metric.WithAttributes(attrsFor(g.labelKeys, labels)...))
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	g.mu.Lock()
	g.last += delta
	g.mu.Unlock()
	g.g.Add(context.Background(), delta, metric.WithAttributes(attrsFor(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
}

func (h otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(attrsFor(h.labelKeys, labels)...))
}

type otelTimer struct {
	hist  Histogram
	start time.Time
}

func (t *otelTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}
