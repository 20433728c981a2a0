package telemetry

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/backsim/internal/observability"
)

// Recorder bridges the observability.Metrics interface onto an OpenTelemetry meter.
// Instruments are created lazily per metric name and reused afterwards.
type Recorder struct {
	meter      metric.Meter
	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

var _ observability.Metrics = (*Recorder)(nil)

// NewRecorder constructs a Recorder backed by the supplied meter.
func NewRecorder(meter metric.Meter) *Recorder {
	return &Recorder{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// IncCounter adds value to the named counter.
func (r *Recorder) IncCounter(name string, value float64, labels map[string]string) {
	counter, err := r.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(labelAttributes(labels)...))
}

// ObserveHistogram records value into the named histogram.
func (r *Recorder) ObserveHistogram(name string, value float64, labels map[string]string) {
	histogram, err := r.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(labelAttributes(labels)...))
}

// SetGauge records the latest value of the named gauge.
func (r *Recorder) SetGauge(name string, value float64, labels map[string]string) {
	gauge, err := r.gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(labelAttributes(labels)...))
}

func (r *Recorder) counter(name string) (metric.Float64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, ok := r.counters[name]; ok {
		return counter, nil
	}
	counter, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	r.counters[name] = counter
	return counter, nil
}

func (r *Recorder) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if histogram, ok := r.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	r.histograms[name] = histogram
	return histogram, nil
}

func (r *Recorder) gauge(name string) (metric.Float64Gauge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gauge, ok := r.gauges[name]; ok {
		return gauge, nil
	}
	gauge, err := r.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	r.gauges[name] = gauge
	return gauge, nil
}

// labelAttributes converts string labels to sorted attributes, always stamping
// the environment label alongside caller-supplied ones.
func labelAttributes(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)+1)
	attrs = append(attrs, AttrEnvironment.String(Environment()))
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, attribute.String(key, labels[key]))
	}
	return attrs
}
