package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// RunMetricsSnapshot captures per-simulation run counters.
type RunMetricsSnapshot struct {
	PlansExecuted map[string]int   `json:"plans_executed"`
	PlanFailures  map[string]int   `json:"plan_failures"`
	CachedPlans   map[string]int   `json:"cached_plans"`
	RowsEmitted   map[string]int64 `json:"rows_emitted"`
}

// RuntimeMetrics accumulates simulation run counters in-memory for end-of-run reporting.
type RuntimeMetrics struct {
	mu  sync.Mutex
	run RunMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.run = RunMetricsSnapshot{
		PlansExecuted: make(map[string]int),
		PlanFailures:  make(map[string]int),
		CachedPlans:   make(map[string]int),
		RowsEmitted:   make(map[string]int64),
	}
	return metrics
}

// RecordPlanExecuted increments the executed-plan counter for a simulation.
func (m *RuntimeMetrics) RecordPlanExecuted(simulation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.PlansExecuted[simulation]++
}

// RecordPlanFailure increments the failed-plan counter for a simulation.
func (m *RuntimeMetrics) RecordPlanFailure(simulation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.PlanFailures[simulation]++
}

// RecordCachedPlan increments the cache-served counter for a simulation.
func (m *RuntimeMetrics) RecordCachedPlan(simulation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.CachedPlans[simulation]++
}

// AddRowsEmitted accumulates the result rows produced by a simulation.
func (m *RuntimeMetrics) AddRowsEmitted(simulation string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.run.RowsEmitted[simulation] += delta
}

// Snapshot copies the current run metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() RunMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := RunMetricsSnapshot{
		PlansExecuted: make(map[string]int, len(m.run.PlansExecuted)),
		PlanFailures:  make(map[string]int, len(m.run.PlanFailures)),
		CachedPlans:   make(map[string]int, len(m.run.CachedPlans)),
		RowsEmitted:   make(map[string]int64, len(m.run.RowsEmitted)),
	}
	for k, v := range m.run.PlansExecuted {
		snapshot.PlansExecuted[k] = v
	}
	for k, v := range m.run.PlanFailures {
		snapshot.PlanFailures[k] = v
	}
	for k, v := range m.run.CachedPlans {
		snapshot.CachedPlans[k] = v
	}
	for k, v := range m.run.RowsEmitted {
		snapshot.RowsEmitted[k] = v
	}
	return snapshot
}
