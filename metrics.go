package polybase

import (
	"sync"
	"time"
)

// Metrics provides observability for provider operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns the current value of a counter
func (m *InMemoryMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// GaugeValue returns the last value set on a gauge
func (m *InMemoryMetrics) GaugeValue(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Gauges[name]
}

// Common metric names
const (
	MetricRegistryHits     = "polybase.registry.hits"
	MetricRegistryMisses   = "polybase.registry.misses"
	MetricProviderInit     = "polybase.provider.init"
	MetricProviderInitFail = "polybase.provider.init_failed"
	MetricProviderInitTime = "polybase.provider.init_duration"
	MetricProviderShutdown = "polybase.provider.shutdown"
	MetricProviderHealthy  = "polybase.provider.healthy"
	MetricProvidersCached  = "polybase.registry.cached"

	MetricBackendOps     = "polybase.backend.ops"
	MetricBackendErrors  = "polybase.backend.errors"
	MetricBackendLatency = "polybase.backend.latency"

	MetricTransactionCommit   = "polybase.transaction.commit"
	MetricTransactionRollback = "polybase.transaction.rollback"
	MetricTransactionSize     = "polybase.transaction.size"

	MetricFunctionInvocations = "polybase.functions.invocations"
	MetricFunctionFailures    = "polybase.functions.failures"
	MetricFunctionDuration    = "polybase.functions.duration"

	MetricRealtimePublished = "polybase.realtime.published"
	MetricRealtimeDropped   = "polybase.realtime.dropped"

	MetricMigrationSteps      = "polybase.migration.steps"
	MetricMigrationStepErrors = "polybase.migration.step_errors"
	MetricMigrationItems      = "polybase.migration.items"
	MetricMigrationDuration   = "polybase.migration.step_duration"

	MetricCircuitState = "polybase.circuit.state"

	MetricHTTPRequests = "polybase.http.requests"
	MetricHTTPDuration = "polybase.http.duration"
)

func orNoOpMetrics(m Metrics) Metrics {
	if m == nil {
		return &NoOpMetrics{}
	}
	return m
}
