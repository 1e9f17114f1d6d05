package polybase

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// A nil registry gets a fresh one, so the global default registry is never touched.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers the standard provider metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	factory := promauto.With(p.registry)

	p.counters[MetricRegistryHits] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polybase",
			Subsystem: "registry",
			Name:      "hits_total",
			Help:      "Provider lookups served from the registry cache",
		},
		[]string{"provider"},
	)

	p.counters[MetricRegistryMisses] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polybase",
			Subsystem: "registry",
			Name:      "misses_total",
			Help:      "Provider lookups that required initialization",
		},
		[]string{"provider"},
	)

	p.counters[MetricProviderInitFail] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polybase",
			Subsystem: "provider",
			Name:      "init_failures_total",
			Help:      "Provider initializations that failed",
		},
		[]string{"provider"},
	)

	p.counters[MetricBackendOps] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polybase",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Total number of backend operations",
		},
		[]string{"operation", "backend"},
	)

	p.counters[MetricBackendErrors] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polybase",
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Total number of backend errors",
		},
		[]string{"operation", "backend"},
	)

	p.counters[MetricMigrationSteps] = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polybase",
			Subsystem: "migration",
			Name:      "steps_total",
			Help:      "Migration steps completed",
		},
		[]string{"kind"},
	)

	p.histograms[MetricProviderInitTime] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "polybase",
			Subsystem: "provider",
			Name:      "init_duration_seconds",
			Help:      "Provider initialization duration in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	p.histograms[MetricBackendLatency] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "polybase",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	p.histograms[MetricFunctionDuration] = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "polybase",
			Subsystem: "functions",
			Name:      "duration_seconds",
			Help:      "Function invocation duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"function"},
	)

	p.gauges[MetricProvidersCached] = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "polybase",
			Subsystem: "registry",
			Name:      "cached_providers",
			Help:      "Number of initialized providers held by the registry",
		},
		[]string{},
	)

	p.gauges[MetricProviderHealthy] = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "polybase",
			Subsystem: "provider",
			Name:      "healthy",
			Help:      "1 when the provider's last health check passed",
		},
		[]string{"provider"},
	)
}

// Increment increments a Prometheus counter.
// Tags whose label names do not match the registered vector are dropped rather than panicking.
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "polybase",
				Name:      metricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	if c, err := counter.GetMetricWith(p.extractLabelValues(tags)); err == nil {
		c.Inc()
	}
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "polybase",
				Name:      metricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	if g, err := gauge.GetMetricWith(p.extractLabelValues(tags)); err == nil {
		g.Set(value)
	}
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "polybase",
				Name:      metricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	if h, err := histogram.GetMetricWith(p.extractLabelValues(tags)); err == nil {
		h.Observe(value)
	}
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// Registry returns the underlying Prometheus registry
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// metricName turns "polybase.functions.invocations" into "functions_invocations".
func metricName(name string) string {
	name = strings.TrimPrefix(name, "polybase.")
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
