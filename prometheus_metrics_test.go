package polybase

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_Defaults(t *testing.T) {
	pm := NewPrometheusMetrics(nil)
	pm.Increment(MetricBackendOps, "operation", "get", "backend", "filesystem")
	pm.Increment(MetricBackendOps, "operation", "get", "backend", "filesystem")
	pm.Timing(MetricBackendLatency, 10*time.Millisecond, "operation", "get", "backend", "filesystem")
	pm.Gauge(MetricProvidersCached, 2)

	expected := `
# HELP polybase_backend_operations_total Total number of backend operations
# TYPE polybase_backend_operations_total counter
polybase_backend_operations_total{backend="filesystem",operation="get"} 2
`
	if err := testutil.GatherAndCompare(pm.Registry(), strings.NewReader(expected), "polybase_backend_operations_total"); err != nil {
		t.Error(err)
	}
	if n := testutil.CollectAndCount(pm.counters[MetricBackendOps]); n != 1 {
		t.Errorf("expected one label set, got %d", n)
	}
}

func TestPrometheusMetrics_Dynamic(t *testing.T) {
	pm := NewPrometheusMetrics(nil)
	pm.Increment(MetricHTTPRequests, "route", "/healthz", "status", "200")
	pm.Histogram(MetricHTTPDuration, 0.01, "route", "/healthz")

	families, err := pm.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"polybase_http_requests", "polybase_http_duration"} {
		if !names[want] {
			t.Errorf("missing metric %s in %v", want, names)
		}
	}
}

func TestPrometheusMetrics_MismatchedLabelsDropped(t *testing.T) {
	pm := NewPrometheusMetrics(nil)
	pm.Increment(MetricRegistryHits, "unexpected", "label")
	if n := testutil.CollectAndCount(pm.counters[MetricRegistryHits]); n != 0 {
		t.Errorf("mismatched labels should be dropped, got %d series", n)
	}
}

func TestMetricName(t *testing.T) {
	if got := metricName("polybase.functions.invocations"); got != "functions_invocations" {
		t.Errorf("metricName = %s", got)
	}
	if got := metricName("custom.a-b"); got != "custom_a_b" {
		t.Errorf("metricName = %s", got)
	}
}
