package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dd0wney/cluso-pixmem/pkg/diagnostics"
	"github.com/dd0wney/cluso-pixmem/pkg/pressure"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var _ diagnostics.PoolObserver = (*Registry)(nil)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gathered(t *testing.T, r *Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	// Verify all metrics are initialized
	if r.HTTPRequestsTotal == nil {
		t.Error("HTTPRequestsTotal not initialized")
	}
	if r.PoolRentsTotal == nil {
		t.Error("PoolRentsTotal not initialized")
	}
	if r.WorkloadAllocationsTotal == nil {
		t.Error("WorkloadAllocationsTotal not initialized")
	}
	if r.UptimeSeconds == nil {
		t.Error("UptimeSeconds not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	// Should return the same instance
	r1 := DefaultRegistry()
	r2 := DefaultRegistry()

	if r1 != r2 {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	r := NewRegistry()

	r.RecordHTTPRequest("GET", "/health", "200", 100*time.Millisecond)
	r.RecordHTTPRequest("GET", "/health", "503", 50*time.Millisecond)
	r.RecordHTTPRequest("GET", "/health", "200", 20*time.Millisecond)

	if got := counterValue(t, r.HTTPRequestsTotal, "GET", "/health", "200"); got != 2 {
		t.Errorf("Counter value = %v, want 2", got)
	}
	if got := counterValue(t, r.HTTPRequestsTotal, "GET", "/health", "503"); got != 1 {
		t.Errorf("Counter value = %v, want 1", got)
	}
}

func TestPoolObserver(t *testing.T) {
	r := NewRegistry()

	r.Rented("array", 1024, true)
	r.Rented("array", 1024, true)
	r.Rented("array", 4096, false)
	r.Returned("array", true)
	r.Returned("array", false)
	r.Trimmed("array", 3)
	r.Trimmed("array", 0)

	tests := []struct {
		name     string
		vec      *prometheus.CounterVec
		labels   []string
		expected float64
	}{
		{"hits", r.PoolRentsTotal, []string{"array", "hit"}, 2},
		{"misses", r.PoolRentsTotal, []string{"array", "miss"}, 1},
		{"retained", r.PoolReturnsTotal, []string{"array", "retained"}, 1},
		{"dropped", r.PoolReturnsTotal, []string{"array", "dropped"}, 1},
		{"trimmed", r.PoolTrimmedTotal, []string{"array"}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, tt.vec, tt.labels...); got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.expected)
			}
		})
	}

	histogram, err := r.PoolRentBytes.GetMetricWithLabelValues("array")
	if err != nil {
		t.Fatalf("Failed to get histogram: %v", err)
	}
	var metric dto.Metric
	if err := histogram.(prometheus.Histogram).Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 3 {
		t.Errorf("Sample count = %v, want 3", metric.Histogram.GetSampleCount())
	}
	if metric.Histogram.GetSampleSum() != 6144 {
		t.Errorf("Sample sum = %v, want 6144", metric.Histogram.GetSampleSum())
	}
}

func TestRecordAllocation(t *testing.T) {
	r := NewRegistry()

	r.RecordAllocation("owned", time.Millisecond, nil)
	r.RecordAllocation("owned", 2*time.Millisecond, nil)
	r.RecordAllocation("group", 0, errors.New("too large"))

	if got := counterValue(t, r.WorkloadAllocationsTotal, "owned"); got != 2 {
		t.Errorf("allocations = %v, want 2", got)
	}
	if got := counterValue(t, r.WorkloadAllocationErrors, "group"); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := counterValue(t, r.WorkloadAllocationsTotal, "group"); got != 0 {
		t.Errorf("failed allocation counted as success: %v", got)
	}
}

func TestRegisterPool(t *testing.T) {
	r := NewRegistry()

	if err := r.RegisterPool("array", func() float64 { return 4096 }); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}
	if err := r.RegisterPool("native-block", func() float64 { return 1 << 20 }); err != nil {
		t.Fatalf("RegisterPool() error = %v", err)
	}
	// Re-registering replaces the source.
	if err := r.RegisterPool("array", func() float64 { return 8192 }); err != nil {
		t.Fatalf("RegisterPool() again error = %v", err)
	}

	family, ok := gathered(t, r)["pixmem_pool_retained_bytes"]
	if !ok {
		t.Fatal("pixmem_pool_retained_bytes not gathered")
	}
	values := make(map[string]float64)
	for _, m := range family.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "pool" {
				values[l.GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	if values["array"] != 8192 {
		t.Errorf("array retained = %v, want 8192", values["array"])
	}
	if values["native-block"] != 1<<20 {
		t.Errorf("native-block retained = %v, want %v", values["native-block"], 1<<20)
	}

	r.UnregisterPool("array")
	r.UnregisterPool("native-block")
	if _, ok := gathered(t, r)["pixmem_pool_retained_bytes"]; ok {
		t.Error("retained bytes still gathered after unregistering every pool")
	}
}

func TestRegisterPressure(t *testing.T) {
	r := NewRegistry()

	if err := r.RegisterPressure(pressure.FixedRatio(0.5)); err != nil {
		t.Fatalf("RegisterPressure() error = %v", err)
	}
	if err := r.RegisterPressure(pressure.FixedRatio(0.25)); err != nil {
		t.Fatalf("RegisterPressure() again error = %v", err)
	}

	family, ok := gathered(t, r)["pixmem_memory_pressure_ratio"]
	if !ok {
		t.Fatal("pixmem_memory_pressure_ratio not gathered")
	}
	if got := family.GetMetric()[0].GetGauge().GetValue(); got != 0.25 {
		t.Errorf("pressure ratio = %v, want 0.25", got)
	}
}

func TestSystemMetrics(t *testing.T) {
	r := NewRegistry()

	r.UpdateSystemMetrics(time.Now().Add(-time.Hour))

	tests := []struct {
		name  string
		gauge prometheus.Gauge
		min   float64
	}{
		{"UptimeSeconds", r.UptimeSeconds, 3600},
		{"GoRoutines", r.GoRoutines, 1},
		{"MemoryAllocBytes", r.MemoryAllocBytes, 1},
		{"MemorySysBytes", r.MemorySysBytes, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var metric dto.Metric
			if err := tt.gauge.Write(&metric); err != nil {
				t.Fatalf("Failed to write metric: %v", err)
			}

			if metric.Gauge.GetValue() < tt.min {
				t.Errorf("%s = %v, want >= %v", tt.name, metric.Gauge.GetValue(), tt.min)
			}
		})
	}
}

func TestGetPrometheusRegistry(t *testing.T) {
	r := NewRegistry()

	metrics := gathered(t, r)
	if len(metrics) == 0 {
		t.Error("No metrics registered")
	}

	// Scrape-time gauges are present before any activity
	expectedMetrics := []string{
		"pixmem_native_outstanding_handles",
		"pixmem_native_outstanding_bytes",
		"pixmem_native_oom_retries_total",
		"pixmem_undisposed_allocations",
		"pixmem_leaks_total",
		"pixmem_uptime_seconds",
	}

	for _, expected := range expectedMetrics {
		if _, ok := metrics[expected]; !ok {
			t.Errorf("Expected metric %s not found", expected)
		}
	}
}

func TestHandlerAndMiddleware(t *testing.T) {
	r := NewRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(r.Middleware(mux))
	defer server.Close()

	resp, err := http.Get(server.URL + "/missing")
	if err != nil {
		t.Fatalf("GET /missing: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "pixmem_native_outstanding_handles") {
		t.Error("exposition does not contain native handle gauge")
	}
	if got := counterValue(t, r.HTTPRequestsTotal, "GET", "/missing", "404"); got != 1 {
		t.Errorf("404 requests = %v, want 1", got)
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	// Simulate concurrent pool traffic
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				r.Rented("shared", 64, true)
				r.Returned("shared", true)
			}
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	// Should have 1000 total rents (10 goroutines * 100 rents)
	if got := counterValue(t, r.PoolRentsTotal, "shared", "hit"); got != 1000 {
		t.Errorf("Counter = %v, want 1000", got)
	}
	if got := counterValue(t, r.PoolReturnsTotal, "shared", "retained"); got != 1000 {
		t.Errorf("Counter = %v, want 1000", got)
	}
}

func TestMetricNaming(t *testing.T) {
	r := NewRegistry()
	r.Rented("array", 16, true)
	r.RecordAllocation("owned", time.Millisecond, nil)

	// Verify all metrics have the pixmem_ prefix
	for name := range gathered(t, r) {
		if !strings.HasPrefix(name, "pixmem_") {
			t.Errorf("Metric %s does not have pixmem_ prefix", name)
		}
	}
}

func BenchmarkRented(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Rented("array", 1024, true)
	}
}

func BenchmarkRecordHTTPRequest(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.RecordHTTPRequest("GET", "/metrics", "200", 10*time.Millisecond)
	}
}
