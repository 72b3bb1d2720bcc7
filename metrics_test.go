package bastion

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsCountersAndSnapshot(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	m.Inc(MetricTokenIssued)
	m.Inc(MetricTokenIssued)
	m.Add(MetricCleanupPurged, 5)
	m.Observe(MetricExchangeLatency, 3*time.Millisecond)
	m.Observe(MetricExchangeLatency, 400*time.Millisecond)

	if got := m.Value(MetricTokenIssued); got != 2 {
		t.Fatalf("issued = %d, want 2", got)
	}
	snap := m.Snapshot()
	if snap.Counters[MetricCleanupPurged] != 5 {
		t.Fatalf("purged = %d, want 5", snap.Counters[MetricCleanupPurged])
	}
	buckets := snap.Histograms[MetricExchangeLatency]
	if len(buckets) != 8 {
		t.Fatalf("bucket count = %d, want 8", len(buckets))
	}
	if buckets[0] != 1 || buckets[6] != 1 {
		t.Fatalf("buckets = %v, want samples in le=5ms and le=500ms", buckets)
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	m.Inc(MetricTokenIssued)
	m.Observe(MetricExchangeLatency, time.Millisecond)
	if got := m.Value(MetricTokenIssued); got != 0 {
		t.Fatalf("value = %d on disabled table, want 0", got)
	}
	snap := m.Snapshot()
	if len(snap.Counters) != 0 || len(snap.Histograms) != 0 {
		t.Fatalf("disabled snapshot not empty: %+v", snap)
	}

	var nilMetrics *Metrics
	nilMetrics.Inc(MetricTokenIssued) // must not panic
}

func TestMetricsConcurrentIncrements(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Inc(MetricExchangeSuccess)
			}
		}()
	}
	wg.Wait()
	if got := m.Value(MetricExchangeSuccess); got != 8000 {
		t.Fatalf("counter = %d, want 8000", got)
	}
}
