package bastion

import (
	"sync/atomic"
	"time"
)

// MetricID indexes one counter in the fixed metric table.
type MetricID uint16

const (
	// MetricTokenIssued counts new token families.
	MetricTokenIssued MetricID = iota
	// MetricTokenEvicted counts oldest-token evictions under the per-user cap.
	MetricTokenEvicted
	// MetricExchangeSuccess counts fresh rotations.
	MetricExchangeSuccess
	// MetricExchangeGrace counts replays answered from the grace window.
	MetricExchangeGrace
	// MetricExchangeFailure counts denied exchanges of any kind.
	MetricExchangeFailure
	// MetricReuseDetected counts exchanges classified as theft.
	MetricReuseDetected
	// MetricFamilyRevoked counts family-wide containment revocations.
	MetricFamilyRevoked
	// MetricTokenRevoked counts single-token revocations.
	MetricTokenRevoked
	// MetricRateLimitHit counts limiter denials.
	MetricRateLimitHit
	// MetricAccountLocked counts lockouts newly applied.
	MetricAccountLocked
	// MetricAccountUnlocked counts administrative unlocks.
	MetricAccountUnlocked
	// MetricAttemptBlocked counts attempts rejected by an existing lock.
	MetricAttemptBlocked
	// MetricCleanupPurged counts records removed by the background sweeps.
	MetricCleanupPurged
	// MetricExchangeLatency is the exchange duration histogram.
	MetricExchangeLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// paddedCounter keeps each counter on its own cache line so concurrent
// increments on different metrics do not false-share.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed table of atomic counters plus one latency histogram.
// All methods are safe for concurrent use and are no-ops on a nil receiver
// or when disabled.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a Metrics table per the config.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Add adds n to a counter.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Observe records an exchange duration into the latency histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricExchangeLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter and histogram.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricExchangeLatency].buckets[i])
		}
		s.Histograms[MetricExchangeLatency] = buckets
	}
	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()
	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
