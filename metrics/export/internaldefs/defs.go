package internaldefs

import (
	bastion "github.com/bastion-auth/bastion"
)

// CounterDef names one core counter for exposition.
type CounterDef struct {
	ID   bastion.MetricID
	Name string
	Help string
}

// HistogramDef names one core histogram for exposition.
type HistogramDef struct {
	ID   bastion.MetricID
	Name string
	Help string
}

// CounterDefs maps every core counter to its published name, in exposition
// order.
var CounterDefs = []CounterDef{
	{ID: bastion.MetricTokenIssued, Name: "bastion_token_issued_total", Help: "New refresh-token families issued."},
	{ID: bastion.MetricTokenEvicted, Name: "bastion_token_evicted_total", Help: "Oldest live tokens revoked under the per-user cap."},
	{ID: bastion.MetricExchangeSuccess, Name: "bastion_exchange_success_total", Help: "Successful refresh-token rotations."},
	{ID: bastion.MetricExchangeGrace, Name: "bastion_exchange_grace_total", Help: "Rotated tokens replayed inside the grace window and answered idempotently."},
	{ID: bastion.MetricExchangeFailure, Name: "bastion_exchange_failure_total", Help: "Denied exchange attempts."},
	{ID: bastion.MetricReuseDetected, Name: "bastion_reuse_detected_total", Help: "Exchanges classified as token theft."},
	{ID: bastion.MetricFamilyRevoked, Name: "bastion_family_revoked_total", Help: "Family-wide containment revocations."},
	{ID: bastion.MetricTokenRevoked, Name: "bastion_token_revoked_total", Help: "Single-token revocations."},
	{ID: bastion.MetricRateLimitHit, Name: "bastion_rate_limit_hit_total", Help: "Rate-limit denials."},
	{ID: bastion.MetricAccountLocked, Name: "bastion_account_locked_total", Help: "Account locks applied."},
	{ID: bastion.MetricAccountUnlocked, Name: "bastion_account_unlocked_total", Help: "Administrative unlocks."},
	{ID: bastion.MetricAttemptBlocked, Name: "bastion_attempt_blocked_total", Help: "Attempts rejected by an existing lock."},
	{ID: bastion.MetricCleanupPurged, Name: "bastion_cleanup_purged_total", Help: "Records removed by background sweeps."},
}

// HistogramDefs maps every core histogram to its published name.
var HistogramDefs = []HistogramDef{
	{ID: bastion.MetricExchangeLatency, Name: "bastion_exchange_latency_seconds", Help: "Exchange latency histogram."},
}

// HistogramBounds are the upper bucket bounds in seconds, Prometheus le
// label form.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds as instrument-name-safe
// suffixes for backends without a native histogram type.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets widens a snapshot bucket slice to the fixed arity,
// zero-filling when the core histogram was disabled.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the running totals
// Prometheus histograms expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
