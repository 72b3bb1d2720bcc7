package bastion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bastion-auth/bastion/jwt"
	"github.com/bastion-auth/bastion/lockout"
	"github.com/bastion-auth/bastion/ratelimit"
	"github.com/bastion-auth/bastion/token"
)

// Guard is the orchestration surface: it wires the token store, rate
// limiter, and lockout manager behind the credential-flow operations and
// owns the audit dispatcher and metrics table.
//
// A Guard is safe for concurrent use. Build one with Builder.
type Guard struct {
	config Config

	tokens   token.Store
	limiter  ratelimit.Limiter
	lockouts *lockout.Manager
	users    UserProvider
	signer   *jwt.Manager

	metrics *Metrics
	audit   *auditDispatcher
	now     Clock

	stop      chan struct{}
	cleanupWG sync.WaitGroup
	closeOnce sync.Once
}

// Signer exposes the access-token manager so callers can verify access
// tokens at their own edge.
func (g *Guard) Signer() *jwt.Manager { return g.signer }

// Metrics exposes the counter table for scraping.
func (g *Guard) Metrics() *Metrics { return g.metrics }

// MetricsSnapshot copies the current counters; metrics/export exporters
// read through this.
func (g *Guard) MetricsSnapshot() MetricsSnapshot { return g.metrics.Snapshot() }

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (g *Guard) AuditDropped() uint64 { return g.audit.Dropped() }

// Close stops the cleanup sweeps and drains the audit dispatcher. Pending
// audit events are delivered before Close returns.
func (g *Guard) Close() {
	g.closeOnce.Do(func() {
		close(g.stop)
		g.cleanupWG.Wait()
		g.audit.Close()
	})
}

// storeErr maps backend faults onto ErrStoreUnavailable so callers match
// one sentinel regardless of which store failed.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (g *Guard) emitAudit(ev AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.now()
	}
	g.audit.Emit(context.Background(), ev)
}

// observeExchange records exchange latency when histograms are enabled.
func (g *Guard) observeExchange(start time.Time) {
	g.metrics.Observe(MetricExchangeLatency, g.now().Sub(start))
}
