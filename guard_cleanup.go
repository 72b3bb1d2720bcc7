package bastion

import (
	"context"
	"strconv"
	"time"
)

// startCleanup launches the background sweep that purges terminal token
// records past retention and clears expired locks. Stopped by Close.
func (g *Guard) startCleanup() {
	interval := g.config.Cleanup.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	g.cleanupWG.Add(1)
	go func() {
		defer g.cleanupWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				g.Sweep(context.Background())
			}
		}
	}()
}

// Sweep runs one cleanup pass immediately and returns how many token
// records were purged. Lock-sweep failures do not abort the token purge;
// both stores are attempted every pass.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	purged, err := g.tokens.PurgeExpired(ctx, g.now(), g.config.Tokens.Retention)
	if err != nil {
		return 0, storeErr(err)
	}
	cleared, lockErr := g.lockouts.CleanupExpired(ctx)

	g.metrics.Add(MetricCleanupPurged, uint64(purged))
	g.emitAudit(AuditEvent{
		EventType: auditEventCleanupSweep,
		Success:   lockErr == nil,
		Metadata: map[string]string{
			"tokens_purged": strconv.Itoa(purged),
			"locks_cleared": strconv.Itoa(cleared),
		},
	})
	return purged, storeErr(lockErr)
}
