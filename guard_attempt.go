package bastion

import (
	"context"
	"strconv"
	"time"

	"github.com/bastion-auth/bastion/lockout"
	"github.com/bastion-auth/bastion/ratelimit"
)

// attemptKeys returns the rate-limit keys an attempt is charged against:
// one per populated dimension.
func attemptKeys(in AttemptInput) []ratelimit.Key {
	var keys []ratelimit.Key
	if in.IP != "" {
		keys = append(keys, ratelimit.Key{Action: in.Action, Kind: ratelimit.KindIP, Value: in.IP})
	}
	if in.Identifier != "" {
		keys = append(keys, ratelimit.Key{Action: in.Action, Kind: ratelimit.KindEmail, Value: in.Identifier})
	}
	if in.UserID != "" {
		keys = append(keys, ratelimit.Key{Action: in.Action, Kind: ratelimit.KindUser, Value: in.UserID})
	}
	return keys
}

// CheckAttempt reports whether an authentication attempt would currently be
// admitted, without consuming quota or recording a failure. Returns
// *RateLimitedError or *LockedError on denial, nil when clear.
func (g *Guard) CheckAttempt(ctx context.Context, in AttemptInput) error {
	for _, key := range attemptKeys(in) {
		res, err := g.limiter.Check(ctx, key)
		if err != nil {
			return storeErr(err)
		}
		if !res.Allowed {
			return &RateLimitedError{Result: res}
		}
	}
	if in.UserID != "" {
		locked, until, err := g.lockouts.CheckLocked(ctx, in.UserID)
		if err != nil {
			return storeErr(err)
		}
		if locked {
			g.metrics.Inc(MetricAttemptBlocked)
			return &LockedError{Until: until}
		}
	}
	return nil
}

// RecordFailure charges a failed authentication attempt: quota is consumed
// on every key dimension and, when the attempt maps to a known user, a
// lockout failure is recorded. The returned error is *RateLimitedError or
// *LockedError when the failure tripped a control, nil otherwise; callers
// deny the attempt either way.
func (g *Guard) RecordFailure(ctx context.Context, in AttemptInput) error {
	var denied *ratelimit.Result
	for _, key := range attemptKeys(in) {
		res, err := g.limiter.Record(ctx, key)
		if err != nil {
			return storeErr(err)
		}
		if !res.Allowed && denied == nil {
			r := res
			denied = &r
		}
	}

	g.emitAudit(AuditEvent{
		EventType: auditEventAttemptFailure,
		UserID:    in.UserID,
		IP:        in.IP,
		Metadata:  map[string]string{"action": string(in.Action)},
	})

	if denied != nil {
		g.metrics.Inc(MetricRateLimitHit)
		g.emitAudit(AuditEvent{
			EventType: auditEventRateLimitExceeded,
			UserID:    in.UserID,
			IP:        in.IP,
			Metadata:  map[string]string{"action": string(in.Action)},
		})
	}

	if in.UserID != "" {
		st, lockedNow, err := g.lockouts.RecordFailure(ctx, in.UserID, in.IP)
		if err != nil {
			return storeErr(err)
		}
		if lockedNow {
			g.metrics.Inc(MetricAccountLocked)
			g.emitAudit(AuditEvent{
				EventType: auditEventAccountLocked,
				UserID:    in.UserID,
				IP:        in.IP,
				Metadata:  map[string]string{"lockouts": strconv.Itoa(st.LockoutCount)},
			})
			return &LockedError{Until: st.LockedUntil}
		}
	}

	if denied != nil {
		return &RateLimitedError{Result: *denied}
	}
	return nil
}

// RecordSuccess notes a successful authentication. The failure counter is
// cleared when the lockout policy resets on success; lockout history is
// kept either way so repeat offenders still escalate.
func (g *Guard) RecordSuccess(ctx context.Context, in AttemptInput) error {
	if in.UserID == "" {
		return nil
	}
	return storeErr(g.lockouts.RecordSuccess(ctx, in.UserID))
}

// Unlock lifts a lock before its natural expiry (support action). Reports
// whether a lock was actually lifted.
func (g *Guard) Unlock(ctx context.Context, userID string) (bool, error) {
	lifted, err := g.lockouts.Unlock(ctx, userID)
	if err != nil {
		return false, storeErr(err)
	}
	if lifted {
		g.metrics.Inc(MetricAccountUnlocked)
		g.emitAudit(AuditEvent{
			EventType: auditEventAccountUnlocked,
			UserID:    userID,
			Success:   true,
		})
	}
	return lifted, nil
}

// LockUser imposes a lock directly, bypassing the failure counter. A zero
// until locks permanently; only Unlock lifts it.
func (g *Guard) LockUser(ctx context.Context, userID string, until time.Time) (*lockout.Status, error) {
	st, err := g.lockouts.Lock(ctx, userID, until)
	if err != nil {
		return nil, storeErr(err)
	}
	g.metrics.Inc(MetricAccountLocked)
	g.emitAudit(AuditEvent{
		EventType: auditEventAccountLocked,
		UserID:    userID,
		Success:   true,
		Metadata:  map[string]string{"manual": "true"},
	})
	return st, nil
}

// RateLimitStatus reports the current quota for one key without consuming
// any of it.
func (g *Guard) RateLimitStatus(ctx context.Context, key ratelimit.Key) (ratelimit.Result, error) {
	res, err := g.limiter.Check(ctx, key)
	return res, storeErr(err)
}

// LockoutStatus returns the user's failure and lock state, nil when the
// user has never failed.
func (g *Guard) LockoutStatus(ctx context.Context, userID string) (*lockout.Status, error) {
	st, err := g.lockouts.Status(ctx, userID)
	return st, storeErr(err)
}
