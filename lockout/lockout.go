// Package lockout escalates repeated authentication failures into
// account-level suspension. Each user carries a failure counter and a lock
// state; locks expire lazily, so a past deadline means unlocked whether or
// not the background sweep has run yet.
package lockout

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps lockout backend faults.
var ErrUnavailable = errors.New("lockout store unavailable")

// Status is one user's failure and lock state. A zero LockedUntil on a
// locked status means the lock is permanent.
type Status struct {
	UserID         string
	FailedAttempts int
	LastFailedAt   time.Time
	Locked         bool
	LockedAt       time.Time
	LockedUntil    time.Time
	LockoutCount   int
	FailedIPs      []string
}

// IsLocked evaluates the lock against now. Expired locks read as unlocked
// even before CleanupExpired clears the flag.
func (s *Status) IsLocked(now time.Time) bool {
	if s == nil || !s.Locked {
		return false
	}
	if s.LockedUntil.IsZero() {
		return true
	}
	return now.Before(s.LockedUntil)
}

// Policy tunes when and for how long an account locks.
type Policy struct {
	Threshold      int
	Progressive    bool
	FixedDuration  time.Duration
	BaseDuration   time.Duration
	MaxDuration    time.Duration
	MaxTrackedIPs  int
	ResetOnSuccess bool
}

func (p Policy) withDefaults() Policy {
	if p.Threshold <= 0 {
		p.Threshold = 5
	}
	if p.FixedDuration <= 0 {
		p.FixedDuration = 15 * time.Minute
	}
	if p.BaseDuration <= 0 {
		p.BaseDuration = 15 * time.Minute
	}
	if p.MaxDuration <= 0 {
		p.MaxDuration = 24 * time.Hour
	}
	if p.MaxTrackedIPs <= 0 {
		p.MaxTrackedIPs = 10
	}
	return p
}

// lockDuration computes the next lock's length. Progressive locks double
// with every prior lockout, capped at MaxDuration.
func (p Policy) lockDuration(lockoutCount int) time.Duration {
	if !p.Progressive {
		return p.FixedDuration
	}
	d := p.BaseDuration
	for i := 0; i < lockoutCount; i++ {
		if d >= p.MaxDuration || d > p.MaxDuration/2 {
			return p.MaxDuration
		}
		d *= 2
	}
	if d > p.MaxDuration {
		d = p.MaxDuration
	}
	return d
}

// Store persists lockout state. RecordFailure is a single atomic
// read-modify-write; interleaved callers never observe a half-applied
// update. Absence of a stored status means "never failed, not locked" and
// is reported as a nil Status, not an error.
type Store interface {
	Get(ctx context.Context, userID string) (*Status, error)
	RecordFailure(ctx context.Context, userID, ip string, p Policy, now time.Time) (*Status, error)
	// Clear zeroes the failure counter, tracked IPs, and lock flags but
	// preserves LockoutCount so progressive durations survive resets.
	Clear(ctx context.Context, userID string) (*Status, error)
	// Lock applies an administrative lock. A zero until is permanent.
	Lock(ctx context.Context, userID string, until, now time.Time) (*Status, error)
	// CleanupExpired clears the lock flag on entries whose deadline has
	// passed. Bookkeeping only; IsLocked never depends on it.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// Manager drives a Store with a fixed policy and clock.
type Manager struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// NewManager creates a Manager. now defaults to time.Now.
func NewManager(store Store, p Policy, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, policy: p.withDefaults(), now: now}
}

// CheckLocked reports whether the user is currently locked and, for
// temporary locks, when the lock expires.
func (m *Manager) CheckLocked(ctx context.Context, userID string) (bool, time.Time, error) {
	st, err := m.store.Get(ctx, userID)
	if err != nil {
		return false, time.Time{}, err
	}
	if !st.IsLocked(m.now()) {
		return false, time.Time{}, nil
	}
	return true, st.LockedUntil, nil
}

// RecordFailure counts one failed attempt and reports the resulting status
// plus whether this attempt is the one that locked the account.
func (m *Manager) RecordFailure(ctx context.Context, userID, ip string) (*Status, bool, error) {
	now := m.now()
	st, err := m.store.RecordFailure(ctx, userID, ip, m.policy, now)
	if err != nil {
		return nil, false, err
	}
	// Second precision: the Redis record stores unix seconds.
	lockedNow := st.Locked && st.FailedAttempts == m.policy.Threshold && st.LockedAt.Unix() == now.Unix()
	return st, lockedNow, nil
}

// RecordSuccess clears failure state after a successful authentication, if
// the policy asks for that. LockoutCount is never cleared.
func (m *Manager) RecordSuccess(ctx context.Context, userID string) error {
	if !m.policy.ResetOnSuccess {
		return nil
	}
	_, err := m.store.Clear(ctx, userID)
	return err
}

// Unlock lifts a lock administratively and resets failure counters.
// LockoutCount is preserved. Reports whether any state existed.
func (m *Manager) Unlock(ctx context.Context, userID string) (bool, error) {
	st, err := m.store.Clear(ctx, userID)
	if err != nil {
		return false, err
	}
	return st != nil, nil
}

// Lock suspends a user until the given time; a zero until is permanent.
func (m *Manager) Lock(ctx context.Context, userID string, until time.Time) (*Status, error) {
	return m.store.Lock(ctx, userID, until, m.now())
}

// Status returns the user's current state, nil if none is stored.
func (m *Manager) Status(ctx context.Context, userID string) (*Status, error) {
	return m.store.Get(ctx, userID)
}

// CleanupExpired runs one sweep over expired locks.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	return m.store.CleanupExpired(ctx, m.now())
}
