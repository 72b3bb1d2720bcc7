package lockout

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for single-instance deployments and
// tests. A single mutex covers all users; lockout traffic is too small to
// justify sharding.
type MemoryStore struct {
	mu       sync.Mutex
	statuses map[string]*Status
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]*Status)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneStatus(s.statuses[userID]), nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, userID, ip string, p Policy, now time.Time) (*Status, error) {
	p = p.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[userID]
	if st == nil {
		st = &Status{UserID: userID}
		s.statuses[userID] = st
	}

	// Lazy expiry starts a fresh failure cycle.
	if st.Locked && !st.LockedUntil.IsZero() && !now.Before(st.LockedUntil) {
		st.Locked = false
		st.LockedAt = time.Time{}
		st.LockedUntil = time.Time{}
		st.FailedAttempts = 0
		st.FailedIPs = nil
	}

	st.FailedAttempts++
	st.LastFailedAt = now
	if ip != "" && len(st.FailedIPs) < p.MaxTrackedIPs && !containsIP(st.FailedIPs, ip) {
		st.FailedIPs = append(st.FailedIPs, ip)
	}

	if !st.Locked && st.FailedAttempts >= p.Threshold {
		st.Locked = true
		st.LockedAt = now
		st.LockedUntil = now.Add(p.lockDuration(st.LockoutCount))
		st.LockoutCount++
	}
	return cloneStatus(st), nil
}

func (s *MemoryStore) Clear(_ context.Context, userID string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[userID]
	if st == nil {
		return nil, nil
	}
	st.FailedAttempts = 0
	st.FailedIPs = nil
	st.Locked = false
	st.LockedAt = time.Time{}
	st.LockedUntil = time.Time{}
	return cloneStatus(st), nil
}

func (s *MemoryStore) Lock(_ context.Context, userID string, until, now time.Time) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statuses[userID]
	if st == nil {
		st = &Status{UserID: userID}
		s.statuses[userID] = st
	}
	st.Locked = true
	st.LockedAt = now
	st.LockedUntil = until
	st.LockoutCount++
	return cloneStatus(st), nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int
	for _, st := range s.statuses {
		if st.Locked && !st.LockedUntil.IsZero() && !now.Before(st.LockedUntil) {
			st.Locked = false
			st.LockedAt = time.Time{}
			st.LockedUntil = time.Time{}
			st.FailedAttempts = 0
			st.FailedIPs = nil
			cleared++
		}
	}
	return cleared, nil
}

func cloneStatus(st *Status) *Status {
	if st == nil {
		return nil
	}
	c := *st
	c.FailedIPs = append([]string(nil), st.FailedIPs...)
	return &c
}

func containsIP(ips []string, ip string) bool {
	for _, v := range ips {
		if v == ip {
			return true
		}
	}
	return false
}
