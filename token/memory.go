package token

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

type graceEntry struct {
	secret    []byte
	successor string
	expiresAt time.Time
}

// MemoryStore is the in-process map backend. It satisfies the same contract
// as RedisStore under a single mutex, which trivially gives Rotate its
// single-winner guarantee. Intended for tests and single-process embedding.
type MemoryStore struct {
	mu       sync.Mutex
	tokens   map[string]*Token   // hash hex -> record
	families map[string][]string // family id -> hash hexes
	users    map[string][]string // user id -> hash hexes
	grace    map[string]graceEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   make(map[string]*Token),
		families: make(map[string][]string),
		users:    make(map[string][]string),
		grace:    make(map[string]graceEntry),
	}
}

func cloneToken(t *Token) *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *MemoryStore) insertLocked(t *Token) {
	c := cloneToken(t)
	s.tokens[c.HashHex] = c
	s.families[c.FamilyID] = append(s.families[c.FamilyID], c.HashHex)
	s.users[c.UserID] = append(s.users[c.UserID], c.HashHex)
}

// Create stores a freshly issued token. Retention is irrelevant here; the
// sweep decides deletion from timestamps alone.
func (s *MemoryStore) Create(_ context.Context, t *Token, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(t)
	return nil
}

// GetByHash returns a copy of the matching record.
func (s *MemoryStore) GetByHash(_ context.Context, hash [32]byte) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[hex.EncodeToString(hash[:])]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneToken(t), nil
}

// Rotate performs the mark-used-and-install-successor step under the store
// mutex.
func (s *MemoryStore) Rotate(_ context.Context, rot Rotation) (RotateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldHex := hex.EncodeToString(rot.OldHash[:])
	old, ok := s.tokens[oldHex]
	if !ok {
		return RotateResult{Outcome: RotateNotFound}, nil
	}
	if !rot.Now.Before(old.ExpiresAt) {
		return RotateResult{Outcome: RotateExpired}, nil
	}
	if old.Revoked && old.Used {
		return RotateResult{Outcome: RotateReplayed, Token: cloneToken(old)}, nil
	}
	if old.Revoked {
		return RotateResult{Outcome: RotateRevoked, Token: cloneToken(old)}, nil
	}
	if old.Used {
		if rot.Grace > 0 && rot.Now.Sub(old.RotatedAt) <= rot.Grace {
			if entry, cached := s.grace[oldHex]; cached && rot.Now.Before(entry.expiresAt) {
				if succ, live := s.tokens[entry.successor]; live {
					return RotateResult{
						Outcome:   RotateGrace,
						Token:     cloneToken(succ),
						RawSecret: append([]byte(nil), entry.secret...),
					}, nil
				}
			}
		}
		return RotateResult{Outcome: RotateReused, Token: cloneToken(old)}, nil
	}

	old.Used = true
	old.RotatedAt = rot.Now
	old.SuccessorHex = rot.Successor.HashHex
	s.insertLocked(rot.Successor)
	if rot.Grace > 0 {
		s.grace[oldHex] = graceEntry{
			secret:    append([]byte(nil), rot.RawSecret...),
			successor: rot.Successor.HashHex,
			expiresAt: rot.Now.Add(rot.Grace),
		}
	}
	return RotateResult{Outcome: RotateOK, Token: cloneToken(rot.Successor)}, nil
}

// Revoke marks a single record revoked.
func (s *MemoryStore) Revoke(_ context.Context, hash [32]byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[hex.EncodeToString(hash[:])]
	if !ok {
		return false, nil
	}
	if !t.Revoked {
		t.Revoked = true
		t.RevokedAt = now
	}
	return true, nil
}

// RevokeFamily revokes every token in the family.
func (s *MemoryStore) RevokeFamily(_ context.Context, familyID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeSetLocked(s.families[familyID], now), nil
}

// RevokeAllForUser revokes every token the user owns.
func (s *MemoryStore) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeSetLocked(s.users[userID], now), nil
}

func (s *MemoryStore) revokeSetLocked(hashes []string, now time.Time) int {
	n := 0
	for _, h := range hashes {
		t, ok := s.tokens[h]
		if !ok || t.Revoked {
			continue
		}
		t.Revoked = true
		t.RevokedAt = now
		n++
	}
	return n
}

// LiveForUser returns the user's live tokens, oldest first.
func (s *MemoryStore) LiveForUser(_ context.Context, userID string, now time.Time) ([]*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live []*Token
	for _, h := range s.users[userID] {
		if t, ok := s.tokens[h]; ok && t.Live(now) {
			live = append(live, cloneToken(t))
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})
	return live, nil
}

// PurgeExpired deletes terminal records past the retention window and prunes
// the indexes.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for h, t := range s.tokens {
		if purgeable(t, now, retention) {
			delete(s.tokens, h)
			s.families[t.FamilyID] = removeHash(s.families[t.FamilyID], h)
			s.users[t.UserID] = removeHash(s.users[t.UserID], h)
			purged++
		}
	}
	for h, entry := range s.grace {
		if !now.Before(entry.expiresAt) {
			delete(s.grace, h)
		}
	}
	return purged, nil
}

func removeHash(hashes []string, h string) []string {
	for i, v := range hashes {
		if v == h {
			return append(hashes[:i], hashes[i+1:]...)
		}
	}
	return hashes
}
