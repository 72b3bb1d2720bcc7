// Package token implements the refresh-token lifecycle: issuance records,
// atomic rotation with reuse detection, family revocation, and terminal-state
// garbage collection. Three interchangeable stores implement the same
// contract: Redis (production), GORM/Postgres, and an in-process map.
package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps backend faults so callers can distinguish an
	// invalid credential from a broken store.
	ErrUnavailable = errors.New("token store unavailable")
	// ErrNotFound is returned when no record matches the presented hash.
	ErrNotFound = errors.New("token not found")
)

// RotateOutcome classifies what Rotate found when it inspected the
// presented token under the store's atomicity guarantee.
type RotateOutcome int

const (
	// RotateNotFound means no record matches the presented hash.
	RotateNotFound RotateOutcome = iota
	// RotateExpired means the token's expiry has passed.
	RotateExpired
	// RotateOK means the token was live and exactly this call created its
	// successor.
	RotateOK
	// RotateRevoked means the token was explicitly invalidated before ever
	// being rotated.
	RotateRevoked
	// RotateReplayed means a token that had already been legitimately
	// rotated was presented after revocation: evidence of theft.
	RotateReplayed
	// RotateReused means a rotated token was presented again outside the
	// grace window: evidence of theft.
	RotateReused
	// RotateGrace means a rotated token was presented again inside the
	// grace window; the cached successor secret is returned instead of
	// minting a second successor.
	RotateGrace
)

// Rotation is the input to Store.Rotate. Successor must be fully populated
// (same family, generation+1, new hash, new expiry); RawSecret is the
// successor's raw secret, cached under the predecessor hash for the grace
// window so duplicate retries can be answered idempotently.
type Rotation struct {
	OldHash   [32]byte
	Successor *Token
	RawSecret []byte
	Grace     time.Duration
	Retention time.Duration
	Now       time.Time
}

// RotateResult carries the outcome plus whichever record is relevant to it:
// the successor on RotateOK and RotateGrace, the presented token on the
// theft and terminal outcomes.
type RotateResult struct {
	Outcome   RotateOutcome
	Token     *Token
	RawSecret []byte
}

// Store is the behavioral contract every token backend must satisfy. Rotate
// is the one operation that must be atomic with respect to concurrent calls
// on the same token: exactly one caller may observe RotateOK.
type Store interface {
	Create(ctx context.Context, t *Token, retention time.Duration) error
	GetByHash(ctx context.Context, hash [32]byte) (*Token, error)
	Rotate(ctx context.Context, rot Rotation) (RotateResult, error)
	Revoke(ctx context.Context, hash [32]byte, now time.Time) (bool, error)
	RevokeFamily(ctx context.Context, familyID string, now time.Time) (int, error)
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int, error)
	LiveForUser(ctx context.Context, userID string, now time.Time) ([]*Token, error)
	PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}
