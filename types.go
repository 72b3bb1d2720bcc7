package bastion

import (
	"context"
	"time"

	"github.com/bastion-auth/bastion/ratelimit"
	"github.com/bastion-auth/bastion/token"
)

// UserRecord is the minimal account view the defense core needs: identity
// and whether the account may hold tokens at all.
type UserRecord struct {
	ID      string
	Enabled bool
}

// UserProvider is the caller-supplied bridge to the user database. FindUser
// must return [ErrUserNotFound] (or an error wrapping it) for unknown IDs;
// any other error is treated as a backend fault.
type UserProvider interface {
	FindUser(ctx context.Context, userID string) (UserRecord, error)
}

// Clock supplies the time source for every deadline decision. Defaults to
// time.Now; tests inject a fixed clock.
type Clock func() time.Time

// Provenance is re-exported request metadata recorded on issuance and
// rotation.
type Provenance = token.Provenance

// TokenPair is the result of a successful issuance or exchange: a signed
// access token plus the opaque refresh secret that replaces the one just
// consumed.
type TokenPair struct {
	AccessToken     string
	AccessExpiresAt time.Time

	RefreshToken     string
	RefreshID        string
	RefreshExpiresAt time.Time

	FamilyID   string
	Generation int

	// Replayed is true when the pair was served from the rotation grace
	// window rather than a fresh rotation.
	Replayed bool
}

// IssueInput starts a new token family for a user.
type IssueInput struct {
	UserID     string
	SessionID  string
	Provenance Provenance
}

// ExchangeInput rotates a refresh token.
type ExchangeInput struct {
	RefreshToken string
	Provenance   Provenance
}

// AttemptInput describes one authentication attempt for the defense checks.
// Identifier is the submitted email or username; UserID may be empty until
// the caller has resolved the account.
type AttemptInput struct {
	Action     ratelimit.Action
	Identifier string
	IP         string
	UserID     string
}
