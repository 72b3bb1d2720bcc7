package bastion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bastion-auth/bastion/internal/secrets"
	"github.com/bastion-auth/bastion/token"
)

// Issue mints a fresh refresh-token family for the user and a matching
// access token. The caller is expected to have already authenticated the
// user; Issue only verifies the account still exists and is enabled.
//
// When the user is at the live-token cap, the oldest live token's family is
// revoked to make room.
func (g *Guard) Issue(ctx context.Context, in IssueInput) (*TokenPair, error) {
	user, err := g.users.FindUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !user.Enabled {
		return nil, ErrUserDisabled
	}

	if err := g.evictAtCap(ctx, in.UserID); err != nil {
		return nil, err
	}

	now := g.now()
	secret, err := secrets.New(nil)
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	hash := secrets.Hash(secret)
	t := &token.Token{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		FamilyID:   uuid.NewString(),
		Generation: 1,
		Hash:       hash,
		HashHex:    secrets.HashHex(hash),
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.config.Tokens.RefreshTTL),
		DeviceID:   in.Provenance.DeviceID,
		IP:         in.Provenance.IP,
		UserAgent:  in.Provenance.UserAgent,
		SessionID:  in.SessionID,
	}
	if err := g.tokens.Create(ctx, t, g.config.Tokens.Retention); err != nil {
		return nil, storeErr(err)
	}

	access, err := g.signer.CreateAccess(in.UserID, in.SessionID, t.ID)
	if err != nil {
		return nil, err
	}

	g.metrics.Inc(MetricTokenIssued)
	g.emitAudit(AuditEvent{
		EventType: auditEventTokenIssued,
		UserID:    in.UserID,
		FamilyID:  t.FamilyID,
		TokenID:   t.ID,
		SessionID: in.SessionID,
		IP:        in.Provenance.IP,
		Success:   true,
	})

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(g.config.JWT.AccessTTL),
		RefreshToken:     secrets.Encode(secret),
		RefreshID:        t.ID,
		RefreshExpiresAt: t.ExpiresAt,
		FamilyID:         t.FamilyID,
		Generation:       1,
	}, nil
}

// evictAtCap revokes the oldest live tokens until the user is below the
// per-user cap, leaving room for one new issuance.
func (g *Guard) evictAtCap(ctx context.Context, userID string) error {
	max := g.config.Tokens.MaxPerUser
	if max <= 0 {
		return nil
	}
	now := g.now()
	live, err := g.tokens.LiveForUser(ctx, userID, now)
	if err != nil {
		return storeErr(err)
	}
	for len(live) >= max {
		victim := live[0]
		live = live[1:]
		if _, err := g.tokens.Revoke(ctx, victim.Hash, now); err != nil {
			return storeErr(err)
		}
		g.metrics.Inc(MetricTokenEvicted)
		g.emitAudit(AuditEvent{
			EventType: auditEventTokenEvicted,
			UserID:    userID,
			FamilyID:  victim.FamilyID,
			TokenID:   victim.ID,
			Success:   true,
		})
	}
	return nil
}
