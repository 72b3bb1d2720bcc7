package bastion

import (
	"context"

	"github.com/bastion-auth/bastion/internal/secrets"
)

// Revoke invalidates a single refresh token by its presented value (logout).
// Revoking a token that is already dead or unknown is a no-op.
func (g *Guard) Revoke(ctx context.Context, refreshToken string) error {
	secret, err := secrets.Decode(refreshToken)
	if err != nil {
		return nil
	}
	hash := secrets.Hash(secret)
	t, err := g.tokens.GetByHash(ctx, hash)
	if err != nil {
		return storeErr(err)
	}
	if t == nil {
		return nil
	}
	changed, err := g.tokens.Revoke(ctx, hash, g.now())
	if err != nil {
		return storeErr(err)
	}
	if changed {
		g.metrics.Inc(MetricTokenRevoked)
		g.emitAudit(AuditEvent{
			EventType: auditEventTokenRevoked,
			UserID:    t.UserID,
			FamilyID:  t.FamilyID,
			TokenID:   t.ID,
			Success:   true,
		})
	}
	return nil
}

// AdminRevoke invalidates a single refresh token and reports when no live
// record matched, for support tooling that needs to know whether the
// revocation took effect.
func (g *Guard) AdminRevoke(ctx context.Context, refreshToken string) error {
	secret, err := secrets.Decode(refreshToken)
	if err != nil {
		return ErrTokenNotFound
	}
	hash := secrets.Hash(secret)
	t, err := g.tokens.GetByHash(ctx, hash)
	if err != nil {
		return storeErr(err)
	}
	if t == nil {
		return ErrTokenNotFound
	}
	changed, err := g.tokens.Revoke(ctx, hash, g.now())
	if err != nil {
		return storeErr(err)
	}
	if !changed {
		return ErrTokenRevoked
	}
	g.metrics.Inc(MetricTokenRevoked)
	g.emitAudit(AuditEvent{
		EventType: auditEventTokenRevoked,
		UserID:    t.UserID,
		FamilyID:  t.FamilyID,
		TokenID:   t.ID,
		Success:   true,
		Metadata:  map[string]string{"admin": "true"},
	})
	return nil
}

// RevokeFamily invalidates every token in a family (logout of one device
// lineage). Returns the number of records changed.
func (g *Guard) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	n, err := g.tokens.RevokeFamily(ctx, familyID, g.now())
	if err != nil {
		return 0, storeErr(err)
	}
	if n > 0 {
		g.metrics.Inc(MetricFamilyRevoked)
		g.emitAudit(AuditEvent{
			EventType: auditEventFamilyRevoked,
			FamilyID:  familyID,
			Success:   true,
		})
	}
	return n, nil
}

// RevokeAllForUser invalidates every refresh token the user holds, across
// all families ("log out everywhere"). Returns the number of records
// changed.
func (g *Guard) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	n, err := g.tokens.RevokeAllForUser(ctx, userID, g.now())
	if err != nil {
		return 0, storeErr(err)
	}
	g.metrics.Add(MetricTokenRevoked, uint64(n))
	g.emitAudit(AuditEvent{
		EventType: auditEventUserTokensRevoked,
		UserID:    userID,
		Success:   true,
	})
	return n, nil
}
