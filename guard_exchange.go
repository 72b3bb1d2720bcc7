package bastion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bastion-auth/bastion/internal/secrets"
	"github.com/bastion-auth/bastion/ratelimit"
	"github.com/bastion-auth/bastion/token"
)

// Exchange rotates a refresh token: the presented token is retired and a
// successor in the same family is returned along with a fresh access token.
//
// A rotated token presented again within the grace window is answered with
// the same successor (Replayed is set on the pair). Presented outside the
// window, or after revocation, it is treated as theft: the whole family is
// revoked and ErrFamilyCompromised is returned.
func (g *Guard) Exchange(ctx context.Context, in ExchangeInput) (*TokenPair, error) {
	start := g.now()
	defer g.observeExchange(start)

	secret, err := secrets.Decode(in.RefreshToken)
	if err != nil {
		g.metrics.Inc(MetricExchangeFailure)
		return nil, ErrTokenNotFound
	}
	hash := secrets.Hash(secret)

	if in.Provenance.IP != "" {
		res, err := g.limiter.Record(ctx, ratelimit.Key{
			Action: ratelimit.ActionTokenRefresh,
			Kind:   ratelimit.KindIP,
			Value:  in.Provenance.IP,
		})
		if err != nil {
			return nil, storeErr(err)
		}
		if !res.Allowed {
			g.metrics.Inc(MetricRateLimitHit)
			g.emitAudit(AuditEvent{
				EventType: auditEventRateLimitExceeded,
				IP:        in.Provenance.IP,
				Metadata:  map[string]string{"action": string(ratelimit.ActionTokenRefresh)},
			})
			return nil, &RateLimitedError{Result: res}
		}
	}

	cur, err := g.tokens.GetByHash(ctx, hash)
	if err != nil {
		return nil, storeErr(err)
	}
	if cur == nil {
		g.metrics.Inc(MetricExchangeFailure)
		return nil, ErrTokenNotFound
	}

	locked, until, err := g.lockouts.CheckLocked(ctx, cur.UserID)
	if err != nil {
		return nil, storeErr(err)
	}
	if locked {
		g.metrics.Inc(MetricAttemptBlocked)
		g.emitAudit(AuditEvent{
			EventType: auditEventExchangeDenied,
			UserID:    cur.UserID,
			FamilyID:  cur.FamilyID,
			TokenID:   cur.ID,
			IP:        in.Provenance.IP,
			Error:     "account locked",
		})
		return nil, &LockedError{Until: until}
	}

	user, err := g.users.FindUser(ctx, cur.UserID)
	if err != nil {
		return nil, err
	}
	if !user.Enabled {
		g.metrics.Inc(MetricExchangeFailure)
		return nil, ErrUserDisabled
	}

	now := g.now()
	nextSecret, err := secrets.New(nil)
	if err != nil {
		return nil, fmt.Errorf("generate refresh secret: %w", err)
	}
	nextHash := secrets.Hash(nextSecret)
	successor := &token.Token{
		ID:         uuid.NewString(),
		UserID:     cur.UserID,
		FamilyID:   cur.FamilyID,
		Generation: cur.Generation + 1,
		Hash:       nextHash,
		HashHex:    secrets.HashHex(nextHash),
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.config.Tokens.RefreshTTL),
		DeviceID:   in.Provenance.DeviceID,
		IP:         in.Provenance.IP,
		UserAgent:  in.Provenance.UserAgent,
		SessionID:  cur.SessionID,
	}

	res, err := g.tokens.Rotate(ctx, token.Rotation{
		OldHash:   hash,
		Successor: successor,
		RawSecret: nextSecret[:],
		Grace:     g.config.Tokens.GraceWindow,
		Retention: g.config.Tokens.Retention,
		Now:       now,
	})
	if err != nil {
		return nil, storeErr(err)
	}

	switch res.Outcome {
	case token.RotateOK:
		return g.exchangeSucceeded(successor, secrets.Encode(nextSecret), false, in)

	case token.RotateGrace:
		// Another call in the grace window already rotated this token;
		// hand back the successor it minted.
		var winner [secrets.SecretSize]byte
		if len(res.RawSecret) != secrets.SecretSize {
			return nil, fmt.Errorf("grace cache returned %d-byte secret", len(res.RawSecret))
		}
		copy(winner[:], res.RawSecret)
		g.metrics.Inc(MetricExchangeGrace)
		return g.exchangeSucceeded(res.Token, secrets.Encode(winner), true, in)

	case token.RotateExpired:
		g.metrics.Inc(MetricExchangeFailure)
		return nil, ErrTokenExpired

	case token.RotateRevoked:
		g.metrics.Inc(MetricExchangeFailure)
		return nil, ErrTokenRevoked

	case token.RotateReused, token.RotateReplayed:
		return nil, g.containFamily(ctx, cur, in)

	default:
		g.metrics.Inc(MetricExchangeFailure)
		return nil, ErrTokenNotFound
	}
}

func (g *Guard) exchangeSucceeded(t *token.Token, refresh string, replayed bool, in ExchangeInput) (*TokenPair, error) {
	access, err := g.signer.CreateAccess(t.UserID, t.SessionID, t.ID)
	if err != nil {
		return nil, err
	}
	if !replayed {
		g.metrics.Inc(MetricExchangeSuccess)
		g.emitAudit(AuditEvent{
			EventType: auditEventTokenRotated,
			UserID:    t.UserID,
			FamilyID:  t.FamilyID,
			TokenID:   t.ID,
			SessionID: t.SessionID,
			IP:        in.Provenance.IP,
			Success:   true,
			Metadata:  map[string]string{"generation": fmt.Sprintf("%d", t.Generation)},
		})
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  g.now().Add(g.config.JWT.AccessTTL),
		RefreshToken:     refresh,
		RefreshID:        t.ID,
		RefreshExpiresAt: t.ExpiresAt,
		FamilyID:         t.FamilyID,
		Generation:       t.Generation,
		Replayed:         replayed,
	}, nil
}

// containFamily is the theft response: revoke every token in the presented
// token's family and charge a lockout failure against the owner.
func (g *Guard) containFamily(ctx context.Context, cur *token.Token, in ExchangeInput) error {
	now := g.now()
	revoked, err := g.tokens.RevokeFamily(ctx, cur.FamilyID, now)
	if err != nil {
		return storeErr(err)
	}
	g.metrics.Inc(MetricReuseDetected)
	g.metrics.Inc(MetricFamilyRevoked)
	g.emitAudit(AuditEvent{
		EventType: auditEventReuseDetected,
		UserID:    cur.UserID,
		FamilyID:  cur.FamilyID,
		TokenID:   cur.ID,
		IP:        in.Provenance.IP,
		Metadata:  map[string]string{"generation": fmt.Sprintf("%d", cur.Generation)},
	})
	g.emitAudit(AuditEvent{
		EventType: auditEventFamilyRevoked,
		UserID:    cur.UserID,
		FamilyID:  cur.FamilyID,
		Success:   true,
		Metadata:  map[string]string{"revoked": fmt.Sprintf("%d", revoked)},
	})
	st, lockedNow, err := g.lockouts.RecordFailure(ctx, cur.UserID, in.Provenance.IP)
	if err != nil {
		return storeErr(err)
	}
	if lockedNow {
		g.metrics.Inc(MetricAccountLocked)
		g.emitAudit(AuditEvent{
			EventType: auditEventAccountLocked,
			UserID:    cur.UserID,
			IP:        in.Provenance.IP,
			Metadata:  map[string]string{"lockouts": fmt.Sprintf("%d", st.LockoutCount)},
		})
	}
	return ErrFamilyCompromised
}
