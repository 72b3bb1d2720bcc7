package test

import (
	"context"
	"testing"
	"time"

	bastion "github.com/bastion-auth/bastion"
	"github.com/bastion-auth/bastion/lockout"
	"github.com/bastion-auth/bastion/ratelimit"
	"github.com/bastion-auth/bastion/token"
)

// This test intentionally guards public API compile-compat for consumers.
func TestPublicAPISurfaceCompile(t *testing.T) {
	_ = bastion.New

	var _ *bastion.Guard
	var _ bastion.Config
	var _ bastion.TokenPair
	var _ bastion.IssueInput
	var _ bastion.ExchangeInput
	var _ bastion.AttemptInput
	var _ bastion.UserProvider
	var _ bastion.AuditSink
	var _ bastion.MetricsSnapshot

	var _ error = bastion.ErrTokenNotFound
	var _ error = bastion.ErrTokenExpired
	var _ error = bastion.ErrTokenRevoked
	var _ error = bastion.ErrFamilyCompromised
	var _ error = bastion.ErrUserNotFound
	var _ error = bastion.ErrUserDisabled
	var _ error = bastion.ErrRateLimited
	var _ error = bastion.ErrAccountLocked
	var _ error = &bastion.RateLimitedError{}
	var _ error = &bastion.LockedError{}

	var _ func(*bastion.Guard, context.Context, bastion.IssueInput) (*bastion.TokenPair, error) = (*bastion.Guard).Issue
	var _ func(*bastion.Guard, context.Context, bastion.ExchangeInput) (*bastion.TokenPair, error) = (*bastion.Guard).Exchange
	var _ func(*bastion.Guard, context.Context, string) error = (*bastion.Guard).Revoke
	var _ func(*bastion.Guard, context.Context, string) error = (*bastion.Guard).AdminRevoke
	var _ func(*bastion.Guard, context.Context, string) (int, error) = (*bastion.Guard).RevokeFamily
	var _ func(*bastion.Guard, context.Context, string) (int, error) = (*bastion.Guard).RevokeAllForUser
	var _ func(*bastion.Guard, context.Context, bastion.AttemptInput) error = (*bastion.Guard).CheckAttempt
	var _ func(*bastion.Guard, context.Context, bastion.AttemptInput) error = (*bastion.Guard).RecordFailure
	var _ func(*bastion.Guard, context.Context, bastion.AttemptInput) error = (*bastion.Guard).RecordSuccess
	var _ func(*bastion.Guard, context.Context, string) (bool, error) = (*bastion.Guard).Unlock
	var _ func(*bastion.Guard, context.Context, string, time.Time) (*lockout.Status, error) = (*bastion.Guard).LockUser
	var _ func(*bastion.Guard, context.Context, string) (*lockout.Status, error) = (*bastion.Guard).LockoutStatus
	var _ func(*bastion.Guard, context.Context, ratelimit.Key) (ratelimit.Result, error) = (*bastion.Guard).RateLimitStatus
	var _ func(*bastion.Guard, context.Context) (int, error) = (*bastion.Guard).Sweep
	var _ func(*bastion.Guard) = (*bastion.Guard).Close

	var _ token.Store = (*token.MemoryStore)(nil)
	var _ token.Store = (*token.RedisStore)(nil)
	var _ token.Store = (*token.GormStore)(nil)
	var _ ratelimit.Limiter = (*ratelimit.MemoryLimiter)(nil)
	var _ ratelimit.Limiter = (*ratelimit.RedisLimiter)(nil)
	var _ lockout.Store = (*lockout.MemoryStore)(nil)
	var _ lockout.Store = (*lockout.RedisStore)(nil)
}
