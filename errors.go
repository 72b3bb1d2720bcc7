package bastion

import (
	"errors"
	"fmt"
	"time"

	"github.com/bastion-auth/bastion/ratelimit"
)

var (
	// ErrTokenNotFound is returned when the presented refresh secret matches
	// no stored token. Malformed secrets report the same error so callers
	// cannot probe the keyspace.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenExpired is returned when the presented token's lifetime has passed.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrTokenRevoked is returned when the presented token was explicitly invalidated.
	ErrTokenRevoked = errors.New("refresh token revoked")
	// ErrFamilyCompromised is returned on token reuse; the whole family has
	// been revoked as containment.
	ErrFamilyCompromised = errors.New("refresh token reuse detected, family revoked")
	// ErrUserNotFound is returned when the user provider has no record for the subject.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserDisabled is returned when the subject's account is disabled.
	ErrUserDisabled = errors.New("user disabled")
	// ErrRateLimited is returned when an attempt is denied by the rate limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrAccountLocked is returned when the subject's account is under lockout.
	ErrAccountLocked = errors.New("account locked")
	// ErrStoreUnavailable wraps backend faults from any of the three stores.
	ErrStoreUnavailable = errors.New("backing store unavailable")
)

// RateLimitedError carries the limiter verdict alongside ErrRateLimited so
// HTTP-facing callers can surface Retry-After and the X-RateLimit headers.
type RateLimitedError struct {
	Result ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.Result.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// LockedError carries the lock deadline alongside ErrAccountLocked. A zero
// Until means the lock is permanent.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	if e.Until.IsZero() {
		return "account locked permanently"
	}
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }
