// Package ratelimit decides, per (action, identifier) pair, whether a new
// attempt is allowed. Three strategies share one contract: fixed window,
// sliding window, and token bucket, with an optional progressive delay
// layered on top of any of them. Backends: Redis and an in-process map.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrUnavailable wraps backend faults; a denial is never an error.
var ErrUnavailable = errors.New("rate limit store unavailable")

// Action names the operation being throttled. Unlisted actions fall back to
// the default policy.
type Action string

const (
	ActionLogin         Action = "login"
	ActionRegistration  Action = "registration"
	ActionPasswordReset Action = "password_reset"
	ActionMagicLink     Action = "magic_link"
	ActionAPIRequest    Action = "api_request"
	ActionTokenRefresh  Action = "token_refresh"
	ActionDeviceCode    Action = "device_code"
)

// IdentifierKind is the dimension an attempt is keyed by. The same principal
// is limited independently per kind.
type IdentifierKind string

const (
	KindIP    IdentifierKind = "ip"
	KindEmail IdentifierKind = "email"
	KindUser  IdentifierKind = "user"
)

// Key identifies one independent counter.
type Key struct {
	Action Action
	Kind   IdentifierKind
	Value  string
}

func (k Key) String() string {
	return string(k.Action) + ":" + string(k.Kind) + ":" + k.Value
}

// Strategy selects the throttling algorithm for a policy.
type Strategy int

const (
	// FixedWindow counts attempts in aligned, non-overlapping windows.
	// Cheap, but admits up to 2x the limit across a boundary.
	FixedWindow Strategy = iota
	// SlidingWindow tracks individual attempt timestamps and counts those
	// inside the trailing window.
	SlidingWindow
	// TokenBucket refills capacity continuously and smooths bursts.
	TokenBucket
)

// Policy is one action's tuning. Limit/Window drive the window strategies;
// Capacity/RefillRate drive the token bucket.
type Policy struct {
	Strategy   Strategy
	Limit      int
	Window     time.Duration
	Capacity   int
	RefillRate float64 // tokens per second
}

// ProgressiveDelay slows scripted retries down after repeated denials:
// retry_after grows as Multiplier^over seconds, capped at MaxDelay. Layered
// on top of whichever base strategy denied the attempt.
type ProgressiveDelay struct {
	Enabled    bool
	Multiplier float64
	MaxDelay   time.Duration
}

// Config is the per-action policy table.
type Config struct {
	Default     Policy
	Actions     map[Action]Policy
	Progressive ProgressiveDelay
}

// PolicyFor resolves the policy for an action, falling back to Default.
func (c Config) PolicyFor(action Action) Policy {
	if p, ok := c.Actions[action]; ok {
		return p
	}
	return c.Default
}

// Result reports a decision in the shape HTTP-facing callers can surface as
// response headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is the strategy contract. Check never mutates; Record is the only
// mutating operation; Reset clears a key after success or an administrative
// override.
type Limiter interface {
	Check(ctx context.Context, key Key) (Result, error)
	Record(ctx context.Context, key Key) (Result, error)
	Reset(ctx context.Context, key Key) error
}

// applyProgressive stretches a denial's RetryAfter according to how far past
// the limit the key already is.
func applyProgressive(pd ProgressiveDelay, res Result, over int) Result {
	if !pd.Enabled || res.Allowed || over < 1 {
		return res
	}
	mult := pd.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := time.Duration(math.Pow(mult, float64(over)) * float64(time.Second))
	if pd.MaxDelay > 0 && delay > pd.MaxDelay {
		delay = pd.MaxDelay
	}
	if delay > res.RetryAfter {
		res.RetryAfter = delay
	}
	return res
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}
