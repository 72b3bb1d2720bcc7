package bastion

import (
	"errors"
	"time"

	"github.com/bastion-auth/bastion/jwt"
	"github.com/bastion-auth/bastion/lockout"
	"github.com/bastion-auth/bastion/ratelimit"
)

// Config is the full tuning surface of the defense core. Zero values are
// filled in by defaults during Build; Validate rejects combinations that
// would weaken the rotation guarantees.
type Config struct {
	Tokens  TokenConfig
	JWT     jwt.Config
	Limits  ratelimit.Config
	Lockout lockout.Policy
	Audit   AuditConfig
	Metrics MetricsConfig
	Cleanup CleanupConfig
}

// TokenConfig tunes the refresh-token lifecycle.
type TokenConfig struct {
	// RefreshTTL is the lifetime of each issued or rotated token.
	RefreshTTL time.Duration
	// GraceWindow bounds how long after a rotation the consumed token may
	// be replayed and still receive the same successor. Zero disables the
	// window; any replay is then treated as theft.
	GraceWindow time.Duration
	// Retention keeps terminal records queryable after expiry for forensic
	// lookups before the sweep deletes them.
	Retention time.Duration
	// MaxPerUser caps live tokens per user; issuing past the cap evicts the
	// oldest. Zero means no cap.
	MaxPerUser int
	// RedisPrefix namespaces the token keys ("bt" default).
	RedisPrefix string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking the hot path when the
	// buffer is full.
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// CleanupConfig controls the background sweeps over the token and lockout
// stores.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
}

func defaultConfig() Config {
	return Config{
		Tokens: TokenConfig{
			RefreshTTL:  30 * 24 * time.Hour,
			GraceWindow: 30 * time.Second,
			Retention:   7 * 24 * time.Hour,
			MaxPerUser:  10,
			RedisPrefix: "bt",
		},
		JWT: jwt.Config{
			AccessTTL:     15 * time.Minute,
			SigningMethod: jwt.MethodHS256,
		},
		Limits: ratelimit.Config{
			Default: ratelimit.Policy{
				Strategy: ratelimit.FixedWindow,
				Limit:    60,
				Window:   time.Minute,
			},
			Actions: map[ratelimit.Action]ratelimit.Policy{
				ratelimit.ActionLogin: {
					Strategy: ratelimit.SlidingWindow,
					Limit:    10,
					Window:   15 * time.Minute,
				},
				ratelimit.ActionTokenRefresh: {
					Strategy: ratelimit.FixedWindow,
					Limit:    30,
					Window:   time.Minute,
				},
			},
		},
		Lockout: lockout.Policy{
			Threshold:      5,
			Progressive:    true,
			BaseDuration:   15 * time.Minute,
			MaxDuration:    24 * time.Hour,
			MaxTrackedIPs:  10,
			ResetOnSuccess: true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{Enabled: true},
		Cleanup: CleanupConfig{
			Enabled:  true,
			Interval: time.Hour,
		},
	}
}

// Validate rejects configurations that would weaken the lifecycle
// guarantees. Called during Build.
func (c Config) Validate() error {
	if c.Tokens.RefreshTTL <= 0 {
		return errors.New("tokens: refresh TTL must be positive")
	}
	if c.Tokens.GraceWindow < 0 {
		return errors.New("tokens: grace window cannot be negative")
	}
	if c.Tokens.GraceWindow >= c.Tokens.RefreshTTL {
		return errors.New("tokens: grace window must be shorter than the refresh TTL")
	}
	if c.Tokens.Retention < 0 {
		return errors.New("tokens: retention cannot be negative")
	}
	if c.Tokens.MaxPerUser < 0 {
		return errors.New("tokens: per-user cap cannot be negative")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("jwt: access TTL must be positive")
	}
	if c.JWT.AccessTTL > c.Tokens.RefreshTTL {
		return errors.New("jwt: access TTL cannot outlive the refresh TTL")
	}
	if c.Lockout.Threshold < 0 {
		return errors.New("lockout: threshold cannot be negative")
	}
	if c.Cleanup.Enabled && c.Cleanup.Interval <= 0 {
		return errors.New("cleanup: interval must be positive when enabled")
	}
	if c.Audit.Enabled && c.Audit.BufferSize < 0 {
		return errors.New("audit: buffer size cannot be negative")
	}
	return nil
}

// cloneConfig deep-copies the mutable parts so a caller mutating their
// Config after Build cannot reach into a running Guard.
func cloneConfig(c Config) Config {
	out := c
	if c.Limits.Actions != nil {
		out.Limits.Actions = make(map[ratelimit.Action]ratelimit.Policy, len(c.Limits.Actions))
		for k, v := range c.Limits.Actions {
			out.Limits.Actions[k] = v
		}
	}
	if c.JWT.PrivateKey != nil {
		out.JWT.PrivateKey = append([]byte(nil), c.JWT.PrivateKey...)
	}
	if c.JWT.PublicKey != nil {
		out.JWT.PublicKey = append([]byte(nil), c.JWT.PublicKey...)
	}
	return out
}
