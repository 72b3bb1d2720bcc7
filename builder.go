package bastion

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bastion-auth/bastion/jwt"
	"github.com/bastion-auth/bastion/lockout"
	"github.com/bastion-auth/bastion/ratelimit"
	"github.com/bastion-auth/bastion/token"
)

// Builder assembles a Guard. Construction is allocation-only; no I/O
// happens until the first Guard method call. A Builder is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	tokens   token.Store
	limiter  ratelimit.Limiter
	lockouts lockout.Store

	users UserProvider
	sink  AuditSink
	clock Clock

	built bool
}

// New returns a Builder preloaded with the default config.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the entire config.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the Redis client backing the token, limiter, and
// lockout stores. Stores set explicitly take precedence.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithTokenStore overrides the token backend.
func (b *Builder) WithTokenStore(s token.Store) *Builder {
	b.tokens = s
	return b
}

// WithLimiter overrides the rate-limit backend.
func (b *Builder) WithLimiter(l ratelimit.Limiter) *Builder {
	b.limiter = l
	return b
}

// WithLockoutStore overrides the lockout backend.
func (b *Builder) WithLockoutStore(s lockout.Store) *Builder {
	b.lockouts = s
	return b
}

// WithUserProvider supplies the bridge to the caller's user database.
// Required.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.users = up
	return b
}

// WithAuditSink supplies the audit event destination.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithClock overrides the time source. Test hook.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithMetricsEnabled toggles the counter table.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the exchange latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires the backends, and starts the
// audit dispatcher and cleanup sweeps.
func (b *Builder) Build() (*Guard, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if b.users == nil {
		return nil, errors.New("user provider is required")
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	tokens := b.tokens
	limiter := b.limiter
	lockouts := b.lockouts
	if tokens == nil {
		if b.redis != nil {
			tokens = token.NewRedisStore(b.redis, b.config.Tokens.RedisPrefix)
		} else {
			tokens = token.NewMemoryStore()
		}
	}
	if limiter == nil {
		if b.redis != nil {
			limiter = ratelimit.NewRedisLimiter(b.redis, b.config.Limits, "", clock)
		} else {
			limiter = ratelimit.NewMemoryLimiter(b.config.Limits, clock)
		}
	}
	if lockouts == nil {
		if b.redis != nil {
			lockouts = lockout.NewRedisStore(b.redis, "")
		} else {
			lockouts = lockout.NewMemoryStore()
		}
	}

	jwtCfg := b.config.JWT
	if jwtCfg.SigningMethod == jwt.MethodHS256 && len(jwtCfg.PrivateKey) == 0 {
		// Ephemeral key: access tokens will not survive a restart. Set
		// JWT.PrivateKey for anything beyond local development.
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		jwtCfg.PrivateKey = key
	}
	signer, err := jwt.NewManager(jwtCfg)
	if err != nil {
		return nil, err
	}
	signer.WithClock(clock)

	g := &Guard{
		config:   b.config,
		tokens:   tokens,
		limiter:  limiter,
		lockouts: lockout.NewManager(lockouts, b.config.Lockout, clock),
		users:    b.users,
		signer:   signer,
		metrics:  NewMetrics(b.config.Metrics),
		audit:    newAuditDispatcher(b.config.Audit, b.sink),
		now:      clock,
		stop:     make(chan struct{}),
	}
	if b.config.Cleanup.Enabled {
		g.startCleanup()
	}

	b.built = true
	return g, nil
}
