package lockout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// record is the wire form of a Status. Timestamps are unix seconds so the
// scripts can do arithmetic on them; booleans are 0/1 for the same reason.
type record struct {
	User        string `json:"user"`
	Attempts    int    `json:"attempts"`
	LastFailed  int64  `json:"last_failed"`
	Locked      int    `json:"locked"`
	LockedAt    int64  `json:"locked_at"`
	LockedUntil int64  `json:"locked_until"`
	Lockouts    int    `json:"lockouts"`
}

// Failure path in one atomic step: lazy-expire a stale lock, count the
// attempt, track the IP, and apply a new lock at the threshold.
// KEYS[1] status, KEYS[2] IP list.
// ARGV: now, user, ip, threshold, progressive, fixed_s, base_s, max_s, max_ips.
const failureScript = `
local now = tonumber(ARGV[1])
local raw = redis.call("GET", KEYS[1])
local st
if raw then
  st = cjson.decode(raw)
else
  st = {user = ARGV[2], attempts = 0, last_failed = 0, locked = 0, locked_at = 0, locked_until = 0, lockouts = 0}
end

if st.locked == 1 and st.locked_until > 0 and st.locked_until <= now then
  st.locked = 0
  st.locked_at = 0
  st.locked_until = 0
  st.attempts = 0
  redis.call("DEL", KEYS[2])
end

st.attempts = st.attempts + 1
st.last_failed = now

if ARGV[3] ~= "" then
  local max_ips = tonumber(ARGV[9])
  local ips = redis.call("LRANGE", KEYS[2], 0, -1)
  local seen = false
  for i = 1, #ips do
    if ips[i] == ARGV[3] then
      seen = true
    end
  end
  if not seen and #ips < max_ips then
    redis.call("RPUSH", KEYS[2], ARGV[3])
  end
end

if st.locked == 0 and st.attempts >= tonumber(ARGV[4]) then
  st.locked = 1
  st.locked_at = now
  local dur
  if tonumber(ARGV[5]) == 1 then
    dur = tonumber(ARGV[7]) * (2 ^ st.lockouts)
    if dur > tonumber(ARGV[8]) then
      dur = tonumber(ARGV[8])
    end
  else
    dur = tonumber(ARGV[6])
  end
  st.locked_until = now + dur
  st.lockouts = st.lockouts + 1
end

redis.call("SET", KEYS[1], cjson.encode(st))
return cjson.encode(st)
`

// Clears counters and lock flags, keeps the lockout count.
const clearScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return false
end
local st = cjson.decode(raw)
st.attempts = 0
st.locked = 0
st.locked_at = 0
st.locked_until = 0
redis.call("SET", KEYS[1], cjson.encode(st))
redis.call("DEL", KEYS[2])
return cjson.encode(st)
`

// Administrative lock. ARGV: now, user, until (0 = permanent).
const lockScript = `
local now = tonumber(ARGV[1])
local raw = redis.call("GET", KEYS[1])
local st
if raw then
  st = cjson.decode(raw)
else
  st = {user = ARGV[2], attempts = 0, last_failed = 0, locked = 0, locked_at = 0, locked_until = 0, lockouts = 0}
end
st.locked = 1
st.locked_at = now
st.locked_until = tonumber(ARGV[3])
st.lockouts = st.lockouts + 1
redis.call("SET", KEYS[1], cjson.encode(st))
return cjson.encode(st)
`

// Sweep step for one key: clear the flag only if the lock has expired, so
// the sweep can interleave with live failure recording.
const sweepScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local st = cjson.decode(raw)
if st.locked == 1 and st.locked_until > 0 and st.locked_until <= tonumber(ARGV[1]) then
  st.locked = 0
  st.locked_at = 0
  st.locked_until = 0
  st.attempts = 0
  redis.call("SET", KEYS[1], cjson.encode(st))
  redis.call("DEL", KEYS[2])
  return 1
end
return 0
`

var (
	failureLua = redis.NewScript(failureScript)
	clearLua   = redis.NewScript(clearScript)
	lockLua    = redis.NewScript(lockScript)
	sweepLua   = redis.NewScript(sweepScript)
)

// RedisStore keeps lockout state as JSON blobs plus a per-user IP list.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. prefix defaults to "blk".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "blk"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) statusKey(userID string) string { return s.prefix + ":s:" + userID }
func (s *RedisStore) ipKey(userID string) string     { return s.prefix + ":i:" + userID }

func (s *RedisStore) Get(ctx context.Context, userID string) (*Status, error) {
	raw, err := s.redis.Get(ctx, s.statusKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ips, err := s.redis.LRange(ctx, s.ipKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeStatus(raw, ips)
}

func (s *RedisStore) RecordFailure(ctx context.Context, userID, ip string, p Policy, now time.Time) (*Status, error) {
	p = p.withDefaults()
	raw, err := failureLua.Run(
		ctx,
		s.redis,
		[]string{s.statusKey(userID), s.ipKey(userID)},
		now.Unix(),
		userID,
		ip,
		p.Threshold,
		boolArg(p.Progressive),
		int64(p.FixedDuration.Seconds()),
		int64(p.BaseDuration.Seconds()),
		int64(p.MaxDuration.Seconds()),
		p.MaxTrackedIPs,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ips, err := s.redis.LRange(ctx, s.ipKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeStatus([]byte(raw), ips)
}

func (s *RedisStore) Clear(ctx context.Context, userID string) (*Status, error) {
	raw, err := clearLua.Run(ctx, s.redis, []string{s.statusKey(userID), s.ipKey(userID)}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeStatus([]byte(raw), nil)
}

func (s *RedisStore) Lock(ctx context.Context, userID string, until, now time.Time) (*Status, error) {
	var untilUnix int64
	if !until.IsZero() {
		untilUnix = until.Unix()
	}
	raw, err := lockLua.Run(
		ctx,
		s.redis,
		[]string{s.statusKey(userID)},
		now.Unix(),
		userID,
		untilUnix,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ips, err := s.redis.LRange(ctx, s.ipKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeStatus([]byte(raw), ips)
}

func (s *RedisStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	var cleared int
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, s.prefix+":s:*", 100).Result()
		if err != nil {
			return cleared, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			userID := key[len(s.prefix)+3:]
			n, err := sweepLua.Run(ctx, s.redis, []string{key, s.ipKey(userID)}, now.Unix()).Int()
			if err != nil {
				return cleared, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			cleared += n
		}
		cursor = next
		if cursor == 0 {
			return cleared, nil
		}
	}
}

func decodeStatus(raw []byte, ips []string) (*Status, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode status: %v", ErrUnavailable, err)
	}
	st := &Status{
		UserID:         rec.User,
		FailedAttempts: rec.Attempts,
		Locked:         rec.Locked == 1,
		LockoutCount:   rec.Lockouts,
		FailedIPs:      ips,
	}
	if rec.LastFailed > 0 {
		st.LastFailedAt = time.Unix(rec.LastFailed, 0)
	}
	if rec.LockedAt > 0 {
		st.LockedAt = time.Unix(rec.LockedAt, 0)
	}
	if rec.LockedUntil > 0 {
		st.LockedUntil = time.Unix(rec.LockedUntil, 0)
	}
	return st, nil
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}
