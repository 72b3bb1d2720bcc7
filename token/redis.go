package token

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusRotated  int64 = 2
	rotateStatusRevoked  int64 = 3
	rotateStatusReplayed int64 = 4
	rotateStatusGrace    int64 = 5
	rotateStatusReused   int64 = 6
)

// record is the Redis wire form of a Token. Timestamps are unix seconds so
// the rotation script can compare them with plain Lua arithmetic.
type record struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	FamilyID   string `json:"family_id"`
	Generation int    `json:"generation"`
	HashHex    string `json:"hash_hex"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
	Used       bool   `json:"used"`
	RotatedAt  int64  `json:"rotated_at"`
	Revoked    bool   `json:"revoked"`
	RevokedAt  int64  `json:"revoked_at"`
	Successor  string `json:"successor,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// The rotation script is the single-writer step of the lifecycle: it inspects
// the presented record and either marks it used and installs the successor,
// or classifies the presentation (expired, revoked, replayed, reused, grace)
// without mutating anything. Running it as one script is what guarantees that
// exactly one of N concurrent exchanges wins.
const rotateScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local rec = cjson.decode(data)
local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])

if rec.expires_at <= now then
  return {1}
end
if rec.revoked and rec.used then
  return {4, data}
end
if rec.revoked then
  return {3, data}
end
if rec.used then
  if grace > 0 and rec.rotated_at and (now - rec.rotated_at) <= grace and rec.successor then
    local cached = redis.call("GET", KEYS[4])
    if cached then
      local succ = redis.call("GET", ARGV[7] .. rec.successor)
      if succ then
        return {5, succ, cached}
      end
    end
  end
  return {6, data}
end

rec.used = true
rec.rotated_at = now
rec.successor = ARGV[4]
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ttl)
else
  redis.call("SET", KEYS[1], cjson.encode(rec))
end
redis.call("SET", ARGV[7] .. ARGV[4], ARGV[3], "PX", tonumber(ARGV[6]))
redis.call("SADD", KEYS[2], ARGV[4])
redis.call("SADD", KEYS[3], ARGV[4])
if grace > 0 then
  redis.call("SET", KEYS[4], ARGV[5], "EX", grace)
end
return {2}
`

var rotateLua = redis.NewScript(rotateScript)

const revokeScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
if not rec.revoked then
  rec.revoked = true
  rec.revoked_at = tonumber(ARGV[1])
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl > 0 then
    redis.call("SET", KEYS[1], cjson.encode(rec), "PX", ttl)
  else
    redis.call("SET", KEYS[1], cjson.encode(rec))
  end
end
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// Revokes every member of an index set (family or user). Atomic with respect
// to concurrent rotations, so a successor installed moments before this runs
// is still caught.
const revokeSetScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local n = 0
for _, h in ipairs(members) do
  local key = prefix .. h
  local data = redis.call("GET", key)
  if data then
    local rec = cjson.decode(data)
    if not rec.revoked then
      rec.revoked = true
      rec.revoked_at = now
      local ttl = redis.call("PTTL", key)
      if ttl > 0 then
        redis.call("SET", key, cjson.encode(rec), "PX", ttl)
      else
        redis.call("SET", key, cjson.encode(rec))
      end
      n = n + 1
    end
  else
    redis.call("SREM", KEYS[1], h)
  end
end
return n
`

var revokeSetLua = redis.NewScript(revokeSetScript)

// RedisStore is the production token backend. Records are JSON blobs keyed by
// secret hash, with per-family and per-user index sets for bulk revocation.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore with the given key prefix ("bt" when
// empty).
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bt"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) tokenPrefix() string { return s.prefix + ":t:" }
func (s *RedisStore) tokenKey(hashHex string) string { return s.tokenPrefix() + hashHex }
func (s *RedisStore) familyKey(familyID string) string { return s.prefix + ":f:" + familyID }
func (s *RedisStore) userKey(userID string) string     { return s.prefix + ":u:" + userID }
func (s *RedisStore) graceKey(hashHex string) string   { return s.prefix + ":g:" + hashHex }

func encodeRecord(t *Token) ([]byte, error) {
	rec := record{
		ID:         t.ID,
		UserID:     t.UserID,
		FamilyID:   t.FamilyID,
		Generation: t.Generation,
		HashHex:    t.HashHex,
		CreatedAt:  t.CreatedAt.Unix(),
		ExpiresAt:  t.ExpiresAt.Unix(),
		Used:       t.Used,
		Revoked:    t.Revoked,
		Successor:  t.SuccessorHex,
		DeviceID:   t.DeviceID,
		IP:         t.IP,
		UserAgent:  t.UserAgent,
		SessionID:  t.SessionID,
	}
	if !t.RotatedAt.IsZero() {
		rec.RotatedAt = t.RotatedAt.Unix()
	}
	if !t.RevokedAt.IsZero() {
		rec.RevokedAt = t.RevokedAt.Unix()
	}
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*Token, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt token record: %v", ErrUnavailable, err)
	}
	t := &Token{
		ID:           rec.ID,
		UserID:       rec.UserID,
		FamilyID:     rec.FamilyID,
		Generation:   rec.Generation,
		HashHex:      rec.HashHex,
		CreatedAt:    time.Unix(rec.CreatedAt, 0),
		ExpiresAt:    time.Unix(rec.ExpiresAt, 0),
		Used:         rec.Used,
		Revoked:      rec.Revoked,
		SuccessorHex: rec.Successor,
		DeviceID:     rec.DeviceID,
		IP:           rec.IP,
		UserAgent:    rec.UserAgent,
		SessionID:    rec.SessionID,
	}
	if rec.RotatedAt > 0 {
		t.RotatedAt = time.Unix(rec.RotatedAt, 0)
	}
	if rec.RevokedAt > 0 {
		t.RevokedAt = time.Unix(rec.RevokedAt, 0)
	}
	if raw, err := hex.DecodeString(rec.HashHex); err == nil && len(raw) == 32 {
		copy(t.Hash[:], raw)
	}
	return t, nil
}

func (s *RedisStore) recordTTL(t *Token, retention time.Duration) time.Duration {
	ttl := t.ExpiresAt.Sub(t.CreatedAt) + retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Create persists a freshly issued token and indexes it by family and user.
func (s *RedisStore) Create(ctx context.Context, t *Token, retention time.Duration) error {
	data, err := encodeRecord(t)
	if err != nil {
		return err
	}

	ttl := s.recordTTL(t, retention)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(t.HashHex), data, ttl)
		pipe.SAdd(ctx, s.familyKey(t.FamilyID), t.HashHex)
		pipe.Expire(ctx, s.familyKey(t.FamilyID), ttl)
		pipe.SAdd(ctx, s.userKey(t.UserID), t.HashHex)
		pipe.Expire(ctx, s.userKey(t.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetByHash fetches a single record without mutating anything.
func (s *RedisStore) GetByHash(ctx context.Context, hash [32]byte) (*Token, error) {
	data, err := s.redis.Get(ctx, s.tokenKey(hex.EncodeToString(hash[:]))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeRecord(data)
}

// Rotate runs the compare-and-swap rotation script. Exactly one of any set of
// concurrent calls against the same live token observes RotateOK.
func (s *RedisStore) Rotate(ctx context.Context, rot Rotation) (RotateResult, error) {
	succJSON, err := encodeRecord(rot.Successor)
	if err != nil {
		return RotateResult{}, err
	}
	// The raw secret is arbitrary bytes; base64 keeps it intact as a Redis
	// string value.
	blob := base64.StdEncoding.EncodeToString(rot.RawSecret)

	oldHex := hex.EncodeToString(rot.OldHash[:])
	succTTL := s.recordTTL(rot.Successor, rot.Retention)

	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{
			s.tokenKey(oldHex),
			s.familyKey(rot.Successor.FamilyID),
			s.userKey(rot.Successor.UserID),
			s.graceKey(oldHex),
		},
		rot.Now.Unix(),
		int64(rot.Grace/time.Second),
		succJSON,
		rot.Successor.HashHex,
		blob,
		succTTL.Milliseconds(),
		s.tokenPrefix(),
	).Result()
	if err != nil {
		return RotateResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return RotateResult{}, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return RotateResult{}, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return RotateResult{Outcome: RotateNotFound}, nil
	case rotateStatusExpired:
		return RotateResult{Outcome: RotateExpired}, nil
	case rotateStatusRotated:
		return RotateResult{Outcome: RotateOK, Token: rot.Successor}, nil
	case rotateStatusRevoked, rotateStatusReplayed, rotateStatusReused:
		tok, decErr := decodeScriptRecord(parts, 1)
		if decErr != nil {
			return RotateResult{}, decErr
		}
		outcome := RotateRevoked
		if code == rotateStatusReplayed {
			outcome = RotateReplayed
		} else if code == rotateStatusReused {
			outcome = RotateReused
		}
		return RotateResult{Outcome: outcome, Token: tok}, nil
	case rotateStatusGrace:
		tok, decErr := decodeScriptRecord(parts, 1)
		if decErr != nil {
			return RotateResult{}, decErr
		}
		if len(parts) < 3 {
			return RotateResult{}, fmt.Errorf("%w: missing grace payload", ErrUnavailable)
		}
		secret, decErr2 := base64.StdEncoding.DecodeString(string(scriptBytes(parts[2])))
		if decErr2 != nil {
			return RotateResult{}, fmt.Errorf("%w: corrupt grace payload: %v", ErrUnavailable, decErr2)
		}
		return RotateResult{Outcome: RotateGrace, Token: tok, RawSecret: secret}, nil
	default:
		return RotateResult{}, fmt.Errorf("%w: unknown rotate script status", ErrUnavailable)
	}
}

func decodeScriptRecord(parts []interface{}, idx int) (*Token, error) {
	if len(parts) <= idx {
		return nil, fmt.Errorf("%w: missing token payload", ErrUnavailable)
	}
	data := scriptBytes(parts[idx])
	if data == nil {
		return nil, fmt.Errorf("%w: invalid token payload", ErrUnavailable)
	}
	return decodeRecord(data)
}

func scriptBytes(v interface{}) []byte {
	switch b := v.(type) {
	case string:
		return []byte(b)
	case []byte:
		return b
	default:
		return nil
	}
}

// Revoke marks a single token revoked. Reports whether a record existed.
func (s *RedisStore) Revoke(ctx context.Context, hash [32]byte, now time.Time) (bool, error) {
	found, err := revokeLua.Run(
		ctx,
		s.redis,
		[]string{s.tokenKey(hex.EncodeToString(hash[:]))},
		now.Unix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return found == 1, nil
}

// RevokeFamily revokes every token in the family and returns how many flipped.
func (s *RedisStore) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	return s.revokeSet(ctx, s.familyKey(familyID), now)
}

// RevokeAllForUser revokes every token the user owns.
func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	return s.revokeSet(ctx, s.userKey(userID), now)
}

func (s *RedisStore) revokeSet(ctx context.Context, setKey string, now time.Time) (int, error) {
	n, err := revokeSetLua.Run(ctx, s.redis, []string{setKey}, now.Unix(), s.tokenPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// LiveForUser returns the user's live tokens, oldest first. Used by the
// issuance cap.
func (s *RedisStore) LiveForUser(ctx context.Context, userID string, now time.Time) ([]*Token, error) {
	hashes, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(hashes))
	for i, h := range hashes {
		cmds[i] = pipe.Get(ctx, s.tokenKey(h))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	live := make([]*Token, 0, len(hashes))
	for _, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, cmdErr)
		}
		tok, decErr := decodeRecord(data)
		if decErr != nil {
			return nil, decErr
		}
		if tok.Live(now) {
			live = append(live, tok)
		}
	}
	sortTokensByAge(live)
	return live, nil
}

// PurgeExpired scans for terminal records past the retention window and
// deletes them together with their index memberships. Safe to interleave
// with live traffic; every delete is idempotent.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	var (
		cursor uint64
		purged int
	)
	pattern := s.tokenPrefix() + "*"

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, key := range keys {
			data, getErr := s.redis.Get(ctx, key).Bytes()
			if getErr != nil {
				if errors.Is(getErr, redis.Nil) {
					continue
				}
				return purged, fmt.Errorf("%w: %v", ErrUnavailable, getErr)
			}
			tok, decErr := decodeRecord(data)
			if decErr != nil {
				continue
			}
			if !purgeable(tok, now, retention) {
				continue
			}
			_, delErr := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.familyKey(tok.FamilyID), tok.HashHex)
				pipe.SRem(ctx, s.userKey(tok.UserID), tok.HashHex)
				return nil
			})
			if delErr != nil {
				return purged, fmt.Errorf("%w: %v", ErrUnavailable, delErr)
			}
			purged++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return purged, nil
}

// purgeable implements the cleanup contract: terminal state (used or
// revoked), expired, and past the retention grace.
func purgeable(t *Token, now time.Time, retention time.Duration) bool {
	if !t.Used && !t.Revoked {
		return false
	}
	return now.After(t.ExpiresAt.Add(retention))
}

func sortTokensByAge(tokens []*Token) {
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
	})
}
