package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRotated  int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusReuse    int64 = 3
	rotateStatusUnknown  int64 = 4
	rotateStatusExpired  int64 = 5
)

// rotateFamilyScript swaps the current secret digest of a family.
// KEYS[1] family hash, KEYS[2] consumed digest set.
// ARGV[1] presented digest, ARGV[2] next digest, ARGV[3] now (ms),
// ARGV[4] idle ttl (ms).
var rotateFamilyLua = redis.NewScript(`
local fam = KEYS[1]
local used = KEYS[2]
if redis.call("EXISTS", fam) == 0 then
  return {0}
end
local uid = redis.call("HGET", fam, "uid") or ""
local sid = redis.call("HGET", fam, "sid") or ""
if redis.call("HGET", fam, "revoked") == "1" then
  return {2, uid, sid}
end
local now = tonumber(ARGV[3])
local abs = tonumber(redis.call("HGET", fam, "abs") or "0")
if abs <= now then
  return {5, uid, sid}
end
local cur = redis.call("HGET", fam, "hash")
if cur == ARGV[1] then
  local ttl = tonumber(ARGV[4])
  if abs - now < ttl then
    ttl = abs - now
  end
  redis.call("HSET", fam, "hash", ARGV[2], "rot", ARGV[3])
  local gen = redis.call("HINCRBY", fam, "gen", 1)
  redis.call("SADD", used, ARGV[1])
  redis.call("PEXPIRE", fam, ttl)
  redis.call("PEXPIRE", used, ttl)
  return {1, uid, sid, gen, ttl}
end
if redis.call("SISMEMBER", used, ARGV[1]) == 1 then
  redis.call("HSET", fam, "revoked", "1")
  return {3, uid, sid}
end
return {4, uid, sid}
`)

// Family is the stored state of one refresh-token lineage.
type Family struct {
	ID         string
	UserID     string
	SessionID  string
	Scope      []string
	MFA        bool
	Generation int64
	Revoked    bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

type rotation struct {
	status    int64
	userID    string
	sessionID string
	gen       int64
	ttl       time.Duration
}

type familyStore struct {
	redis  redis.UniversalClient
	prefix string
}

func (s *familyStore) key(familyID string) string {
	return s.prefix + ":fam:" + familyID
}

func (s *familyStore) usedKey(familyID string) string {
	return s.prefix + ":famused:" + familyID
}

func (s *familyStore) create(ctx context.Context, f *Family, digest string, idle time.Duration) error {
	key := s.key(f.ID)
	ttl := idle
	if remaining := f.ExpiresAt.Sub(f.CreatedAt); remaining < ttl {
		ttl = remaining
	}
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"uid":     f.UserID,
			"sid":     f.SessionID,
			"scope":   strings.Join(f.Scope, " "),
			"mfa":     boolString(f.MFA),
			"hash":    digest,
			"gen":     1,
			"revoked": "0",
			"created": f.CreatedAt.UnixMilli(),
			"abs":     f.ExpiresAt.UnixMilli(),
		})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *familyStore) rotate(ctx context.Context, familyID, presented, next string, now time.Time, idle time.Duration) (rotation, error) {
	res, err := rotateFamilyLua.Run(ctx, s.redis,
		[]string{s.key(familyID), s.usedKey(familyID)},
		presented, next, now.UnixMilli(), idle.Milliseconds(),
	).Slice()
	if err != nil {
		return rotation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) == 0 {
		return rotation{}, fmt.Errorf("%w: empty script reply", ErrUnavailable)
	}

	var r rotation
	r.status, _ = res[0].(int64)
	if len(res) >= 3 {
		r.userID, _ = res[1].(string)
		r.sessionID, _ = res[2].(string)
	}
	if len(res) >= 5 {
		r.gen, _ = res[3].(int64)
		ttl, _ := res[4].(int64)
		r.ttl = time.Duration(ttl) * time.Millisecond
	}
	return r, nil
}

func (s *familyStore) get(ctx context.Context, familyID string) (*Family, error) {
	m, err := s.redis.HGetAll(ctx, s.key(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(m) == 0 {
		return nil, ErrInvalid
	}
	f := &Family{
		ID:        familyID,
		UserID:    m["uid"],
		SessionID: m["sid"],
		MFA:       m["mfa"] == "1",
		Revoked:   m["revoked"] == "1",
	}
	if m["scope"] != "" {
		f.Scope = strings.Fields(m["scope"])
	}
	f.Generation, _ = strconv.ParseInt(m["gen"], 10, 64)
	if ms, err := strconv.ParseInt(m["created"], 10, 64); err == nil {
		f.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(m["abs"], 10, 64); err == nil {
		f.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return f, nil
}

// markRevoked flags the family. Missing families are ignored.
func (s *familyStore) markRevoked(ctx context.Context, familyID string) error {
	if err := markRevokedLua.Run(ctx, s.redis, []string{s.key(familyID)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

var markRevokedLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "revoked", "1")
  return 1
end
return 0
`)

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
