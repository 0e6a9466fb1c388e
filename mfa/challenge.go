package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnnydxm/dwayauth/internal"
	"github.com/redis/go-redis/v9"
)

type codeResult int

const (
	codeMissing codeResult = iota
	codeMatched
	codeMismatch
	codeExhausted
)

// verifyCodeLua compares a submitted digest with the stored one. A match
// deletes the challenge; a mismatch counts a try and deletes the challenge
// once the limit is reached.
var verifyCodeLua = redis.NewScript(`
local h = redis.call('HGET', KEYS[1], 'h')
if not h then
  return 0
end
if h == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
local tries = redis.call('HINCRBY', KEYS[1], 'tries', 1)
if tries >= tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return 3
end
return 2
`)

// challengeStore keeps outstanding one-time codes and biometric nonces in
// Redis. Codes are stored as digests; nonces are public by nature.
type challengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func (s *challengeStore) codeKey(configID string) string  { return s.prefix + ":c:" + configID }
func (s *challengeStore) nonceKey(configID string) string { return s.prefix + ":n:" + configID }

func (s *challengeStore) putCode(ctx context.Context, configID, code string, ttl time.Duration) error {
	key := s.codeKey(configID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "h", internal.HashSecret([]byte(code)), "tries", 0)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *challengeStore) checkCode(ctx context.Context, configID, code string, maxTries int) (codeResult, error) {
	res, err := verifyCodeLua.Run(ctx, s.redis, []string{s.codeKey(configID)},
		internal.HashSecret([]byte(code)), maxTries).Int()
	if err != nil {
		return codeMissing, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return codeResult(res), nil
}

func (s *challengeStore) putNonce(ctx context.Context, configID string, nonce []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.nonceKey(configID), nonce, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// takeNonce returns and deletes the outstanding nonce.
func (s *challengeStore) takeNonce(ctx context.Context, configID string) ([]byte, error) {
	nonce, err := s.redis.GetDel(ctx, s.nonceKey(configID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nonce, nil
}
