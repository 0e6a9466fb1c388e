package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound means no live session matches the token or id.
	ErrNotFound = errors.New("session not found")
	// ErrRevoked means the session exists but was revoked.
	ErrRevoked = errors.New("session revoked")
	// ErrExpired means the session reached its absolute or idle limit.
	ErrExpired = errors.New("session expired")
	// ErrRedisUnavailable wraps Redis failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

const maxUpdateRetries = 4

// Store is the Redis persistence layer for sessions.
//
// Layout: <prefix>:<id> holds the encoded session, <prefix>t:<tokenHash>
// maps a token digest to its session id, au:<user> indexes a user's
// sessions and asd:<user> remembers device fingerprints seen for the user.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a session Store backed by the given Redis client.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) tokenKey(tokenHash string) string {
	return s.prefix + "t:" + tokenHash
}

func (s *Store) userKey(userID string) string {
	return "au:" + userID
}

func (s *Store) devicesKey(userID string) string {
	return "asd:" + userID
}

func (s *Store) alertKey(sessionID string, alert Alert) string {
	return "ada:" + sessionID + ":" + string(alert)
}

// Save persists a new session, its token index and the user index.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.ID), data, ttl)
		pipe.Set(ctx, s.tokenKey(sess.TokenHash), sess.ID, ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a session by id. Missing sessions yield ErrNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return Decode(data)
}

// LookupToken resolves a token digest to its session id.
func (s *Store) LookupToken(ctx context.Context, tokenHash string) (string, error) {
	id, err := s.redis.Get(ctx, s.tokenKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return id, nil
}

// Update applies fn to the stored session under optimistic locking and
// keeps the key's TTL. fn may return an error to abort without writing.
func (s *Store) Update(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	key := s.key(sessionID)
	for i := 0; i < maxUpdateRetries; i++ {
		var updated *Session
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			sess, err := Decode(data)
			if err != nil {
				return err
			}
			if err := fn(sess); err != nil {
				return err
			}
			encoded, err := Encode(sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, redis.KeepTTL)
				return nil
			})
			if err == nil {
				updated = sess
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, s.mapErr(err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: too much contention on session %s", ErrRedisUnavailable, sessionID)
}

// SwapToken atomically moves a session from oldHash to newHash. The old
// token stops resolving in the same transaction.
func (s *Store) SwapToken(ctx context.Context, oldHash, newHash string, check func(*Session) error) (*Session, error) {
	oldKey := s.tokenKey(oldHash)
	for i := 0; i < maxUpdateRetries; i++ {
		var updated *Session
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			sessionID, err := tx.Get(ctx, oldKey).Result()
			if err != nil {
				return err
			}
			key := s.key(sessionID)
			if err := tx.Watch(ctx, key).Err(); err != nil {
				return err
			}
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			sess, err := Decode(data)
			if err != nil {
				return err
			}
			if err := check(sess); err != nil {
				return err
			}
			ttl, err := tx.PTTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return ErrExpired
			}
			sess.TokenHash = newHash
			encoded, err := Encode(sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, oldKey)
				pipe.Set(ctx, s.tokenKey(newHash), sess.ID, ttl)
				pipe.Set(ctx, key, encoded, redis.KeepTTL)
				return nil
			})
			if err == nil {
				updated = sess
			}
			return err
		}, oldKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, s.mapErr(err)
		}
		return updated, nil
	}
	return nil, ErrNotFound
}

// Tombstone rewrites a revoked session so it survives for retention, which
// lets validation report revocation instead of an unknown token. The user
// index entry is dropped.
func (s *Store) Tombstone(ctx context.Context, sess *Session, retention time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.ID), data, retention)
		pipe.Set(ctx, s.tokenKey(sess.TokenHash), sess.ID, retention)
		pipe.SRem(ctx, s.userKey(sess.UserID), sess.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// SessionIDs returns the ids indexed for userID.
func (s *Store) SessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// GetMany fetches sessions in one pipeline. Ids whose key vanished are
// removed from the user index and skipped.
func (s *Store) GetMany(ctx context.Context, userID string, sessionIDs []string) ([]*Session, error) {
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sid := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(sid))
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(sessionIDs))
	var stale []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, sessionIDs[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sessions = append(sessions, sess)
	}

	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return sessions, nil
}

// RememberDevice records fingerprint as seen for userID.
func (s *Store) RememberDevice(ctx context.Context, userID, fingerprint string, ttl time.Duration) error {
	if fingerprint == "" {
		return nil
	}
	key := s.devicesKey(userID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, fingerprint)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// KnownDevice reports whether fingerprint was seen for userID.
func (s *Store) KnownDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	ok, err := s.redis.SIsMember(ctx, s.devicesKey(userID), fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ok, nil
}

// ShouldEmitAlert returns true only for the first alert of a kind per
// session within window.
func (s *Store) ShouldEmitAlert(ctx context.Context, sessionID string, alert Alert, window time.Duration) (bool, error) {
	if window <= 0 {
		window = time.Minute
	}
	key := s.alertKey(sessionID, alert)

	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count == 1 {
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return true, nil
	}

	return false, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) mapErr(err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRevoked), errors.Is(err, ErrExpired), errors.Is(err, ErrRedisUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
}
