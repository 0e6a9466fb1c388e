package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationKind names what a revocation entry targets.
type RevocationKind string

const (
	RevokeAccessToken RevocationKind = "jti"
	RevokeSession     RevocationKind = "session"
	RevokeFamily      RevocationKind = "family"
	RevokeUser        RevocationKind = "user"
)

// Revocation is one entry of the durable revocation log.
type Revocation struct {
	Kind      RevocationKind
	TargetID  string
	UserID    string
	Reason    string
	RevokedAt time.Time
	ExpiresAt time.Time
}

// RevocationLog mirrors revocations into durable storage for audit.
type RevocationLog interface {
	RecordRevocation(ctx context.Context, r Revocation) error
}

type revocationList struct {
	redis  redis.UniversalClient
	prefix string
}

func (l *revocationList) key(kind RevocationKind, id string) string {
	return l.prefix + ":rv:" + string(kind) + ":" + id
}

func (l *revocationList) add(ctx context.Context, kind RevocationKind, id string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := l.redis.Set(ctx, l.key(kind, id), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// check returns ErrRevoked when any entry matches claims.
func (l *revocationList) check(ctx context.Context, jti, sid, fid, uid string, issuedAt time.Time) error {
	keys := []string{l.key(RevokeAccessToken, jti), l.key(RevokeUser, uid)}
	if sid != "" {
		keys = append(keys, l.key(RevokeSession, sid))
	}
	if fid != "" {
		keys = append(keys, l.key(RevokeFamily, fid))
	}

	vals, err := l.redis.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		if i == 1 {
			// The user entry is a watermark: tokens issued before it are dead.
			s, _ := v.(string)
			cutoff, perr := strconv.ParseInt(s, 10, 64)
			if perr != nil || issuedAt.Unix() < cutoff {
				return ErrRevoked
			}
			continue
		}
		return ErrRevoked
	}
	return nil
}
