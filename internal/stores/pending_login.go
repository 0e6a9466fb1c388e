package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/johnnydxm/dwayauth/internal"
	"github.com/redis/go-redis/v9"
)

const pendingLoginRecordVersion = 1

var (
	ErrPendingLoginNotFound = errors.New("pending mfa login not found")
	ErrPendingLoginExpired  = errors.New("pending mfa login expired")
	ErrPendingLoginExceeded = errors.New("pending mfa login attempts exceeded")
	ErrPendingLoginBackend  = errors.New("pending mfa login backend unavailable")
)

// PendingLogin is the state kept between a password check that requires
// MFA and the matching completion call.
type PendingLogin struct {
	UserID            string
	IP                string
	UserAgent         string
	DeviceFingerprint string
	RiskScore         uint8
	Attempts          uint16
	ExpiresAt         time.Time
}

// PendingLoginStore keeps pending MFA logins. The reference handed to the
// client is random; Redis only sees its digest.
type PendingLoginStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewPendingLoginStore creates a PendingLoginStore. now may be nil.
func NewPendingLoginStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *PendingLoginStore {
	if prefix == "" {
		prefix = "apl"
	}
	if now == nil {
		now = time.Now
	}
	return &PendingLoginStore{redis: redisClient, prefix: prefix, now: now}
}

func (s *PendingLoginStore) key(ref string) string {
	return s.prefix + ":" + internal.HashSecret([]byte(ref))
}

// Create stores record and returns a fresh reference for it.
func (s *PendingLoginStore) Create(ctx context.Context, record *PendingLogin, ttl time.Duration) (string, error) {
	ref, err := internal.NewHexToken(32)
	if err != nil {
		return "", err
	}
	record.ExpiresAt = s.now().Add(ttl)
	encoded, err := encodePendingLogin(record)
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, s.key(ref), encoded, ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}
	return ref, nil
}

// Get loads the pending login behind ref.
func (s *PendingLoginStore) Get(ctx context.Context, ref string) (*PendingLogin, error) {
	if ref == "" {
		return nil, ErrPendingLoginNotFound
	}
	data, err := s.redis.Get(ctx, s.key(ref)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingLoginNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}

	record, err := decodePendingLogin(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}
	if !s.now().Before(record.ExpiresAt) {
		_, _ = s.redis.Del(ctx, s.key(ref)).Result()
		return nil, ErrPendingLoginExpired
	}
	return record, nil
}

// Consume deletes ref. Exactly one concurrent caller gets true.
func (s *PendingLoginStore) Consume(ctx context.Context, ref string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(ref)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}
	return n > 0, nil
}

// CountResend records one challenge resend for ref and returns how many
// have been recorded. The counter expires with the pending login.
func (s *PendingLoginStore) CountResend(ctx context.Context, ref string, expiresAt time.Time) (int, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return 0, ErrPendingLoginExpired
	}
	key := s.key(ref) + ":resends"
	var incr *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}
	return int(incr.Val()), nil
}

// releaseClaimLua deletes a claim only while it still holds the caller's
// token.
var releaseClaimLua = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claim marks ref as having a completion in flight. While the claim is held
// no other caller can claim ref, so at most one second factor is verified
// per pending login at a time. The returned release func is nil when ok is
// false. ttl bounds how long a crashed holder blocks the ref.
func (s *PendingLoginStore) Claim(ctx context.Context, ref string, ttl time.Duration) (release func(), ok bool, err error) {
	token, err := internal.NewHexToken(16)
	if err != nil {
		return nil, false, err
	}
	key := s.key(ref) + ":claim"
	ok, err = s.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
	}
	if !ok {
		return nil, false, nil
	}
	release = func() {
		// Detached so a cancelled request still frees the ref.
		_ = releaseClaimLua.Run(context.WithoutCancel(ctx), s.redis, []string{key}, token).Err()
	}
	return release, true, nil
}

// RecordFailure counts a failed completion attempt. It returns true, and
// deletes the record, once maxAttempts is reached.
func (s *PendingLoginStore) RecordFailure(ctx context.Context, ref string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(ref)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodePendingLogin(data)
			if err != nil {
				return err
			}

			ttl := record.ExpiresAt.Sub(s.now())
			record.Attempts++
			if int(record.Attempts) >= maxAttempts || ttl <= 0 {
				exceeded = int(record.Attempts) >= maxAttempts
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				if !exceeded {
					return ErrPendingLoginExpired
				}
				return nil
			}

			updated, err := encodePendingLogin(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, redis.KeepTTL)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return false, ErrPendingLoginNotFound
			case errors.Is(err, ErrPendingLoginExpired):
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrPendingLoginBackend, err)
		}
		return exceeded, nil
	}
	return false, ErrPendingLoginNotFound
}

func encodePendingLogin(record *PendingLogin) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(pendingLoginRecordVersion)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt.UnixMilli()); err != nil {
		return nil, err
	}
	buf.WriteByte(record.RiskScore)

	for _, field := range []string{record.UserID, record.IP, record.UserAgent, record.DeviceFingerprint} {
		if len(field) > 65535 {
			return nil, errors.New("pending login field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}
	return buf.Bytes(), nil
}

func decodePendingLogin(data []byte) (*PendingLogin, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingLoginRecordVersion {
		return nil, errors.New("invalid pending login version")
	}

	record := &PendingLogin{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	var expiresAt int64
	if err := binary.Read(reader, binary.BigEndian, &expiresAt); err != nil {
		return nil, err
	}
	record.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if record.RiskScore, err = reader.ReadByte(); err != nil {
		return nil, err
	}

	for _, dst := range []*string{&record.UserID, &record.IP, &record.UserAgent, &record.DeviceFingerprint} {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(reader, b); err != nil {
			return nil, err
		}
		*dst = string(b)
	}
	return record, nil
}
