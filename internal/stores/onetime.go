package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/johnnydxm/dwayauth/internal"
	"github.com/redis/go-redis/v9"
)

const oneTimeRecordVersion = 1

var (
	ErrOneTimeNotFound         = errors.New("one-time token not found")
	ErrOneTimeSecretMismatch   = errors.New("one-time token secret mismatch")
	ErrOneTimeAttemptsExceeded = errors.New("one-time token attempts exceeded")
	ErrOneTimeRedisUnavailable = errors.New("one-time token redis unavailable")
)

// Purpose separates token namespaces. A token issued for one purpose never
// validates for another.
type Purpose byte

const (
	PurposeVerifyEmail   Purpose = 1
	PurposePasswordReset Purpose = 2
)

// consumeOneTimeLua atomically performs GET, validate, then DEL or SET on a
// record.
// KEYS[1] = record key
// ARGV[1] = provided hash (32 bytes)
// ARGV[2] = expected purpose (byte)
// ARGV[3] = max attempts
// ARGV[4] = current unix milliseconds
// ARGV[5] = "1" to keep a matching record instead of deleting it
//
// Returns the record bytes on success, or an error string: "not_found",
// "expired", "purpose_mismatch", "attempts_exceeded", "secret_mismatch".
var consumeOneTimeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local providedHash = ARGV[1]
local expectedPurpose = tonumber(ARGV[2])
local maxAttempts = tonumber(ARGV[3])
local nowMs = tonumber(ARGV[4])

-- version(1) purpose(1) attempts(2) expiresAt(8) userIDLen(2) userID hash(32)
local version = string.byte(data, 1)
if version ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local purpose = string.byte(data, 2)
local attempts = string.byte(data, 3) * 256 + string.byte(data, 4)

local expiresAt = 0
for _, b in ipairs({string.byte(data, 5, 12)}) do
  expiresAt = expiresAt * 256 + b
end

if nowMs > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

if purpose ~= expectedPurpose then
  return {err='purpose_mismatch'}
end

local userIDLen = string.byte(data, 13) * 256 + string.byte(data, 14)
local hashOffset = 15 + userIDLen
local storedHash = string.sub(data, hashOffset, hashOffset + 31)

if storedHash ~= providedHash then
  attempts = attempts + 1
  if attempts >= maxAttempts then
    redis.call('DEL', KEYS[1])
    return {err='attempts_exceeded'}
  end
  local newData = string.sub(data, 1, 2) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 5)
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs <= 0 then
    redis.call('DEL', KEYS[1])
    return {err='expired'}
  end
  redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  return {err='secret_mismatch'}
end

if ARGV[5] ~= "1" then
  redis.call('DEL', KEYS[1])
end
return data
`)

// OneTimeRecord is a stored one-time token.
type OneTimeRecord struct {
	UserID     string
	Purpose    Purpose
	SecretHash [32]byte
	ExpiresAt  time.Time
	Attempts   uint16
}

// OneTimeStore issues and consumes single-use tokens such as email
// verification and password reset links. A token is base64url(id || secret);
// the record is keyed by id and holds only the SHA-256 of the secret.
type OneTimeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewOneTimeStore creates a OneTimeStore. now may be nil.
func NewOneTimeStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *OneTimeStore {
	if prefix == "" {
		prefix = "aot"
	}
	if now == nil {
		now = time.Now
	}
	return &OneTimeStore{redis: redisClient, prefix: prefix, now: now}
}

func (s *OneTimeStore) key(purpose Purpose, id string) string {
	return fmt.Sprintf("%s:%d:%s", s.prefix, purpose, id)
}

// Issue stores a new token for userID and returns its plaintext form.
func (s *OneTimeStore) Issue(ctx context.Context, purpose Purpose, userID string, ttl time.Duration) (string, error) {
	id, err := internal.NewID()
	if err != nil {
		return "", err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return "", err
	}
	token, err := internal.EncodeOpaqueToken(id.String(), secret)
	if err != nil {
		return "", err
	}

	record := &OneTimeRecord{
		UserID:     userID,
		Purpose:    purpose,
		SecretHash: sha256.Sum256(secret[:]),
		ExpiresAt:  s.now().Add(ttl),
	}
	encoded, err := encodeOneTimeRecord(record)
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, s.key(purpose, id.String()), encoded, ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrOneTimeRedisUnavailable, err)
	}
	return token, nil
}

// Consume validates token for purpose and deletes it on success. Wrong
// secrets count towards maxAttempts, after which the record is destroyed.
func (s *OneTimeStore) Consume(ctx context.Context, purpose Purpose, token string, maxAttempts int) (*OneTimeRecord, error) {
	return s.run(ctx, purpose, token, maxAttempts, false)
}

// Peek validates token like Consume but leaves a matching record in place.
// Wrong secrets still count towards maxAttempts.
func (s *OneTimeStore) Peek(ctx context.Context, purpose Purpose, token string, maxAttempts int) (*OneTimeRecord, error) {
	return s.run(ctx, purpose, token, maxAttempts, true)
}

func (s *OneTimeStore) run(ctx context.Context, purpose Purpose, token string, maxAttempts int, keep bool) (*OneTimeRecord, error) {
	id, secret, err := internal.DecodeOpaqueToken(token)
	if err != nil {
		return nil, ErrOneTimeNotFound
	}
	provided := sha256.Sum256(secret[:])

	result, err := consumeOneTimeLua.Run(ctx, s.redis,
		[]string{s.key(purpose, id)},
		string(provided[:]),
		int(purpose),
		maxAttempts,
		s.now().UnixMilli(),
		keepFlag(keep),
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found", "expired":
			return nil, ErrOneTimeNotFound
		case "purpose_mismatch", "secret_mismatch":
			return nil, ErrOneTimeSecretMismatch
		case "attempts_exceeded":
			return nil, ErrOneTimeAttemptsExceeded
		}
		return nil, fmt.Errorf("%w: %v", ErrOneTimeRedisUnavailable, err)
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrOneTimeRedisUnavailable)
	}
	record, err := decodeOneTimeRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOneTimeRedisUnavailable, err)
	}
	// Lua string comparison is not constant time.
	if subtle.ConstantTimeCompare(record.SecretHash[:], provided[:]) != 1 {
		return nil, ErrOneTimeSecretMismatch
	}
	return record, nil
}

func keepFlag(keep bool) string {
	if keep {
		return "1"
	}
	return "0"
}

func encodeOneTimeRecord(record *OneTimeRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(oneTimeRecordVersion)
	buf.WriteByte(byte(record.Purpose))

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt.UnixMilli()); err != nil {
		return nil, err
	}
	if len(record.UserID) > 65535 {
		return nil, errors.New("one-time record user id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)
	buf.Write(record.SecretHash[:])
	return buf.Bytes(), nil
}

func decodeOneTimeRecord(data []byte) (*OneTimeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != oneTimeRecordVersion {
		return nil, errors.New("invalid one-time record version")
	}
	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record := &OneTimeRecord{Purpose: Purpose(purpose)}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	var expiresAt int64
	if err := binary.Read(reader, binary.BigEndian, &expiresAt); err != nil {
		return nil, err
	}
	record.ExpiresAt = time.UnixMilli(expiresAt).UTC()

	var userIDLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userIDLen); err != nil {
		return nil, err
	}
	userID := make([]byte, userIDLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	record.UserID = string(userID)

	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}
	return record, nil
}
