package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ID is a 128-bit random identifier.
type ID [16]byte

const (
	// SecretSize is the length of the secret half of an opaque token.
	SecretSize     = 32
	opaqueTokenRaw = len(ID{}) + SecretSize
)

// ErrMalformedToken is returned for opaque tokens that do not decode.
var ErrMalformedToken = errors.New("malformed token")

func NewID() (ID, error) {
	var id ID
	_, err := rand.Read(id[:])
	return id, err
}

func (id ID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseID(s string) (ID, error) {
	var id ID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid id size")
	}

	copy(id[:], raw)
	return id, nil
}

func NewSecret() ([SecretSize]byte, error) {
	var secret [SecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret returns the hex SHA-256 of secret. Only this digest is stored.
func HashSecret(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}

// EncodeOpaqueToken packs id and secret as base64url(id || secret).
func EncodeOpaqueToken(id string, secret [SecretSize]byte) (string, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return "", err
	}

	var raw [opaqueTokenRaw]byte
	copy(raw[:len(parsed)], parsed[:])
	copy(raw[len(parsed):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeOpaqueToken splits a token produced by EncodeOpaqueToken.
func DecodeOpaqueToken(token string) (string, [SecretSize]byte, error) {
	var secret [SecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != opaqueTokenRaw {
		return "", secret, ErrMalformedToken
	}

	var id ID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}

// NewOpaqueToken creates a fresh id, secret and encoded token.
func NewOpaqueToken() (id string, token string, secretHash string, err error) {
	rid, err := NewID()
	if err != nil {
		return "", "", "", err
	}
	secret, err := NewSecret()
	if err != nil {
		return "", "", "", err
	}
	token, err = EncodeOpaqueToken(rid.String(), secret)
	if err != nil {
		return "", "", "", err
	}
	return rid.String(), token, HashSecret(secret[:]), nil
}

// NewHexToken returns n random bytes hex encoded.
func NewHexToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewOTP returns a uniformly random numeric code.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
