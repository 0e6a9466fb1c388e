package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashAndCompare(t *testing.T) {
	h := NewHasher(MinCost)

	hash, err := h.Hash("Corr3ct-Horse!")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$2a$10$"), hash)

	require.NoError(t, h.Compare(hash, "Corr3ct-Horse!"))
	require.ErrorIs(t, h.Compare(hash, "corr3ct-horse!"), ErrMismatch)
}

func TestHasherClampsCost(t *testing.T) {
	assert.Equal(t, MinCost, NewHasher(4).Cost())
	assert.Equal(t, DefaultCost, NewHasher(0).Cost())
	assert.Equal(t, bcrypt.MaxCost, NewHasher(99).Cost())
}

func TestNeedsUpgrade(t *testing.T) {
	low := NewHasher(MinCost)
	hash, err := low.Hash("Upgrade-Me-1")
	require.NoError(t, err)

	assert.False(t, low.NeedsUpgrade(hash))
	assert.True(t, NewHasher(11).NeedsUpgrade(hash))
	assert.True(t, low.NeedsUpgrade("not-a-hash"))
}

func TestCompareMalformedHash(t *testing.T) {
	err := NewHasher(MinCost).Compare("garbage", "whatever")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMismatch)
}

func TestPolicyCheck(t *testing.T) {
	p := DefaultPolicy()

	require.NoError(t, p.Check("Sup3r-Secret", "jane@example.com"))

	err := p.Check("short")
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Violations, "must be at least 8 characters")
	assert.Contains(t, pe.Violations, "must contain an uppercase letter")
	assert.Contains(t, pe.Violations, "must contain a digit")
	assert.Contains(t, pe.Violations, "must contain a symbol")
	assert.NotContains(t, pe.Violations, "must contain a lowercase letter")
}

func TestPolicyRejectsEmailLocalPart(t *testing.T) {
	err := DefaultPolicy().Check("Xjanedoe-99", "JaneDoe@example.com")
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"must not contain your email address"}, pe.Violations)
}

func TestPolicyRejectsOverlongPassword(t *testing.T) {
	err := DefaultPolicy().Check("Aa1!" + strings.Repeat("x", 80))
	var pe *PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Violations, "must be at most 72 bytes")
}
