package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	gjwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedNow struct{ t time.Time }

func (f *fixedNow) now() time.Time { return f.t }

func newEdKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func newTestManager(t *testing.T, clk *fixedNow) (*Manager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv := newEdKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "dwaybank",
		Audience:      "dwaybank-api",
		Leeway:        5 * time.Second,
		Now:           clk.now,
	})
	require.NoError(t, err)
	return m, priv
}

func TestCreateAndParseAccess(t *testing.T) {
	clk := &fixedNow{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, clk)

	tok, issued, err := m.CreateAccess(Subject{UserID: "u1", SessionID: "s1", FamilyID: "f1", Scope: []string{"accounts:read"}, MFA: true})
	require.NoError(t, err)
	require.NotEmpty(t, issued.ID)
	assert.Equal(t, clk.t.Add(15*time.Minute), issued.ExpiresAt.Time)

	claims, err := m.ParseAccess(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "s1", claims.SID)
	assert.Equal(t, "f1", claims.FID)
	assert.Equal(t, []string{"accounts:read"}, claims.Scope)
	assert.True(t, claims.MFA)
	assert.Equal(t, issued.ID, claims.ID)
}

func TestParseAccessExpiryHonoursLeeway(t *testing.T) {
	clk := &fixedNow{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, clk)

	tok, _, err := m.CreateAccess(Subject{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	clk.t = clk.t.Add(15*time.Minute + 4*time.Second)
	_, err = m.ParseAccess(tok)
	require.NoError(t, err, "within skew tolerance")

	clk.t = clk.t.Add(2 * time.Second)
	_, err = m.ParseAccess(tok)
	require.ErrorIs(t, err, ErrExpired)
}

func TestParseAccessRejectsWrongAlgorithm(t *testing.T) {
	clk := &fixedNow{t: time.Now()}
	m, _ := newTestManager(t, clk)

	claims := AccessClaims{SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		ID:        "j1",
		Issuer:    "dwaybank",
		Audience:  gjwt.ClaimStrings{"dwaybank-api"},
		ExpiresAt: gjwt.NewNumericDate(clk.t.Add(time.Minute)),
	}}
	token, err := gjwt.NewWithClaims(gjwt.SigningMethodHS256, claims).SignedString([]byte("secret-secret-secret-secret-secret"))
	require.NoError(t, err)

	_, err = m.ParseAccess(token)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseAccessIssuerAndAudience(t *testing.T) {
	clk := &fixedNow{t: time.Now()}
	m, priv := newTestManager(t, clk)

	sign := func(iss, aud string) string {
		c := AccessClaims{SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
			Subject:   "u1",
			ID:        "j1",
			Issuer:    iss,
			Audience:  gjwt.ClaimStrings{aud},
			ExpiresAt: gjwt.NewNumericDate(clk.t.Add(time.Minute)),
			IssuedAt:  gjwt.NewNumericDate(clk.t),
		}}
		s, err := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, c).SignedString(priv)
		require.NoError(t, err)
		return s
	}

	_, err := m.ParseAccess(sign("dwaybank", "dwaybank-api"))
	require.NoError(t, err)
	_, err = m.ParseAccess(sign("other", "dwaybank-api"))
	require.ErrorIs(t, err, ErrInvalid)
	_, err = m.ParseAccess(sign("dwaybank", "other-api"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseAccessRejectsTamperedToken(t *testing.T) {
	clk := &fixedNow{t: time.Now()}
	m, _ := newTestManager(t, clk)
	tok, _, err := m.CreateAccess(Subject{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	tampered := tok[:len(tok)-2] + "AA"
	if tampered == tok {
		tampered = tok[:len(tok)-2] + "BB"
	}
	_, err = m.ParseAccess(tampered)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = m.ParseAccess("not.a.jwt")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestParseAccessUnknownKidFails(t *testing.T) {
	pub1, priv1 := newEdKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv1,
		PublicKey:     pub1,
		KeyID:         "k1",
		VerifyKeys:    map[string][]byte{"k1": pub1},
	})
	require.NoError(t, err)

	claims := AccessClaims{SID: "s1", RegisteredClaims: gjwt.RegisteredClaims{
		Subject:   "u1",
		ID:        "j1",
		ExpiresAt: gjwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok := gjwt.NewWithClaims(gjwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = "k2"
	bad, err := tok.SignedString(priv1)
	require.NoError(t, err)
	_, err = m.ParseAccess(bad)
	require.ErrorIs(t, err, ErrInvalid)

	good, _, err := m.CreateAccess(Subject{UserID: "u1"})
	require.NoError(t, err)
	_, err = m.ParseAccess(good)
	require.NoError(t, err)
}

func TestNewManagerValidation(t *testing.T) {
	pub, _ := newEdKeys(t)

	_, err := NewManager(Config{AccessTTL: 16 * time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	require.Error(t, err, "access TTL above 15 minutes")

	_, err = NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: []byte("short")})
	require.Error(t, err)

	_, err = NewManager(Config{AccessTTL: time.Minute, SigningMethod: "rs512"})
	require.Error(t, err)

	_, err = NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodHS256, PrivateKey: make([]byte, 32)})
	require.NoError(t, err)
}

func TestKeyRotationVerifiesPreviousKid(t *testing.T) {
	oldPub, oldPriv := newEdKeys(t)
	newPub, newPriv := newEdKeys(t)

	previous, err := NewManager(Config{
		AccessTTL: time.Minute, SigningMethod: MethodEd25519,
		PrivateKey: oldPriv, PublicKey: oldPub, KeyID: "2026-01",
	})
	require.NoError(t, err)
	oldTok, _, err := previous.CreateAccess(Subject{UserID: "u1"})
	require.NoError(t, err)

	current, err := NewManager(Config{
		AccessTTL: time.Minute, SigningMethod: MethodEd25519,
		PrivateKey: newPriv, KeyID: "2026-02",
		VerifyKeys: map[string][]byte{"2026-01": oldPub, "2026-02": newPub},
	})
	require.NoError(t, err)
	newTok, _, err := current.CreateAccess(Subject{UserID: "u1"})
	require.NoError(t, err)

	_, err = current.ParseAccess(oldTok)
	require.NoError(t, err)
	_, err = current.ParseAccess(newTok)
	require.NoError(t, err)
	_, err = previous.ParseAccess(newTok)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyOnlyManagerCannotSign(t *testing.T) {
	pub, _ := newEdKeys(t)
	m, err := NewManager(Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub})
	require.NoError(t, err)

	_, _, err = m.CreateAccess(Subject{UserID: "u1"})
	require.Error(t, err)

	_, err = NewManager(Config{
		AccessTTL: time.Minute, SigningMethod: MethodEd25519, PublicKey: pub,
		KeyID: "missing", VerifyKeys: map[string][]byte{"k1": pub},
	})
	require.Error(t, err)
}
