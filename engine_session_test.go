package dwayauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/johnnydxm/dwayauth/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshRotatesAndKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	h.activeUser(t)
	ctx := context.Background()
	auth := h.login(t, homeRC)

	h.clk.Advance(25 * time.Minute)
	pair, err := h.engine.RefreshTokens(ctx, auth.Tokens.RefreshToken, homeRC)
	require.NoError(t, err)
	assert.NotEqual(t, auth.Tokens.RefreshToken, pair.RefreshToken)
	assert.NotEqual(t, auth.Tokens.AccessToken, pair.AccessToken)

	claims, err := h.engine.ValidateAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.Session.ID, claims.SessionID)

	h.clk.Advance(25 * time.Minute)
	_, err = h.engine.ValidateSession(ctx, auth.SessionToken, homeRC)
	require.NoError(t, err, "refresh counts as session activity")

	_, err = h.engine.RefreshTokens(ctx, "garbage", homeRC)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefreshReuseRevokesFamilyAndSession(t *testing.T) {
	h := newHarness(t)
	h.activeUser(t)
	ctx := context.Background()
	auth := h.login(t, homeRC)

	pair, err := h.engine.RefreshTokens(ctx, auth.Tokens.RefreshToken, homeRC)
	require.NoError(t, err)

	_, err = h.engine.RefreshTokens(ctx, auth.Tokens.RefreshToken, phoneRC)
	require.ErrorIs(t, err, ErrTokenReuseDetected)

	_, err = h.engine.RefreshTokens(ctx, pair.RefreshToken, homeRC)
	require.ErrorIs(t, err, ErrSessionRevoked, "the legitimate successor dies with the family")
	_, err = h.engine.ValidateAccess(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = h.engine.ValidateSession(ctx, auth.SessionToken, homeRC)
	require.ErrorIs(t, err, ErrSessionRevoked)

	msg, ok := h.notes.Last(testEmail)
	require.True(t, ok)
	assert.Equal(t, notify.TemplateSecurityAlert, msg.Template)
	assert.Equal(t, phoneRC.IP, msg.Params["ip"])

	assert.Equal(t, uint64(1), h.engine.MetricsSnapshot().Counters[MetricRefreshReuseDetected])
	assert.Contains(t, h.auditTypes(), auditEventRefreshReuseDetected)
}

func TestConcurrentRefreshHasOneWinner(t *testing.T) {
	h := newHarness(t)
	h.activeUser(t)
	auth := h.login(t, homeRC)

	const callers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if _, err := h.engine.RefreshTokens(context.Background(), auth.Tokens.RefreshToken, homeRC); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestLogoutEndsOnlyThatSession(t *testing.T) {
	h := newHarness(t)
	h.activeUser(t)
	ctx := context.Background()
	home := h.login(t, homeRC)
	phone := h.login(t, phoneRC)

	require.NoError(t, h.engine.Logout(ctx, home.Tokens.AccessToken, homeRC, LogoutOptions{}))

	_, err := h.engine.ValidateAccess(ctx, home.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = h.engine.RefreshTokens(ctx, home.Tokens.RefreshToken, homeRC)
	require.ErrorIs(t, err, ErrSessionRevoked)

	_, err = h.engine.ValidateAccess(ctx, phone.Tokens.AccessToken)
	require.NoError(t, err)
	_, err = h.engine.ValidateSession(ctx, phone.SessionToken, phoneRC)
	require.NoError(t, err)

	require.ErrorIs(t, h.engine.Logout(ctx, home.Tokens.AccessToken, homeRC, LogoutOptions{}), ErrTokenInvalid)
}

func TestLogoutAllDevices(t *testing.T) {
	h := newHarness(t)
	h.activeUser(t)
	ctx := context.Background()
	home := h.login(t, homeRC)
	phone := h.login(t, phoneRC)

	h.clk.Advance(time.Second)
	require.NoError(t, h.engine.Logout(ctx, home.Tokens.AccessToken, homeRC, LogoutOptions{AllDevices: true}))

	for _, a := range []*Authenticated{home, phone} {
		_, err := h.engine.ValidateAccess(ctx, a.Tokens.AccessToken)
		require.ErrorIs(t, err, ErrTokenInvalid)
		_, err = h.engine.RefreshTokens(ctx, a.Tokens.RefreshToken, homeRC)
		require.ErrorIs(t, err, ErrSessionRevoked)
	}

	fresh := h.login(t, homeRC)
	_, err := h.engine.ValidateAccess(ctx, fresh.Tokens.AccessToken)
	require.NoError(t, err, "tokens issued after the sweep stay valid")
	assert.Contains(t, h.auditTypes(), auditEventLogoutAll)
}

func TestChangePasswordRevokesEverything(t *testing.T) {
	h := newHarness(t)
	uid := h.activeUser(t)
	ctx := context.Background()
	home := h.login(t, homeRC)
	phone := h.login(t, phoneRC)
	const next = "Fresh-Ledger-2027?"

	require.ErrorIs(t, h.engine.ChangePassword(ctx, uid, "Wrong-Password-1!", next, homeRC), ErrInvalidCredentials)
	require.ErrorIs(t, h.engine.ChangePassword(ctx, uid, testPassword, testPassword, homeRC), ErrWeakPassword)
	require.ErrorIs(t, h.engine.ChangePassword(ctx, uid, testPassword, "", homeRC), ErrValidation)

	h.clk.Advance(time.Second)
	require.NoError(t, h.engine.ChangePassword(ctx, uid, testPassword, next, homeRC))

	for _, a := range []*Authenticated{home, phone} {
		_, err := h.engine.ValidateAccess(ctx, a.Tokens.AccessToken)
		require.ErrorIs(t, err, ErrTokenInvalid)
		_, err = h.engine.ValidateSession(ctx, a.SessionToken, homeRC)
		require.ErrorIs(t, err, ErrSessionRevoked)
	}
	sessions, err := h.engine.ListSessions(ctx, uid, "")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	msg, ok := h.notes.Last(testEmail)
	require.True(t, ok)
	assert.Equal(t, notify.TemplatePasswordChanged, msg.Template)

	_, err = h.engine.Login(ctx, Credentials{Email: testEmail, Password: next}, homeRC)
	require.NoError(t, err)
	assert.NotEmpty(t, h.revs.ForUser(uid), "revocations are mirrored to the durable log")
}

func TestListAndRevokeSessions(t *testing.T) {
	h := newHarness(t)
	uid := h.activeUser(t)
	ctx := context.Background()
	home := h.login(t, homeRC)
	h.clk.Advance(time.Second)
	phone := h.login(t, phoneRC)

	sessions, err := h.engine.ListSessions(ctx, uid, home.Session.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, phone.Session.ID, sessions[0].ID, "newest first")
	assert.False(t, sessions[0].Current)
	assert.True(t, sessions[1].Current)
	assert.Equal(t, phoneRC.DeviceFingerprint, sessions[0].DeviceFingerprint)

	require.ErrorIs(t, h.engine.RevokeSession(ctx, "someone-else", phone.Session.ID, homeRC), ErrNotFound)
	require.NoError(t, h.engine.RevokeSession(ctx, uid, phone.Session.ID, homeRC))
	_, err = h.engine.ValidateAccess(ctx, phone.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)

	h.login(t, phoneRC)
	h.login(t, phoneRC)
	n, err := h.engine.RevokeAllSessions(ctx, uid, home.Session.ID, homeRC)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sessions, err = h.engine.ListSessions(ctx, uid, home.Session.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, home.Session.ID, sessions[0].ID)
	_, err = h.engine.ValidateAccess(ctx, home.Tokens.AccessToken)
	require.NoError(t, err, "the kept session's tokens stay valid")
}

func TestSessionDriftBlocksUnknownDeviceOnNewNetwork(t *testing.T) {
	h := newHarness(t)
	h.activeUser(t)
	ctx := context.Background()
	auth := h.login(t, homeRC)

	moved := homeRC
	moved.IP = "198.51.100.7"
	v, err := h.engine.ValidateSession(ctx, auth.SessionToken, moved)
	require.NoError(t, err, "a new network alone only warns")
	assert.NotEmpty(t, v.Alerts)

	hijack := RequestContext{IP: "192.0.2.99", UserAgent: homeRC.UserAgent, DeviceFingerprint: "fp-unknown"}
	_, err = h.engine.ValidateSession(ctx, auth.SessionToken, hijack)
	require.ErrorIs(t, err, ErrSessionRevoked)

	_, err = h.engine.ValidateAccess(ctx, auth.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = h.engine.RefreshTokens(ctx, auth.Tokens.RefreshToken, homeRC)
	require.ErrorIs(t, err, ErrSessionRevoked)

	types := h.auditTypes()
	assert.Contains(t, types, auditEventSessionDrift)
	assert.Contains(t, types, auditEventSessionBlocked)
}
