package service

import (
	"errors"
	"testing"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/authenticatortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterThenAuthenticate(t *testing.T) {
	h := newHarness(t)

	cred, registered := h.register(t, "alice@example.com", nil)
	assert.True(t, registered.Verified)
	assert.Equal(t, cred.ID, registered.CredentialID)
	assert.Equal(t, h.deriver.Address(testRPID, cred.UserHandle), registered.WalletAddress)

	result, err := h.authenticate("alice@example.com", cred)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, registered.WalletAddress, result.WalletAddress)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)

	session, err := h.auth.ValidateAccessToken(h.ctx, result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testRPID, session.RPID)
	assert.Equal(t, testOrigin, session.Origin)
	assert.Equal(t, "alice@example.com", session.Identifier)
	assert.Equal(t, registered.WalletAddress, session.Wallet)

	identity, err := h.registry.Lookup(h.ctx, testRPID, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, identity.Credentials, 1)
	assert.Equal(t, uint32(1), identity.Credentials[0].SignCount)
}

func TestAdditionalPasskeyRequiresSession(t *testing.T) {
	h := newHarness(t)
	cred, registered := h.register(t, "alice@example.com", nil)

	_, err := h.ceremonies.BeginRegistration(h.ctx, h.request("alice@example.com"))
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
	assert.ErrorIs(t, err, core.ErrNotAuthorized)

	session := h.login(t, "alice@example.com", cred)
	second, result := h.register(t, "alice@example.com", session)
	assert.Equal(t, registered.WalletAddress, result.WalletAddress)
	assert.NotEqual(t, cred.ID, second.ID)

	identity, err := h.registry.Lookup(h.ctx, testRPID, "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, identity.Credentials, 2)
	require.NotNil(t, identity.WalletAddress)
	assert.Equal(t, registered.WalletAddress, *identity.WalletAddress)
}

func TestAuthenticateUnknownIdentity(t *testing.T) {
	h := newHarness(t)

	_, err := h.ceremonies.BeginAuthentication(h.ctx, h.request("nobody@example.com"))
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
	assert.ErrorIs(t, err, core.ErrUserNotFound)
}

func TestWrongOriginLeavesChallengeLive(t *testing.T) {
	h := newHarness(t)
	cred, _ := h.register(t, "alice@example.com", nil)

	options, err := h.ceremonies.BeginAuthentication(h.ctx, h.request("alice@example.com"))
	require.NoError(t, err)

	phishing := authenticatortest.New(testRPID, "https://wallet.example.com.evil.test")
	body, err := phishing.Assert(cred, options.Response.Challenge)
	require.NoError(t, err)
	_, err = h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), body)
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
	assert.ErrorIs(t, err, core.ErrOriginMismatch)

	body, err = h.authenticator.Assert(cred, options.Response.Challenge)
	require.NoError(t, err)
	result, err := h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), body)
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestChallengeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	cred, _ := h.register(t, "alice@example.com", nil)

	options, err := h.ceremonies.BeginAuthentication(h.ctx, h.request("alice@example.com"))
	require.NoError(t, err)
	body, err := h.authenticator.Assert(cred, options.Response.Challenge)
	require.NoError(t, err)

	_, err = h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), body)
	require.NoError(t, err)

	_, err = h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), body)
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestExpiredChallenge(t *testing.T) {
	h := newHarness(t)
	cred, _ := h.register(t, "alice@example.com", nil)

	options, err := h.ceremonies.BeginAuthentication(h.ctx, h.request("alice@example.com"))
	require.NoError(t, err)
	body, err := h.authenticator.Assert(cred, options.Response.Challenge)
	require.NoError(t, err)

	h.clock.Advance(6 * time.Minute)
	_, err = h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), body)
	assert.ErrorIs(t, err, core.ErrChallengeExpired)
}

func TestLatestAuthenticationChallengeWins(t *testing.T) {
	h := newHarness(t)
	cred, _ := h.register(t, "alice@example.com", nil)

	first, err := h.ceremonies.BeginAuthentication(h.ctx, h.request("alice@example.com"))
	require.NoError(t, err)
	second, err := h.ceremonies.BeginAuthentication(h.ctx, h.request("alice@example.com"))
	require.NoError(t, err)

	stale, err := h.authenticator.Assert(cred, first.Response.Challenge)
	require.NoError(t, err)
	_, err = h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), stale)
	assert.ErrorIs(t, err, core.ErrChallengeMismatch)

	fresh, err := h.authenticator.Assert(cred, second.Response.Challenge)
	require.NoError(t, err)
	_, err = h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), fresh)
	require.NoError(t, err)
}

func TestCounterRegressionIsFlagged(t *testing.T) {
	h := newHarness(t)
	cred, _ := h.register(t, "alice@example.com", nil)

	cred.Counter = 6
	_, err := h.authenticate("alice@example.com", cred)
	require.NoError(t, err)

	cred.Counter = 4
	_, err = h.authenticate("alice@example.com", cred)
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
	assert.ErrorIs(t, err, core.ErrReplaySuspected)

	identity, err := h.registry.Lookup(h.ctx, testRPID, "alice@example.com")
	require.NoError(t, err)
	stored, ok := identity.Credential(cred.ID)
	require.True(t, ok)
	assert.Equal(t, uint32(7), stored.SignCount)
	assert.True(t, stored.Flagged)
	assert.Equal(t, float64(1), h.counter(t, "warden_ceremony_replay_suspected_total"))
}

func TestAuthenticatorWithoutCounter(t *testing.T) {
	h := newHarness(t)
	cred, _ := h.register(t, "alice@example.com", nil)
	cred.Step = 0

	for i := 0; i < 3; i++ {
		_, err := h.authenticate("alice@example.com", cred)
		require.NoError(t, err)
	}
}

func TestFailedFinishesBlockClient(t *testing.T) {
	h := newHarness(t)
	cred, _ := h.register(t, "alice@example.com", nil)

	// Finishing without a live challenge fails and counts every time.
	body, err := h.authenticator.Assert(cred, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), body)
		require.ErrorIs(t, err, core.ErrVerificationFailed, "attempt %d", i+1)
	}

	_, err = h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), body)
	var limited *core.RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, core.ActionAuthentication, limited.Action)
	assert.Equal(t, 15*time.Minute, limited.RetryAfter)

	// A correct ceremony is refused while blocked.
	_, err = h.ceremonies.BeginAuthentication(h.ctx, h.request("alice@example.com"))
	assert.ErrorIs(t, err, core.ErrRateLimited)

	h.clock.Advance(15 * time.Minute)
	_, err = h.ceremonies.FinishAuthentication(h.ctx, h.request("alice@example.com"), body)
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
	assert.NotErrorIs(t, err, core.ErrRateLimited)
}

func TestRejectsMalformedRequests(t *testing.T) {
	h := newHarness(t)

	req := h.request(" alice@example.com")
	_, err := h.ceremonies.BeginRegistration(h.ctx, req)
	assert.ErrorIs(t, err, core.ErrValidation)

	req = h.request("alice@example.com")
	req.Origin = "http://wallet.example.com"
	_, err = h.ceremonies.BeginAuthentication(h.ctx, req)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = h.ceremonies.FinishRegistration(h.ctx, h.request("alice@example.com"), []byte(`{"id":""}`))
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
	assert.ErrorIs(t, err, core.ErrValidation)
}
