package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.RateLimit.Threshold)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Block)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.ChallengeTTL)
	assert.Equal(t, int64(1337), cfg.Ledger.ChainID)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WARDEN_RATE_LIMIT_THRESHOLD", "3")
	t.Setenv("WARDEN_RATE_LIMIT_BLOCK", "1h")
	t.Setenv("WARDEN_CHALLENGE_TTL", "90s")
	t.Setenv("WARDEN_LEDGER_CHAIN_ID", "8453")
	t.Setenv("WARDEN_ADMIN_IDENTIFIERS", "example.com/root@example.com,example.com/ops@example.com")
	t.Setenv("WARDEN_TRUSTED_PROXIES", "10.0.0.0/8,192.0.2.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.RateLimit.Threshold)
	assert.Equal(t, time.Hour, cfg.RateLimit.Block)
	assert.Equal(t, 90*time.Second, cfg.Sessions.ChallengeTTL)
	assert.Equal(t, int64(8453), cfg.Ledger.ChainID)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.TrustedProxies)

	admins, err := cfg.Admins()
	require.NoError(t, err)
	assert.Equal(t, []Admin{
		{RPID: "example.com", Identifier: "root@example.com"},
		{RPID: "example.com", Identifier: "ops@example.com"},
	}, admins)
}

func TestLoadRejectsAdminWithoutRelyingParty(t *testing.T) {
	t.Setenv("WARDEN_ADMIN_IDENTIFIERS", "root@example.com")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaultsTrustNoProxy(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("WARDEN_RATE_LIMIT_THRESHOLD", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("WARDEN_DATABASE_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
}

func TestResolveFallsBackToHost(t *testing.T) {
	rps, err := NewRelyingParties(nil, false)
	require.NoError(t, err)

	rp, err := rps.Resolve("https://Wallet.Example.com")
	require.NoError(t, err)
	assert.Equal(t, "wallet.example.com", rp.ID)
	assert.Equal(t, "wallet.example.com", rp.Name)
	assert.Equal(t, "https://wallet.example.com", rp.Origin)
	assert.False(t, rp.Listed)
	assert.False(t, rps.Listed("wallet.example.com"))

	rp, err = rps.Resolve("http://localhost:3000")
	require.NoError(t, err)
	assert.Equal(t, "localhost", rp.ID)
	assert.Equal(t, "http://localhost:3000", rp.Origin)
}

func TestResolveRejectsMalformedOrigins(t *testing.T) {
	rps, err := NewRelyingParties(nil, false)
	require.NoError(t, err)

	for _, origin := range []string{
		"",
		"wallet.example.com",
		"http://wallet.example.com",
		"https://wallet.example.com/login",
		"https://user@wallet.example.com",
		"https://wallet.example.com?x=1",
		"ftp://wallet.example.com",
	} {
		_, err := rps.Resolve(origin)
		assert.ErrorIs(t, err, core.ErrValidation, origin)
	}
}

func TestLoadRelyingPartiesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relying_parties.yaml")
	content := `relying_parties:
  - origin: https://app.example.com
    rp_id: example.com
    name: Example Wallet
  - origin: https://admin.example.com
    rp_id: example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rps, err := LoadRelyingParties(path, true)
	require.NoError(t, err)

	rp, err := rps.Resolve("https://app.example.com")
	require.NoError(t, err)
	assert.Equal(t, core.RelyingParty{ID: "example.com", Name: "Example Wallet", Origin: "https://app.example.com", Listed: true}, rp)
	assert.True(t, rps.Listed("example.com"))
	assert.False(t, rps.Listed("evil.example.net"))

	rp, err = rps.Resolve("https://admin.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "example.com", rp.ID)
	assert.Equal(t, "example.com", rp.Name)

	_, err = rps.Resolve("https://evil.example.net")
	assert.ErrorIs(t, err, core.ErrOriginMismatch)
}

func TestNewRelyingPartiesRejectsForeignRPID(t *testing.T) {
	_, err := NewRelyingParties([]RelyingPartyEntry{{Origin: "https://app.example.com", RPID: "other.org"}}, false)
	require.Error(t, err)
}
