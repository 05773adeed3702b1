package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// RegistrySuite runs the same contract against every registry backend.
type RegistrySuite struct {
	suite.Suite

	open     func(ctx context.Context) (ports.CredentialRegistry, func() error, error)
	registry ports.CredentialRegistry
	close    func() error
	ctx      context.Context
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	registry, closeFn, err := s.open(s.ctx)
	s.Require().NoError(err)
	s.registry = registry
	s.close = closeFn
}

func (s *RegistrySuite) TearDownTest() {
	s.Require().NoError(s.close())
}

func credential(id string, counter uint32) core.Credential {
	return core.Credential{
		ID:              []byte(id),
		PublicKey:       []byte("cose-" + id),
		SignCount:       counter,
		Transports:      []string{"internal", "hybrid"},
		AAGUID:          make([]byte, 16),
		AttestationType: "none",
		UserPresent:     true,
		UserVerified:    true,
		BackupEligible:  true,
	}
}

func (s *RegistrySuite) register(identifier, credentialID string, counter uint32) {
	s.Require().NoError(s.registry.Register(s.ctx, "example.com", identifier, []byte("handle-"+identifier), credential(credentialID, counter)))
}

func (s *RegistrySuite) TestRegisterAndLookup() {
	s.register("alice", "cred-1", 0)

	identity, err := s.registry.Lookup(s.ctx, "example.com", "alice")
	s.Require().NoError(err)
	s.Equal([]byte("handle-alice"), identity.UserHandle)
	s.Nil(identity.WalletAddress)
	s.Require().Len(identity.Credentials, 1)

	cred := identity.Credentials[0]
	s.Equal([]byte("cred-1"), cred.ID)
	s.Equal([]byte("cose-cred-1"), cred.PublicKey)
	s.Equal([]string{"internal", "hybrid"}, cred.Transports)
	s.True(cred.BackupEligible)
	s.False(cred.BackupState)
	s.False(cred.Flagged)

	_, err = s.registry.Lookup(s.ctx, "example.com", "bob")
	s.ErrorIs(err, core.ErrUserNotFound)

	_, err = s.registry.Lookup(s.ctx, "other.example", "alice")
	s.ErrorIs(err, core.ErrUserNotFound)
}

func (s *RegistrySuite) TestRegisterSecondCredential() {
	s.register("alice", "cred-1", 0)
	s.register("alice", "cred-2", 0)

	identity, err := s.registry.Lookup(s.ctx, "example.com", "alice")
	s.Require().NoError(err)
	s.Len(identity.Credentials, 2)

	_, ok := identity.Credential([]byte("cred-2"))
	s.True(ok)
}

func (s *RegistrySuite) TestRegisterRejectsDuplicateCredential() {
	s.register("alice", "cred-1", 0)

	err := s.registry.Register(s.ctx, "example.com", "bob", []byte("handle-bob"), credential("cred-1", 0))
	s.ErrorIs(err, core.ErrDuplicateCredential)

	// the failed registration must not leave bob behind
	_, err = s.registry.Lookup(s.ctx, "example.com", "bob")
	s.ErrorIs(err, core.ErrUserNotFound)

	// the same credential id under another RP is a different credential
	s.NoError(s.registry.Register(s.ctx, "other.example", "alice", []byte("handle-alice"), credential("cred-1", 0)))
}

func (s *RegistrySuite) TestRegisterRejectsForeignUserHandle() {
	s.register("alice", "cred-1", 0)

	err := s.registry.Register(s.ctx, "example.com", "alice", []byte("someone-else"), credential("cred-2", 0))
	s.ErrorIs(err, core.ErrValidation)
}

func (s *RegistrySuite) TestUpdateCounterIsMonotonic() {
	s.register("alice", "cred-1", 5)

	s.ErrorIs(s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 5), core.ErrReplaySuspected)
	s.ErrorIs(s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 4), core.ErrReplaySuspected)
	s.NoError(s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 6))
	s.ErrorIs(s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 6), core.ErrReplaySuspected)

	identity, err := s.registry.Lookup(s.ctx, "example.com", "alice")
	s.Require().NoError(err)
	s.Equal(uint32(6), identity.Credentials[0].SignCount)
}

func (s *RegistrySuite) TestUpdateCounterAllowsZeroForCounterlessAuthenticators() {
	s.register("alice", "cred-1", 0)

	s.NoError(s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 0))
	s.NoError(s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 0))
	s.NoError(s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 3))
	s.ErrorIs(s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 0), core.ErrReplaySuspected)
}

func (s *RegistrySuite) TestUpdateCounterUnknownCredential() {
	s.ErrorIs(s.registry.UpdateCounter(s.ctx, "example.com", []byte("nope"), 1), core.ErrCredentialNotFound)
}

func (s *RegistrySuite) TestConcurrentCounterUpdatesAcceptOne() {
	s.register("alice", "cred-1", 1)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.registry.UpdateCounter(s.ctx, "example.com", []byte("cred-1"), 2); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), accepted.Load())
}

func (s *RegistrySuite) TestFlagCredential() {
	s.register("alice", "cred-1", 0)

	s.Require().NoError(s.registry.FlagCredential(s.ctx, "example.com", []byte("cred-1")))

	identity, err := s.registry.Lookup(s.ctx, "example.com", "alice")
	s.Require().NoError(err)
	s.True(identity.Credentials[0].Flagged)

	s.ErrorIs(s.registry.FlagCredential(s.ctx, "example.com", []byte("nope")), core.ErrCredentialNotFound)
}

func (s *RegistrySuite) TestAssignWalletOnce() {
	s.register("alice", "cred-1", 0)
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	s.Require().NoError(s.registry.AssignWallet(s.ctx, "example.com", "alice", wallet))
	s.NoError(s.registry.AssignWallet(s.ctx, "example.com", "alice", wallet))
	s.ErrorIs(s.registry.AssignWallet(s.ctx, "example.com", "alice", common.HexToAddress("0xbb")), core.ErrWalletAssigned)
	s.ErrorIs(s.registry.AssignWallet(s.ctx, "example.com", "bob", wallet), core.ErrUserNotFound)

	identity, err := s.registry.Lookup(s.ctx, "example.com", "alice")
	s.Require().NoError(err)
	s.Require().NotNil(identity.WalletAddress)
	s.Equal(wallet, *identity.WalletAddress)
}

func (s *RegistrySuite) TestRemoveKeepsLastCredential() {
	s.register("alice", "cred-1", 0)

	s.ErrorIs(s.registry.Remove(s.ctx, "example.com", []byte("cred-1")), core.ErrLastCredential)

	s.register("alice", "cred-2", 0)
	s.Require().NoError(s.registry.Remove(s.ctx, "example.com", []byte("cred-1")))

	identity, err := s.registry.Lookup(s.ctx, "example.com", "alice")
	s.Require().NoError(err)
	s.Require().Len(identity.Credentials, 1)
	s.Equal([]byte("cred-2"), identity.Credentials[0].ID)

	s.ErrorIs(s.registry.Remove(s.ctx, "example.com", []byte("cred-1")), core.ErrCredentialNotFound)
}

func (s *RegistrySuite) TestFindByCredentialID() {
	s.register("alice", "cred-1", 0)

	identity, err := s.registry.FindByCredentialID(s.ctx, "example.com", []byte("cred-1"))
	s.Require().NoError(err)
	s.Equal("alice", identity.Identifier)

	_, err = s.registry.FindByCredentialID(s.ctx, "example.com", []byte("nope"))
	s.ErrorIs(err, core.ErrCredentialNotFound)
}

func TestSQLiteRegistry(t *testing.T) {
	suite.Run(t, &RegistrySuite{
		open: func(ctx context.Context) (ports.CredentialRegistry, func() error, error) {
			registry, err := OpenSQLite(":memory:")
			if err != nil {
				return nil, nil, err
			}
			return registry, registry.Close, nil
		},
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	registry, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer registry.Close()

	require.NoError(t, registry.migrate())

	var applied int
	require.NoError(t, registry.db.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&applied))
	require.Equal(t, 1, applied)
}

func TestExtractUp(t *testing.T) {
	require.Equal(t, "\nCREATE TABLE a (x INT);\n", extractUp("-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;\n"))
	require.Equal(t, "SELECT 1;", extractUp("SELECT 1;"))
}
