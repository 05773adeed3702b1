package service

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/layer-3/warden/adapters/metrics"
	"github.com/layer-3/warden/adapters/registry"
	"github.com/layer-3/warden/adapters/store"
	"github.com/layer-3/warden/adapters/tokenizer"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/authenticatortest"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/eth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testRPID   = "wallet.example.com"
	testOrigin = "https://wallet.example.com"
	testClient = "198.51.100.7"
)

var (
	approvalRegistry = common.HexToAddress("0x00000000000000000000000000000000000a9900")
	createAccountID  = crypto.Keccak256([]byte("createAccount(bytes32,bytes32,uint256,uint256)"))[:4]
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishLogout(ctx context.Context, identifier string, tokenID string) error {
	return m.Called(ctx, identifier, tokenID).Error(0)
}

func (m *mockPublisher) PublishTransaction(ctx context.Context, event core.TransactionEvent) error {
	return m.Called(ctx, event).Error(0)
}

type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

// fakeLedger is an in-memory EVM node knowing the wallet, factory and
// approval registry calls the service makes.
type fakeLedger struct {
	mu        sync.Mutex
	deriver   eth.WalletDeriver
	deployed  map[common.Address]bool
	approvals map[common.Address]bool
	nonces    map[common.Address]int64
	decimals  map[common.Address]uint8
	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	held      map[common.Hash]*types.Receipt

	revert   string  // reason every simulated execution reverts with
	codeErrs []error // consumed one per CodeAt
	sendErrs []error // consumed one per SendTransaction
	status   uint64  // receipt status of mined transactions
	hold     bool    // keep receipts back until release
}

func newFakeLedger(deriver eth.WalletDeriver) *fakeLedger {
	return &fakeLedger{
		deriver:   deriver,
		deployed:  make(map[common.Address]bool),
		approvals: make(map[common.Address]bool),
		nonces:    make(map[common.Address]int64),
		decimals:  make(map[common.Address]uint8),
		receipts:  make(map[common.Hash]*types.Receipt),
		held:      make(map[common.Hash]*types.Receipt),
		status:    types.ReceiptStatusSuccessful,
	}
}

func word(n int64) []byte {
	return common.LeftPadBytes(big.NewInt(n).Bytes(), 32)
}

func (l *fakeLedger) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.codeErrs) > 0 {
		err := l.codeErrs[0]
		l.codeErrs = l.codeErrs[1:]
		return nil, err
	}
	if l.deployed[account] {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

func (l *fakeLedger) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	to := *msg.To
	switch {
	case bytes.Equal(msg.Data, eth.PackNonce()):
		return word(l.nonces[to]), nil
	case bytes.Equal(msg.Data, eth.PackDecimals()):
		decimals, ok := l.decimals[to]
		if !ok {
			return nil, nil
		}
		return word(int64(decimals)), nil
	case to == approvalRegistry && bytes.HasPrefix(msg.Data, eth.PackIsApproved(common.Address{})[:4]):
		if l.approvals[common.BytesToAddress(msg.Data[4:36])] {
			return word(1), nil
		}
		return word(0), nil
	}
	if l.revert != "" {
		return nil, rpcError{code: 3, msg: "execution reverted: " + l.revert}
	}
	return nil, nil
}

func (l *fakeLedger) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (l *fakeLedger) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.sent)), nil
}

func (l *fakeLedger) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (l *fakeLedger) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.sendErrs) > 0 {
		err := l.sendErrs[0]
		l.sendErrs = l.sendErrs[1:]
		return err
	}
	for _, sent := range l.sent {
		if sent.Hash() == tx.Hash() {
			return rpcError{code: -32000, msg: "already known"}
		}
	}
	l.sent = append(l.sent, tx)

	receipt := &types.Receipt{Status: l.status, TxHash: tx.Hash()}
	if l.status == types.ReceiptStatusSuccessful {
		switch {
		case *tx.To() == approvalRegistry && bytes.HasPrefix(tx.Data(), eth.PackApprove(common.Address{})[:4]):
			l.approvals[common.BytesToAddress(tx.Data()[4:36])] = true
		case *tx.To() == l.deriver.Factory && bytes.HasPrefix(tx.Data(), createAccountID):
			wallet := crypto.CreateAddress2(l.deriver.Factory, [32]byte(tx.Data()[4:36]), l.deriver.InitCodeHash.Bytes())
			l.deployed[wallet] = true
		}
	}
	if l.hold {
		l.held[tx.Hash()] = receipt
	} else {
		l.receipts[tx.Hash()] = receipt
	}
	return nil
}

func (l *fakeLedger) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if receipt, ok := l.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

// release mines every held transaction.
func (l *fakeLedger) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for hash, receipt := range l.held {
		l.receipts[hash] = receipt
	}
	l.held = make(map[common.Hash]*types.Receipt)
	l.hold = false
}

func (l *fakeLedger) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLedger) lastSent() *types.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		return nil
	}
	return l.sent[len(l.sent)-1]
}

func (l *fakeLedger) sentAt(i int) *types.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent[i]
}

func (l *fakeLedger) isDeployed(wallet common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deployed[wallet]
}

func (l *fakeLedger) approve(wallet common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approvals[wallet] = true
}

func (l *fakeLedger) prepareWallet(wallet common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deployed[wallet] = true
	l.approvals[wallet] = true
}

type harness struct {
	ctx   context.Context
	clock *clock

	challenges *store.MemoryChallengeStore
	limiter    *store.MemoryRateLimiter
	registry   *registry.SQLiteRegistry
	pending    *store.MemoryPendingStore
	ledger     *fakeLedger
	redis      *miniredis.Miniredis
	events     *mockPublisher
	metrics    *metrics.Collector
	prom       *prometheus.Registry
	deriver    eth.WalletDeriver

	auth         *AuthService
	ceremonies   *CeremonyService
	approvals    *ApprovalGate
	pipeline     *SubmissionPipeline
	transactions *TransactionService

	authenticator *authenticatortest.Authenticator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	c := &clock{now: time.Now()}
	logger := zap.NewNop()

	rps, err := config.NewRelyingParties([]config.RelyingPartyEntry{{Origin: testOrigin}}, false)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg, err := registry.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	relayerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	sessions := config.Sessions{
		ChallengeTTL: 5 * time.Minute,
		AccessTTL:    5 * time.Minute,
		RefreshTTL:   time.Hour,
		PendingTTL:   time.Hour,
	}
	policy := config.Ledger{
		ChainID:          1337,
		ApprovalRegistry: approvalRegistry.Hex(),
		DomainName:       "PasskeyWallet",
		DomainVersion:    "1",
		OperationTTL:     10 * time.Minute,
		PollInterval:     time.Millisecond,
		PollAttempts:     3,
		SendAttempts:     3,
		SendBackoff:      time.Millisecond,
		GasMultiplier:    1.2,
	}

	events := &mockPublisher{}
	events.On("PublishTransaction", mock.Anything, mock.Anything).Return(nil).Maybe()
	events.On("PublishLogout", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	deriver := eth.NewWalletDeriver("0x4e59b44847b379578588920ca78fbf26c0b4956c", "0x"+strings.Repeat("cd", 32))
	h := &harness{
		ctx:        context.Background(),
		clock:      c,
		challenges: store.NewMemoryChallengeStore().WithClock(c.Now),
		limiter: store.NewMemoryRateLimiter(config.RateLimit{
			Threshold: 5,
			Window:    time.Minute,
			Block:     15 * time.Minute,
		}).WithClock(c.Now),
		registry:      reg,
		pending:       store.NewMemoryPendingStore(),
		ledger:        newFakeLedger(deriver),
		redis:         mr,
		events:        events,
		prom:          prometheus.NewRegistry(),
		deriver:       deriver,
		authenticator: authenticatortest.New(testRPID, testOrigin),
	}

	h.metrics = metrics.NewCollector(h.prom)
	relayer := eth.NewRelayerFromKey(relayerKey, big.NewInt(policy.ChainID))
	h.auth = NewAuthService(tokenizer.NewJWTTokenizer(signKey), store.NewRedisStore(client), events, sessions, logger)
	h.ceremonies = NewCeremonyService(rps, h.challenges, reg, h.limiter, h.auth, h.deriver, sessions, h.metrics, logger)
	admins := []config.Admin{{RPID: testRPID, Identifier: "root@example.com"}}
	h.approvals = NewApprovalGate(h.ledger, relayer, policy, reg, rps, admins, logger)
	binder := NewTransactionBinder(h.ceremonies, h.approvals, h.ledger, relayer, policy, reg, h.pending, sessions, logger)
	h.pipeline = NewSubmissionPipeline(h.ledger, relayer, policy, h.deriver, h.pending, reg, events, sessions, h.metrics, logger)
	h.transactions = NewTransactionService(h.ceremonies, binder, h.pipeline, h.pending, h.metrics, logger)
	return h
}

// counter sums every series of a counter family.
func (h *harness) counter(t *testing.T, name string) float64 {
	t.Helper()

	families, err := h.prom.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func (h *harness) request(identifier string) CeremonyRequest {
	return CeremonyRequest{Client: testClient, Origin: testOrigin, Identifier: identifier}
}

// register runs a full registration ceremony for identifier.
func (h *harness) register(t *testing.T, identifier string, session *core.Session) (*authenticatortest.Credential, RegistrationResult) {
	t.Helper()

	req := h.request(identifier)
	req.Session = session
	creation, err := h.ceremonies.BeginRegistration(h.ctx, req)
	require.NoError(t, err)
	handle, ok := creation.Response.User.ID.(protocol.URLEncodedBase64)
	require.True(t, ok)

	cred, body, err := h.authenticator.Register(creation.Response.Challenge, handle)
	require.NoError(t, err)
	result, err := h.ceremonies.FinishRegistration(h.ctx, req, body)
	require.NoError(t, err)
	return cred, result
}

// authenticate runs an authentication ceremony signed by cred.
func (h *harness) authenticate(identifier string, cred *authenticatortest.Credential) (AuthenticationResult, error) {
	options, err := h.ceremonies.BeginAuthentication(h.ctx, h.request(identifier))
	if err != nil {
		return AuthenticationResult{}, err
	}
	body, err := h.authenticator.Assert(cred, options.Response.Challenge)
	if err != nil {
		return AuthenticationResult{}, err
	}
	return h.ceremonies.FinishAuthentication(h.ctx, h.request(identifier), body)
}

// login authenticates and returns the resulting session.
func (h *harness) login(t *testing.T, identifier string, cred *authenticatortest.Credential) *core.Session {
	t.Helper()

	result, err := h.authenticate(identifier, cred)
	require.NoError(t, err)
	session, err := h.auth.ValidateAccessToken(h.ctx, result.Tokens.AccessToken)
	require.NoError(t, err)
	return session
}

// onboard registers identifier, logs in and readies its wallet on the ledger.
func (h *harness) onboard(t *testing.T, identifier string) (*authenticatortest.Credential, *core.Session) {
	t.Helper()

	cred, result := h.register(t, identifier, nil)
	h.ledger.prepareWallet(result.WalletAddress)
	return cred, h.login(t, identifier, cred)
}

func (h *harness) prepare(t *testing.T, session *core.Session, kind core.OperationKind, params string) *Prepared {
	t.Helper()

	prepared, err := h.transactions.Prepare(h.ctx, PrepareRequest{
		Client:  testClient,
		Session: session,
		Kind:    kind,
		Params:  []byte(params),
	})
	require.NoError(t, err)
	return prepared
}

// sign answers the signing ceremony of prepared with cred.
func (h *harness) sign(t *testing.T, cred *authenticatortest.Credential, prepared *Prepared) []byte {
	t.Helper()

	body, err := h.authenticator.Assert(cred, prepared.Options.Response.Challenge)
	require.NoError(t, err)
	return body
}
