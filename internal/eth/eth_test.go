package eth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/layer-3/warden/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDomain = EIP712Domain{Name: "PasskeyWallet", Version: "1", ChainID: big.NewInt(1337)}
	testWallet = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func testOperation() core.Operation {
	return core.Operation{
		Kind:     core.OperationTransfer,
		Target:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:    big.NewInt(1_500_000),
		Data:     []byte{},
		Nonce:    big.NewInt(3),
		Deadline: 1_800_000_000,
	}
}

func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

// expectedHash recomputes the EIP-712 digest field by field.
func expectedHash(domain EIP712Domain, wallet common.Address, op core.Operation) common.Hash {
	domainType := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	separator := crypto.Keccak256(
		domainType,
		crypto.Keccak256([]byte(domain.Name)),
		crypto.Keccak256([]byte(domain.Version)),
		word(domain.ChainID),
		common.LeftPadBytes(wallet.Bytes(), 32),
	)

	kind, _ := op.Kind.Code()
	opType := crypto.Keccak256([]byte("WalletOperation(uint8 kind,address target,uint256 value,bytes data,uint256 nonce,uint256 deadline)"))
	structHash := crypto.Keccak256(
		opType,
		word(big.NewInt(int64(kind))),
		common.LeftPadBytes(op.Target.Bytes(), 32),
		word(op.Value),
		crypto.Keccak256(op.Data),
		word(op.Nonce),
		word(big.NewInt(op.Deadline)),
	)

	return crypto.Keccak256Hash([]byte{0x19, 0x01}, separator, structHash)
}

func TestHashOperationMatchesEIP712(t *testing.T) {
	op := testOperation()

	hash, typedData, err := HashOperation(testDomain, testWallet, op)
	require.NoError(t, err)
	assert.Equal(t, expectedHash(testDomain, testWallet, op), hash)
	assert.Equal(t, "WalletOperation", typedData.PrimaryType)
	assert.Equal(t, testWallet.Hex(), typedData.Domain.VerifyingContract)

	op.Kind = core.OperationInvoke
	op.Data = []byte{0xde, 0xad, 0xbe, 0xef}
	hash, _, err = HashOperation(testDomain, testWallet, op)
	require.NoError(t, err)
	assert.Equal(t, expectedHash(testDomain, testWallet, op), hash)
}

func TestHashOperationBindsEveryField(t *testing.T) {
	base, _, err := HashOperation(testDomain, testWallet, testOperation())
	require.NoError(t, err)

	mutations := map[string]func(*EIP712Domain, *common.Address, *core.Operation){
		"kind":     func(_ *EIP712Domain, _ *common.Address, op *core.Operation) { op.Kind = core.OperationInvoke },
		"target":   func(_ *EIP712Domain, _ *common.Address, op *core.Operation) { op.Target = common.HexToAddress("0x33") },
		"value":    func(_ *EIP712Domain, _ *common.Address, op *core.Operation) { op.Value = big.NewInt(1_500_001) },
		"data":     func(_ *EIP712Domain, _ *common.Address, op *core.Operation) { op.Data = []byte{1} },
		"nonce":    func(_ *EIP712Domain, _ *common.Address, op *core.Operation) { op.Nonce = big.NewInt(4) },
		"deadline": func(_ *EIP712Domain, _ *common.Address, op *core.Operation) { op.Deadline++ },
		"chain":    func(d *EIP712Domain, _ *common.Address, _ *core.Operation) { d.ChainID = big.NewInt(1) },
		"wallet":   func(_ *EIP712Domain, w *common.Address, _ *core.Operation) { *w = common.HexToAddress("0x44") },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			domain, wallet, op := testDomain, testWallet, testOperation()
			mutate(&domain, &wallet, &op)

			hash, _, err := HashOperation(domain, wallet, op)
			require.NoError(t, err)
			assert.NotEqual(t, base, hash)
		})
	}
}

func TestHashOperationRejectsUnknownKind(t *testing.T) {
	op := testOperation()
	op.Kind = "mint"

	_, _, err := HashOperation(testDomain, testWallet, op)
	assert.ErrorIs(t, err, core.ErrUnsupportedOperation)
}

func TestNewAuthorizationNormalizesS(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := crypto.Keccak256([]byte("payload"))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	require.NoError(t, err)

	low := new(big.Int).Set(s)
	if low.Cmp(p256HalfN) > 0 {
		low.Sub(p256N, low)
	}
	high := new(big.Int).Sub(p256N, low)

	for _, candidate := range []*big.Int{low, high} {
		der, err := asn1.Marshal(ecdsaSignature{R: r, S: candidate})
		require.NoError(t, err)

		auth, err := NewAuthorization(core.Assertion{
			CredentialID:      []byte("cred"),
			AuthenticatorData: []byte("auth-data"),
			ClientDataJSON:    []byte(`{"type":"webauthn.get"}`),
			Signature:         der,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, auth.R.Cmp(r))
		assert.Equal(t, 0, auth.S.Cmp(low))
		assert.Equal(t, CredentialIDHash([]byte("cred")), auth.CredentialIDHash)
		assert.Equal(t, `{"type":"webauthn.get"}`, auth.ClientDataJSON)
	}
}

func TestNewAuthorizationRejectsGarbage(t *testing.T) {
	_, err := NewAuthorization(core.Assertion{Signature: []byte{0x01, 0x02}})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestWalletDeriver(t *testing.T) {
	deriver := NewWalletDeriver("0x4e59b44847b379578588920ca78fbf26c0b4956c", "0x"+strings.Repeat("ab", 32))

	a := deriver.Address("example.com", []byte("handle-a"))
	assert.Equal(t, a, deriver.Address("example.com", []byte("handle-a")))
	assert.NotEqual(t, a, deriver.Address("example.com", []byte("handle-b")))
	assert.NotEqual(t, a, deriver.Address("other.example", []byte("handle-a")))

	salt := deriver.Salt("example.com", []byte("handle-a"))
	assert.Equal(t, crypto.CreateAddress2(deriver.Factory, salt, deriver.InitCodeHash.Bytes()), a)
}

func TestNonceAndApprovalDecoding(t *testing.T) {
	nonce, err := UnpackNonce(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), nonce.Int64())

	nonce, err = UnpackNonce(word(big.NewInt(7)))
	require.NoError(t, err)
	assert.Equal(t, int64(7), nonce.Int64())

	approved, err := UnpackIsApproved(word(big.NewInt(1)))
	require.NoError(t, err)
	assert.True(t, approved)

	approved, err = UnpackIsApproved(word(big.NewInt(0)))
	require.NoError(t, err)
	assert.False(t, approved)

	_, err = UnpackIsApproved(nil)
	assert.Error(t, err)

	assert.Equal(t, registryABI.Methods["isApproved"].ID, PackIsApproved(testWallet)[:4])
	assert.Equal(t, registryABI.Methods["approve"].ID, PackApprove(testWallet)[:4])
}

func TestPackExecute(t *testing.T) {
	auth := Authorization{
		CredentialIDHash:  CredentialIDHash([]byte("cred")),
		AuthenticatorData: []byte("auth-data"),
		ClientDataJSON:    `{"type":"webauthn.get"}`,
		R:                 big.NewInt(11),
		S:                 big.NewInt(12),
	}

	data, err := PackExecute(testOperation(), auth)
	require.NoError(t, err)
	assert.Equal(t, walletABI.Methods["execute"].ID, data[:4])

	args, err := walletABI.Methods["execute"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, uint8(0), args[0])
	assert.Equal(t, testOperation().Target, args[1])
	assert.Equal(t, "auth-data", string(args[7].([]byte)))
}

func TestPackSignerCalls(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	coseKey, err := webauthncbor.Marshal(webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EllipticKey),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: key.PublicKey.X.FillBytes(make([]byte, 32)),
		YCoord: key.PublicKey.Y.FillBytes(make([]byte, 32)),
	})
	require.NoError(t, err)

	x, y, err := P256Coordinates(coseKey)
	require.NoError(t, err)
	assert.Equal(t, 0, x.Cmp(key.PublicKey.X))
	assert.Equal(t, 0, y.Cmp(key.PublicKey.Y))

	data, err := PackAddSigner([]byte("cred"), coseKey)
	require.NoError(t, err)
	assert.Equal(t, walletABI.Methods["addSigner"].ID, data[:4])

	data, err = PackRemoveSigner([]byte("cred"))
	require.NoError(t, err)
	assert.Equal(t, walletABI.Methods["removeSigner"].ID, data[:4])

	_, err = PackAddSigner([]byte("cred"), []byte{0xff})
	assert.ErrorIs(t, err, core.ErrInvalidParameters)

	salt := NewWalletDeriver(testWallet.Hex(), "0x"+strings.Repeat("ab", 32)).Salt("example.com", []byte("handle"))
	data, err = PackCreateAccount(salt, []byte("cred"), coseKey)
	require.NoError(t, err)
	assert.Equal(t, factoryABI.Methods["createAccount"].ID, data[:4])
	args, err := factoryABI.Methods["createAccount"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, salt, args[0])
	assert.Equal(t, CredentialIDHash([]byte("cred")), args[1])
	assert.Equal(t, 0, args[2].(*big.Int).Cmp(key.PublicKey.X))

	_, err = PackCreateAccount(salt, []byte("cred"), []byte{0xff})
	assert.ErrorIs(t, err, core.ErrInvalidParameters)
}

func TestRelayerSign(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	relayer := NewRelayerFromKey(key, big.NewInt(1337))

	to := common.HexToAddress("0x5555555555555555555555555555555555555555")
	tx1, err := relayer.Sign(4, to, 100_000, big.NewInt(1_000_000_000), []byte{1, 2, 3})
	require.NoError(t, err)
	tx2, err := relayer.Sign(4, to, 100_000, big.NewInt(1_000_000_000), []byte{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, tx1.Hash(), tx2.Hash())
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx1)
	require.NoError(t, err)
	assert.Equal(t, relayer.Address(), sender)

	_, err = NewRelayer("not-a-key", big.NewInt(1))
	assert.Error(t, err)
}

type testRPCError struct {
	code int
	msg  string
	data interface{}
}

func (e *testRPCError) Error() string          { return e.msg }
func (e *testRPCError) ErrorCode() int         { return e.code }
func (e *testRPCError) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func TestClassifyError(t *testing.T) {
	assert.NoError(t, ClassifyError(nil))
	assert.ErrorIs(t, ClassifyError(errors.New("dial tcp: connection refused")), core.ErrTransient)
	assert.ErrorIs(t, ClassifyError(&testRPCError{code: -32000, msg: "already known"}), ErrAlreadyKnown)
	assert.ErrorIs(t, ClassifyError(&testRPCError{code: codeLimitExceeded, msg: "limit exceeded"}), core.ErrTransient)
	assert.ErrorIs(t, ClassifyError(rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}), core.ErrTransient)
	assert.ErrorIs(t, ClassifyError(rpc.HTTPError{StatusCode: 401, Status: "401 Unauthorized"}), core.ErrLedgerRejected)

	err := ClassifyError(&testRPCError{code: -32000, msg: "nonce too low: next nonce 5, tx nonce 4"})
	var ledgerErr *core.LedgerError
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, -32000, ledgerErr.Code)
	assert.True(t, IsNonceTooLow(err))

	err = ClassifyError(&testRPCError{code: 3, msg: "execution reverted", data: revertData(t, "insufficient balance")})
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, 3, ledgerErr.Code)
	assert.Equal(t, "insufficient balance", ledgerErr.Reason)
	assert.False(t, IsNonceTooLow(err))
}
