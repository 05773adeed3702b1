package eth

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/layer-3/warden/core"
)

const walletABIJSON = `[
	{"type":"function","name":"nonce","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[
		{"name":"kind","type":"uint8"},
		{"name":"target","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"nonce","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"credentialIdHash","type":"bytes32"},
		{"name":"authenticatorData","type":"bytes"},
		{"name":"clientDataJSON","type":"string"},
		{"name":"r","type":"uint256"},
		{"name":"s","type":"uint256"}
	],"outputs":[]},
	{"type":"function","name":"addSigner","stateMutability":"nonpayable","inputs":[
		{"name":"credentialIdHash","type":"bytes32"},
		{"name":"x","type":"uint256"},
		{"name":"y","type":"uint256"}
	],"outputs":[]},
	{"type":"function","name":"removeSigner","stateMutability":"nonpayable","inputs":[
		{"name":"credentialIdHash","type":"bytes32"}
	],"outputs":[]}
]`

const factoryABIJSON = `[
	{"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[
		{"name":"salt","type":"bytes32"},
		{"name":"credentialIdHash","type":"bytes32"},
		{"name":"x","type":"uint256"},
		{"name":"y","type":"uint256"}
	],"outputs":[{"name":"","type":"address"}]}
]`

const registryABIJSON = `[
	{"type":"function","name":"isApproved","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"}],"outputs":[]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	walletABI   = mustParseABI(walletABIJSON)
	factoryABI  = mustParseABI(factoryABIJSON)
	registryABI = mustParseABI(registryABIJSON)
	erc20ABI    = mustParseABI(erc20ABIJSON)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid contract abi: %v", err))
	}
	return parsed
}

// CredentialIDHash is the key a wallet contract stores a passkey under.
func CredentialIDHash(credentialID []byte) [32]byte {
	return [32]byte(crypto.Keccak256Hash(credentialID))
}

// PackNonce encodes a call to the wallet nonce getter.
func PackNonce() []byte {
	data, _ := walletABI.Pack("nonce")
	return data
}

// UnpackNonce decodes the wallet nonce. A wallet that is not deployed yet
// answers with empty data and starts at nonce zero.
func UnpackNonce(data []byte) (*big.Int, error) {
	if len(data) == 0 {
		return new(big.Int), nil
	}
	out, err := walletABI.Unpack("nonce", data)
	if err != nil {
		return nil, fmt.Errorf("unpack nonce: %w", err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack nonce: unexpected type %T", out[0])
	}
	return nonce, nil
}

// PackExecute encodes the wallet entry point carrying the operation and its passkey authorization.
func PackExecute(op core.Operation, auth Authorization) ([]byte, error) {
	kind, ok := op.Kind.Code()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedOperation, op.Kind)
	}
	data, err := walletABI.Pack("execute",
		kind, op.Target, op.Value, op.Data, op.Nonce, new(big.Int).SetInt64(op.Deadline),
		auth.CredentialIDHash, auth.AuthenticatorData, auth.ClientDataJSON, auth.R, auth.S,
	)
	if err != nil {
		return nil, fmt.Errorf("pack execute: %w", err)
	}
	return data, nil
}

// PackAddSigner encodes the self call registering a new passkey on the wallet.
func PackAddSigner(credentialID, coseKey []byte) ([]byte, error) {
	x, y, err := P256Coordinates(coseKey)
	if err != nil {
		return nil, err
	}
	data, err := walletABI.Pack("addSigner", CredentialIDHash(credentialID), x, y)
	if err != nil {
		return nil, fmt.Errorf("pack addSigner: %w", err)
	}
	return data, nil
}

// PackRemoveSigner encodes the self call dropping a passkey from the wallet.
func PackRemoveSigner(credentialID []byte) ([]byte, error) {
	data, err := walletABI.Pack("removeSigner", CredentialIDHash(credentialID))
	if err != nil {
		return nil, fmt.Errorf("pack removeSigner: %w", err)
	}
	return data, nil
}

// PackCreateAccount encodes the factory call deploying the wallet of salt
// with one passkey signer.
func PackCreateAccount(salt [32]byte, credentialID, coseKey []byte) ([]byte, error) {
	x, y, err := P256Coordinates(coseKey)
	if err != nil {
		return nil, err
	}
	data, err := factoryABI.Pack("createAccount", salt, CredentialIDHash(credentialID), x, y)
	if err != nil {
		return nil, fmt.Errorf("pack createAccount: %w", err)
	}
	return data, nil
}

// PackIsApproved encodes the registry approval query.
func PackIsApproved(account common.Address) []byte {
	data, _ := registryABI.Pack("isApproved", account)
	return data
}

// UnpackIsApproved decodes the registry approval answer.
func UnpackIsApproved(data []byte) (bool, error) {
	out, err := registryABI.Unpack("isApproved", data)
	if err != nil {
		return false, fmt.Errorf("unpack isApproved: %w", err)
	}
	approved, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unpack isApproved: unexpected type %T", out[0])
	}
	return approved, nil
}

// PackApprove encodes the registry approval transaction.
func PackApprove(account common.Address) []byte {
	data, _ := registryABI.Pack("approve", account)
	return data
}

// PackERC20Transfer encodes a token transfer executed by the wallet.
func PackERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return data, nil
}

// PackDecimals encodes the token decimals getter.
func PackDecimals() []byte {
	data, _ := erc20ABI.Pack("decimals")
	return data
}

// UnpackDecimals decodes the token decimals.
func UnpackDecimals(data []byte) (uint8, error) {
	out, err := erc20ABI.Unpack("decimals", data)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unpack decimals: unexpected type %T", out[0])
	}
	return decimals, nil
}

// P256Coordinates extracts the affine point of an ES256 COSE key.
func P256Coordinates(coseKey []byte) (*big.Int, *big.Int, error) {
	parsed, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse credential key: %v", core.ErrInvalidParameters, err)
	}
	key, ok := parsed.(webauthncose.EC2PublicKeyData)
	if !ok || key.Algorithm != int64(webauthncose.AlgES256) {
		return nil, nil, fmt.Errorf("%w: wallet signers must be ES256 keys", core.ErrInvalidParameters)
	}
	return new(big.Int).SetBytes(key.XCoord), new(big.Int).SetBytes(key.YCoord), nil
}
