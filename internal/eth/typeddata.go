// Package eth encodes wallet operations for the EVM ledger: EIP-712 hashing,
// contract ABI packing, counterfactual wallet addresses, relayer signing and
// JSON-RPC error classification.
package eth

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/layer-3/warden/core"
)

const operationType = "WalletOperation"

// EIP712Domain identifies the wallet contract a signature is valid for.
type EIP712Domain struct {
	Name    string
	Version string
	ChainID *big.Int
}

var operationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	operationType: {
		{Name: "kind", Type: "uint8"},
		{Name: "target", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// OperationTypedData builds the EIP-712 document the wallet contract verifies.
func OperationTypedData(domain EIP712Domain, wallet common.Address, op core.Operation) (apitypes.TypedData, error) {
	kind, ok := op.Kind.Code()
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("%w: %s", core.ErrUnsupportedOperation, op.Kind)
	}
	if domain.ChainID == nil || op.Value == nil || op.Nonce == nil {
		return apitypes.TypedData{}, fmt.Errorf("%w: chain id, value and nonce are required", core.ErrInvalidParameters)
	}

	return apitypes.TypedData{
		Types:       operationTypes,
		PrimaryType: operationType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(domain.ChainID)),
			VerifyingContract: wallet.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"kind":     strconv.Itoa(int(kind)),
			"target":   op.Target.Hex(),
			"value":    op.Value.String(),
			"data":     hexutil.Encode(op.Data),
			"nonce":    op.Nonce.String(),
			"deadline": strconv.FormatInt(op.Deadline, 10),
		},
	}, nil
}

// HashOperation returns the canonical hash of an operation together with
// the typed data it was computed from.
func HashOperation(domain EIP712Domain, wallet common.Address, op core.Operation) (common.Hash, apitypes.TypedData, error) {
	typedData, err := OperationTypedData(domain, wallet, op)
	if err != nil {
		return common.Hash{}, apitypes.TypedData{}, err
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Hash{}, apitypes.TypedData{}, fmt.Errorf("hash typed data: %w", err)
	}

	return common.BytesToHash(hash), typedData, nil
}
