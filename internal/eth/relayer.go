package eth

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Relayer signs the transactions that carry wallet operations on-chain.
type Relayer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewRelayer loads a hex encoded secp256k1 key.
func NewRelayer(hexKey string, chainID *big.Int) (*Relayer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse relayer key: %w", err)
	}
	return NewRelayerFromKey(key, chainID), nil
}

// NewRelayerFromKey wraps an existing key.
func NewRelayerFromKey(key *ecdsa.PrivateKey, chainID *big.Int) *Relayer {
	return &Relayer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

// Address is the account paying for relayed transactions.
func (r *Relayer) Address() common.Address {
	return r.address
}

// Sign builds and signs a legacy transaction. The hash of the result is
// fixed by its nonce, so resending it never duplicates the call.
func (r *Relayer) Sign(nonce uint64, to common.Address, gas uint64, gasPrice *big.Int, data []byte) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})

	signed, err := types.SignTx(tx, r.signer, r.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}
