package eth

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// WalletDeriver computes counterfactual wallet addresses deployed by a
// CREATE2 factory.
type WalletDeriver struct {
	Factory      common.Address
	InitCodeHash common.Hash
}

// NewWalletDeriver parses the factory address and wallet init code hash.
func NewWalletDeriver(factory, initCodeHash string) WalletDeriver {
	return WalletDeriver{
		Factory:      common.HexToAddress(factory),
		InitCodeHash: common.HexToHash(initCodeHash),
	}
}

// Salt binds a wallet to one identity of one relying party.
func (d WalletDeriver) Salt(rpID string, userHandle []byte) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(rpID), []byte{0}, userHandle))
}

// Address returns the wallet address of an identity.
func (d WalletDeriver) Address(rpID string, userHandle []byte) common.Address {
	return crypto.CreateAddress2(d.Factory, d.Salt(rpID, userHandle), d.InitCodeHash.Bytes())
}
