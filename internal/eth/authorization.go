package eth

import (
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/layer-3/warden/core"
)

var (
	p256N     = elliptic.P256().Params().N
	p256HalfN = new(big.Int).Rsh(p256N, 1)
)

// Authorization is a passkey assertion in the form the wallet contract verifies.
type Authorization struct {
	CredentialIDHash  [32]byte
	AuthenticatorData []byte
	ClientDataJSON    string
	R                 *big.Int
	S                 *big.Int
}

type ecdsaSignature struct {
	R, S *big.Int
}

// NewAuthorization converts a verified assertion. The DER signature is split
// into r and s, with s folded into the lower half of the curve order.
func NewAuthorization(assertion core.Assertion) (Authorization, error) {
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(assertion.Signature, &sig)
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: decode assertion signature: %v", core.ErrValidation, err)
	}
	if len(rest) != 0 || sig.R == nil || sig.S == nil || sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
		return Authorization{}, fmt.Errorf("%w: malformed assertion signature", core.ErrValidation)
	}

	s := new(big.Int).Set(sig.S)
	if s.Cmp(p256HalfN) > 0 {
		s.Sub(p256N, s)
	}

	return Authorization{
		CredentialIDHash:  CredentialIDHash(assertion.CredentialID),
		AuthenticatorData: assertion.AuthenticatorData,
		ClientDataJSON:    string(assertion.ClientDataJSON),
		R:                 sig.R,
		S:                 s,
	}, nil
}
