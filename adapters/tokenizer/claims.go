package tokenizer

import "github.com/golang-jwt/jwt/v5"

// IdentityClaims name the passkey identity a token was issued to.
// The identifier itself travels as the subject.
type IdentityClaims struct {
	RPID   string `json:"rp"`
	Origin string `json:"origin"`
	Wallet string `json:"wallet,omitempty"`
}

// AccessClaims combines standard claims with access-specific ones
type AccessClaims struct {
	jwt.RegisteredClaims
	IdentityClaims
	RefreshID string `json:"rid"` // ID of the refresh token
}

// RefreshClaims are the standard claims plus the identity
type RefreshClaims struct {
	jwt.RegisteredClaims
	IdentityClaims
}
