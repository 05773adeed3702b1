package warden

import (
	"encoding/json"

	"github.com/go-webauthn/webauthn/protocol"
)

// CeremonyOptionsRequest starts a registration or authentication ceremony.
type CeremonyOptionsRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Origin     string `json:"origin" binding:"required"`
	UserID     string `json:"userId,omitempty"`
}

// CeremonyVerifyRequest finishes a ceremony with the raw credential JSON
// produced by the browser.
type CeremonyVerifyRequest struct {
	Identifier string          `json:"identifier" binding:"required"`
	Origin     string          `json:"origin" binding:"required"`
	Response   json.RawMessage `json:"response" binding:"required"`
}

// RegistrationResponse reports a finished registration.
type RegistrationResponse struct {
	Verified      bool   `json:"verified"`
	CredentialID  string `json:"credentialId"`
	WalletAddress string `json:"walletAddress"`
}

// AuthenticationResponse reports a finished authentication and the session
// it opened.
type AuthenticationResponse struct {
	Verified      bool   `json:"verified"`
	WalletAddress string `json:"walletAddress"`
	TokenResponse
}

// TokenResponse carries a session token pair.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}

// RefreshRequest names the refresh token to rotate or revoke.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// PrepareRequest asks for a wallet operation to be signed.
type PrepareRequest struct {
	OperationKind string          `json:"operationKind" binding:"required"`
	Parameters    json.RawMessage `json:"parameters"`
}

// PrepareResponse is the operation to sign. Challenge is the base64url
// encoding of Hash.
type PrepareResponse struct {
	Challenge       string                        `json:"challenge"`
	Hash            string                        `json:"hash"`
	UnsignedPayload json.RawMessage               `json:"unsignedPayload"`
	Options         *protocol.CredentialAssertion `json:"options"`
}

// SubmitRequest carries the passkey assertion over a prepared hash.
type SubmitRequest struct {
	Hash      string          `json:"hash" binding:"required"`
	Signature json.RawMessage `json:"signature"`
}

// SubmissionResponse is the state of a submitted wallet operation.
type SubmissionResponse struct {
	Hash            string `json:"hash"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Status          string `json:"status"`
}

// ApprovalStatusResponse reports whether a wallet may transact.
type ApprovalStatusResponse struct {
	IsApproved bool `json:"isApproved"`
}

// ApproveResponse reports an approval transaction.
type ApproveResponse struct {
	TransactionHash string `json:"transactionHash,omitempty"`
	AlreadyApproved bool   `json:"alreadyApproved"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       int    `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Hash       string `json:"hash,omitempty"`
	Status     string `json:"status,omitempty"`
}
