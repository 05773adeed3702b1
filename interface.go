package warden

import (
	"context"

	"github.com/go-webauthn/webauthn/protocol"
)

// Client represents the public interface for interacting with the warden service
type Client interface {
	// RegistrationOptions starts a passkey registration ceremony
	RegistrationOptions(ctx context.Context, req CeremonyOptionsRequest) (*protocol.CredentialCreation, error)

	// RegistrationVerify finishes a registration with the browser's credential
	RegistrationVerify(ctx context.Context, req CeremonyVerifyRequest) (RegistrationResponse, error)

	// AuthenticationOptions starts a passkey authentication ceremony
	AuthenticationOptions(ctx context.Context, req CeremonyOptionsRequest) (*protocol.CredentialAssertion, error)

	// AuthenticationVerify finishes an authentication and returns session tokens
	AuthenticationVerify(ctx context.Context, req CeremonyVerifyRequest) (AuthenticationResponse, error)

	// Refresh rotates the refresh token and returns new tokens
	Refresh(ctx context.Context, refreshToken string) (TokenResponse, error)

	// Logout invalidates the refresh token
	Logout(ctx context.Context, refreshToken string) error

	// Prepare binds a wallet operation to a signing challenge
	Prepare(ctx context.Context, accessToken string, req PrepareRequest) (PrepareResponse, error)

	// Submit sends the passkey signature over a prepared operation
	Submit(ctx context.Context, accessToken string, req SubmitRequest) (SubmissionResponse, error)

	// Transaction re-queries a prepared or submitted operation
	Transaction(ctx context.Context, accessToken, hash string) (SubmissionResponse, error)

	// IsApproved reports whether a wallet may transact
	IsApproved(ctx context.Context, wallet string) (bool, error)

	// Approve approves a wallet on chain
	Approve(ctx context.Context, accessToken, wallet string) (ApproveResponse, error)
}
