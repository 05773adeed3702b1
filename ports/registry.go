package ports

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
)

// CredentialRegistry persists identities and their passkeys.
type CredentialRegistry interface {
	// Lookup returns core.ErrUserNotFound when the identity does not exist.
	Lookup(ctx context.Context, rpID, identifier string) (*core.Identity, error)
	// FindByCredentialID returns the identity owning a credential.
	FindByCredentialID(ctx context.Context, rpID string, credentialID []byte) (*core.Identity, error)
	// Register adds a credential, creating the identity on first use.
	Register(ctx context.Context, rpID, identifier string, userHandle []byte, credential core.Credential) error
	// UpdateCounter advances the signature counter. It returns
	// core.ErrReplaySuspected when the reported value does not advance.
	UpdateCounter(ctx context.Context, rpID string, credentialID []byte, counter uint32) error
	FlagCredential(ctx context.Context, rpID string, credentialID []byte) error
	AssignWallet(ctx context.Context, rpID, identifier string, wallet common.Address) error
	Remove(ctx context.Context, rpID string, credentialID []byte) error
}
