package service

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/warden/core"
)

// passkeyUser adapts an identity to the webauthn user contract.
type passkeyUser struct {
	identifier  string
	handle      []byte
	credentials []webauthn.Credential
}

func newPasskeyUser(identifier string, handle []byte, credentials []core.Credential) *passkeyUser {
	user := &passkeyUser{identifier: identifier, handle: handle}
	for _, credential := range credentials {
		user.credentials = append(user.credentials, toWebAuthnCredential(credential))
	}
	return user
}

func (u *passkeyUser) WebAuthnID() []byte {
	return u.handle
}

func (u *passkeyUser) WebAuthnName() string {
	return u.identifier
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	return u.identifier
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// descriptors lists the user's credentials, leaving out skip.
func (u *passkeyUser) descriptors(skip []byte) []protocol.CredentialDescriptor {
	var out []protocol.CredentialDescriptor
	for _, credential := range u.credentials {
		if skip != nil && string(credential.ID) == string(skip) {
			continue
		}
		out = append(out, credential.Descriptor())
	}
	return out
}

func toWebAuthnCredential(credential core.Credential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(credential.Transports))
	for _, transport := range credential.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(transport))
	}
	return webauthn.Credential{
		ID:              credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    credential.UserPresent,
			UserVerified:   credential.UserVerified,
			BackupEligible: credential.BackupEligible,
			BackupState:    credential.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    credential.AAGUID,
			SignCount: credential.SignCount,
		},
	}
}

func fromWebAuthnCredential(credential *webauthn.Credential) core.Credential {
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	return core.Credential{
		ID:              credential.ID,
		PublicKey:       credential.PublicKey,
		SignCount:       credential.Authenticator.SignCount,
		Transports:      transports,
		AAGUID:          credential.Authenticator.AAGUID,
		AttestationType: credential.AttestationType,
		UserPresent:     credential.Flags.UserPresent,
		UserVerified:    credential.Flags.UserVerified,
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
	}
}

// credentialParameters prefers ES256 and accepts RS256.
var credentialParameters = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

// relyingParties keeps one verifier per allow-listed relying party and
// origin. Verifiers for origins outside the allow-list are built per call.
type relyingParties struct {
	mu        sync.Mutex
	verifiers map[core.RelyingParty]*webauthn.WebAuthn
}

func newRelyingParties() *relyingParties {
	return &relyingParties{verifiers: make(map[core.RelyingParty]*webauthn.WebAuthn)}
}

func (r *relyingParties) verifier(rp core.RelyingParty) (*webauthn.WebAuthn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wa, ok := r.verifiers[rp]; ok {
		return wa, nil
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          rp.ID,
		RPDisplayName: rp.Name,
		RPOrigins:     []string{rp.Origin},
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationPreferred,
		},
		AttestationPreference: protocol.PreferNoAttestation,
	})
	if err != nil {
		return nil, fmt.Errorf("configure relying party %s: %w", rp.ID, err)
	}
	if rp.Listed {
		r.verifiers[rp] = wa
	}
	return wa, nil
}

func encodeSession(session *webauthn.SessionData) ([]byte, error) {
	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode ceremony session: %w", err)
	}
	return payload, nil
}

func decodeSession(payload []byte) (webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(payload, &session); err != nil {
		return webauthn.SessionData{}, fmt.Errorf("%w: decode ceremony session: %v", core.ErrChallengeNotFound, err)
	}
	return session, nil
}
