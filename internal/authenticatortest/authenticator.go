// Package authenticatortest is a software passkey authenticator producing
// WebAuthn registration and assertion responses for tests.
package authenticatortest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

const (
	flagUserPresent    = 0x01
	flagUserVerified   = 0x04
	flagBackupEligible = 0x08
	flagBackupState    = 0x10
	flagAttestedData   = 0x40
)

var b64 = base64.RawURLEncoding

// Authenticator holds passkeys for one relying party.
type Authenticator struct {
	RPID           string
	Origin         string
	BackupEligible bool
}

// Credential is a passkey created by an Authenticator. Counter is the last
// value reported; Step is added before every assertion, zero models an
// authenticator without a signature counter.
type Credential struct {
	ID         []byte
	Key        *ecdsa.PrivateKey
	UserHandle []byte
	Counter    uint32
	Step       uint32
}

// New returns an authenticator bound to rpID that reports origin in its
// client data.
func New(rpID, origin string) *Authenticator {
	return &Authenticator{RPID: rpID, Origin: origin}
}

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

type attestationResponse struct {
	ClientDataJSON    string   `json:"clientDataJSON"`
	AttestationObject string   `json:"attestationObject"`
	Transports        []string `json:"transports"`
}

type assertionResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

type publicKeyCredential[T any] struct {
	ID                      string         `json:"id"`
	RawID                   string         `json:"rawId"`
	Type                    string         `json:"type"`
	AuthenticatorAttachment string         `json:"authenticatorAttachment"`
	ClientExtensionResults  map[string]any `json:"clientExtensionResults"`
	Response                T              `json:"response"`
}

// Register creates a passkey for userHandle and returns it with the
// registration response JSON answering challenge. The attestation format is
// "none".
func (a *Authenticator) Register(challenge, userHandle []byte) (*Credential, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	id := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		return nil, nil, err
	}
	cred := &Credential{ID: id, Key: key, UserHandle: userHandle, Step: 1}

	coseKey, err := COSEKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	authData := a.authData(flagAttestedData, cred.Counter)
	authData = append(authData, make([]byte, 16)...) // aaguid
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(id)))
	authData = append(authData, id...)
	authData = append(authData, coseKey...)

	attestation, err := webauthncbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode attestation object: %w", err)
	}

	clientDataJSON, err := a.clientData("webauthn.create", challenge)
	if err != nil {
		return nil, nil, err
	}

	body, err := json.Marshal(publicKeyCredential[attestationResponse]{
		ID:                      b64.EncodeToString(id),
		RawID:                   b64.EncodeToString(id),
		Type:                    "public-key",
		AuthenticatorAttachment: "platform",
		ClientExtensionResults:  map[string]any{},
		Response: attestationResponse{
			ClientDataJSON:    b64.EncodeToString(clientDataJSON),
			AttestationObject: b64.EncodeToString(attestation),
			Transports:        []string{"internal", "hybrid"},
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return cred, body, nil
}

// Assert signs challenge with cred and returns the assertion response JSON.
// The counter advances by cred.Step first.
func (a *Authenticator) Assert(cred *Credential, challenge []byte) ([]byte, error) {
	cred.Counter += cred.Step

	clientDataJSON, err := a.clientData("webauthn.get", challenge)
	if err != nil {
		return nil, err
	}
	authData := a.authData(0, cred.Counter)

	clientDataHash := sha256.Sum256(clientDataJSON)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientDataHash[:]...))
	signature, err := ecdsa.SignASN1(rand.Reader, cred.Key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}

	return json.Marshal(publicKeyCredential[assertionResponse]{
		ID:                      b64.EncodeToString(cred.ID),
		RawID:                   b64.EncodeToString(cred.ID),
		Type:                    "public-key",
		AuthenticatorAttachment: "platform",
		ClientExtensionResults:  map[string]any{},
		Response: assertionResponse{
			ClientDataJSON:    b64.EncodeToString(clientDataJSON),
			AuthenticatorData: b64.EncodeToString(authData),
			Signature:         b64.EncodeToString(signature),
			UserHandle:        b64.EncodeToString(cred.UserHandle),
		},
	})
}

func (a *Authenticator) clientData(ceremony string, challenge []byte) ([]byte, error) {
	return json.Marshal(clientData{
		Type:      ceremony,
		Challenge: b64.EncodeToString(challenge),
		Origin:    a.Origin,
	})
}

func (a *Authenticator) authData(extra byte, counter uint32) []byte {
	rpIDHash := sha256.Sum256([]byte(a.RPID))
	flags := byte(flagUserPresent|flagUserVerified) | extra
	if a.BackupEligible {
		flags |= flagBackupEligible | flagBackupState
	}

	data := append([]byte{}, rpIDHash[:]...)
	data = append(data, flags)
	return binary.BigEndian.AppendUint32(data, counter)
}

// COSEKey encodes a P-256 public key as a COSE ES256 key.
func COSEKey(key *ecdsa.PublicKey) ([]byte, error) {
	return webauthncbor.Marshal(webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EllipticKey),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: key.X.FillBytes(make([]byte, 32)),
		YCoord: key.Y.FillBytes(make([]byte, 32)),
	})
}
