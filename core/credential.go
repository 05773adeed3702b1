package core

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Credential is a registered passkey.
type Credential struct {
	ID              []byte
	PublicKey       []byte // COSE encoded
	SignCount       uint32
	Transports      []string
	AAGUID          []byte
	AttestationType string
	UserPresent     bool
	UserVerified    bool
	BackupEligible  bool
	BackupState     bool
	Flagged         bool
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// Identity groups the credentials of one user within one relying party.
type Identity struct {
	RPID          string
	Identifier    string
	UserHandle    []byte
	WalletAddress *common.Address
	Credentials   []Credential
	CreatedAt     time.Time
}

// Key returns the challenge key of the identity.
func (i *Identity) Key() ChallengeKey {
	return ChallengeKey{RPID: i.RPID, Identifier: i.Identifier}
}

// Credential returns the credential with the given id.
func (i *Identity) Credential(id []byte) (*Credential, bool) {
	for idx := range i.Credentials {
		if bytes.Equal(i.Credentials[idx].ID, id) {
			return &i.Credentials[idx], true
		}
	}
	return nil, false
}

// CounterAdvances reports whether a reported signature counter may replace the
// stored one. Authenticators without counters report zero on every use.
func CounterAdvances(stored, reported uint32) bool {
	if stored == 0 && reported == 0 {
		return true
	}
	return reported > stored
}
