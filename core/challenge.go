package core

import "time"

// ChallengeKind tells which ceremony a challenge was issued for.
type ChallengeKind string

const (
	ChallengeRegistration   ChallengeKind = "registration"
	ChallengeAuthentication ChallengeKind = "authentication"
	ChallengeTransaction    ChallengeKind = "transaction"
)

// ChallengeKey identifies the single live challenge slot of a user.
type ChallengeKey struct {
	RPID       string
	Identifier string
}

func (k ChallengeKey) String() string {
	return k.RPID + ":" + k.Identifier
}

// Challenge is an outstanding ceremony challenge.
type Challenge struct {
	Key       ChallengeKey  `json:"-"`
	Kind      ChallengeKind `json:"kind"`
	Value     []byte        `json:"value"`   // raw challenge bytes handed to the authenticator
	Session   []byte        `json:"session"` // serialized webauthn session data
	ExpiresAt time.Time     `json:"expires_at"`
}
