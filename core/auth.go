package core

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Session represents an authenticated passkey session
type Session struct {
	ID            string         // Unique session identifier
	RPID          string         // Relying party the identity belongs to
	Origin        string         // Origin the session was authenticated from
	Identifier    string         // Identifier of the authenticated user
	Wallet        common.Address // Smart wallet bound to the identity
	IssuedAt      time.Time      // When the session was created
	RefreshExpiry time.Time      // When the refresh capability expires
	AccessExpiry  time.Time      // When the access capability expires
	RefreshID     string         // Unique identifier for the refresh token
}

// Key returns the challenge key of the session owner.
func (s *Session) Key() ChallengeKey {
	return ChallengeKey{RPID: s.RPID, Identifier: s.Identifier}
}

// RelyingParty identifies the site a ceremony is performed for.
type RelyingParty struct {
	ID     string
	Name   string
	Origin string
	Listed bool // configured on the allow-list rather than derived from the origin
}
