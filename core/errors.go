package core

import (
	"errors"
	"fmt"
	"time"
)

// Session token errors
var (
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenInvalidated = errors.New("token has been invalidated")
	ErrInvalidToken     = errors.New("invalid token")
)

// Validation errors
var (
	ErrValidation           = errors.New("validation failed")
	ErrInvalidParameters    = errors.New("invalid operation parameters")
	ErrUnsupportedOperation = errors.New("unsupported operation kind")
)

// Ceremony errors
var (
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrChallengeMismatch  = errors.New("challenge mismatch")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrOriginMismatch     = errors.New("origin mismatch")
	ErrVerificationFailed = errors.New("verification failed")
	ErrReplaySuspected    = errors.New("signature counter did not advance")
	ErrUserNotFound       = errors.New("user not found")
	ErrNoCredentials      = errors.New("user has no credentials")
	ErrNotAuthorized      = errors.New("not authorized for identity")
)

// Registry errors
var (
	ErrDuplicateCredential = errors.New("credential already registered")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrLastCredential      = errors.New("cannot remove the last credential")
	ErrWalletAssigned      = errors.New("wallet already assigned")
)

// Transaction errors
var (
	ErrPendingNotFound    = errors.New("pending transaction not found")
	ErrAccountNotApproved = errors.New("account not approved")
	ErrRateLimited        = errors.New("rate limited")
	ErrLedgerRejected     = errors.New("ledger rejected transaction")
	ErrTransient          = errors.New("transient failure")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// RateLimitError is returned while a client is blocked for an action.
type RateLimitError struct {
	Action     RateLimitAction
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// LedgerError carries the reason a ledger refused a transaction.
type LedgerError struct {
	Code   int
	Reason string
}

func (e *LedgerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("ledger rejected transaction (code %d): %s", e.Code, e.Reason)
	}
	return "ledger rejected transaction: " + e.Reason
}

func (e *LedgerError) Unwrap() error {
	return ErrLedgerRejected
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrStoreUnavailable)
}
