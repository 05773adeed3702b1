package warden

import (
	"fmt"
	"net/http"
	"time"

	"github.com/layer-3/warden/core"
)

// APIError is a failed response from the warden API. It unwraps to the core
// error class its status stands for, so callers can use errors.Is with the
// core sentinels.
type APIError struct {
	StatusCode int
	Message    string
	Code       int           // ledger error code, if any
	Reason     string        // ledger rejection reason, if any
	RetryAfter time.Duration // set when rate limited
	Hash       string        // operation ended by a ledger rejection
	Status     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("warden: %d %s: %s", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("warden: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return core.ErrValidation
	case http.StatusUnauthorized:
		return core.ErrVerificationFailed
	case http.StatusForbidden:
		return core.ErrNotAuthorized
	case http.StatusNotFound:
		return core.ErrPendingNotFound
	case http.StatusTooManyRequests:
		return core.ErrRateLimited
	case http.StatusUnprocessableEntity:
		return core.ErrLedgerRejected
	case http.StatusServiceUnavailable:
		return core.ErrTransient
	}
	return nil
}
