package core

import "time"

// RateLimitAction names a rate limited ceremony step.
type RateLimitAction string

const (
	ActionRegistration   RateLimitAction = "registration"
	ActionAuthentication RateLimitAction = "authentication"
	ActionTransaction    RateLimitAction = "transaction"
)

// RateLimitResult is the outcome of counting an attempt.
type RateLimitResult struct {
	Allowed           bool
	AttemptsRemaining int
	IsBlocked         bool
	RetryAfter        time.Duration
}
