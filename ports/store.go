package ports

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
)

// Store interface for token invalidation
type Store interface {
	InvalidateToken(ctx context.Context, tokenID string, expiry time.Duration) error
	IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error)
}

// ChallengeStore keeps one live challenge per key.
type ChallengeStore interface {
	// Put stores the challenge, replacing any previous one for the key.
	Put(ctx context.Context, key core.ChallengeKey, challenge *core.Challenge, ttl time.Duration) error
	// Get returns the challenge without consuming it.
	Get(ctx context.Context, key core.ChallengeKey) (*core.Challenge, error)
	// Take atomically returns and deletes the challenge.
	Take(ctx context.Context, key core.ChallengeKey) (*core.Challenge, error)
}

// RateLimiter counts attempts per client and action.
type RateLimiter interface {
	Increment(ctx context.Context, client string, action core.RateLimitAction) (core.RateLimitResult, error)
	// Check reports the block state without counting an attempt.
	Check(ctx context.Context, client string, action core.RateLimitAction) (core.RateLimitResult, error)
	Reset(ctx context.Context, client string, action core.RateLimitAction) error
}

// PendingStore holds prepared transactions by canonical hash.
type PendingStore interface {
	Put(ctx context.Context, pending *core.PendingTransaction, ttl time.Duration) error
	Get(ctx context.Context, hash common.Hash) (*core.PendingTransaction, error)
	Delete(ctx context.Context, hash common.Hash) error
}
