package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// attemptGate applies the rate limiter around ceremony steps.
type attemptGate struct {
	limiter ports.RateLimiter
	metrics ports.Metrics
	logger  *zap.Logger
}

// begin counts a ceremony initiating call.
func (g attemptGate) begin(ctx context.Context, client string, action core.RateLimitAction) error {
	result, err := g.limiter.Increment(ctx, client, action)
	if err != nil {
		return err
	}
	return g.refuse(client, action, result)
}

// check refuses a completing call while the client is blocked.
func (g attemptGate) check(ctx context.Context, client string, action core.RateLimitAction) error {
	result, err := g.limiter.Check(ctx, client, action)
	if err != nil {
		return err
	}
	return g.refuse(client, action, result)
}

// failed counts a failed completing call. The returned error is the rate
// limit error when this failure crossed the threshold, cause otherwise.
func (g attemptGate) failed(ctx context.Context, client string, action core.RateLimitAction, cause error) error {
	if core.IsTransient(cause) {
		return cause
	}

	result, err := g.limiter.Increment(ctx, client, action)
	if err != nil {
		g.logger.Warn("count failed attempt", zap.String("action", string(action)), zap.Error(err))
		return cause
	}
	if refused := g.refuse(client, action, result); refused != nil {
		return refused
	}
	return cause
}

// succeeded clears the attempt history after a completed ceremony.
func (g attemptGate) succeeded(ctx context.Context, client string, action core.RateLimitAction) {
	if err := g.limiter.Reset(ctx, client, action); err != nil {
		g.logger.Warn("reset rate limit", zap.String("action", string(action)), zap.Error(err))
	}
}

func (g attemptGate) refuse(client string, action core.RateLimitAction, result core.RateLimitResult) error {
	if !result.IsBlocked && result.Allowed {
		return nil
	}
	g.metrics.RateLimited(action)
	g.logger.Info("client blocked",
		zap.String("client", client),
		zap.String("action", string(action)),
		zap.Duration("retry_after", result.RetryAfter),
	)
	return &core.RateLimitError{Action: action, RetryAfter: result.RetryAfter}
}

// verificationFailed wraps a ceremony failure so callers can answer with a
// generic message while the cause stays inspectable.
func verificationFailed(cause error) error {
	if cause == nil || errors.Is(cause, core.ErrVerificationFailed) || core.IsTransient(cause) {
		return cause
	}
	return fmt.Errorf("%w: %w", core.ErrVerificationFailed, cause)
}
