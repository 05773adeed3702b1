package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// Tokens is a freshly issued access and refresh token pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// AuthService handles session token business logic
type AuthService struct {
	tokenizer ports.Tokenizer
	store     ports.Store
	eventPub  ports.EventPublisher
	logger    *zap.Logger

	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewAuthService creates a new authentication service
func NewAuthService(
	tokenizer ports.Tokenizer,
	store ports.Store,
	eventPub ports.EventPublisher,
	sessions config.Sessions,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		tokenizer:  tokenizer,
		store:      store,
		eventPub:   eventPub,
		logger:     logger,
		accessTTL:  sessions.AccessTTL,
		refreshTTL: sessions.RefreshTTL,
	}
}

// IssueSession creates tokens for an identity that completed an
// authentication ceremony from origin.
func (s *AuthService) IssueSession(identity *core.Identity, origin string) (Tokens, error) {
	var wallet common.Address
	if identity.WalletAddress != nil {
		wallet = *identity.WalletAddress
	}
	return s.issue(identity.RPID, identity.Identifier, origin, wallet)
}

func (s *AuthService) issue(rpID, identifier, origin string, wallet common.Address) (Tokens, error) {
	now := time.Now()
	session := &core.Session{
		ID:            uuid.New().String(),
		RPID:          rpID,
		Origin:        origin,
		Identifier:    identifier,
		Wallet:        wallet,
		IssuedAt:      now,
		RefreshExpiry: now.Add(s.refreshTTL),
		AccessExpiry:  now.Add(s.accessTTL),
		RefreshID:     uuid.New().String(),
	}

	accessToken, err := s.tokenizer.SessionToAccessToken(session)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to create access token: %w", err)
	}

	refreshToken, err := s.tokenizer.SessionToRefreshToken(session)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to create refresh token: %w", err)
	}

	return Tokens{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Refresh rotates the refresh token and issues new access and refresh tokens
func (s *AuthService) Refresh(ctx context.Context, refreshTokenStr string) (Tokens, error) {
	session, err := s.tokenizer.RefreshTokenToSession(refreshTokenStr)
	if err != nil {
		return Tokens{}, fmt.Errorf("invalid refresh token: %w", err)
	}

	if time.Now().After(session.RefreshExpiry) {
		return Tokens{}, core.ErrTokenExpired
	}

	invalidated, err := s.store.IsTokenInvalidated(ctx, session.RefreshID)
	if err != nil {
		return Tokens{}, fmt.Errorf("failed to check token invalidation: %w", err)
	}

	if invalidated {
		return Tokens{}, core.ErrTokenInvalidated
	}

	// The revocation record lives as long as the old token would have
	if err := s.store.InvalidateToken(ctx, session.RefreshID, time.Until(session.RefreshExpiry)); err != nil {
		return Tokens{}, fmt.Errorf("failed to invalidate old token: %w", err)
	}

	return s.issue(session.RPID, session.Identifier, session.Origin, session.Wallet)
}

// Logout invalidates a refresh token
func (s *AuthService) Logout(ctx context.Context, refreshTokenStr string) error {
	session, err := s.tokenizer.RefreshTokenToSession(refreshTokenStr)
	if err != nil {
		return fmt.Errorf("invalid refresh token: %w", err)
	}

	remainingTime := time.Until(session.RefreshExpiry)
	if remainingTime <= 0 {
		// Expired tokens are still revoked so clock skew cannot revive them
		remainingTime = time.Hour
	}

	if err := s.store.InvalidateToken(ctx, session.RefreshID, remainingTime); err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}

	// The token is already revoked in the store; the event only informs other instances
	if err := s.eventPub.PublishLogout(ctx, session.Identifier, session.RefreshID); err != nil {
		s.logger.Warn("failed to publish logout event", zap.String("identifier", session.Identifier), zap.Error(err))
	}

	return nil
}

// ValidateAccessToken returns the session of a live access token
func (s *AuthService) ValidateAccessToken(ctx context.Context, accessToken string) (*core.Session, error) {
	session, err := s.tokenizer.AccessTokenToSession(accessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	if time.Now().After(session.AccessExpiry) {
		return nil, core.ErrTokenExpired
	}

	// Revoking the refresh token also revokes the access tokens issued with it
	if session.RefreshID != "" {
		invalidated, err := s.store.IsTokenInvalidated(ctx, session.RefreshID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token invalidation: %w", err)
		}

		if invalidated {
			return nil, core.ErrTokenInvalidated
		}
	}

	return session, nil
}
