package service

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/eth"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

const (
	maxIdentifierLength = 256
	maxUserHandleLength = 64
)

// RelyingPartyResolver maps a caller origin to the relying party it belongs to.
type RelyingPartyResolver interface {
	Resolve(origin string) (core.RelyingParty, error)
	Listed(rpID string) bool
}

// CeremonyRequest identifies who is performing a ceremony and from where.
type CeremonyRequest struct {
	Client     string        // rate limited client identity
	Origin     string        // origin the ceremony runs on
	Identifier string        // user identifier within the relying party
	UserID     string        // optional user handle for a new identity
	Session    *core.Session // authenticated caller, if any
}

// RegistrationResult is returned by a successful registration ceremony.
type RegistrationResult struct {
	Verified      bool
	CredentialID  []byte
	WalletAddress common.Address
}

// AuthenticationResult is returned by a successful authentication ceremony.
type AuthenticationResult struct {
	Verified      bool
	WalletAddress common.Address
	Tokens        Tokens
}

// CeremonyService runs passkey registration, authentication and transaction
// signing ceremonies.
type CeremonyService struct {
	parties    RelyingPartyResolver
	challenges ports.ChallengeStore
	registry   ports.CredentialRegistry
	auth       *AuthService
	deriver    eth.WalletDeriver
	gate       attemptGate
	metrics    ports.Metrics
	logger     *zap.Logger
	verifiers  *relyingParties

	challengeTTL time.Duration
	now          func() time.Time
}

// NewCeremonyService creates a ceremony service
func NewCeremonyService(
	parties RelyingPartyResolver,
	challenges ports.ChallengeStore,
	registry ports.CredentialRegistry,
	limiter ports.RateLimiter,
	auth *AuthService,
	deriver eth.WalletDeriver,
	sessions config.Sessions,
	metrics ports.Metrics,
	logger *zap.Logger,
) *CeremonyService {
	return &CeremonyService{
		parties:      parties,
		challenges:   challenges,
		registry:     registry,
		auth:         auth,
		deriver:      deriver,
		gate:         attemptGate{limiter: limiter, metrics: metrics, logger: logger},
		metrics:      metrics,
		logger:       logger,
		verifiers:    newRelyingParties(),
		challengeTTL: sessions.ChallengeTTL,
		now:          time.Now,
	}
}

// BeginRegistration returns creation options for a new passkey. Adding a
// passkey to an identity that already has one requires a session of that
// identity.
func (s *CeremonyService) BeginRegistration(ctx context.Context, req CeremonyRequest) (*protocol.CredentialCreation, error) {
	rp, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := s.gate.begin(ctx, req.Client, core.ActionRegistration); err != nil {
		return nil, err
	}

	identity, err := s.lookup(ctx, rp.ID, req.Identifier)
	if err != nil {
		return nil, err
	}

	var user *passkeyUser
	if identity != nil {
		if len(identity.Credentials) > 0 && !owns(req.Session, identity) {
			return nil, verificationFailed(core.ErrNotAuthorized)
		}
		user = newPasskeyUser(identity.Identifier, identity.UserHandle, identity.Credentials)
	} else {
		handle, err := newUserHandle(req.UserID)
		if err != nil {
			return nil, err
		}
		user = newPasskeyUser(req.Identifier, handle, nil)
	}

	wa, err := s.verifiers.verifier(rp)
	if err != nil {
		return nil, err
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
		webauthn.WithCredentialParameters(credentialParameters),
	}
	if len(user.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}

	creation, session, err := wa.BeginRegistration(user, options...)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	key := core.ChallengeKey{RPID: rp.ID, Identifier: req.Identifier}
	if err := s.install(ctx, key, core.ChallengeRegistration, creation.Response.Challenge, session); err != nil {
		return nil, err
	}

	return creation, nil
}

// FinishRegistration verifies a registration response and stores the new
// passkey. The identity's wallet address is derived on first registration
// and kept afterwards.
func (s *CeremonyService) FinishRegistration(ctx context.Context, req CeremonyRequest, response []byte) (RegistrationResult, error) {
	rp, err := s.resolve(req)
	if err != nil {
		return RegistrationResult{}, err
	}
	if err := s.gate.check(ctx, req.Client, core.ActionRegistration); err != nil {
		return RegistrationResult{}, err
	}

	result, err := s.finishRegistration(ctx, rp, req, response)
	if err != nil {
		s.metrics.CeremonyCompleted(core.ChallengeRegistration, "failure")
		s.logger.Info("registration failed", zap.String("rp_id", rp.ID), zap.String("identifier", req.Identifier), zap.Error(err))
		return RegistrationResult{}, s.gate.failed(ctx, req.Client, core.ActionRegistration, verificationFailed(err))
	}

	s.gate.succeeded(ctx, req.Client, core.ActionRegistration)
	s.metrics.CeremonyCompleted(core.ChallengeRegistration, "success")
	return result, nil
}

func (s *CeremonyService) finishRegistration(ctx context.Context, rp core.RelyingParty, req CeremonyRequest, response []byte) (RegistrationResult, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("%w: registration response: %v", core.ErrValidation, err)
	}

	key := core.ChallengeKey{RPID: rp.ID, Identifier: req.Identifier}
	session, err := s.consume(ctx, rp, key, core.ChallengeRegistration, nil, parsed.Response.CollectedClientData)
	if err != nil {
		return RegistrationResult{}, err
	}

	identity, err := s.lookup(ctx, rp.ID, req.Identifier)
	if err != nil {
		return RegistrationResult{}, err
	}

	user := newPasskeyUser(req.Identifier, session.UserID, nil)
	if identity != nil {
		if !bytes.Equal(identity.UserHandle, session.UserID) {
			return RegistrationResult{}, core.ErrChallengeMismatch
		}
		user = newPasskeyUser(identity.Identifier, identity.UserHandle, identity.Credentials)
	}

	wa, err := s.verifiers.verifier(rp)
	if err != nil {
		return RegistrationResult{}, err
	}
	credential, err := wa.CreateCredential(user, session, parsed)
	if err != nil {
		return RegistrationResult{}, err
	}

	record := fromWebAuthnCredential(credential)
	record.CreatedAt = s.now()
	if err := s.registry.Register(ctx, rp.ID, req.Identifier, user.handle, record); err != nil {
		return RegistrationResult{}, err
	}

	wallet, err := s.assignWallet(ctx, rp.ID, req.Identifier, user.handle, identity)
	if err != nil {
		return RegistrationResult{}, err
	}

	s.logger.Info("passkey registered",
		zap.String("rp_id", rp.ID),
		zap.String("identifier", req.Identifier),
		zap.String("wallet", wallet.Hex()),
	)
	return RegistrationResult{Verified: true, CredentialID: record.ID, WalletAddress: wallet}, nil
}

// assignWallet keeps an existing wallet address and derives one otherwise.
func (s *CeremonyService) assignWallet(ctx context.Context, rpID, identifier string, handle []byte, identity *core.Identity) (common.Address, error) {
	if identity != nil && identity.WalletAddress != nil {
		return *identity.WalletAddress, nil
	}

	wallet := s.deriver.Address(rpID, handle)
	err := s.registry.AssignWallet(ctx, rpID, identifier, wallet)
	if errors.Is(err, core.ErrWalletAssigned) {
		current, lookupErr := s.registry.Lookup(ctx, rpID, identifier)
		if lookupErr != nil {
			return common.Address{}, lookupErr
		}
		if current.WalletAddress != nil {
			return *current.WalletAddress, nil
		}
	}
	if err != nil {
		return common.Address{}, err
	}
	return wallet, nil
}

// BeginAuthentication returns request options listing the identity's passkeys.
func (s *CeremonyService) BeginAuthentication(ctx context.Context, req CeremonyRequest) (*protocol.CredentialAssertion, error) {
	rp, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	if err := s.gate.begin(ctx, req.Client, core.ActionAuthentication); err != nil {
		return nil, err
	}

	identity, err := s.lookup(ctx, rp.ID, req.Identifier)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, verificationFailed(core.ErrUserNotFound)
	}
	if len(identity.Credentials) == 0 {
		return nil, verificationFailed(core.ErrNoCredentials)
	}

	wa, err := s.verifiers.verifier(rp)
	if err != nil {
		return nil, err
	}
	user := newPasskeyUser(identity.Identifier, identity.UserHandle, identity.Credentials)
	assertion, session, err := wa.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("begin authentication: %w", err)
	}

	if err := s.install(ctx, identity.Key(), core.ChallengeAuthentication, assertion.Response.Challenge, session); err != nil {
		return nil, err
	}

	return assertion, nil
}

// FinishAuthentication verifies an assertion, advances the signature counter
// and issues session tokens.
func (s *CeremonyService) FinishAuthentication(ctx context.Context, req CeremonyRequest, response []byte) (AuthenticationResult, error) {
	rp, err := s.resolve(req)
	if err != nil {
		return AuthenticationResult{}, err
	}
	if err := s.gate.check(ctx, req.Client, core.ActionAuthentication); err != nil {
		return AuthenticationResult{}, err
	}

	result, err := s.finishAuthentication(ctx, rp, req, response)
	if err != nil {
		s.metrics.CeremonyCompleted(core.ChallengeAuthentication, "failure")
		s.logger.Info("authentication failed", zap.String("rp_id", rp.ID), zap.String("identifier", req.Identifier), zap.Error(err))
		return AuthenticationResult{}, s.gate.failed(ctx, req.Client, core.ActionAuthentication, verificationFailed(err))
	}

	s.gate.succeeded(ctx, req.Client, core.ActionAuthentication)
	s.metrics.CeremonyCompleted(core.ChallengeAuthentication, "success")
	return result, nil
}

func (s *CeremonyService) finishAuthentication(ctx context.Context, rp core.RelyingParty, req CeremonyRequest, response []byte) (AuthenticationResult, error) {
	key := core.ChallengeKey{RPID: rp.ID, Identifier: req.Identifier}
	identity, _, err := s.verifyAssertion(ctx, rp, key, core.ChallengeAuthentication, nil, response)
	if err != nil {
		return AuthenticationResult{}, err
	}

	tokens, err := s.auth.IssueSession(identity, rp.Origin)
	if err != nil {
		return AuthenticationResult{}, err
	}

	var wallet common.Address
	if identity.WalletAddress != nil {
		wallet = *identity.WalletAddress
	}
	return AuthenticationResult{Verified: true, WalletAddress: wallet, Tokens: tokens}, nil
}

// VerifyTransactionAssertion checks a signing ceremony whose challenge is the
// canonical hash of pending. The challenge is consumed and the counter
// advanced; rate limiting is left to the caller.
func (s *CeremonyService) VerifyTransactionAssertion(ctx context.Context, requester *core.Session, pending *core.PendingTransaction, response []byte) (core.Assertion, error) {
	rp, err := s.parties.Resolve(requester.Origin)
	if err != nil {
		return core.Assertion{}, err
	}
	if rp.ID != requester.RPID || pending.Requester != requester.Key() {
		return core.Assertion{}, core.ErrNotAuthorized
	}

	_, parsed, err := s.verifyAssertion(ctx, rp, pending.Requester, core.ChallengeTransaction, pending.Hash.Bytes(), response)
	if err != nil {
		return core.Assertion{}, err
	}

	return core.Assertion{
		CredentialID:      parsed.RawID,
		AuthenticatorData: parsed.Raw.AssertionResponse.AuthenticatorData,
		ClientDataJSON:    parsed.Raw.AssertionResponse.ClientDataJSON,
		Signature:         parsed.Response.Signature,
		SignCount:         parsed.Response.AuthenticatorData.Counter,
	}, nil
}

// verifyAssertion runs the shared part of authentication and transaction
// signing: challenge consumption, signature check and counter update.
func (s *CeremonyService) verifyAssertion(ctx context.Context, rp core.RelyingParty, key core.ChallengeKey, kind core.ChallengeKind, expected []byte, response []byte) (*core.Identity, *protocol.ParsedCredentialAssertionData, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: assertion response: %v", core.ErrValidation, err)
	}

	session, err := s.consume(ctx, rp, key, kind, expected, parsed.Response.CollectedClientData)
	if err != nil {
		return nil, nil, err
	}

	identity, err := s.lookup(ctx, rp.ID, key.Identifier)
	if err != nil {
		return nil, nil, err
	}
	if identity == nil {
		return nil, nil, core.ErrUserNotFound
	}

	wa, err := s.verifiers.verifier(rp)
	if err != nil {
		return nil, nil, err
	}
	user := newPasskeyUser(identity.Identifier, identity.UserHandle, identity.Credentials)
	credential, err := wa.ValidateLogin(user, session, parsed)
	if err != nil {
		return nil, nil, err
	}

	if err := s.advanceCounter(ctx, identity, credential.ID, parsed.Response.AuthenticatorData.Counter); err != nil {
		return nil, nil, err
	}
	return identity, parsed, nil
}

// advanceCounter stores the reported signature counter. A counter that does
// not advance flags the credential and fails the ceremony.
func (s *CeremonyService) advanceCounter(ctx context.Context, identity *core.Identity, credentialID []byte, counter uint32) error {
	err := s.registry.UpdateCounter(ctx, identity.RPID, credentialID, counter)
	if !errors.Is(err, core.ErrReplaySuspected) {
		return err
	}

	s.metrics.ReplaySuspected()
	s.logger.Warn("possible cloned passkey",
		zap.String("rp_id", identity.RPID),
		zap.String("identifier", identity.Identifier),
		zap.String("credential_id", base64.RawURLEncoding.EncodeToString(credentialID)),
		zap.Uint32("reported_counter", counter),
	)
	if flagErr := s.registry.FlagCredential(ctx, identity.RPID, credentialID); flagErr != nil {
		s.logger.Error("flag credential", zap.Error(flagErr))
	}
	return err
}

// install stores a ceremony challenge, replacing the key's previous one.
func (s *CeremonyService) install(ctx context.Context, key core.ChallengeKey, kind core.ChallengeKind, value []byte, session *webauthn.SessionData) error {
	payload, err := encodeSession(session)
	if err != nil {
		return err
	}
	challenge := &core.Challenge{
		Key:       key,
		Kind:      kind,
		Value:     value,
		Session:   payload,
		ExpiresAt: s.now().Add(s.challengeTTL),
	}
	return s.challenges.Put(ctx, key, challenge, s.challengeTTL)
}

// consume matches the client data against the live challenge of key and
// takes it. A response for a replaced challenge leaves the live one intact.
func (s *CeremonyService) consume(ctx context.Context, rp core.RelyingParty, key core.ChallengeKey, kind core.ChallengeKind, expected []byte, clientData protocol.CollectedClientData) (webauthn.SessionData, error) {
	live, err := s.challenges.Get(ctx, key)
	if err != nil {
		return webauthn.SessionData{}, err
	}
	if err := matchChallenge(live, kind, expected, clientData.Challenge); err != nil {
		return webauthn.SessionData{}, err
	}
	if clientData.Origin != rp.Origin {
		return webauthn.SessionData{}, fmt.Errorf("%w: %s", core.ErrOriginMismatch, clientData.Origin)
	}

	taken, err := s.challenges.Take(ctx, key)
	if err != nil {
		return webauthn.SessionData{}, err
	}
	if err := matchChallenge(taken, kind, expected, clientData.Challenge); err != nil {
		return webauthn.SessionData{}, err
	}

	return decodeSession(taken.Session)
}

func matchChallenge(challenge *core.Challenge, kind core.ChallengeKind, expected []byte, reported string) error {
	if challenge.Kind != kind {
		return fmt.Errorf("%w: %s ceremony is in flight", core.ErrChallengeMismatch, challenge.Kind)
	}
	if expected != nil && !bytes.Equal(challenge.Value, expected) {
		return core.ErrChallengeMismatch
	}
	encoded := base64.RawURLEncoding.EncodeToString(challenge.Value)
	if subtle.ConstantTimeCompare([]byte(encoded), []byte(reported)) != 1 {
		return core.ErrChallengeMismatch
	}
	return nil
}

func (s *CeremonyService) resolve(req CeremonyRequest) (core.RelyingParty, error) {
	if err := validateIdentifier(req.Identifier); err != nil {
		return core.RelyingParty{}, err
	}
	return s.parties.Resolve(req.Origin)
}

// lookup returns nil without error for an unknown identity.
func (s *CeremonyService) lookup(ctx context.Context, rpID, identifier string) (*core.Identity, error) {
	identity, err := s.registry.Lookup(ctx, rpID, identifier)
	if errors.Is(err, core.ErrUserNotFound) {
		return nil, nil
	}
	return identity, err
}

func validateIdentifier(identifier string) error {
	switch {
	case strings.TrimSpace(identifier) == "":
		return fmt.Errorf("%w: identifier is required", core.ErrValidation)
	case strings.TrimSpace(identifier) != identifier:
		return fmt.Errorf("%w: identifier has surrounding whitespace", core.ErrValidation)
	case len(identifier) > maxIdentifierLength:
		return fmt.Errorf("%w: identifier is too long", core.ErrValidation)
	}
	return nil
}

func newUserHandle(requested string) ([]byte, error) {
	if requested == "" {
		id := uuid.New()
		return id[:], nil
	}
	if len(requested) > maxUserHandleLength {
		return nil, fmt.Errorf("%w: user id is too long", core.ErrValidation)
	}
	return []byte(requested), nil
}

func owns(session *core.Session, identity *core.Identity) bool {
	return session != nil && session.RPID == identity.RPID && session.Identifier == identity.Identifier
}
