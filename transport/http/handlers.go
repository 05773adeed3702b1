package http

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/layer-3/warden"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
	"go.uber.org/zap"
)

// Ceremonies runs passkey registration and authentication.
type Ceremonies interface {
	BeginRegistration(ctx context.Context, req service.CeremonyRequest) (*protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, req service.CeremonyRequest, response []byte) (service.RegistrationResult, error)
	BeginAuthentication(ctx context.Context, req service.CeremonyRequest) (*protocol.CredentialAssertion, error)
	FinishAuthentication(ctx context.Context, req service.CeremonyRequest, response []byte) (service.AuthenticationResult, error)
}

// Sessions validates, rotates and revokes session tokens.
type Sessions interface {
	Refresh(ctx context.Context, refreshToken string) (service.Tokens, error)
	Logout(ctx context.Context, refreshToken string) error
	ValidateAccessToken(ctx context.Context, accessToken string) (*core.Session, error)
}

// Transactions prepares, submits and re-queries wallet operations.
type Transactions interface {
	Prepare(ctx context.Context, req service.PrepareRequest) (*service.Prepared, error)
	Submit(ctx context.Context, client string, requester *core.Session, hash common.Hash, response []byte) (core.SubmissionResult, error)
	Status(ctx context.Context, requester *core.Session, hash common.Hash) (core.SubmissionResult, error)
}

// Approvals reads and grants wallet approval.
type Approvals interface {
	IsApproved(ctx context.Context, wallet common.Address) (bool, error)
	Approve(ctx context.Context, requester *core.Session, wallet common.Address) (core.ApprovalResult, error)
}

// Handlers contains the HTTP handlers of the service
type Handlers struct {
	ceremonies   Ceremonies
	sessions     Sessions
	transactions Transactions
	approvals    Approvals
	logger       *zap.Logger
	expiresIn    int
}

// NewHandlers creates new handlers. accessTTL is reported to clients as the
// access token lifetime in seconds.
func NewHandlers(ceremonies Ceremonies, sessions Sessions, transactions Transactions, approvals Approvals, accessTTL int, logger *zap.Logger) *Handlers {
	return &Handlers{
		ceremonies:   ceremonies,
		sessions:     sessions,
		transactions: transactions,
		approvals:    approvals,
		logger:       logger,
		expiresIn:    accessTTL,
	}
}

// RegistrationOptions starts a registration ceremony. A bearer token, when
// present, lets an existing identity add another passkey.
func (h *Handlers) RegistrationOptions(c *gin.Context) {
	var req warden.CeremonyOptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	session, ok := h.optionalSession(c)
	if !ok {
		return
	}

	options, err := h.ceremonies.BeginRegistration(c.Request.Context(), service.CeremonyRequest{
		Client:     c.ClientIP(),
		Origin:     req.Origin,
		Identifier: req.Identifier,
		UserID:     req.UserID,
		Session:    session,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, options)
}

// RegistrationVerify finishes a registration ceremony.
func (h *Handlers) RegistrationVerify(c *gin.Context) {
	var req warden.CeremonyVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	session, ok := h.optionalSession(c)
	if !ok {
		return
	}

	result, err := h.ceremonies.FinishRegistration(c.Request.Context(), service.CeremonyRequest{
		Client:     c.ClientIP(),
		Origin:     req.Origin,
		Identifier: req.Identifier,
		Session:    session,
	}, req.Response)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, warden.RegistrationResponse{
		Verified:      result.Verified,
		CredentialID:  base64.RawURLEncoding.EncodeToString(result.CredentialID),
		WalletAddress: result.WalletAddress.Hex(),
	})
}

// AuthenticationOptions starts an authentication ceremony.
func (h *Handlers) AuthenticationOptions(c *gin.Context) {
	var req warden.CeremonyOptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	options, err := h.ceremonies.BeginAuthentication(c.Request.Context(), service.CeremonyRequest{
		Client:     c.ClientIP(),
		Origin:     req.Origin,
		Identifier: req.Identifier,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, options)
}

// AuthenticationVerify finishes an authentication ceremony and opens a session.
func (h *Handlers) AuthenticationVerify(c *gin.Context) {
	var req warden.CeremonyVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	result, err := h.ceremonies.FinishAuthentication(c.Request.Context(), service.CeremonyRequest{
		Client:     c.ClientIP(),
		Origin:     req.Origin,
		Identifier: req.Identifier,
	}, req.Response)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, warden.AuthenticationResponse{
		Verified:      result.Verified,
		WalletAddress: result.WalletAddress.Hex(),
		TokenResponse: h.tokens(result.Tokens),
	})
}

// Refresh handles token refresh
func (h *Handlers) Refresh(c *gin.Context) {
	var req warden.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	tokens, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.tokens(tokens))
}

// Logout handles session logout
func (h *Handlers) Logout(c *gin.Context) {
	var req warden.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	if err := h.sessions.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Prepare binds a wallet operation to a signing ceremony.
func (h *Handlers) Prepare(c *gin.Context) {
	var req warden.PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}

	prepared, err := h.transactions.Prepare(c.Request.Context(), service.PrepareRequest{
		Client:  c.ClientIP(),
		Session: sessionOf(c),
		Kind:    core.OperationKind(req.OperationKind),
		Params:  req.Parameters,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, warden.PrepareResponse{
		Challenge:       base64.RawURLEncoding.EncodeToString(prepared.Pending.Hash.Bytes()),
		Hash:            prepared.Pending.Hash.Hex(),
		UnsignedPayload: prepared.Pending.UnsignedPayload,
		Options:         prepared.Options,
	})
}

// Submit verifies the signature over a prepared operation and relays it.
func (h *Handlers) Submit(c *gin.Context) {
	var req warden.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request")
		return
	}
	hash, ok := parseHash(req.Hash)
	if !ok {
		badRequest(c, "invalid transaction hash")
		return
	}

	result, err := h.transactions.Submit(c.Request.Context(), c.ClientIP(), sessionOf(c), hash, req.Signature)
	if err != nil {
		if result.Status == core.StatusFailed {
			h.rejected(c, err, result)
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, submission(result))
}

// Transaction reports the state of a prepared or submitted operation.
func (h *Handlers) Transaction(c *gin.Context) {
	hash, ok := parseHash(c.Param("hash"))
	if !ok {
		badRequest(c, "invalid transaction hash")
		return
	}

	result, err := h.transactions.Status(c.Request.Context(), sessionOf(c), hash)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, submission(result))
}

// Approved reports whether a wallet is approved to transact.
func (h *Handlers) Approved(c *gin.Context) {
	wallet, ok := parseAddress(c.Param("address"))
	if !ok {
		badRequest(c, "invalid address")
		return
	}

	approved, err := h.approvals.IsApproved(c.Request.Context(), wallet)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, warden.ApprovalStatusResponse{IsApproved: approved})
}

// Approve approves a wallet on chain. Only its owner or an administrator may
// do so.
func (h *Handlers) Approve(c *gin.Context) {
	wallet, ok := parseAddress(c.Param("address"))
	if !ok {
		badRequest(c, "invalid address")
		return
	}

	result, err := h.approvals.Approve(c.Request.Context(), sessionOf(c), wallet)
	if err != nil {
		h.fail(c, err)
		return
	}
	response := warden.ApproveResponse{AlreadyApproved: result.AlreadyApproved}
	if result.TxHash != (common.Hash{}) {
		response.TransactionHash = result.TxHash.Hex()
	}
	c.JSON(http.StatusOK, response)
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) tokens(tokens service.Tokens) warden.TokenResponse {
	return warden.TokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    h.expiresIn,
	}
}

// optionalSession returns the caller's session when a bearer token is sent.
// An invalid token aborts the request.
func (h *Handlers) optionalSession(c *gin.Context) (*core.Session, bool) {
	token, ok := bearer(c)
	if !ok {
		return nil, true
	}
	session, err := h.sessions.ValidateAccessToken(c.Request.Context(), token)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return session, true
}

func submission(result core.SubmissionResult) warden.SubmissionResponse {
	response := warden.SubmissionResponse{
		Hash:   result.Hash.Hex(),
		Status: string(result.Status),
	}
	if result.TxHash != (common.Hash{}) {
		response.TransactionHash = result.TxHash.Hex()
	}
	return response
}

func parseHash(value string) (common.Hash, bool) {
	raw, err := hexutil.Decode(strings.TrimSpace(value))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

func parseAddress(value string) (common.Address, bool) {
	if !common.IsHexAddress(value) {
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}
