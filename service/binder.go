package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/eth"
	"github.com/layer-3/warden/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const nativeDecimals = 18

// PrepareRequest asks for a wallet operation to be bound to a signing ceremony.
type PrepareRequest struct {
	Client  string
	Session *core.Session
	Kind    core.OperationKind
	Params  json.RawMessage
}

// Prepared is a pending transaction together with the request options whose
// challenge is its canonical hash.
type Prepared struct {
	Pending *core.PendingTransaction
	Options *protocol.CredentialAssertion
}

type transferParams struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Asset  string `json:"asset,omitempty"`
}

type invokeParams struct {
	Contract string `json:"contract"`
	Calldata string `json:"calldata"`
	Value    string `json:"value,omitempty"`
}

type deviceParams struct {
	CredentialID string `json:"credentialId"`
}

// request is an operation request that passed every check needing no
// stored state. invoke operations are fully bound at this point.
type request struct {
	kind         core.OperationKind
	transfer     transferParams
	amount       decimal.Decimal
	invoke       binding
	credentialID []byte
}

// binding is an operation body before nonce and deadline are fixed.
type binding struct {
	target       common.Address
	value        *big.Int
	data         []byte
	credentialID []byte
	publicKey    []byte
	signers      []protocol.CredentialDescriptor
}

// TransactionBinder turns operation requests into pending transactions whose
// canonical hash is the challenge of a signing ceremony.
type TransactionBinder struct {
	ceremonies *CeremonyService
	approvals  *ApprovalGate
	relay      *relay
	registry   ports.CredentialRegistry
	pending    ports.PendingStore
	logger     *zap.Logger

	domain       eth.EIP712Domain
	operationTTL time.Duration
	challengeTTL time.Duration
	now          func() time.Time
}

// NewTransactionBinder creates a transaction binder
func NewTransactionBinder(
	ceremonies *CeremonyService,
	approvals *ApprovalGate,
	ledger ports.Ledger,
	relayer *eth.Relayer,
	policy config.Ledger,
	registry ports.CredentialRegistry,
	pending ports.PendingStore,
	sessions config.Sessions,
	logger *zap.Logger,
) *TransactionBinder {
	return &TransactionBinder{
		ceremonies: ceremonies,
		approvals:  approvals,
		relay:      newRelay(ledger, relayer, policy, logger),
		registry:   registry,
		pending:    pending,
		logger:     logger,
		domain: eth.EIP712Domain{
			Name:    policy.DomainName,
			Version: policy.DomainVersion,
			ChainID: big.NewInt(policy.ChainID),
		},
		operationTTL: policy.OperationTTL,
		challengeTTL: sessions.ChallengeTTL,
		now:          time.Now,
	}
}

// Prepare validates the request, fixes the operation against the wallet's
// current nonce and installs its hash as the requester's challenge. A new
// prepare replaces the requester's previous challenge.
func (b *TransactionBinder) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	if _, ok := req.Kind.Code(); !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedOperation, req.Kind)
	}
	if req.Session == nil {
		return nil, core.ErrNotAuthorized
	}
	parsed, err := parseRequest(req.Kind, req.Params)
	if err != nil {
		return nil, err
	}
	rp, err := b.ceremonies.parties.Resolve(req.Session.Origin)
	if err != nil {
		return nil, err
	}
	if rp.ID != req.Session.RPID {
		return nil, core.ErrNotAuthorized
	}
	if err := b.ceremonies.gate.begin(ctx, req.Client, core.ActionTransaction); err != nil {
		return nil, err
	}

	identity, err := b.registry.Lookup(ctx, req.Session.RPID, req.Session.Identifier)
	if err != nil {
		return nil, err
	}
	if len(identity.Credentials) == 0 {
		return nil, core.ErrNoCredentials
	}
	if identity.WalletAddress == nil {
		return nil, fmt.Errorf("%w: identity has no wallet", core.ErrAccountNotApproved)
	}
	wallet := *identity.WalletAddress

	approved, err := b.approvals.IsApproved(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, core.ErrAccountNotApproved
	}

	user := newPasskeyUser(identity.Identifier, identity.UserHandle, identity.Credentials)
	bound, err := b.bind(ctx, identity, user, wallet, parsed)
	if err != nil {
		return nil, err
	}

	nonce, err := b.nonce(ctx, wallet)
	if err != nil {
		return nil, err
	}

	now := b.now()
	op := core.Operation{
		Kind:     req.Kind,
		Target:   bound.target,
		Value:    bound.value,
		Data:     bound.data,
		Nonce:    nonce,
		Deadline: now.Add(b.operationTTL).Unix(),
	}
	hash, typedData, err := eth.HashOperation(b.domain, wallet, op)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(typedData)
	if err != nil {
		return nil, fmt.Errorf("encode unsigned payload: %w", err)
	}

	pending := &core.PendingTransaction{
		Hash:            hash,
		Requester:       identity.Key(),
		Wallet:          wallet,
		ChainID:         new(big.Int).Set(b.domain.ChainID),
		Operation:       op,
		UnsignedPayload: payload,
		CredentialID:    bound.credentialID,
		PublicKey:       bound.publicKey,
		CreatedAt:       now,
	}
	if err := b.pending.Put(ctx, pending, b.challengeTTL); err != nil {
		return nil, err
	}

	wa, err := b.ceremonies.verifiers.verifier(rp)
	if err != nil {
		return nil, err
	}
	options, session, err := wa.BeginLogin(user,
		webauthn.WithChallenge(hash.Bytes()),
		webauthn.WithAllowedCredentials(bound.signers),
	)
	if err != nil {
		return nil, fmt.Errorf("begin transaction signing: %w", err)
	}
	if err := b.ceremonies.install(ctx, identity.Key(), core.ChallengeTransaction, options.Response.Challenge, session); err != nil {
		return nil, err
	}

	b.logger.Info("wallet operation prepared",
		zap.String("rp_id", identity.RPID),
		zap.String("identifier", identity.Identifier),
		zap.String("kind", string(req.Kind)),
		zap.String("hash", hash.Hex()),
	)
	return &Prepared{Pending: pending, Options: options}, nil
}

// parseRequest decodes raw and checks the parameters of kind in isolation.
func parseRequest(kind core.OperationKind, raw json.RawMessage) (request, error) {
	req := request{kind: kind}
	switch kind {
	case core.OperationTransfer:
		if err := decodeParams(raw, &req.transfer); err != nil {
			return request{}, err
		}
		amount, err := parseTransfer(req.transfer)
		if err != nil {
			return request{}, err
		}
		req.amount = amount
		return req, nil

	case core.OperationInvoke:
		var params invokeParams
		if err := decodeParams(raw, &params); err != nil {
			return request{}, err
		}
		bound, err := bindInvoke(params)
		if err != nil {
			return request{}, err
		}
		req.invoke = bound
		return req, nil

	case core.OperationDeviceAdd, core.OperationDeviceRemove:
		var params deviceParams
		if err := decodeParams(raw, &params); err != nil {
			return request{}, err
		}
		credentialID, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(params.CredentialID, "="))
		if err != nil || len(credentialID) == 0 {
			return request{}, fmt.Errorf("%w: credentialId must be base64url", core.ErrInvalidParameters)
		}
		req.credentialID = credentialID
		return req, nil
	}
	return request{}, fmt.Errorf("%w: %q", core.ErrUnsupportedOperation, kind)
}

// parseTransfer checks the shape of every transfer field and returns the amount.
func parseTransfer(params transferParams) (decimal.Decimal, error) {
	if params.From != "" && !common.IsHexAddress(params.From) {
		return decimal.Decimal{}, fmt.Errorf("%w: from must be the caller's wallet", core.ErrInvalidParameters)
	}
	if common.IsHexAddress(params.To) {
		if common.HexToAddress(params.To) == (common.Address{}) {
			return decimal.Decimal{}, fmt.Errorf("%w: recipient is the zero address", core.ErrInvalidParameters)
		}
	} else if err := validateIdentifier(params.To); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: recipient: %v", core.ErrInvalidParameters, err)
	}

	amount, err := decimal.NewFromString(params.Amount)
	if err != nil || !amount.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: amount must be a positive decimal", core.ErrInvalidParameters)
	}

	switch asset := strings.ToLower(params.Asset); {
	case asset == "" || asset == "native":
		if _, err := scale(amount, nativeDecimals); err != nil {
			return decimal.Decimal{}, err
		}
	case !common.IsHexAddress(params.Asset):
		return decimal.Decimal{}, fmt.Errorf("%w: asset must be a token address or native", core.ErrInvalidParameters)
	}
	return amount, nil
}

// bind resolves a parsed request against the requester's identity and the ledger.
func (b *TransactionBinder) bind(ctx context.Context, identity *core.Identity, user *passkeyUser, wallet common.Address, req request) (binding, error) {
	switch req.kind {
	case core.OperationTransfer:
		bound, err := b.bindTransfer(ctx, identity.RPID, wallet, req.transfer, req.amount)
		bound.signers = user.descriptors(nil)
		return bound, err

	case core.OperationInvoke:
		bound := req.invoke
		bound.signers = user.descriptors(nil)
		return bound, nil

	case core.OperationDeviceAdd, core.OperationDeviceRemove:
		return bindDevice(identity, user, wallet, req.kind, req.credentialID)
	}
	return binding{}, fmt.Errorf("%w: %q", core.ErrUnsupportedOperation, req.kind)
}

func (b *TransactionBinder) bindTransfer(ctx context.Context, rpID string, wallet common.Address, params transferParams, amount decimal.Decimal) (binding, error) {
	if params.From != "" && common.HexToAddress(params.From) != wallet {
		return binding{}, fmt.Errorf("%w: from must be the caller's wallet", core.ErrInvalidParameters)
	}
	to, err := b.recipient(ctx, rpID, params.To)
	if err != nil {
		return binding{}, err
	}

	asset := strings.ToLower(params.Asset)
	if asset == "" || asset == "native" {
		value, err := scale(amount, nativeDecimals)
		if err != nil {
			return binding{}, err
		}
		return binding{target: to, value: value, data: []byte{}}, nil
	}

	token := common.HexToAddress(params.Asset)
	out, err := b.relay.call(ctx, token, eth.PackDecimals())
	if err != nil {
		return binding{}, err
	}
	decimals, err := eth.UnpackDecimals(out)
	if err != nil {
		return binding{}, fmt.Errorf("%w: asset is not a token: %v", core.ErrInvalidParameters, err)
	}
	units, err := scale(amount, int32(decimals))
	if err != nil {
		return binding{}, err
	}
	data, err := eth.PackERC20Transfer(to, units)
	if err != nil {
		return binding{}, err
	}
	return binding{target: token, value: new(big.Int), data: data}, nil
}

// recipient accepts an address or an identifier of the same relying party.
func (b *TransactionBinder) recipient(ctx context.Context, rpID, to string) (common.Address, error) {
	if common.IsHexAddress(to) {
		return common.HexToAddress(to), nil
	}

	identity, err := b.registry.Lookup(ctx, rpID, to)
	if errors.Is(err, core.ErrUserNotFound) {
		return common.Address{}, fmt.Errorf("%w: unknown recipient", core.ErrInvalidParameters)
	}
	if err != nil {
		return common.Address{}, err
	}
	if identity.WalletAddress == nil {
		return common.Address{}, fmt.Errorf("%w: recipient has no wallet", core.ErrInvalidParameters)
	}
	return *identity.WalletAddress, nil
}

func bindInvoke(params invokeParams) (binding, error) {
	if !common.IsHexAddress(params.Contract) {
		return binding{}, fmt.Errorf("%w: contract must be an address", core.ErrInvalidParameters)
	}
	data, err := hexutil.Decode(params.Calldata)
	if err != nil {
		return binding{}, fmt.Errorf("%w: calldata: %v", core.ErrInvalidParameters, err)
	}

	value := new(big.Int)
	if params.Value != "" {
		amount, err := decimal.NewFromString(params.Value)
		if err != nil || amount.IsNegative() {
			return binding{}, fmt.Errorf("%w: value must be a non-negative decimal", core.ErrInvalidParameters)
		}
		if value, err = scale(amount, nativeDecimals); err != nil {
			return binding{}, err
		}
	}
	return binding{target: common.HexToAddress(params.Contract), value: value, data: data}, nil
}

// bindDevice targets the wallet itself. A device being added cannot
// authorize its own addition, and the last device cannot be removed.
func bindDevice(identity *core.Identity, user *passkeyUser, wallet common.Address, kind core.OperationKind, credentialID []byte) (binding, error) {
	credential, ok := identity.Credential(credentialID)
	if !ok {
		return binding{}, fmt.Errorf("%w: %w", core.ErrInvalidParameters, core.ErrCredentialNotFound)
	}

	var err error
	bound := binding{target: wallet, value: new(big.Int), credentialID: credentialID}
	switch kind {
	case core.OperationDeviceAdd:
		if bound.data, err = eth.PackAddSigner(credentialID, credential.PublicKey); err != nil {
			return binding{}, err
		}
		bound.publicKey = credential.PublicKey
		bound.signers = user.descriptors(credentialID)
		if len(bound.signers) == 0 {
			return binding{}, fmt.Errorf("%w: no other passkey can authorize the new device", core.ErrInvalidParameters)
		}
	default:
		if len(identity.Credentials) <= 1 {
			return binding{}, core.ErrLastCredential
		}
		if bound.data, err = eth.PackRemoveSigner(credentialID); err != nil {
			return binding{}, err
		}
		bound.signers = user.descriptors(nil)
	}
	return bound, nil
}

func (b *TransactionBinder) nonce(ctx context.Context, wallet common.Address) (*big.Int, error) {
	out, err := b.relay.call(ctx, wallet, eth.PackNonce())
	if err != nil {
		return nil, err
	}
	nonce, err := eth.UnpackNonce(out)
	if err != nil {
		return nil, &core.LedgerError{Reason: err.Error()}
	}
	return nonce, nil
}

// decodeParams decodes raw into dst, refusing unknown fields.
func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: parameters are required", core.ErrInvalidParameters)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidParameters, err)
	}
	if decoder.More() {
		return fmt.Errorf("%w: trailing data after parameters", core.ErrInvalidParameters)
	}
	return nil
}

// scale converts amount into base units with the given decimals.
func scale(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	units := amount.Shift(decimals)
	if !units.IsInteger() {
		return nil, fmt.Errorf("%w: amount has more than %d decimals", core.ErrInvalidParameters, decimals)
	}
	return units.BigInt(), nil
}
