package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/eth"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// ApprovalGate answers and records whether a wallet may operate, using the
// authorization registry contract.
type ApprovalGate struct {
	relay    *relay
	contract common.Address
	registry ports.CredentialRegistry
	parties  RelyingPartyResolver
	admins   map[config.Admin]struct{}
	logger   *zap.Logger
}

// NewApprovalGate creates an approval gate backed by the registry contract
// named in policy. Identities listed in admins may approve any wallet when
// they sign in through an allow-listed relying party.
func NewApprovalGate(
	ledger ports.Ledger,
	relayer *eth.Relayer,
	policy config.Ledger,
	registry ports.CredentialRegistry,
	parties RelyingPartyResolver,
	admins []config.Admin,
	logger *zap.Logger,
) *ApprovalGate {
	set := make(map[config.Admin]struct{}, len(admins))
	for _, admin := range admins {
		set[admin] = struct{}{}
	}
	return &ApprovalGate{
		relay:    newRelay(ledger, relayer, policy, logger),
		contract: common.HexToAddress(policy.ApprovalRegistry),
		registry: registry,
		parties:  parties,
		admins:   set,
		logger:   logger,
	}
}

// IsApproved queries the registry contract.
func (g *ApprovalGate) IsApproved(ctx context.Context, wallet common.Address) (bool, error) {
	out, err := g.relay.call(ctx, g.contract, eth.PackIsApproved(wallet))
	if err != nil {
		return false, err
	}
	approved, err := eth.UnpackIsApproved(out)
	if err != nil {
		return false, &core.LedgerError{Reason: err.Error()}
	}
	return approved, nil
}

// Approve marks wallet approved. Approving an approved wallet is a no-op.
// The requester must be an administrator or the wallet's owner.
func (g *ApprovalGate) Approve(ctx context.Context, requester *core.Session, wallet common.Address) (core.ApprovalResult, error) {
	if err := g.authorize(ctx, requester, wallet); err != nil {
		return core.ApprovalResult{}, err
	}

	approved, err := g.IsApproved(ctx, wallet)
	if err != nil {
		return core.ApprovalResult{}, err
	}
	if approved {
		return core.ApprovalResult{AlreadyApproved: true}, nil
	}

	tx, err := g.relay.sign(ctx, g.contract, eth.PackApprove(wallet))
	if err != nil {
		return core.ApprovalResult{}, err
	}
	if err := g.relay.send(ctx, tx); err != nil {
		return core.ApprovalResult{}, err
	}

	result := core.ApprovalResult{TxHash: tx.Hash()}
	switch status := g.relay.wait(ctx, tx.Hash()); status {
	case core.StatusFailed:
		return core.ApprovalResult{}, &core.LedgerError{Reason: "approval reverted"}
	case core.StatusUnconfirmed:
		g.logger.Warn("approval not confirmed yet", zap.String("wallet", wallet.Hex()), zap.String("tx", tx.Hash().Hex()))
	default:
		g.logger.Info("wallet approved",
			zap.String("wallet", wallet.Hex()),
			zap.String("by", requester.Identifier),
			zap.String("tx", tx.Hash().Hex()),
		)
	}
	return result, nil
}

func (g *ApprovalGate) authorize(ctx context.Context, requester *core.Session, wallet common.Address) error {
	if requester == nil {
		return core.ErrNotAuthorized
	}
	if g.isAdmin(requester) {
		return nil
	}

	identity, err := g.registry.Lookup(ctx, requester.RPID, requester.Identifier)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrNotAuthorized, err)
	}
	if identity.WalletAddress == nil || *identity.WalletAddress != wallet {
		return core.ErrNotAuthorized
	}
	return nil
}

func (g *ApprovalGate) isAdmin(requester *core.Session) bool {
	if !g.parties.Listed(requester.RPID) {
		return false
	}
	_, ok := g.admins[config.Admin{RPID: requester.RPID, Identifier: requester.Identifier}]
	return ok
}
