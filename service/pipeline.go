package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/eth"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// SubmissionPipeline carries signed wallet operations to the ledger and
// follows them to a terminal status.
type SubmissionPipeline struct {
	relay    *relay
	deriver  eth.WalletDeriver
	pending  ports.PendingStore
	registry ports.CredentialRegistry
	events   ports.EventPublisher
	metrics  ports.Metrics
	logger   *zap.Logger

	pendingTTL time.Duration
	now        func() time.Time
}

// NewSubmissionPipeline creates a submission pipeline
func NewSubmissionPipeline(
	ledger ports.Ledger,
	relayer *eth.Relayer,
	policy config.Ledger,
	deriver eth.WalletDeriver,
	pending ports.PendingStore,
	registry ports.CredentialRegistry,
	events ports.EventPublisher,
	sessions config.Sessions,
	metrics ports.Metrics,
	logger *zap.Logger,
) *SubmissionPipeline {
	return &SubmissionPipeline{
		relay:      newRelay(ledger, relayer, policy, logger),
		deriver:    deriver,
		pending:    pending,
		registry:   registry,
		events:     events,
		metrics:    metrics,
		logger:     logger,
		pendingTTL: sessions.PendingTTL,
		now:        time.Now,
	}
}

// Submit attaches assertion to pending, sends it and waits for the receipt.
// The assertion is stored before the ledger is touched, so a submission cut
// short by a transient failure resumes without a new signature; once stored,
// later calls ignore their assertion argument. A transaction that was already
// sent is never sent again; its status is reconciled instead. A ledger
// rejection is returned as a *core.LedgerError next to the failed result.
func (p *SubmissionPipeline) Submit(ctx context.Context, pending *core.PendingTransaction, assertion core.Assertion) (core.SubmissionResult, error) {
	if pending.Submitted() {
		return p.reconcile(ctx, pending), nil
	}
	if pending.Assertion == nil {
		pending.Assertion = &assertion
		if err := p.pending.Put(ctx, pending, p.pendingTTL); err != nil {
			return core.SubmissionResult{}, err
		}
	}

	auth, err := eth.NewAuthorization(*pending.Assertion)
	if err != nil {
		return core.SubmissionResult{}, err
	}
	data, err := eth.PackExecute(pending.Operation, auth)
	if err != nil {
		return core.SubmissionResult{}, err
	}

	if err := p.deploy(ctx, pending); err != nil {
		return p.reject(ctx, pending, err)
	}

	tx, err := p.relay.sign(ctx, pending.Wallet, data)
	if err != nil {
		return p.reject(ctx, pending, err)
	}

	txHash := tx.Hash()
	submittedAt := p.now()
	pending.SubmittedTx = &txHash
	pending.SubmittedAt = &submittedAt
	if err := p.pending.Put(ctx, pending, p.pendingTTL); err != nil {
		return core.SubmissionResult{}, err
	}

	p.logger.Info("submitting wallet operation",
		zap.String("hash", pending.Hash.Hex()),
		zap.String("tx", txHash.Hex()),
		zap.String("kind", string(pending.Operation.Kind)),
		zap.String("wallet", pending.Wallet.Hex()),
	)

	if err := p.relay.send(ctx, tx); err != nil {
		var ledgerErr *core.LedgerError
		if errors.As(err, &ledgerErr) {
			p.finish(ctx, pending, core.StatusFailed)
			return p.result(pending, core.StatusFailed), err
		}
		// The node may hold the transaction even though every send failed.
		p.logger.Warn("send not acknowledged", zap.String("tx", txHash.Hex()), zap.Error(err))
		p.metrics.SubmissionFinished(core.StatusUnconfirmed)
		return p.result(pending, core.StatusUnconfirmed), nil
	}

	status := p.relay.wait(ctx, txHash)
	if status == core.StatusUnconfirmed {
		p.metrics.SubmissionFinished(status)
		return p.result(pending, status), nil
	}
	p.finish(ctx, pending, status)
	return p.result(pending, status), nil
}

// deploy creates the wallet of pending through the factory when it holds no
// code yet. The passkey that signed the operation becomes its first signer.
func (p *SubmissionPipeline) deploy(ctx context.Context, pending *core.PendingTransaction) error {
	deployed, err := p.relay.deployed(ctx, pending.Wallet)
	if err != nil || deployed {
		return err
	}

	identity, err := p.registry.Lookup(ctx, pending.Requester.RPID, pending.Requester.Identifier)
	if err != nil {
		return err
	}
	if p.deriver.Address(identity.RPID, identity.UserHandle) != pending.Wallet {
		return &core.LedgerError{Reason: "wallet is not derived from the configured factory"}
	}
	signer, ok := identity.Credential(pending.Assertion.CredentialID)
	if !ok {
		return core.ErrCredentialNotFound
	}
	data, err := eth.PackCreateAccount(p.deriver.Salt(identity.RPID, identity.UserHandle), signer.ID, signer.PublicKey)
	if err != nil {
		return err
	}

	tx, err := p.relay.sign(ctx, p.deriver.Factory, data)
	if err != nil {
		return err
	}
	p.logger.Info("deploying wallet",
		zap.String("wallet", pending.Wallet.Hex()),
		zap.String("tx", tx.Hash().Hex()),
		zap.String("rp_id", identity.RPID),
	)
	if err := p.relay.send(ctx, tx); err != nil {
		return err
	}

	status := p.relay.wait(ctx, tx.Hash())
	if status == core.StatusConfirmed {
		return nil
	}
	// A deployment sent by an earlier attempt may have landed first
	if deployed, err := p.relay.deployed(ctx, pending.Wallet); err == nil && deployed {
		return nil
	}
	if status == core.StatusFailed {
		return &core.LedgerError{Reason: "wallet deployment reverted"}
	}
	return fmt.Errorf("%w: wallet deployment %s not confirmed", core.ErrTransient, tx.Hash().Hex())
}

// Status reports the state of a pending transaction owned by requester
// without sending anything.
func (p *SubmissionPipeline) Status(ctx context.Context, requester *core.Session, hash common.Hash) (core.SubmissionResult, error) {
	pending, err := p.pending.Get(ctx, hash)
	if err != nil {
		return core.SubmissionResult{}, err
	}
	if requester == nil || pending.Requester != requester.Key() {
		return core.SubmissionResult{}, core.ErrPendingNotFound
	}
	if !pending.Submitted() {
		return p.result(pending, core.StatusPending), nil
	}
	return p.reconcile(ctx, pending), nil
}

// reconcile reads the receipt of an already sent transaction.
func (p *SubmissionPipeline) reconcile(ctx context.Context, pending *core.PendingTransaction) core.SubmissionResult {
	status, ok := p.relay.receipt(ctx, *pending.SubmittedTx)
	if !ok {
		return p.result(pending, core.StatusUnconfirmed)
	}
	p.finish(ctx, pending, status)
	return p.result(pending, status)
}

// reject ends a submission that failed before the operation was sent.
// Ledger rejections are terminal; other failures leave the pending record,
// with its verified assertion, for a later attempt.
func (p *SubmissionPipeline) reject(ctx context.Context, pending *core.PendingTransaction, err error) (core.SubmissionResult, error) {
	var ledgerErr *core.LedgerError
	if !errors.As(err, &ledgerErr) {
		return core.SubmissionResult{}, err
	}
	p.logger.Info("wallet operation rejected",
		zap.String("hash", pending.Hash.Hex()),
		zap.Int("code", ledgerErr.Code),
		zap.String("reason", ledgerErr.Reason),
	)
	p.finish(ctx, pending, core.StatusFailed)
	return p.result(pending, core.StatusFailed), err
}

// finish applies the effects of a terminal status: the pending record is
// dropped, a confirmed device removal is mirrored in the registry and the
// result is published.
func (p *SubmissionPipeline) finish(ctx context.Context, pending *core.PendingTransaction, status core.SubmissionStatus) {
	if err := p.pending.Delete(ctx, pending.Hash); err != nil {
		p.logger.Warn("delete pending transaction", zap.String("hash", pending.Hash.Hex()), zap.Error(err))
	}

	if status == core.StatusConfirmed && pending.Operation.Kind == core.OperationDeviceRemove {
		if err := p.registry.Remove(ctx, pending.Requester.RPID, pending.CredentialID); err != nil {
			p.logger.Error("remove credential after confirmation",
				zap.String("rp_id", pending.Requester.RPID),
				zap.String("credential_id", base64.RawURLEncoding.EncodeToString(pending.CredentialID)),
				zap.Error(err),
			)
		}
	}

	event := core.TransactionEvent{
		Hash:       pending.Hash,
		Status:     status,
		Kind:       pending.Operation.Kind,
		Wallet:     pending.Wallet,
		RPID:       pending.Requester.RPID,
		Identifier: pending.Requester.Identifier,
		At:         p.now(),
	}
	if pending.SubmittedTx != nil {
		event.TxHash = *pending.SubmittedTx
	}
	if err := p.events.PublishTransaction(ctx, event); err != nil {
		p.logger.Warn("publish transaction event", zap.String("hash", pending.Hash.Hex()), zap.Error(err))
	}

	p.metrics.SubmissionFinished(status)
	p.logger.Info("wallet operation finished",
		zap.String("hash", pending.Hash.Hex()),
		zap.String("status", string(status)),
	)
}

func (p *SubmissionPipeline) result(pending *core.PendingTransaction, status core.SubmissionStatus) core.SubmissionResult {
	result := core.SubmissionResult{Hash: pending.Hash, Status: status}
	if pending.SubmittedTx != nil {
		result.TxHash = *pending.SubmittedTx
	}
	return result
}
