package service

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// TransactionService runs the transaction-as-challenge flow: prepare, sign
// with a passkey, submit.
type TransactionService struct {
	ceremonies *CeremonyService
	binder     *TransactionBinder
	pipeline   *SubmissionPipeline
	pending    ports.PendingStore
	metrics    ports.Metrics
	logger     *zap.Logger
}

// NewTransactionService creates a transaction service
func NewTransactionService(
	ceremonies *CeremonyService,
	binder *TransactionBinder,
	pipeline *SubmissionPipeline,
	pending ports.PendingStore,
	metrics ports.Metrics,
	logger *zap.Logger,
) *TransactionService {
	return &TransactionService{
		ceremonies: ceremonies,
		binder:     binder,
		pipeline:   pipeline,
		pending:    pending,
		metrics:    metrics,
		logger:     logger,
	}
}

// Prepare binds an operation to a new signing ceremony.
func (s *TransactionService) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	return s.binder.Prepare(ctx, req)
}

// Submit verifies the passkey assertion over the pending transaction hash and
// hands the operation to the submission pipeline. Submitting a transaction
// that was already sent returns its current status, and one whose signature
// was verified by an earlier attempt resumes without verifying again.
func (s *TransactionService) Submit(ctx context.Context, client string, requester *core.Session, hash common.Hash, response []byte) (core.SubmissionResult, error) {
	gate := s.ceremonies.gate
	if err := gate.check(ctx, client, core.ActionTransaction); err != nil {
		return core.SubmissionResult{}, err
	}

	pending, err := s.pending.Get(ctx, hash)
	if err == nil && (requester == nil || pending.Requester != requester.Key()) {
		err = core.ErrPendingNotFound
	}
	if err != nil {
		if errors.Is(err, core.ErrPendingNotFound) {
			return core.SubmissionResult{}, gate.failed(ctx, client, core.ActionTransaction, err)
		}
		return core.SubmissionResult{}, err
	}

	if pending.Submitted() || pending.Assertion != nil {
		return s.pipeline.Submit(ctx, pending, core.Assertion{})
	}

	assertion, err := s.ceremonies.VerifyTransactionAssertion(ctx, requester, pending, response)
	if err != nil {
		s.metrics.CeremonyCompleted(core.ChallengeTransaction, "failure")
		s.logger.Info("transaction signature rejected",
			zap.String("rp_id", requester.RPID),
			zap.String("identifier", requester.Identifier),
			zap.String("hash", hash.Hex()),
			zap.Error(err),
		)
		return core.SubmissionResult{}, gate.failed(ctx, client, core.ActionTransaction, verificationFailed(err))
	}
	gate.succeeded(ctx, client, core.ActionTransaction)
	s.metrics.CeremonyCompleted(core.ChallengeTransaction, "success")

	return s.pipeline.Submit(ctx, pending, assertion)
}

// Status reports a pending transaction of requester.
func (s *TransactionService) Status(ctx context.Context, requester *core.Session, hash common.Hash) (core.SubmissionResult, error) {
	return s.pipeline.Status(ctx, requester, hash)
}
