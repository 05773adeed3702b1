package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/internal/eth"
	"github.com/layer-3/warden/ports"
	"go.uber.org/zap"
)

// relay drives the ledger on behalf of the service relayer account.
type relay struct {
	ledger  ports.Ledger
	relayer *eth.Relayer
	policy  config.Ledger
	logger  *zap.Logger
}

func newRelay(ledger ports.Ledger, relayer *eth.Relayer, policy config.Ledger, logger *zap.Logger) *relay {
	return &relay{ledger: ledger, relayer: relayer, policy: policy, logger: logger}
}

// retry runs op until it succeeds, fails permanently or runs out of
// attempts. Only transient failures are retried.
func retry[T any](ctx context.Context, policy config.Ledger, logger *zap.Logger, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.SendBackoff
	b.MaxInterval = 8 * policy.SendBackoff

	result, err := backoff.Retry(ctx, func() (T, error) {
		value, err := op()
		if err != nil && !core.IsTransient(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.SendAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("ledger call failed, retrying", zap.String("call", name), zap.Duration("next", next), zap.Error(err))
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && !core.IsTransient(err) {
		err = fmt.Errorf("%w: %w", core.ErrTransient, err)
	}
	return result, err
}

// call performs a read-only contract call.
func (r *relay) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return retry(ctx, r.policy, r.logger, "eth_call", func() ([]byte, error) {
		out, err := r.ledger.CallContract(ctx, ethereum.CallMsg{From: r.relayer.Address(), To: &to, Data: data}, nil)
		return out, eth.ClassifyError(err)
	})
}

// deployed reports whether account holds contract code.
func (r *relay) deployed(ctx context.Context, account common.Address) (bool, error) {
	code, err := retry(ctx, r.policy, r.logger, "eth_getCode", func() ([]byte, error) {
		code, err := r.ledger.CodeAt(ctx, account, nil)
		return code, eth.ClassifyError(err)
	})
	return len(code) > 0, err
}

// sign simulates a call to contract and signs the relayer transaction
// carrying it. The simulation surfaces reverts before anything is sent.
func (r *relay) sign(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	if _, err := r.call(ctx, to, data); err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{From: r.relayer.Address(), To: &to, Data: data}
	gas, err := retry(ctx, r.policy, r.logger, "eth_estimateGas", func() (uint64, error) {
		gas, err := r.ledger.EstimateGas(ctx, msg)
		return gas, eth.ClassifyError(err)
	})
	if err != nil {
		return nil, err
	}
	gasPrice, err := retry(ctx, r.policy, r.logger, "eth_gasPrice", func() (*big.Int, error) {
		price, err := r.ledger.SuggestGasPrice(ctx)
		return price, eth.ClassifyError(err)
	})
	if err != nil {
		return nil, err
	}
	nonce, err := retry(ctx, r.policy, r.logger, "eth_getTransactionCount", func() (uint64, error) {
		nonce, err := r.ledger.PendingNonceAt(ctx, r.relayer.Address())
		return nonce, eth.ClassifyError(err)
	})
	if err != nil {
		return nil, err
	}

	return r.relayer.Sign(nonce, to, uint64(float64(gas)*r.policy.GasMultiplier), gasPrice, data)
}

// send broadcasts a signed transaction. Resending the same transaction is
// harmless: the node answers "already known" or the nonce is consumed by
// the first copy.
func (r *relay) send(ctx context.Context, tx *types.Transaction) error {
	_, err := retry(ctx, r.policy, r.logger, "eth_sendRawTransaction", func() (struct{}, error) {
		err := eth.ClassifyError(r.ledger.SendTransaction(ctx, tx))
		switch {
		case err == nil, errors.Is(err, eth.ErrAlreadyKnown):
			return struct{}{}, nil
		case eth.IsNonceTooLow(err):
			// An earlier attempt may have been mined already
			if receipt, receiptErr := r.ledger.TransactionReceipt(ctx, tx.Hash()); receiptErr == nil && receipt != nil {
				return struct{}{}, nil
			}
		}
		return struct{}{}, err
	})
	return err
}

// wait polls for the receipt of txHash. It gives up after the configured
// number of attempts or when ctx ends and reports the transaction as
// unconfirmed.
func (r *relay) wait(ctx context.Context, txHash common.Hash) core.SubmissionStatus {
	ticker := time.NewTicker(r.policy.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < r.policy.PollAttempts; attempt++ {
		if status, ok := r.receipt(ctx, txHash); ok {
			return status
		}
		select {
		case <-ctx.Done():
			return core.StatusUnconfirmed
		case <-ticker.C:
		}
	}
	return core.StatusUnconfirmed
}

// receipt returns the terminal status of txHash, or false while it is unknown.
func (r *relay) receipt(ctx context.Context, txHash common.Hash) (core.SubmissionStatus, bool) {
	receipt, err := r.ledger.TransactionReceipt(ctx, txHash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return "", false
	case err != nil:
		r.logger.Debug("receipt query failed", zap.String("tx", txHash.Hex()), zap.Error(err))
		return "", false
	case receipt.Status == types.ReceiptStatusSuccessful:
		return core.StatusConfirmed, true
	default:
		return core.StatusFailed, true
	}
}
