package eth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/layer-3/warden/core"
)

// ErrAlreadyKnown is returned when the node already holds the transaction.
var ErrAlreadyKnown = errors.New("transaction already known")

// JSON-RPC codes a node uses for overload rather than rejection.
const (
	codeInternal      = -32603
	codeLimitExceeded = -32005
)

// ClassifyError sorts a JSON-RPC failure into a ledger rejection, an
// already known transaction, or a transient failure worth retrying.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if isAlreadyKnown(err.Error()) {
		return ErrAlreadyKnown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= http.StatusInternalServerError || httpErr.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", core.ErrTransient, err)
		}
		return &core.LedgerError{Code: httpErr.StatusCode, Reason: httpErr.Status}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeInternal, codeLimitExceeded:
			return fmt.Errorf("%w: %v", core.ErrTransient, err)
		}
		return &core.LedgerError{Code: rpcErr.ErrorCode(), Reason: revertReason(err)}
	}

	return fmt.Errorf("%w: %v", core.ErrTransient, err)
}

// revertReason decodes Error(string) revert data when the node returns it.
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

func isAlreadyKnown(message string) bool {
	message = strings.ToLower(message)
	return strings.Contains(message, "already known") || strings.Contains(message, "known transaction")
}

// IsNonceTooLow reports a rejection caused by a nonce that was already used.
func IsNonceTooLow(err error) bool {
	var ledgerErr *core.LedgerError
	return errors.As(err, &ledgerErr) && strings.Contains(strings.ToLower(ledgerErr.Reason), "nonce too low")
}
