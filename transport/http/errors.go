package http

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden"
	"github.com/layer-3/warden/core"
	"go.uber.org/zap"
)

// status maps a service error to its HTTP status and public message. Ceremony
// failures share one message so callers cannot tell which check failed.
func status(err error) (int, warden.ErrorResponse) {
	var limited *core.RateLimitError
	if errors.As(err, &limited) {
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		return http.StatusTooManyRequests, warden.ErrorResponse{
			Error:      fmt.Sprintf("too many attempts, retry after %ds", seconds),
			RetryAfter: seconds,
		}
	}

	var rejected *core.LedgerError
	if errors.As(err, &rejected) {
		return http.StatusUnprocessableEntity, warden.ErrorResponse{
			Error:  "rejected by ledger",
			Code:   rejected.Code,
			Reason: rejected.Reason,
		}
	}

	switch {
	case errors.Is(err, core.ErrVerificationFailed):
		return http.StatusUnauthorized, warden.ErrorResponse{Error: "verification failed"}
	case errors.Is(err, core.ErrTokenExpired):
		return http.StatusUnauthorized, warden.ErrorResponse{Error: "token expired"}
	case errors.Is(err, core.ErrTokenInvalidated):
		return http.StatusUnauthorized, warden.ErrorResponse{Error: "token has been invalidated"}
	case errors.Is(err, core.ErrInvalidToken):
		return http.StatusUnauthorized, warden.ErrorResponse{Error: "invalid token"}
	case errors.Is(err, core.ErrNotAuthorized):
		return http.StatusForbidden, warden.ErrorResponse{Error: "not authorized"}
	case errors.Is(err, core.ErrAccountNotApproved):
		return http.StatusForbidden, warden.ErrorResponse{Error: "account not approved"}
	case errors.Is(err, core.ErrPendingNotFound):
		return http.StatusNotFound, warden.ErrorResponse{Error: "transaction not found"}
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrInvalidParameters),
		errors.Is(err, core.ErrUnsupportedOperation),
		errors.Is(err, core.ErrLastCredential),
		errors.Is(err, core.ErrNoCredentials),
		errors.Is(err, core.ErrOriginMismatch):
		return http.StatusBadRequest, warden.ErrorResponse{Error: err.Error()}
	case core.IsTransient(err):
		return http.StatusServiceUnavailable, warden.ErrorResponse{Error: "service temporarily unavailable"}
	}
	return http.StatusInternalServerError, warden.ErrorResponse{Error: "internal error"}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code, body := status(err)
	if body.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, body)
}

// rejected reports a terminal ledger rejection together with the operation
// it ended.
func (h *Handlers) rejected(c *gin.Context, err error, result core.SubmissionResult) {
	code, body := status(err)
	body.Hash = result.Hash.Hex()
	body.Status = string(result.Status)
	h.logger.Info("submission rejected", zap.String("hash", body.Hash), zap.Error(err))
	c.AbortWithStatusJSON(code, body)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, warden.ErrorResponse{Error: message})
}
