package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/game/mail"
	"go.uber.org/zap"
)

// statusOf maps mailbox errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, mail.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mail.ErrNotRecipient):
		return http.StatusForbidden
	case errors.Is(err, mail.ErrAlreadyClaimed),
		errors.Is(err, mail.ErrNotClaimable),
		errors.Is(err, mail.ErrExpired),
		errors.Is(err, mail.ErrNotReturnable):
		return http.StatusConflict
	case errors.Is(err, mail.ErrCorruptPayload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mail.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, mail.ErrInventoryFull),
		errors.Is(err, mail.ErrMailboxFull),
		errors.Is(err, mail.ErrBlocked),
		errors.Is(err, mail.ErrNotInBag),
		errors.Is(err, mail.ErrNotDeletable):
		return http.StatusConflict
	case errors.Is(err, mail.ErrDailyLimit), errors.Is(err, mail.ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, mail.ErrInvalidRecipient),
		errors.Is(err, mail.ErrNoSuchRecipient),
		errors.Is(err, mail.ErrTitleRequired),
		errors.Is(err, mail.ErrTitleTooLong),
		errors.Is(err, mail.ErrBodyTooLong),
		errors.Is(err, mail.ErrTooManyAttachments),
		errors.Is(err, mail.ErrInvalidAmount),
		errors.Is(err, mail.ErrPayloadTooDeep),
		errors.Is(err, mail.ErrInvalidAttachment),
		errors.Is(err, mail.ErrInvalidTemplate),
		errors.Is(err, mail.ErrNoTargets):
		return http.StatusBadRequest
	case errors.Is(err, mail.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON. Unexpected errors are logged and hidden
// from the client.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	c.JSON(code, gin.H{"error": msg})
}
