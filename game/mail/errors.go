package mail

import (
	"errors"

	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/game/delivery"
	"github.com/kasuganosora/mailsystem/game/economy"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/store"
)

// Errors shared with the layers below keep their identity so callers can
// match them with errors.Is at any level.
var (
	ErrStoreUnavailable  = store.ErrStoreUnavailable
	ErrNotFound          = store.ErrNotFound
	ErrAlreadyClaimed    = store.ErrAlreadyClaimed
	ErrDailyLimit        = store.ErrDailyLimit
	ErrCorruptPayload    = codec.ErrCorruptPayload
	ErrPayloadTooDeep    = codec.ErrTooDeep
	ErrInsufficientFunds = economy.ErrInsufficientFunds
	ErrInventoryFull     = item.ErrInventoryFull
	ErrNotInBag          = item.ErrNotInBag
	ErrNotDeletable      = store.ErrNotDeletable
	ErrOverloaded        = delivery.ErrOverloaded
)

var (
	ErrNotRecipient       = errors.New("mail: not the recipient")
	ErrNotClaimable       = errors.New("mail: mail is no longer claimable")
	ErrExpired            = errors.New("mail: mail has expired")
	ErrNotReturnable      = errors.New("mail: mail cannot be returned")
	ErrBlocked            = errors.New("mail: sender is blocked by recipient")
	ErrMailboxFull        = errors.New("mail: recipient mailbox is full")
	ErrInvalidRecipient   = errors.New("mail: invalid recipient")
	ErrNoSuchRecipient    = errors.New("mail: recipient does not exist")
	ErrTitleRequired      = errors.New("mail: title is required")
	ErrTitleTooLong       = errors.New("mail: title too long")
	ErrBodyTooLong        = errors.New("mail: body too long")
	ErrTooManyAttachments = errors.New("mail: too many attachments")
	ErrInvalidAmount      = errors.New("mail: invalid amount")
	// ErrInvalidAttachment means a player named item stacks directly or the
	// system named bag slots. Players attach slots, the system attaches stacks.
	ErrInvalidAttachment = errors.New("mail: invalid attachment")
	ErrNoTargets         = errors.New("mail: broadcast has no recipients")
	ErrInvalidTemplate   = errors.New("mail: invalid template name")
)

// transient reports whether err may succeed on retry. Store failures count
// only when the store knows nothing was applied.
func transient(err error) bool {
	return errors.Is(err, economy.ErrUnavailable) ||
		errors.Is(err, item.ErrUnavailable) ||
		errors.Is(err, store.ErrRetryable)
}
