package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/game/mail"
	"github.com/kasuganosora/mailsystem/game/player"
	"go.uber.org/zap"
)

// MailHandlers serves the mailbox over the socket for the session's character.
type MailHandlers struct {
	svc    *mail.Service
	logger *zap.Logger
}

// NewMailHandlers creates MailHandlers.
func NewMailHandlers(svc *mail.Service, logger *zap.Logger) *MailHandlers {
	return &MailHandlers{svc: svc, logger: logger}
}

// RegisterHandlers registers the mail WS handlers.
func (h *MailHandlers) RegisterHandlers(r *Router) {
	r.On("ping", h.HandlePing)
	r.On("mail_list", h.HandleList)
	r.On("mail_unread", h.HandleUnread)
	r.On("mail_read", h.HandleRead)
	r.On("mail_claim", h.HandleClaim)
	r.On("mail_send", h.HandleSend)
	r.On("mail_return", h.HandleReturn)
	r.On("mail_delete", h.HandleDelete)
}

type pingPayload struct {
	TS int64 `json:"ts"`
}

// HandlePing responds to client heartbeat pings.
func (h *MailHandlers) HandlePing(_ context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var p pingPayload
	_ = json.Unmarshal(raw, &p)
	s.SendHeartbeatPong(p.TS)
	return nil
}

type mailIDPayload struct {
	MailID int64 `json:"mail_id"`
}

func decodeMailID(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) (int64, bool) {
	var req mailIDPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.MailID <= 0 {
		replyError(ctx, s, "bad_request", "invalid mail_id")
		return 0, false
	}
	return req.MailID, true
}

// HandleList replies with the pending mailbox summary.
func (h *MailHandlers) HandleList(ctx context.Context, s *player.PlayerSession, _ json.RawMessage) error {
	box, err := h.svc.Mailbox(ctx, s.CharID)
	if err != nil {
		return h.fail(ctx, s, err)
	}
	reply(ctx, s, "mail_list", map[string]any{"mails": box})
	return nil
}

// HandleUnread replies with the unread count.
func (h *MailHandlers) HandleUnread(ctx context.Context, s *player.PlayerSession, _ json.RawMessage) error {
	n, err := h.svc.UnreadCount(ctx, s.CharID)
	if err != nil {
		return h.fail(ctx, s, err)
	}
	reply(ctx, s, mail.EventUnread, mail.UnreadEvent{Count: n})
	return nil
}

// HandleRead marks one mail read.
func (h *MailHandlers) HandleRead(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	id, ok := decodeMailID(ctx, s, raw)
	if !ok {
		return nil
	}
	if err := h.svc.MarkRead(ctx, s.CharID, id); err != nil {
		return h.fail(ctx, s, err)
	}
	reply(ctx, s, "mail_read", mailIDPayload{MailID: id})
	return nil
}

// HandleClaim takes the attachment of one mail.
func (h *MailHandlers) HandleClaim(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	id, ok := decodeMailID(ctx, s, raw)
	if !ok {
		return nil
	}
	res, err := h.svc.Claim(ctx, s.CharID, id, TraceIDFromCtx(ctx))
	if err != nil {
		return h.fail(ctx, s, err)
	}
	reply(ctx, s, "mail_claimed", res)
	return nil
}

type sendPayload struct {
	RecipientID int64      `json:"recipient_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Currency    int64      `json:"currency"`
	Items       []item.Ref `json:"items"`
}

// HandleSend sends a mail from the session's character.
func (h *MailHandlers) HandleSend(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var req sendPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		replyError(ctx, s, "bad_request", "malformed mail")
		return nil
	}
	m, err := h.svc.Send(ctx, mail.SendRequest{
		SenderID:    s.CharID,
		SenderName:  s.CharName,
		RecipientID: req.RecipientID,
		Title:       req.Title,
		Body:        req.Body,
		Currency:    req.Currency,
		Attach:      req.Items,
		TraceID:     TraceIDFromCtx(ctx),
	})
	if err != nil {
		return h.fail(ctx, s, err)
	}
	reply(ctx, s, "mail_sent", map[string]any{"mail_id": m.ID, "expires_at": m.ExpiresAt})
	return nil
}

// HandleReturn sends one mail back to its sender.
func (h *MailHandlers) HandleReturn(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	id, ok := decodeMailID(ctx, s, raw)
	if !ok {
		return nil
	}
	ret, err := h.svc.Return(ctx, s.CharID, id, TraceIDFromCtx(ctx))
	if err != nil {
		return h.fail(ctx, s, err)
	}
	reply(ctx, s, "mail_returned", map[string]any{"mail_id": id, "return_mail_id": ret.ID})
	return nil
}

// HandleDelete removes one finished mail from the mailbox.
func (h *MailHandlers) HandleDelete(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	id, ok := decodeMailID(ctx, s, raw)
	if !ok {
		return nil
	}
	if err := h.svc.Delete(ctx, s.CharID, id, TraceIDFromCtx(ctx)); err != nil {
		return h.fail(ctx, s, err)
	}
	reply(ctx, s, "mail_deleted", mailIDPayload{MailID: id})
	return nil
}

// fail replies with the error code of a known mailbox error. Unknown errors
// are handed back to the router, which logs them.
func (h *MailHandlers) fail(ctx context.Context, s *player.PlayerSession, err error) error {
	code := codeOf(err)
	if code == "" {
		return err
	}
	replyError(ctx, s, code, err.Error())
	return nil
}

var errorCodes = []struct {
	err  error
	code string
}{
	{mail.ErrNotFound, "not_found"},
	{mail.ErrNotRecipient, "not_recipient"},
	{mail.ErrAlreadyClaimed, "already_claimed"},
	{mail.ErrNotClaimable, "not_claimable"},
	{mail.ErrExpired, "expired"},
	{mail.ErrNotReturnable, "not_returnable"},
	{mail.ErrCorruptPayload, "corrupt_payload"},
	{mail.ErrInventoryFull, "inventory_full"},
	{mail.ErrInsufficientFunds, "insufficient_funds"},
	{mail.ErrMailboxFull, "mailbox_full"},
	{mail.ErrBlocked, "blocked"},
	{mail.ErrNotInBag, "not_in_bag"},
	{mail.ErrNotDeletable, "not_deletable"},
	{mail.ErrDailyLimit, "daily_limit"},
	{mail.ErrOverloaded, "overloaded"},
	{mail.ErrStoreUnavailable, "unavailable"},
	{mail.ErrInvalidRecipient, "invalid_recipient"},
	{mail.ErrNoSuchRecipient, "no_such_recipient"},
	{mail.ErrTitleRequired, "invalid_mail"},
	{mail.ErrTitleTooLong, "invalid_mail"},
	{mail.ErrBodyTooLong, "invalid_mail"},
	{mail.ErrTooManyAttachments, "invalid_mail"},
	{mail.ErrInvalidAmount, "invalid_mail"},
	{mail.ErrPayloadTooDeep, "invalid_mail"},
	{mail.ErrInvalidAttachment, "invalid_mail"},
}

func codeOf(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}
