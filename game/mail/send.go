package mail

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/metrics"
	"github.com/kasuganosora/mailsystem/model"
	"github.com/kasuganosora/mailsystem/store"
	"go.uber.org/zap"
)

// SendRequest is one outgoing mail. SenderID 0 sends as the system, which
// skips fees, the blacklist and the mailbox and daily limits. Players attach
// items by bag slot in Attach; only the system names stacks in Items.
type SendRequest struct {
	SenderID    int64         `json:"sender_id"`
	SenderName  string        `json:"sender_name"`
	RecipientID int64         `json:"recipient_id"`
	Title       string        `json:"title"`
	Body        string        `json:"body"`
	Currency    int64         `json:"currency"`
	Items       []codec.Stack `json:"items,omitempty"`
	Attach      []item.Ref    `json:"attach,omitempty"`
	TraceID     string        `json:"-"`
}

func (r *SendRequest) system() bool { return r.SenderID == model.SystemSenderID }

func (s *Service) validate(req *SendRequest) error {
	switch {
	case req.RecipientID <= 0:
		return ErrInvalidRecipient
	case req.RecipientID == req.SenderID:
		return ErrInvalidRecipient
	case req.Title == "":
		return ErrTitleRequired
	case s.cfg.MaxTitleLength > 0 && utf8.RuneCountInString(req.Title) > s.cfg.MaxTitleLength:
		return ErrTitleTooLong
	case s.cfg.MaxBodyLength > 0 && utf8.RuneCountInString(req.Body) > s.cfg.MaxBodyLength:
		return ErrBodyTooLong
	case req.Currency < 0:
		return ErrInvalidAmount
	case req.Currency > math.MaxInt64-s.Fee(req):
		return ErrInvalidAmount
	case req.system() && len(req.Attach) > 0, !req.system() && len(req.Items) > 0:
		return ErrInvalidAttachment
	case !req.system() && s.cfg.MaxAttachments > 0 && len(req.Attach) > s.cfg.MaxAttachments:
		return ErrTooManyAttachments
	}
	for _, ref := range req.Attach {
		if ref.Qty <= 0 {
			return ErrInvalidAmount
		}
	}
	if !positive(req.Items) {
		return ErrInvalidAmount
	}
	return nil
}

// positive reports whether every stack, nested ones included, has Qty > 0.
func positive(stacks []codec.Stack) bool {
	for _, it := range stacks {
		if it.Qty <= 0 || !positive(it.Contents) {
			return false
		}
	}
	return true
}

// Fee returns the postage charged for req on top of the attached currency.
func (s *Service) Fee(req *SendRequest) int64 {
	if req.system() {
		return 0
	}
	return s.cfg.PostageFee + s.cfg.AttachmentFee*int64(len(req.Attach))
}

// Send debits the sender, takes the attached slots out of their bag, stores
// the mail and notifies the recipient. If storing fails the debit is
// refunded and the items are put back before the error is returned; either
// one that cannot complete is dead-lettered.
func (s *Service) Send(ctx context.Context, req SendRequest) (*model.Mail, error) {
	if err := s.validate(&req); err != nil {
		metrics.RecordSend("invalid")
		return nil, err
	}
	var blob []byte
	if len(req.Items) > 0 {
		var err error
		if blob, err = codec.Encode(codec.Payload{Items: req.Items}); err != nil {
			metrics.RecordSend("invalid")
			return nil, err
		}
	}

	var out *model.Mail
	err := s.coord.Do(ctx, req.RecipientID, func(ctx context.Context) error {
		m, err := s.send(ctx, &req, blob)
		out = m
		return err
	})
	if err != nil {
		metrics.RecordSend(sendResult(err))
		return nil, err
	}
	metrics.RecordSend("ok")
	return out, nil
}

func sendResult(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrBlocked), errors.Is(err, ErrMailboxFull), errors.Is(err, ErrDailyLimit),
		errors.Is(err, ErrNotInBag):
		return "rejected"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// send runs in the recipient's lane.
func (s *Service) send(ctx context.Context, req *SendRequest, blob []byte) (*model.Mail, error) {
	now := s.now()

	ok, err := s.directory.Exists(ctx, req.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("mail: resolve recipient: %w", err)
	}
	if !ok {
		return nil, ErrNoSuchRecipient
	}

	var quota *store.SendQuota
	if !req.system() {
		if err := s.checkLimits(ctx, req, now); err != nil {
			return nil, err
		}
		quota = &store.SendQuota{CharID: req.SenderID, Day: now.Format(time.DateOnly), Limit: s.cfg.DailySendLimit}
	}

	// The key makes the debit, the take and their undo each apply once.
	key := uuid.NewString()
	cost := req.Currency + s.Fee(req)
	if !req.system() && cost > 0 {
		if err := s.debit(ctx, key, req.SenderID, cost); err != nil {
			return nil, err
		}
	}
	undo := func(taken *codec.Payload, cause error) {
		if !req.system() && cost > 0 {
			s.refund(ctx, req, key, cost, cause)
		}
		if taken != nil {
			s.restore(ctx, req, key, *taken, cause)
		}
	}

	var taken *codec.Payload
	if len(req.Attach) > 0 {
		var p codec.Payload
		err := s.retry(ctx, "take", func() (err error) {
			p, err = s.inventory.Take(ctx, key, req.SenderID, req.Attach)
			return err
		})
		if err != nil {
			undo(nil, err)
			return nil, err
		}
		taken = &p
		if blob, err = codec.Encode(p); err != nil {
			undo(taken, err)
			return nil, err
		}
	}

	m := &model.Mail{
		SenderID:    req.SenderID,
		SenderName:  req.SenderName,
		RecipientID: req.RecipientID,
		Status:      model.MailStatusPending,
		Title:       req.Title,
		Body:        req.Body,
		Origin:      s.instanceID,
	}
	if s.cfg.ExpirationDays > 0 {
		exp := now.AddDate(0, 0, s.cfg.ExpirationDays)
		m.ExpiresAt = &exp
	}
	if req.Currency > 0 || len(blob) > 0 {
		m.Attachment = &model.Attachment{Currency: req.Currency, Payload: blob, CodecVersion: codec.Version(blob)}
	}

	err = s.retry(ctx, "insert_mail", func() error { return s.store.InsertMail(ctx, m, quota) })
	if err != nil {
		undo(taken, err)
		s.audit.Log(audit.Entry{TraceID: req.TraceID, CharID: req.SenderID, Action: audit.ActionSend, Err: err,
			Detail: map[string]any{"recipient_id": req.RecipientID, "currency": req.Currency}})
		return nil, err
	}

	s.boxes.Invalidate(ctx, req.RecipientID)
	s.audit.Log(audit.Entry{TraceID: req.TraceID, CharID: req.SenderID, MailID: m.ID, Action: audit.ActionSend,
		Detail: map[string]any{"recipient_id": req.RecipientID, "currency": req.Currency, "slots": len(req.Attach), "fee": cost - req.Currency}})
	s.logger.Info("mail sent",
		zap.Int64("mail_id", m.ID),
		zap.Int64("sender_id", req.SenderID),
		zap.Int64("recipient_id", req.RecipientID))
	s.announce(ctx, m)
	return m, nil
}

func (s *Service) checkLimits(ctx context.Context, req *SendRequest, now time.Time) error {
	blocked, err := s.store.IsBlocked(ctx, req.RecipientID, req.SenderID)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlocked
	}
	if s.cfg.MaxMailboxSize > 0 {
		n, err := s.store.CountPending(ctx, req.RecipientID)
		if err != nil {
			return err
		}
		if n >= int64(s.cfg.MaxMailboxSize) {
			return ErrMailboxFull
		}
	}
	if s.cfg.DailySendLimit > 0 {
		sent, err := s.store.SentToday(ctx, req.SenderID, now.Format(time.DateOnly))
		if err != nil {
			return err
		}
		if sent >= s.cfg.DailySendLimit {
			return ErrDailyLimit
		}
	}
	return nil
}

// refund returns a debit after a failed send. When the wallet cannot be
// reached a refund dead letter takes over under the same key.
func (s *Service) refund(ctx context.Context, req *SendRequest, key string, amount int64, cause error) {
	refundKey := "refund:" + key
	err := s.credit(ctx, "refund", refundKey, req.SenderID, amount)
	if err == nil {
		s.logger.Warn("send failed, sender refunded",
			zap.Int64("sender_id", req.SenderID), zap.Int64("amount", amount), zap.Error(cause))
		s.audit.Log(audit.Entry{TraceID: req.TraceID, CharID: req.SenderID, Action: audit.ActionRefund,
			Detail: map[string]int64{"amount": amount}})
		return
	}
	s.deadLetter(ctx, &model.DeadLetter{
		CharID: req.SenderID,
		Kind:   model.DeadLetterRefund,
		OpKey:  refundKey,
		Amount: amount,
	}, err)
}

// restore puts items taken for a failed send back in the sender's bag.
func (s *Service) restore(ctx context.Context, req *SendRequest, key string, p codec.Payload, cause error) {
	source := "restore:" + key
	err := s.retry(ctx, "restore", func() error { return s.inventory.Grant(ctx, req.SenderID, p, source) })
	if err == nil {
		s.logger.Warn("send failed, items put back",
			zap.Int64("sender_id", req.SenderID), zap.Int("items", p.Count()), zap.Error(cause))
		s.audit.Log(audit.Entry{TraceID: req.TraceID, CharID: req.SenderID, Action: audit.ActionRestore,
			Detail: map[string]int{"items": p.Count()}})
		return
	}
	blob, encErr := codec.Encode(p)
	if encErr != nil {
		s.logger.Error("taken items could not be put back or encoded, manual repair required",
			zap.Int64("sender_id", req.SenderID), zap.String("op_key", source), zap.Any("items", p.Items),
			zap.Error(err), zap.NamedError("encode", encErr))
		return
	}
	s.deadLetter(ctx, &model.DeadLetter{
		CharID:       req.SenderID,
		Kind:         model.DeadLetterRestore,
		OpKey:        source,
		Payload:      blob,
		CodecVersion: codec.Version(blob),
	}, err)
}

// SendSystem sends mail as the system identity.
func (s *Service) SendSystem(ctx context.Context, recipientID int64, title, body string, currency int64, items []codec.Stack) (*model.Mail, error) {
	return s.Send(ctx, SendRequest{
		SenderID:    model.SystemSenderID,
		SenderName:  systemName,
		RecipientID: recipientID,
		Title:       title,
		Body:        body,
		Currency:    currency,
		Items:       items,
	})
}

const systemName = "System"
