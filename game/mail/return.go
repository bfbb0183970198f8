package mail

import (
	"context"
	"fmt"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/model"
	"github.com/kasuganosora/mailsystem/store"
	"go.uber.org/zap"
)

// Return refuses a pending mail and sends it, attachment included, back to
// its sender. System mail cannot be returned.
func (s *Service) Return(ctx context.Context, charID, mailID int64, traceID string) (*model.Mail, error) {
	var out *model.Mail
	err := s.coord.Do(ctx, charID, func(ctx context.Context) error {
		m, err := s.fetch(ctx, mailID)
		if err != nil {
			return err
		}
		if m.RecipientID != charID {
			return ErrNotRecipient
		}
		if m.Status != model.MailStatusPending {
			return ErrNotClaimable
		}
		if m.SenderID == model.SystemSenderID || m.ReturnOf != nil {
			return ErrNotReturnable
		}
		target, err := s.returnTarget(ctx, m.SenderID)
		if err != nil {
			return err
		}
		if target == 0 {
			return ErrNotReturnable
		}
		ret, err := s.store.ReturnToSender(ctx, mailID, charID, store.ReturnSpec{
			RecipientID: target,
			SenderName:  systemName,
			Title:       returnTitle(m.Title),
			Body:        fmt.Sprintf("Your mail to #%d was returned by the recipient.", charID),
			Origin:      s.instanceID,
		})
		if err != nil {
			if err == store.ErrNotPending {
				return ErrNotClaimable
			}
			return err
		}
		s.boxes.Invalidate(ctx, charID)
		s.boxes.Invalidate(ctx, target)
		s.audit.Log(audit.Entry{TraceID: traceID, CharID: charID, MailID: mailID, Action: audit.ActionReturn,
			Detail: map[string]any{"returned_to": target, "return_mail_id": ret.ID}})
		s.logger.Info("mail returned",
			zap.Int64("mail_id", mailID), zap.Int64("char_id", charID), zap.Int64("returned_to", target))
		s.announce(ctx, ret)
		out = ret
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
