package mail

import (
	"context"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/model"
)

// Mailbox returns the pending mail of charID, oldest first. Snapshots come
// from the cache; a miss loads from the store in the owner's lane and
// repopulates it.
func (s *Service) Mailbox(ctx context.Context, charID int64) ([]Summary, error) {
	if mails, ok := s.boxes.Get(ctx, charID); ok {
		return mails, nil
	}
	var out []Summary
	err := s.coord.Do(ctx, charID, func(ctx context.Context) error {
		gen, genErr := s.boxes.Generation(ctx, charID)
		var rows []model.Mail
		err := s.retry(ctx, "list_pending", func() (err error) {
			rows, err = s.store.ListPending(ctx, charID)
			return err
		})
		if err != nil {
			return err
		}
		out = make([]Summary, len(rows))
		for i := range rows {
			out[i] = Summarize(&rows[i])
		}
		if genErr == nil {
			s.boxes.Put(ctx, charID, gen, out)
		}
		return nil
	})
	return out, err
}

// Sent returns the latest mail sent by charID.
func (s *Service) Sent(ctx context.Context, charID int64, limit int) ([]model.Mail, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []model.Mail
	err := s.coord.Do(ctx, charID, func(ctx context.Context) error {
		return s.retry(ctx, "list_sent", func() (err error) {
			out, err = s.store.ListSent(ctx, charID, limit)
			return err
		})
	})
	return out, err
}

// UnreadCount returns the number of pending mails charID has not opened.
func (s *Service) UnreadCount(ctx context.Context, charID int64) (int64, error) {
	var n int64
	err := s.coord.Do(ctx, charID, func(ctx context.Context) error {
		return s.retry(ctx, "count_unread", func() (err error) {
			n, err = s.store.CountUnread(ctx, charID)
			return err
		})
	})
	return n, err
}

// MarkRead records that charID opened a mail.
func (s *Service) MarkRead(ctx context.Context, charID, mailID int64) error {
	return s.coord.Do(ctx, charID, func(ctx context.Context) error {
		if err := s.store.MarkRead(ctx, mailID, charID, s.now()); err != nil {
			return err
		}
		s.boxes.Invalidate(ctx, charID)
		return nil
	})
}

// Delete removes one finished mail from charID's mailbox. Pending mail,
// quarantined mail and expired mail still holding its attachment give
// ErrNotDeletable.
func (s *Service) Delete(ctx context.Context, charID, mailID int64, traceID string) error {
	return s.coord.Do(ctx, charID, func(ctx context.Context) error {
		if err := s.store.DeleteMail(ctx, mailID, charID); err != nil {
			return err
		}
		s.boxes.Invalidate(ctx, charID)
		s.audit.Log(audit.Entry{TraceID: traceID, CharID: charID, MailID: mailID, Action: audit.ActionDelete})
		return nil
	})
}

func (s *Service) fetch(ctx context.Context, mailID int64) (*model.Mail, error) {
	var m *model.Mail
	err := s.retry(ctx, "fetch", func() (err error) {
		m, err = s.store.Fetch(ctx, mailID)
		return err
	})
	return m, err
}
