package store

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/mailsystem/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SendQuota charges one send against a sender's daily counter inside the
// insert transaction. Limit 0 counts without enforcing.
type SendQuota struct {
	CharID int64
	Day    string // 2006-01-02, UTC
	Limit  int
}

// ReturnSpec describes the return mail written when a mail bounces.
type ReturnSpec struct {
	RecipientID int64
	SenderName  string
	Title       string
	Body        string
	Origin      string
}

// InsertMail stores m and its attachment atomically. When quota is set the
// sender's daily counter is incremented in the same transaction and
// ErrDailyLimit is returned once the limit is reached.
func (s *Store) InsertMail(ctx context.Context, m *model.Mail, quota *SendQuota) error {
	return s.tx(ctx, "insert_mail", func(tx *gorm.DB) error {
		if quota != nil {
			if err := chargeQuota(tx, quota); err != nil {
				return err
			}
		}
		if m.Status == "" {
			m.Status = model.MailStatusPending
		}
		if err := tx.Omit(clause.Associations).Create(m).Error; err != nil {
			return err
		}
		if m.Attachment != nil {
			m.Attachment.MailID = m.ID
			if err := tx.Create(m.Attachment).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func chargeQuota(tx *gorm.DB, q *SendQuota) error {
	seed := &model.SendLog{CharID: q.CharID, Day: q.Day}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return err
	}
	upd := tx.Model(&model.SendLog{}).Where("char_id = ? AND day = ?", q.CharID, q.Day)
	if q.Limit > 0 {
		upd = upd.Where("sent < ?", q.Limit)
	}
	res := upd.Update("sent", gorm.Expr("sent + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDailyLimit
	}
	return nil
}

// MarkClaimed flips a pending, unexpired mail to claimed and records the
// claim. Zero rows touched means another caller won: ErrAlreadyClaimed.
func (s *Store) MarkClaimed(ctx context.Context, mailID, claimant int64, now time.Time) error {
	now = now.UTC()
	return s.tx(ctx, "mark_claimed", func(tx *gorm.DB) error {
		res := tx.Model(&model.Mail{}).
			Where("id = ? AND status = ?", mailID, model.MailStatusPending).
			Where("expires_at IS NULL OR expires_at > ?", now).
			Update("status", model.MailStatusClaimed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyClaimed
		}
		return tx.Create(&model.ClaimRecord{MailID: mailID, Claimant: claimant, ClaimedAt: now}).Error
	})
}

// MarkExpired flips a pending mail past its expiry to expired without
// writing a return mail.
func (s *Store) MarkExpired(ctx context.Context, mailID int64, now time.Time) error {
	return s.tx(ctx, "mark_expired", func(tx *gorm.DB) error {
		return expire(tx, mailID, now.UTC())
	})
}

func expire(tx *gorm.DB, mailID int64, now time.Time) error {
	res := tx.Model(&model.Mail{}).
		Where("id = ? AND status = ?", mailID, model.MailStatusPending).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Update("status", model.MailStatusExpired)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// ExpireAndReturn expires a mail and, when it carried an attachment, inserts
// a non-expiring return mail holding a copy of it, all in one transaction.
// A nil ret expires without returning. The return mail is nil when nothing
// was attached.
func (s *Store) ExpireAndReturn(ctx context.Context, mailID int64, now time.Time, ret *ReturnSpec) (*model.Mail, error) {
	var out *model.Mail
	err := s.tx(ctx, "expire_and_return", func(tx *gorm.DB) error {
		if err := expire(tx, mailID, now.UTC()); err != nil {
			return err
		}
		if ret == nil {
			return nil
		}
		att, err := loadAttachment(tx, mailID)
		if err != nil || att == nil {
			return err
		}
		out, err = insertReturn(tx, mailID, att, ret)
		return err
	})
	return out, err
}

// ReturnToSender refuses a pending mail on behalf of its recipient. The mail
// becomes returned and a return mail carrying any attachment is written.
func (s *Store) ReturnToSender(ctx context.Context, mailID, recipientID int64, ret ReturnSpec) (*model.Mail, error) {
	var out *model.Mail
	err := s.tx(ctx, "return_to_sender", func(tx *gorm.DB) error {
		res := tx.Model(&model.Mail{}).
			Where("id = ? AND recipient_id = ? AND status = ?", mailID, recipientID, model.MailStatusPending).
			Update("status", model.MailStatusReturned)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotPending
		}
		att, err := loadAttachment(tx, mailID)
		if err != nil {
			return err
		}
		out, err = insertReturn(tx, mailID, att, &ret)
		return err
	})
	return out, err
}

func loadAttachment(tx *gorm.DB, mailID int64) (*model.Attachment, error) {
	var att model.Attachment
	err := tx.Where("mail_id = ?", mailID).Take(&att).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if att.Empty() {
		return nil, nil
	}
	return &att, nil
}

func insertReturn(tx *gorm.DB, origID int64, att *model.Attachment, ret *ReturnSpec) (*model.Mail, error) {
	rm := &model.Mail{
		SenderID:    model.SystemSenderID,
		SenderName:  ret.SenderName,
		RecipientID: ret.RecipientID,
		Status:      model.MailStatusPending,
		Title:       ret.Title,
		Body:        ret.Body,
		ReturnOf:    &origID,
		Origin:      ret.Origin,
	}
	if err := tx.Omit(clause.Associations).Create(rm).Error; err != nil {
		return nil, err
	}
	if att != nil {
		rm.Attachment = &model.Attachment{
			MailID:       rm.ID,
			Currency:     att.Currency,
			Payload:      att.Payload,
			CodecVersion: att.CodecVersion,
		}
		if err := tx.Create(rm.Attachment).Error; err != nil {
			return nil, err
		}
	}
	return rm, nil
}

// Quarantine parks a pending mail whose attachment cannot be decoded.
func (s *Store) Quarantine(ctx context.Context, mailID int64) error {
	return s.tx(ctx, "quarantine", func(tx *gorm.DB) error {
		res := tx.Model(&model.Mail{}).
			Where("id = ? AND status = ?", mailID, model.MailStatusPending).
			Update("status", model.MailStatusQuarantined)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotPending
		}
		return nil
	})
}

// MarkRead sets read_at once. Re-reading is a no-op; a mail that does not
// belong to recipientID reports ErrNotFound.
func (s *Store) MarkRead(ctx context.Context, mailID, recipientID int64, now time.Time) error {
	now = now.UTC()
	return s.tx(ctx, "mark_read", func(tx *gorm.DB) error {
		res := tx.Model(&model.Mail{}).
			Where("id = ? AND recipient_id = ? AND read_at IS NULL", mailID, recipientID).
			Update("read_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		var n int64
		if err := tx.Model(&model.Mail{}).Where("id = ? AND recipient_id = ?", mailID, recipientID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Fetch loads one mail with its attachment.
func (s *Store) Fetch(ctx context.Context, mailID int64) (*model.Mail, error) {
	var m model.Mail
	err := s.read(ctx, "fetch", func(db *gorm.DB) error {
		return db.Preload("Attachment").First(&m, mailID).Error
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListPending returns a recipient's pending mail, oldest first.
func (s *Store) ListPending(ctx context.Context, recipientID int64) ([]model.Mail, error) {
	var mails []model.Mail
	err := s.read(ctx, "list_pending", func(db *gorm.DB) error {
		return db.Preload("Attachment").
			Where("recipient_id = ? AND status = ?", recipientID, model.MailStatusPending).
			Order("id ASC").Find(&mails).Error
	})
	return mails, err
}

// ListByRecipient returns a recipient's mail in any status, newest first.
func (s *Store) ListByRecipient(ctx context.Context, recipientID int64, limit int) ([]model.Mail, error) {
	var mails []model.Mail
	err := s.read(ctx, "list_by_recipient", func(db *gorm.DB) error {
		return db.Preload("Attachment").
			Where("recipient_id = ?", recipientID).
			Order("id DESC").Limit(limit).Find(&mails).Error
	})
	return mails, err
}

// ListSent returns mail sent by senderID, newest first.
func (s *Store) ListSent(ctx context.Context, senderID int64, limit int) ([]model.Mail, error) {
	var mails []model.Mail
	err := s.read(ctx, "list_sent", func(db *gorm.DB) error {
		return db.Preload("Attachment").
			Where("sender_id = ?", senderID).
			Order("id DESC").Limit(limit).Find(&mails).Error
	})
	return mails, err
}

// ListExpired returns pending mail whose expiry is at or before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Mail, error) {
	var mails []model.Mail
	err := s.read(ctx, "list_expired", func(db *gorm.DB) error {
		return db.Preload("Attachment").
			Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", model.MailStatusPending, now.UTC()).
			Order("expires_at ASC, id ASC").Limit(limit).Find(&mails).Error
	})
	return mails, err
}

// CountPending counts a recipient's pending mail.
func (s *Store) CountPending(ctx context.Context, recipientID int64) (int64, error) {
	var n int64
	err := s.read(ctx, "count_pending", func(db *gorm.DB) error {
		return db.Model(&model.Mail{}).
			Where("recipient_id = ? AND status = ?", recipientID, model.MailStatusPending).
			Count(&n).Error
	})
	return n, err
}

// CountUnread counts pending mail the recipient has not opened.
func (s *Store) CountUnread(ctx context.Context, recipientID int64) (int64, error) {
	var n int64
	err := s.read(ctx, "count_unread", func(db *gorm.DB) error {
		return db.Model(&model.Mail{}).
			Where("recipient_id = ? AND status = ? AND read_at IS NULL", recipientID, model.MailStatusPending).
			Count(&n).Error
	})
	return n, err
}

// UnreadCounts returns the unread count per recipient for the given IDs.
// Recipients without unread mail are absent from the map.
func (s *Store) UnreadCounts(ctx context.Context, recipientIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64)
	if len(recipientIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		RecipientID int64
		N           int64
	}
	err := s.read(ctx, "unread_counts", func(db *gorm.DB) error {
		return db.Model(&model.Mail{}).
			Select("recipient_id, COUNT(*) AS n").
			Where("recipient_id IN ? AND status = ? AND read_at IS NULL", recipientIDs, model.MailStatusPending).
			Group("recipient_id").Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.RecipientID] = r.N
	}
	return out, nil
}

// purgeable excludes quarantined mail and expired mail still holding an
// attachment that never went back to anyone.
func purgeable(db *gorm.DB) *gorm.DB {
	sub := db.Session(&gorm.Session{NewDB: true})
	loaded := sub.Model(&model.Attachment{}).Select("mail_id").
		Where("currency_amount <> 0 OR payload_blob IS NOT NULL")
	returned := sub.Model(&model.Mail{}).Select("return_of").Where("return_of IS NOT NULL")
	return db.Where("status <> ?", model.MailStatusQuarantined).
		Where("NOT (status = ? AND id IN (?) AND id NOT IN (?))", model.MailStatusExpired, loaded, returned)
}

// PurgeRetained deletes claimed, expired and returned mail last updated
// before the cutoff, in batches. It returns the number of mails removed.
// Stranded expired attachments are kept.
func (s *Store) PurgeRetained(ctx context.Context, before time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	before = before.UTC()
	var total int64
	for {
		n, err := s.purgeBatch(ctx, "purge_retained", batch, func(db *gorm.DB) *gorm.DB {
			return purgeable(db.Where("status IN ? AND updated_at < ?",
				[]string{model.MailStatusClaimed, model.MailStatusExpired, model.MailStatusReturned}, before))
		})
		total += n
		if err != nil || n < int64(batch) {
			return total, err
		}
	}
}

// PurgeMailbox deletes the finished mail of a recipient. Pending and
// quarantined mail and stranded expired attachments are kept.
func (s *Store) PurgeMailbox(ctx context.Context, recipientID int64) (int64, error) {
	var total int64
	for {
		n, err := s.purgeBatch(ctx, "purge_mailbox", 500, func(db *gorm.DB) *gorm.DB {
			return purgeable(db.Where("recipient_id = ? AND status <> ?", recipientID, model.MailStatusPending))
		})
		total += n
		if err != nil || n < 500 {
			return total, err
		}
	}
}

func (s *Store) purgeBatch(ctx context.Context, op string, batch int, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	var n int64
	err := s.tx(ctx, op, func(tx *gorm.DB) error {
		var ids []int64
		if err := scope(tx.Model(&model.Mail{})).Order("id ASC").Limit(batch).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("mail_id IN ?", ids).Delete(&model.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("mail_id IN ?", ids).Delete(&model.ClaimRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&model.Mail{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// DeleteMail removes one finished mail of a recipient. Mail that PurgeMailbox
// would keep gives ErrNotDeletable; a mail of someone else gives ErrNotFound.
func (s *Store) DeleteMail(ctx context.Context, mailID, recipientID int64) error {
	return s.tx(ctx, "delete_mail", func(tx *gorm.DB) error {
		var m model.Mail
		if err := tx.Where("id = ? AND recipient_id = ?", mailID, recipientID).Take(&m).Error; err != nil {
			return err
		}
		var ids []int64
		err := purgeable(tx.Model(&model.Mail{}).Where("id = ? AND status <> ?", mailID, model.MailStatusPending)).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return ErrNotDeletable
		}
		if err := tx.Where("mail_id = ?", mailID).Delete(&model.Attachment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("mail_id = ?", mailID).Delete(&model.ClaimRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", mailID).Delete(&model.Mail{}).Error
	})
}
