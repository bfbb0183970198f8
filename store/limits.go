package store

import (
	"context"

	"github.com/kasuganosora/mailsystem/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SentToday returns how many mails charID sent on day (2006-01-02, UTC).
func (s *Store) SentToday(ctx context.Context, charID int64, day string) (int, error) {
	var log model.SendLog
	err := s.read(ctx, "sent_today", func(db *gorm.DB) error {
		return db.Where("char_id = ? AND day = ?", charID, day).Limit(1).Find(&log).Error
	})
	return log.Sent, err
}

// Block stops blockedID from mailing ownerID. Blocking twice is a no-op.
func (s *Store) Block(ctx context.Context, ownerID, blockedID int64) error {
	return s.tx(ctx, "block", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.Blacklist{OwnerID: ownerID, BlockedID: blockedID}).Error
	})
}

// Unblock removes a blacklist entry. It reports whether one existed.
func (s *Store) Unblock(ctx context.Context, ownerID, blockedID int64) (bool, error) {
	var removed bool
	err := s.tx(ctx, "unblock", func(tx *gorm.DB) error {
		res := tx.Where("owner_id = ? AND blocked_id = ?", ownerID, blockedID).Delete(&model.Blacklist{})
		removed = res.RowsAffected > 0
		return res.Error
	})
	return removed, err
}

// ListBlocked returns the IDs ownerID has blocked, in blocking order.
func (s *Store) ListBlocked(ctx context.Context, ownerID int64) ([]int64, error) {
	var ids []int64
	err := s.read(ctx, "list_blocked", func(db *gorm.DB) error {
		return db.Model(&model.Blacklist{}).Where("owner_id = ?", ownerID).
			Order("created_at ASC").Pluck("blocked_id", &ids).Error
	})
	return ids, err
}

// IsBlocked reports whether ownerID has blocked senderID.
func (s *Store) IsBlocked(ctx context.Context, ownerID, senderID int64) (bool, error) {
	var n int64
	err := s.read(ctx, "is_blocked", func(db *gorm.DB) error {
		return db.Model(&model.Blacklist{}).
			Where("owner_id = ? AND blocked_id = ?", ownerID, senderID).Count(&n).Error
	})
	return n > 0, err
}
