package store

import (
	"context"
	"time"

	"github.com/kasuganosora/mailsystem/model"
	"gorm.io/gorm"
)

// EnqueueDeadLetter stores a delivery to retry later.
func (s *Store) EnqueueDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	if dl.Status == "" {
		dl.Status = model.DeadLetterPending
	}
	if dl.NextAttemptAt.IsZero() {
		dl.NextAttemptAt = time.Now().UTC()
	}
	return s.tx(ctx, "enqueue_dead_letter", func(tx *gorm.DB) error {
		return tx.Create(dl).Error
	})
}

// DueDeadLetters returns pending entries whose next attempt is at or before now.
func (s *Store) DueDeadLetters(ctx context.Context, now time.Time, limit int) ([]model.DeadLetter, error) {
	var out []model.DeadLetter
	err := s.read(ctx, "due_dead_letters", func(db *gorm.DB) error {
		return db.Where("status = ? AND next_attempt_at <= ?", model.DeadLetterPending, now.UTC()).
			Order("next_attempt_at ASC, id ASC").Limit(limit).Find(&out).Error
	})
	return out, err
}

// LeaseDeadLetter moves a pending entry to processing. It reports false when
// another worker already holds it.
func (s *Store) LeaseDeadLetter(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.tx(ctx, "lease_dead_letter", func(tx *gorm.DB) error {
		res := tx.Model(&model.DeadLetter{}).
			Where("id = ? AND status = ?", id, model.DeadLetterPending).
			Update("status", model.DeadLetterProcessing)
		ok = res.RowsAffected > 0
		return res.Error
	})
	return ok, err
}

// ReleaseStaleLeases returns processing entries untouched since before to
// pending, recovering work from a worker that died mid-delivery.
func (s *Store) ReleaseStaleLeases(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.tx(ctx, "release_stale_leases", func(tx *gorm.DB) error {
		res := tx.Model(&model.DeadLetter{}).
			Where("status = ? AND updated_at < ?", model.DeadLetterProcessing, before.UTC()).
			Update("status", model.DeadLetterPending)
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

// MarkDeadLetterDelivered closes a leased entry.
func (s *Store) MarkDeadLetterDelivered(ctx context.Context, id int64, attempts int) error {
	return s.tx(ctx, "dead_letter_delivered", func(tx *gorm.DB) error {
		return tx.Model(&model.DeadLetter{}).Where("id = ?", id).Updates(map[string]any{
			"status":     model.DeadLetterDelivered,
			"attempts":   attempts,
			"last_error": "",
		}).Error
	})
}

// RescheduleDeadLetter records a failed attempt. With next zero the entry
// becomes failed and is left for operators.
func (s *Store) RescheduleDeadLetter(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	status := model.DeadLetterPending
	if next.IsZero() {
		status = model.DeadLetterFailed
	}
	return s.tx(ctx, "reschedule_dead_letter", func(tx *gorm.DB) error {
		fields := map[string]any{
			"status":     status,
			"attempts":   attempts,
			"last_error": lastErr,
		}
		if !next.IsZero() {
			fields["next_attempt_at"] = next.UTC()
		}
		return tx.Model(&model.DeadLetter{}).Where("id = ?", id).Updates(fields).Error
	})
}

// ListDeadLetters returns entries in the given status, or all when status is empty.
func (s *Store) ListDeadLetters(ctx context.Context, status string, limit int) ([]model.DeadLetter, error) {
	var out []model.DeadLetter
	err := s.read(ctx, "list_dead_letters", func(db *gorm.DB) error {
		q := db.Order("id DESC").Limit(limit)
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q.Find(&out).Error
	})
	return out, err
}

// RequeueDeadLetter resets a failed entry so the worker picks it up again.
func (s *Store) RequeueDeadLetter(ctx context.Context, id int64, now time.Time) error {
	return s.tx(ctx, "requeue_dead_letter", func(tx *gorm.DB) error {
		res := tx.Model(&model.DeadLetter{}).
			Where("id = ? AND status = ?", id, model.DeadLetterFailed).
			Updates(map[string]any{
				"status":          model.DeadLetterPending,
				"attempts":        0,
				"next_attempt_at": now.UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
