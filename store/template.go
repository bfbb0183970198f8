package store

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/mailsystem/model"
	"gorm.io/gorm"
)

// SaveTemplate creates or replaces the template named t.Name. The use count
// and creator of an existing template are kept.
func (s *Store) SaveTemplate(ctx context.Context, t *model.MailTemplate) error {
	return s.tx(ctx, "save_template", func(tx *gorm.DB) error {
		var cur model.MailTemplate
		err := tx.Where("name = ?", t.Name).Take(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(t).Error
		}
		if err != nil {
			return err
		}
		t.ID, t.UseCount, t.CreatedBy, t.CreatedAt = cur.ID, cur.UseCount, cur.CreatedBy, cur.CreatedAt
		return tx.Model(&cur).Select("display_name", "title", "body", "currency", "payload", "codec_version").
			Updates(t).Error
	})
}

// Template loads one template by name.
func (s *Store) Template(ctx context.Context, name string) (*model.MailTemplate, error) {
	var t model.MailTemplate
	err := s.read(ctx, "template", func(db *gorm.DB) error {
		return db.Where("name = ?", name).Take(&t).Error
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Templates lists every template by name.
func (s *Store) Templates(ctx context.Context) ([]model.MailTemplate, error) {
	var out []model.MailTemplate
	err := s.read(ctx, "templates", func(db *gorm.DB) error {
		return db.Order("name ASC").Find(&out).Error
	})
	return out, err
}

// DeleteTemplate removes a template and reports whether it existed.
func (s *Store) DeleteTemplate(ctx context.Context, name string) (bool, error) {
	var n int64
	err := s.tx(ctx, "delete_template", func(tx *gorm.DB) error {
		res := tx.Where("name = ?", name).Delete(&model.MailTemplate{})
		n = res.RowsAffected
		return res.Error
	})
	return n > 0, err
}

// CountTemplateUse adds n to a template's use count.
func (s *Store) CountTemplateUse(ctx context.Context, name string, n int) error {
	return s.tx(ctx, "count_template_use", func(tx *gorm.DB) error {
		return tx.Model(&model.MailTemplate{}).Where("name = ?", name).
			Update("use_count", gorm.Expr("use_count + ?", n)).Error
	})
}

// PruneAppliedOps forgets idempotency keys recorded before the cutoff.
func (s *Store) PruneAppliedOps(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.tx(ctx, "prune_applied_ops", func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", before.UTC()).Delete(&model.AppliedOp{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
