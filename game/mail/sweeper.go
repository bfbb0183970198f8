package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/metrics"
	"github.com/kasuganosora/mailsystem/model"
	"github.com/kasuganosora/mailsystem/store"
	"go.uber.org/zap"
)

const (
	sweepLockKey = "lock:mail:sweep"
	purgeLockKey = "lock:mail:purge"
	// maxSweepBatches bounds one run; the next tick continues the backlog.
	maxSweepBatches = 10
)

// withLock runs fn only if this instance takes the named job lock, so one
// instance sweeps at a time. Without a shared cache fn always runs.
func (s *Service) withLock(ctx context.Context, key string, ttl time.Duration, fn func() error) (bool, error) {
	if s.kv == nil {
		return true, fn()
	}
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	ok, err := s.kv.SetNX(ctx, key, s.instanceID, ttl)
	if err != nil {
		return false, fmt.Errorf("mail: acquire %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if _, err := s.kv.CompareAndDel(context.WithoutCancel(ctx), key, s.instanceID); err != nil {
			s.logger.Warn("job lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()
	return true, fn()
}

// Sweep expires every pending mail past its expiry. Each mail is handled in
// its recipient's lane: the mail flips to expired and, when it carried an
// attachment, a return mail with the same attachment goes back to the sender
// in the same transaction.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	batch := s.cfg.SweepBatch
	if batch <= 0 {
		batch = 200
	}
	expired := 0
	ran, err := s.withLock(ctx, sweepLockKey, 2*s.cfg.SweepInterval, func() error {
		for i := 0; i < maxSweepBatches; i++ {
			mails, err := s.store.ListExpired(ctx, s.now(), batch)
			if err != nil {
				return err
			}
			for j := range mails {
				m := &mails[j]
				err := s.coord.Do(ctx, m.RecipientID, func(ctx context.Context) error {
					return s.expire(ctx, m)
				})
				switch {
				case err == nil:
					expired++
				case errors.Is(err, store.ErrNotPending):
					// claimed or already swept in the meantime
				default:
					return err
				}
			}
			if len(mails) < batch {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return expired, err
	}
	if ran && expired > 0 {
		s.logger.Info("expired mail swept", zap.Int("count", expired))
	}
	return expired, nil
}

// returnTarget picks who receives a bounced attachment: the original sender
// when it still exists, otherwise the admin mailbox. Zero means nobody.
func (s *Service) returnTarget(ctx context.Context, senderID int64) (int64, error) {
	if senderID != model.SystemSenderID {
		ok, err := s.directory.Exists(ctx, senderID)
		if err != nil {
			return 0, err
		}
		if ok {
			return senderID, nil
		}
	}
	return s.cfg.AdminMailboxID, nil
}

// expire runs in the recipient's lane.
func (s *Service) expire(ctx context.Context, m *model.Mail) error {
	var spec *store.ReturnSpec
	target := int64(0)
	if m.HasAttachment() {
		var err error
		if target, err = s.returnTarget(ctx, m.SenderID); err != nil {
			return err
		}
		if target != 0 {
			spec = &store.ReturnSpec{
				RecipientID: target,
				SenderName:  systemName,
				Title:       returnTitle(m.Title),
				Body:        fmt.Sprintf("Your mail to #%d expired before it was claimed. The attachment is enclosed.", m.RecipientID),
				Origin:      s.instanceID,
			}
		}
	}

	var ret *model.Mail
	err := s.retry(ctx, "expire", func() (err error) {
		ret, err = s.store.ExpireAndReturn(ctx, m.ID, s.now(), spec)
		return err
	})
	if err != nil {
		return err
	}
	s.boxes.Invalidate(ctx, m.RecipientID)
	metrics.RecordExpired(ret != nil)
	s.audit.Log(audit.Entry{CharID: m.RecipientID, MailID: m.ID, Action: audit.ActionExpire,
		Detail: map[string]any{"returned_to": target}})

	if m.HasAttachment() && target == 0 {
		s.logger.Error("expired attachment has no return target, kept on the expired mail",
			zap.Int64("mail_id", m.ID), zap.Int64("sender_id", m.SenderID))
	}
	if ret != nil {
		s.boxes.Invalidate(ctx, ret.RecipientID)
		s.audit.Log(audit.Entry{CharID: ret.RecipientID, MailID: ret.ID, Action: audit.ActionReturn,
			Detail: map[string]any{"return_of": m.ID}})
		s.announce(ctx, ret)
	}
	return nil
}

func returnTitle(title string) string {
	const prefix = "Returned: "
	r := []rune(prefix + title)
	if len(r) > 64 {
		r = r[:64]
	}
	return string(r)
}

// PurgeRetained deletes finished mail older than the retention window,
// along with the idempotency keys recorded before it.
func (s *Service) PurgeRetained(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	var n int64
	_, err := s.withLock(ctx, purgeLockKey, 2*s.cfg.PurgeInterval, func() error {
		cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)
		var err error
		if n, err = s.store.PurgeRetained(ctx, cutoff, 500); err != nil {
			return err
		}
		ops, err := s.store.PruneAppliedOps(ctx, cutoff)
		if ops > 0 {
			s.logger.Info("idempotency keys pruned", zap.Int64("count", ops))
		}
		return err
	})
	if n > 0 {
		s.audit.Log(audit.Entry{Action: audit.ActionPurge, Detail: map[string]any{"removed": n, "retention_days": s.cfg.RetentionDays}})
		s.logger.Info("retained mail purged", zap.Int64("count", n))
	}
	return n, err
}
