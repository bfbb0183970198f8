package mail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/metrics"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
)

const (
	deadLetterBatch = 100
	// leaseTimeout returns a processing entry to pending when its worker
	// has not finished with it in this long.
	leaseTimeout  = 5 * time.Minute
	maxRetryDelay = time.Hour
)

// deadLetter stores a delivery for the worker to retry. If even that fails
// the entry is logged at error level with everything needed to repair it.
func (s *Service) deadLetter(ctx context.Context, dl *model.DeadLetter, cause error) {
	dl.MaxAttempts = s.cfg.DeadLetterAttempts
	dl.LastError = cause.Error()
	dl.NextAttemptAt = s.now().Add(s.cfg.DeadLetterBackoff)
	fields := []zap.Field{
		zap.Int64("mail_id", dl.MailID),
		zap.Int64("char_id", dl.CharID),
		zap.String("kind", dl.Kind),
		zap.Int64("amount", dl.Amount),
		zap.Int("payload_bytes", len(dl.Payload)),
		zap.NamedError("cause", cause),
	}
	if err := s.store.EnqueueDeadLetter(ctx, dl); err != nil {
		s.logger.Error("dead letter could not be stored, manual repair required",
			append(fields, zap.Binary("payload", dl.Payload), zap.Error(err))...)
		return
	}
	metrics.RecordDeadLetter(dl.Kind, "enqueued")
	s.audit.Log(audit.Entry{CharID: dl.CharID, MailID: dl.MailID, Action: audit.ActionDeadLetter, Err: cause,
		Detail: map[string]any{"id": dl.ID, "kind": dl.Kind, "outcome": "enqueued"}})
	s.logger.Warn("delivery dead-lettered", append(fields, zap.Int64("dead_letter_id", dl.ID))...)
}

// ProcessDeadLetters retries every due entry once. Each entry is leased
// before delivery so two workers never pay the same entry.
func (s *Service) ProcessDeadLetters(ctx context.Context) error {
	now := s.now()
	if n, err := s.store.ReleaseStaleLeases(ctx, now.Add(-leaseTimeout)); err != nil {
		return err
	} else if n > 0 {
		s.logger.Warn("released stale dead-letter leases", zap.Int64("count", n))
	}

	due, err := s.store.DueDeadLetters(ctx, now, deadLetterBatch)
	if err != nil {
		return err
	}
	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dl := &due[i]
		leased, err := s.store.LeaseDeadLetter(ctx, dl.ID)
		if err != nil {
			return err
		}
		if !leased {
			continue
		}
		s.settle(ctx, dl, s.redeliver(ctx, dl))
	}
	return nil
}

// redeliver replays the original operation under its key, so an entry whose
// delivery landed but was not marked does not pay twice.
func (s *Service) redeliver(ctx context.Context, dl *model.DeadLetter) error {
	switch dl.Kind {
	case model.DeadLetterCurrency, model.DeadLetterRefund:
		call, _ := s.creditCall(ctx, dl.OpKey, dl.CharID, dl.Amount)
		return call()
	case model.DeadLetterItem, model.DeadLetterRestore:
		p, err := codec.Decode(dl.Payload)
		if err != nil {
			return err
		}
		source := dl.OpKey
		if source == "" {
			source = "mail:" + strconv.FormatInt(dl.MailID, 10)
		}
		return s.inventory.Grant(ctx, dl.CharID, p, source)
	default:
		return fmt.Errorf("mail: unknown dead letter kind %q", dl.Kind)
	}
}

func (s *Service) settle(ctx context.Context, dl *model.DeadLetter, result error) {
	attempts := dl.Attempts + 1
	log := s.logger.With(
		zap.Int64("dead_letter_id", dl.ID),
		zap.Int64("mail_id", dl.MailID),
		zap.Int64("char_id", dl.CharID),
		zap.String("kind", dl.Kind),
		zap.Int("attempts", attempts))

	if result == nil {
		if err := s.store.MarkDeadLetterDelivered(ctx, dl.ID, attempts); err != nil {
			// The lease expires and the entry is replayed under its key.
			log.Error("dead letter delivered but not marked", zap.Error(err))
			return
		}
		metrics.RecordDeadLetter(dl.Kind, "delivered")
		s.audit.Log(audit.Entry{CharID: dl.CharID, MailID: dl.MailID, Action: audit.ActionDeadLetter,
			Detail: map[string]any{"id": dl.ID, "outcome": "delivered", "attempts": attempts}})
		log.Info("dead letter delivered")
		return
	}

	var next time.Time
	permanent := errors.Is(result, ErrCorruptPayload)
	if !permanent && (dl.MaxAttempts <= 0 || attempts < dl.MaxAttempts) {
		next = s.now().Add(s.retryDelay(attempts))
	}
	if err := s.store.RescheduleDeadLetter(ctx, dl.ID, attempts, next, result.Error()); err != nil {
		log.Error("dead letter reschedule failed", zap.Error(err))
		return
	}
	if next.IsZero() {
		metrics.RecordDeadLetter(dl.Kind, "failed")
		s.audit.Log(audit.Entry{CharID: dl.CharID, MailID: dl.MailID, Action: audit.ActionDeadLetter, Err: result,
			Detail: map[string]any{"id": dl.ID, "outcome": "failed", "attempts": attempts}})
		log.Error("dead letter gave up, operator action required", zap.Error(result))
		return
	}
	metrics.RecordDeadLetter(dl.Kind, "retry")
	log.Warn("dead letter retry failed", zap.Time("next_attempt_at", next), zap.Error(result))
}

// retryDelay doubles the base backoff per attempt, capped at an hour.
func (s *Service) retryDelay(attempts int) time.Duration {
	d := s.cfg.DeadLetterBackoff
	if d <= 0 {
		d = 30 * time.Second
	}
	for i := 1; i < attempts && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

// DeadLetters lists entries for operators; status "" lists all.
func (s *Service) DeadLetters(ctx context.Context, status string, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListDeadLetters(ctx, status, limit)
}

// RequeueDeadLetter gives a failed entry a fresh set of attempts.
func (s *Service) RequeueDeadLetter(ctx context.Context, id int64) error {
	return s.store.RequeueDeadLetter(ctx, id, s.now())
}
