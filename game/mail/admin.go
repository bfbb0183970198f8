package mail

import (
	"context"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
)

// Inspect returns a mailbox in every status, newest first, for operators.
func (s *Service) Inspect(ctx context.Context, charID int64, limit int) ([]model.Mail, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByRecipient(ctx, charID, limit)
}

// PurgeMailbox deletes the finished mail of charID. Pending and quarantined
// mail and expired mail still holding its attachment are kept, so no
// attachment is lost.
func (s *Service) PurgeMailbox(ctx context.Context, charID int64, traceID string) (int64, error) {
	var n int64
	err := s.coord.Do(ctx, charID, func(ctx context.Context) error {
		var err error
		n, err = s.store.PurgeMailbox(ctx, charID)
		if err != nil {
			return err
		}
		s.boxes.Invalidate(ctx, charID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.audit.Log(audit.Entry{TraceID: traceID, CharID: charID, Action: audit.ActionPurge, Detail: map[string]int64{"removed": n}})
	s.logger.Info("mailbox purged", zap.Int64("char_id", charID), zap.Int64("removed", n))
	return n, nil
}

// Stats is a point-in-time view of the delivery queue.
type Stats struct {
	QueueDepth int `json:"queue_depth"`
	Lanes      int `json:"lanes"`
}

func (s *Service) Stats() Stats {
	return Stats{QueueDepth: s.coord.Depth(), Lanes: s.coord.Lanes()}
}
