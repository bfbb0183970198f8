package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Mail lifecycle actions.
const (
	ActionSend       = "mail.send"
	ActionClaim      = "mail.claim"
	ActionExpire     = "mail.expire"
	ActionReturn     = "mail.return"
	ActionQuarantine = "mail.quarantine"
	ActionRefund     = "mail.refund"
	ActionRestore    = "mail.restore"
	ActionDelete     = "mail.delete"
	ActionBroadcast  = "mail.broadcast"
	ActionTemplate   = "mail.template"
	ActionPurge      = "mail.purge"
	ActionDeadLetter = "mail.dead_letter"
)

// Entry holds one audit event to be logged. Zero IDs are stored as NULL.
type Entry struct {
	TraceID string
	CharID  int64
	MailID  int64
	Action  string
	Detail  any
	Err     error
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	CharID int64
	MailID int64
	Action string
	Limit  int
}

// Service logs audit entries asynchronously in batches.
type Service struct {
	db     *gorm.DB
	ch     chan *model.AuditLog
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, 1024),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

func optional(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// Log enqueues an audit entry for async DB write. It never blocks.
func (svc *Service) Log(entry Entry) {
	record := &model.AuditLog{
		TraceID: entry.TraceID,
		CharID:  optional(entry.CharID),
		MailID:  optional(entry.MailID),
		Action:  entry.Action,
	}
	if entry.Detail != nil {
		if raw, err := json.Marshal(entry.Detail); err == nil {
			record.Detail = datatypes.JSON(raw)
		}
	}
	if entry.Err != nil {
		record.Error = entry.Err.Error()
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("action", entry.Action),
			zap.Int64("mail_id", entry.MailID))
	}
}

// Query returns stored entries, newest first.
func (svc *Service) Query(ctx context.Context, f Filter) ([]model.AuditLog, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := svc.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if f.CharID != 0 {
		q = q.Where("char_id = ?", f.CharID)
	}
	if f.MailID != 0 {
		q = q.Where("mail_id = ?", f.MailID)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	var out []model.AuditLog
	err := q.Find(&out).Error
	return out, err
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.once.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
