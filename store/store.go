// Package store is the mail persistence layer. Every exported operation runs
// in a single transaction bounded by the configured acquire timeout.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbadapter "github.com/kasuganosora/mailsystem/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrStoreUnavailable means the backend was unreachable or no pooled
	// connection became free within the acquire timeout.
	ErrStoreUnavailable = errors.New("store: unavailable")
	ErrNotFound         = errors.New("store: not found")
	// ErrAlreadyClaimed is returned by MarkClaimed when the conditional
	// update touched no row: another caller won, or the mail left pending.
	ErrAlreadyClaimed = errors.New("store: mail already claimed")
	ErrNotPending     = errors.New("store: mail is not pending")
	ErrDailyLimit     = errors.New("store: daily send limit reached")
	ErrNotDeletable   = errors.New("store: mail cannot be deleted")
	// ErrRetryable marks an unavailable failure that changed nothing: a read,
	// or a transaction that never got a connection.
	ErrRetryable = errors.New("store: safe to retry")
)

// Store wraps a gorm handle with mail-specific atomic operations.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Store. timeout bounds connection acquisition plus execution
// of each operation; zero disables the bound.
func New(db *gorm.DB, timeout time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, timeout: timeout, logger: logger}
}

// DB exposes the underlying handle for collaborators sharing the pool.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// tx runs fn in one transaction. fn must only use the tx handle it receives.
func (s *Store) tx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	began := false
	err := s.classify(op, s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		began = true
		return fn(tx)
	}))
	if !began {
		return retryable(err)
	}
	return err
}

// read runs a single statement without an explicit transaction.
func (s *Store) read(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return retryable(s.classify(op, fn(s.db.WithContext(ctx))))
}

func retryable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%w (%w)", err, ErrRetryable)
	}
	return err
}

func (s *Store) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrNotPending),
		errors.Is(err, ErrDailyLimit), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNotDeletable):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case dbadapter.IsUnavailable(err):
		s.logger.Warn("store unavailable", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	default:
		return fmt.Errorf("store: %s: %w", op, err)
	}
}

// Ping checks that a connection can be obtained and the backend answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return s.classify("ping", err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	return nil
}
