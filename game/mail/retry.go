package mail

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// retry runs fn until it succeeds, fails permanently, or the configured
// attempts run out. Only transient errors are retried.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	attempts := s.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.RetryInitial
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = 50 * time.Millisecond
	}
	exp.MaxInterval = s.cfg.RetryMax
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Second
	}
	exp.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("collaborator call failed, retrying",
			zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	})
}
