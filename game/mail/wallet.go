package mail

import (
	"context"
)

// creditCall returns the credit of amount to charID under key. Only a keyed
// call on a keyedEconomy is repeatable; a plain credit whose outcome is
// unknown must not be sent twice.
func (s *Service) creditCall(ctx context.Context, key string, charID, amount int64) (call func() error, repeatable bool) {
	if k, ok := s.economy.(keyedEconomy); ok && key != "" {
		return func() error { return k.CreditOnce(ctx, key, charID, amount) }, true
	}
	return func() error { return s.economy.Credit(ctx, charID, amount) }, false
}

func (s *Service) debitCall(ctx context.Context, key string, charID, amount int64) (call func() error, repeatable bool) {
	if k, ok := s.economy.(keyedEconomy); ok && key != "" {
		return func() error { return k.DebitOnce(ctx, key, charID, amount) }, true
	}
	return func() error { return s.economy.Debit(ctx, charID, amount) }, false
}

func (s *Service) credit(ctx context.Context, op, key string, charID, amount int64) error {
	call, repeatable := s.creditCall(ctx, key, charID, amount)
	if !repeatable {
		return call()
	}
	return s.retry(ctx, op, call)
}

func (s *Service) debit(ctx context.Context, key string, charID, amount int64) error {
	call, repeatable := s.debitCall(ctx, key, charID, amount)
	if !repeatable {
		return call()
	}
	return s.retry(ctx, "debit", call)
}
