// Package economy moves currency in and out of character wallets.
package economy

import (
	"context"
	"errors"
	"fmt"

	dbadapter "github.com/kasuganosora/mailsystem/db"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientFunds = errors.New("economy: insufficient funds")
	ErrUnknownAccount    = errors.New("economy: unknown account")
	// ErrUnavailable is transient; callers may retry.
	ErrUnavailable = errors.New("economy: unavailable")
)

// Wallet debits and credits characters.gold with conditional updates, so a
// balance never goes negative even under concurrent debits.
type Wallet struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewWallet(db *gorm.DB, logger *zap.Logger) *Wallet {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wallet{db: db, logger: logger}
}

func classify(op string, err error) error {
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrUnknownAccount) {
		return err
	}
	if dbadapter.IsUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("economy: %s: %w", op, err)
}

// Debit removes amount from charID's balance.
func (w *Wallet) Debit(ctx context.Context, charID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := debit(w.db.WithContext(ctx), charID, amount); err != nil {
		return classify("debit", err)
	}
	return nil
}

// Credit adds amount to charID's balance.
func (w *Wallet) Credit(ctx context.Context, charID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := credit(w.db.WithContext(ctx), charID, amount); err != nil {
		return classify("credit", err)
	}
	return nil
}

// DebitOnce is Debit guarded by key. Once a debit under key has committed,
// later calls with the same key return nil and leave the balance alone, so
// a call whose outcome was lost can simply be repeated.
func (w *Wallet) DebitOnce(ctx context.Context, key string, charID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return w.once(ctx, "debit", key, charID, func(tx *gorm.DB) error { return debit(tx, charID, amount) })
}

// CreditOnce is Credit guarded by key, like DebitOnce.
func (w *Wallet) CreditOnce(ctx context.Context, key string, charID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return w.once(ctx, "credit", key, charID, func(tx *gorm.DB) error { return credit(tx, charID, amount) })
}

var errApplied = errors.New("economy: already applied")

func (w *Wallet) once(ctx context.Context, op, key string, charID int64, fn func(tx *gorm.DB) error) error {
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.AppliedOp{Key: op + ":" + key, CharID: charID, Kind: op})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errApplied
		}
		return fn(tx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errApplied):
		w.logger.Info("wallet operation already applied", zap.String("op", op), zap.String("key", key))
		return nil
	default:
		return classify(op, err)
	}
}

func debit(db *gorm.DB, charID, amount int64) error {
	res := db.Model(&model.Character{}).
		Where("id = ? AND gold >= ?", charID, amount).
		UpdateColumn("gold", gorm.Expr("gold - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := db.Model(&model.Character{}).Where("id = ?", charID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownAccount
	}
	return ErrInsufficientFunds
}

func credit(db *gorm.DB, charID, amount int64) error {
	res := db.Model(&model.Character{}).
		Where("id = ?", charID).
		UpdateColumn("gold", gorm.Expr("gold + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUnknownAccount
	}
	return nil
}

// Balance returns charID's current balance.
func (w *Wallet) Balance(ctx context.Context, charID int64) (int64, error) {
	var char model.Character
	err := w.db.WithContext(ctx).Select("gold").Where("id = ?", charID).Take(&char).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUnknownAccount
	}
	if err != nil {
		return 0, classify("balance", err)
	}
	return char.Gold, nil
}
