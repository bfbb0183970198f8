package player

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/mailsystem/model"
	"gorm.io/gorm"
)

// ErrNoSuchCharacter is returned when a name lookup finds nothing.
var ErrNoSuchCharacter = errors.New("player: no such character")

// Directory resolves character identities from the characters table.
type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory { return &Directory{db: db} }

// Exists reports whether a character with id exists.
func (d *Directory) Exists(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&model.Character{}).Where("id = ?", id).Count(&n).Error
	return n > 0, err
}

// Name returns the character's display name.
func (d *Directory) Name(ctx context.Context, id int64) (string, error) {
	var char model.Character
	err := d.db.WithContext(ctx).Select("name").Where("id = ?", id).Take(&char).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoSuchCharacter
	}
	return char.Name, err
}

// ByName resolves a character name to its ID.
func (d *Directory) ByName(ctx context.Context, name string) (int64, error) {
	var char model.Character
	err := d.db.WithContext(ctx).Select("id").Where("name = ?", name).Take(&char).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNoSuchCharacter
	}
	return char.ID, err
}

// Active lists character IDs in ascending order. A non-zero since keeps only
// characters whose account logged in at or after it.
func (d *Directory) Active(ctx context.Context, since time.Time) ([]int64, error) {
	q := d.db.WithContext(ctx).Model(&model.Character{})
	if !since.IsZero() {
		q = q.Joins("JOIN accounts ON accounts.id = characters.account_id").
			Where("accounts.last_login_at >= ?", since.UTC())
	}
	var ids []int64
	err := q.Order("characters.id").Pluck("characters.id", &ids).Error
	return ids, err
}
