package model

import (
	"time"

	"gorm.io/datatypes"
)

// ItemKind distinguishes item types.
type ItemKind = int

const (
	ItemKindItem   ItemKind = 1 // stackable
	ItemKindWeapon ItemKind = 2
	ItemKindArmor  ItemKind = 3
)

// Inventory represents a single item stack in a character's bag.
type Inventory struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	CharID    int64          `gorm:"index:idx_char_inventory;not null" json:"char_id"`
	ItemID    int            `gorm:"not null" json:"item_id"`
	Kind      int            `gorm:"not null" json:"kind"`
	Qty       int            `gorm:"default:1" json:"qty"`
	Name      string         `gorm:"size:64" json:"name,omitempty"`
	Attrs     datatypes.JSON `json:"attrs,omitempty"`
	Source    string         `gorm:"size:64" json:"source,omitempty"` // e.g. "mail:42"
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
