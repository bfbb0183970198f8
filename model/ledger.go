package model

import "time"

// AppliedOp records a keyed wallet or bag operation that has committed.
// The row is written in the same transaction as the change it guards, so a
// replay with the same key finds it and does nothing.
type AppliedOp struct {
	Key       string    `gorm:"column:op_key;primaryKey;size:64" json:"key"`
	CharID    int64     `gorm:"index;not null" json:"char_id"`
	Kind      string    `gorm:"size:16;not null" json:"kind"`
	Result    []byte    `json:"-"` // what the operation produced, for replays that need it
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AppliedOp) TableName() string { return "applied_ops" }
