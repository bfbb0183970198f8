package model

import "time"

// SendLog counts the mails a character sent on one UTC day.
type SendLog struct {
	CharID int64  `gorm:"primaryKey;autoIncrement:false" json:"char_id"`
	Day    string `gorm:"primaryKey;size:10" json:"day"` // 2006-01-02
	Sent   int    `gorm:"not null;default:0" json:"sent"`
}

func (SendLog) TableName() string { return "mail_send_logs" }

// Blacklist blocks BlockedID from mailing OwnerID.
type Blacklist struct {
	OwnerID   int64     `gorm:"primaryKey;autoIncrement:false" json:"owner_id"`
	BlockedID int64     `gorm:"primaryKey;autoIncrement:false" json:"blocked_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Blacklist) TableName() string { return "mail_blacklists" }
