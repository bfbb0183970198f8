package model

import "time"

// MailTemplate is a reusable system mail. Title and Body may contain the
// placeholders {receiver}, {date}, {time} and {server}.
type MailTemplate struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"uniqueIndex;size:32;not null" json:"name"`
	DisplayName  string    `gorm:"size:64" json:"display_name"`
	Title        string    `gorm:"size:64;not null" json:"title"`
	Body         string    `gorm:"type:text" json:"body"`
	Currency     int64     `gorm:"not null;default:0" json:"currency"`
	Payload      []byte    `json:"-"`
	CodecVersion uint8     `gorm:"not null;default:0" json:"codec_version"`
	CreatedBy    string    `gorm:"size:32" json:"created_by"`
	UseCount     int       `gorm:"not null;default:0" json:"use_count"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (MailTemplate) TableName() string { return "mail_templates" }
