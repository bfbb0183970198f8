package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records mail lifecycle events for operators.
type AuditLog struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID   string         `gorm:"index:idx_audit_trace;size:36" json:"trace_id"`
	CharID    *int64         `gorm:"index:idx_audit_char" json:"char_id"`
	MailID    *int64         `gorm:"index:idx_audit_mail" json:"mail_id"`
	Action    string         `gorm:"size:64;not null" json:"action"`
	Detail    datatypes.JSON `json:"detail"`
	Error     string         `gorm:"type:text" json:"error"`
	CreatedAt time.Time      `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}
