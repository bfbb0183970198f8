package model

import "time"

// Mail status values. Transitions only leave pending, never return to it.
const (
	MailStatusPending     = "pending"
	MailStatusClaimed     = "claimed"
	MailStatusExpired     = "expired"
	MailStatusReturned    = "returned"
	MailStatusQuarantined = "quarantined" // attachment failed to decode
)

// SystemSenderID is the sender identity of mail generated by the server.
const SystemSenderID int64 = 0

// Mail is one message in a character's mailbox.
type Mail struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID    int64      `gorm:"index:idx_mail_sender;not null" json:"sender_id"`
	SenderName  string     `gorm:"size:32" json:"sender_name"`
	RecipientID int64      `gorm:"index:idx_mail_box,priority:1;not null" json:"recipient_id"`
	Status      string     `gorm:"size:16;not null;default:'pending';index:idx_mail_box,priority:2;index:idx_mail_expiry,priority:1" json:"status"`
	Title       string     `gorm:"size:64" json:"title"`
	Body        string     `gorm:"type:text" json:"body"`
	ReturnOf    *int64     `json:"return_of,omitempty"` // original mail when this is a bounce
	Origin      string     `gorm:"size:36" json:"-"`    // instance that inserted the row
	ReadAt      *time.Time `json:"read_at"`
	ExpiresAt   *time.Time `gorm:"index:idx_mail_expiry,priority:2" json:"expires_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Attachment *Attachment `gorm:"foreignKey:MailID" json:"attachment,omitempty"`
}

// HasAttachment reports whether the mail carries currency or items.
func (m *Mail) HasAttachment() bool {
	return m.Attachment != nil && !m.Attachment.Empty()
}

// Attachment is the currency and item payload bundled with a Mail.
// Both parts are claimed together.
type Attachment struct {
	MailID       int64  `gorm:"primaryKey;autoIncrement:false" json:"mail_id"`
	Currency     int64  `gorm:"column:currency_amount;not null;default:0" json:"currency"`
	Payload      []byte `gorm:"column:payload_blob" json:"-"`
	CodecVersion uint8  `gorm:"not null;default:0" json:"codec_version"`
}

func (Attachment) TableName() string { return "mail_attachments" }

// Empty reports whether there is nothing to deliver.
func (a *Attachment) Empty() bool {
	return a.Currency == 0 && len(a.Payload) == 0
}

// ClaimRecord is written once, in the transaction that flips a mail to claimed.
type ClaimRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MailID    int64     `gorm:"uniqueIndex:idx_claim_mail;not null" json:"mail_id"`
	Claimant  int64     `gorm:"column:claimant;index;not null" json:"claimant"`
	ClaimedAt time.Time `gorm:"not null" json:"claimed_at"`
}

func (ClaimRecord) TableName() string { return "mail_claims" }
