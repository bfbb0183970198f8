package model

import "time"

// Dead-letter kinds.
const (
	DeadLetterCurrency = "currency" // claimed currency not yet credited
	DeadLetterItem     = "item"     // claimed items not yet granted
	DeadLetterRefund   = "refund"   // send refund not yet credited
	DeadLetterRestore  = "restore"  // items taken for a failed send not yet put back
)

// Dead-letter states. An entry is leased (processing) while a worker delivers it.
const (
	DeadLetterPending    = "pending"
	DeadLetterProcessing = "processing"
	DeadLetterDelivered  = "delivered"
	DeadLetterFailed     = "failed"
)

// DeadLetter holds a delivery that passed the storage step but did not reach
// the character's wallet or bag.
type DeadLetter struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MailID        int64     `gorm:"index;not null" json:"mail_id"`
	CharID        int64     `gorm:"index;not null" json:"char_id"`
	Kind          string    `gorm:"size:16;not null" json:"kind"`
	OpKey         string    `gorm:"size:64" json:"op_key"` // replays the original wallet or bag operation
	Amount        int64     `gorm:"not null;default:0" json:"amount"`
	Payload       []byte    `json:"-"`
	CodecVersion  uint8     `gorm:"not null;default:0" json:"codec_version"`
	Attempts      int       `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int       `gorm:"not null;default:0" json:"max_attempts"`
	Status        string    `gorm:"size:16;not null;default:'pending';index:idx_dead_letter_due,priority:1" json:"status"`
	NextAttemptAt time.Time `gorm:"index:idx_dead_letter_due,priority:2" json:"next_attempt_at"`
	LastError     string    `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DeadLetter) TableName() string { return "mail_dead_letters" }
