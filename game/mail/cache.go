package mail

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/metrics"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
)

const snapshotTTL = time.Hour

// Summary is the mailbox view of one pending mail.
type Summary struct {
	ID         int64         `json:"id"`
	SenderID   int64         `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	Title      string        `json:"title"`
	Body       string        `json:"body"`
	Currency   int64         `json:"currency"`
	Items      []codec.Stack `json:"items,omitempty"`
	Corrupt    bool          `json:"corrupt,omitempty"`
	ReturnOf   *int64        `json:"return_of,omitempty"`
	ReadAt     *time.Time    `json:"read_at"`
	ExpiresAt  *time.Time    `json:"expires_at"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Summarize builds the view of m. A payload that fails to decode is flagged,
// not dropped; quarantine happens on claim.
func Summarize(m *model.Mail) Summary {
	sum := Summary{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Title:      m.Title,
		Body:       m.Body,
		ReturnOf:   m.ReturnOf,
		ReadAt:     m.ReadAt,
		ExpiresAt:  m.ExpiresAt,
		CreatedAt:  m.CreatedAt,
	}
	if m.Attachment != nil {
		sum.Currency = m.Attachment.Currency
		p, err := codec.Decode(m.Attachment.Payload)
		if err != nil {
			sum.Corrupt = true
		} else {
			sum.Items = p.Items
		}
	}
	return sum
}

type snapshot struct {
	Gen   int64     `json:"gen"`
	Mails []Summary `json:"mails"`
}

// MailCache keeps pending-mailbox snapshots in the shared cache. Each
// mailbox has a generation counter; writers bump it, and a snapshot is only
// served while its generation matches, so a reader that loaded from the
// store before an invalidation can never publish a stale snapshot.
type MailCache struct {
	kv     cache.Cache
	logger *zap.Logger
}

func NewMailCache(kv cache.Cache, logger *zap.Logger) *MailCache {
	return &MailCache{kv: kv, logger: logger}
}

func snapKey(charID int64) string { return "mail:pending:" + strconv.FormatInt(charID, 10) }
func genKey(charID int64) string  { return "mail:gen:" + strconv.FormatInt(charID, 10) }

// Generation returns the current generation of a mailbox. Read it before
// loading from the store and pass it to Put.
func (mc *MailCache) Generation(ctx context.Context, charID int64) (int64, error) {
	if mc.kv == nil {
		return 0, nil
	}
	v, err := mc.kv.Get(ctx, genKey(charID))
	if cache.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// Get returns the snapshot of a mailbox, or false on a miss.
func (mc *MailCache) Get(ctx context.Context, charID int64) ([]Summary, bool) {
	if mc.kv == nil {
		return nil, false
	}
	gen, err := mc.Generation(ctx, charID)
	if err != nil {
		metrics.RecordCacheLookup(false)
		return nil, false
	}
	raw, err := mc.kv.Get(ctx, snapKey(charID))
	if err != nil {
		metrics.RecordCacheLookup(false)
		return nil, false
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil || snap.Gen != gen {
		metrics.RecordCacheLookup(false)
		return nil, false
	}
	metrics.RecordCacheLookup(true)
	return snap.Mails, true
}

// Put stores a snapshot loaded at generation gen.
func (mc *MailCache) Put(ctx context.Context, charID, gen int64, mails []Summary) {
	if mc.kv == nil {
		return
	}
	raw, err := json.Marshal(snapshot{Gen: gen, Mails: mails})
	if err != nil {
		return
	}
	if err := mc.kv.Set(ctx, snapKey(charID), string(raw), snapshotTTL); err != nil {
		mc.logger.Warn("mailbox snapshot write failed", zap.Int64("char_id", charID), zap.Error(err))
	}
}

// Invalidate bumps the generation and drops the snapshot.
func (mc *MailCache) Invalidate(ctx context.Context, charID int64) {
	if mc.kv == nil {
		return
	}
	if _, err := mc.kv.Incr(ctx, genKey(charID)); err != nil {
		mc.logger.Error("mailbox generation bump failed", zap.Int64("char_id", charID), zap.Error(err))
	}
	if err := mc.kv.Del(ctx, snapKey(charID)); err != nil {
		mc.logger.Warn("mailbox snapshot delete failed", zap.Int64("char_id", charID), zap.Error(err))
	}
}
