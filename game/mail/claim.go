package mail

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/metrics"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
)

// ClaimResult reports what a claim delivered. Deferred lists the parts
// (currency, item) that were dead-lettered and will arrive later.
type ClaimResult struct {
	MailID   int64         `json:"mail_id"`
	Currency int64         `json:"currency"`
	Items    []codec.Stack `json:"items,omitempty"`
	Deferred []string      `json:"deferred,omitempty"`
}

// Claim delivers the attachment of a pending mail to its recipient exactly
// once. Of any number of concurrent claims for one mail, one succeeds and
// the rest get ErrAlreadyClaimed without side effects.
func (s *Service) Claim(ctx context.Context, claimant, mailID int64, traceID string) (*ClaimResult, error) {
	var out *ClaimResult
	err := s.coord.Do(ctx, claimant, func(ctx context.Context) error {
		res, err := s.claim(ctx, claimant, mailID, traceID)
		out = res
		return err
	})
	metrics.RecordClaim(claimResult(err))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func claimResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrCorruptPayload):
		return "corrupt"
	case errors.Is(err, ErrInventoryFull):
		return "inventory_full"
	case errors.Is(err, ErrExpired), errors.Is(err, ErrNotClaimable):
		return "not_claimable"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// claim runs in the claimant's lane.
func (s *Service) claim(ctx context.Context, claimant, mailID int64, traceID string) (*ClaimResult, error) {
	m, err := s.fetch(ctx, mailID)
	if err != nil {
		return nil, err
	}
	if m.RecipientID != claimant {
		return nil, ErrNotRecipient
	}
	switch m.Status {
	case model.MailStatusPending:
	case model.MailStatusClaimed:
		return nil, ErrAlreadyClaimed
	case model.MailStatusQuarantined:
		return nil, ErrCorruptPayload
	default:
		return nil, ErrNotClaimable
	}
	now := s.now()
	if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
		return nil, ErrExpired
	}

	var (
		payload  codec.Payload
		currency int64
		blob     []byte
		version  uint8
	)
	if m.Attachment != nil {
		currency = m.Attachment.Currency
		blob = m.Attachment.Payload
		version = m.Attachment.CodecVersion
		payload, err = codec.Decode(blob)
		if err != nil {
			s.quarantine(ctx, m, traceID, err)
			return nil, err
		}
	}

	if !payload.Empty() {
		var fits bool
		err := s.retry(ctx, "fits", func() (err error) {
			fits, err = s.inventory.Fits(ctx, claimant, payload)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("mail: check inventory: %w", err)
		}
		if !fits {
			return nil, ErrInventoryFull
		}
	}

	err = s.retry(ctx, "mark_claimed", func() error { return s.store.MarkClaimed(ctx, mailID, claimant, now) })
	if err != nil {
		return nil, err
	}
	s.boxes.Invalidate(ctx, claimant)

	res := &ClaimResult{MailID: mailID, Currency: currency, Items: payload.Items}
	source := "mail:" + strconv.FormatInt(mailID, 10)
	if currency > 0 {
		key := "claim:" + strconv.FormatInt(mailID, 10)
		if err := s.credit(ctx, "credit", key, claimant, currency); err != nil {
			s.deadLetter(ctx, &model.DeadLetter{MailID: mailID, CharID: claimant, Kind: model.DeadLetterCurrency, OpKey: key, Amount: currency}, err)
			res.Deferred = append(res.Deferred, model.DeadLetterCurrency)
		}
	}
	if !payload.Empty() {
		err := s.retry(ctx, "grant", func() error { return s.inventory.Grant(ctx, claimant, payload, source) })
		if err != nil {
			s.deadLetter(ctx, &model.DeadLetter{MailID: mailID, CharID: claimant, Kind: model.DeadLetterItem, OpKey: source, Payload: blob, CodecVersion: version}, err)
			res.Deferred = append(res.Deferred, model.DeadLetterItem)
		}
	}

	s.audit.Log(audit.Entry{TraceID: traceID, CharID: claimant, MailID: mailID, Action: audit.ActionClaim,
		Detail: map[string]any{"currency": currency, "items": payload.Count(), "deferred": res.Deferred}})
	s.logger.Info("mail claimed",
		zap.Int64("mail_id", mailID),
		zap.Int64("char_id", claimant),
		zap.Strings("deferred", res.Deferred))
	return res, nil
}

func (s *Service) quarantine(ctx context.Context, m *model.Mail, traceID string, cause error) {
	if err := s.store.Quarantine(ctx, m.ID); err != nil {
		s.logger.Error("quarantine failed", zap.Int64("mail_id", m.ID), zap.Error(err))
		return
	}
	s.boxes.Invalidate(ctx, m.RecipientID)
	s.audit.Log(audit.Entry{TraceID: traceID, CharID: m.RecipientID, MailID: m.ID, Action: audit.ActionQuarantine, Err: cause})
	s.logger.Error("mail payload corrupt, quarantined",
		zap.Int64("mail_id", m.ID),
		zap.Int64("recipient_id", m.RecipientID),
		zap.Error(cause))
}
