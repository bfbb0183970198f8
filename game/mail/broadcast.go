package mail

import (
	"context"
	"sync"
	"time"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
)

// Broadcast audiences.
const (
	AudienceOnline = "online"
	AudienceAll    = "all"
	AudienceRecent = "recent" // characters whose account logged in within Days
)

const (
	broadcastWorkers  = 8
	defaultRecentDays = 7
)

// Audience selects broadcast recipients. Explicit RecipientIDs win over
// Audience.
type Audience struct {
	Kind         string  `json:"audience"`
	Days         int     `json:"days"`
	RecipientIDs []int64 `json:"recipient_ids"`
}

// RecipientResult is the outcome of one broadcast mail.
type RecipientResult struct {
	RecipientID int64  `json:"recipient_id"`
	MailID      int64  `json:"mail_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BroadcastResult counts the mails a broadcast delivered. Results carries
// one entry per recipient.
type BroadcastResult struct {
	Sent    int               `json:"sent"`
	Failed  int               `json:"failed"`
	Results []RecipientResult `json:"results"`
}

// SystemMail is the content of a broadcast.
type SystemMail struct {
	Title    string        `json:"title"`
	Body     string        `json:"body"`
	Currency int64         `json:"currency"`
	Items    []codec.Stack `json:"items"`
}

func (s *Service) recipients(ctx context.Context, a Audience) ([]int64, error) {
	if len(a.RecipientIDs) > 0 {
		seen := make(map[int64]bool, len(a.RecipientIDs))
		out := make([]int64, 0, len(a.RecipientIDs))
		for _, id := range a.RecipientIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		return out, nil
	}
	switch a.Kind {
	case AudienceOnline:
		return s.presence.OnlineIDs(), nil
	case AudienceAll:
		return s.directory.Active(ctx, time.Time{})
	case AudienceRecent:
		days := a.Days
		if days <= 0 {
			days = defaultRecentDays
		}
		return s.directory.Active(ctx, s.now().AddDate(0, 0, -days))
	default:
		return nil, ErrNoTargets
	}
}

// Broadcast sends one system mail per recipient. A failed recipient does not
// stop the others; each outcome is reported.
func (s *Service) Broadcast(ctx context.Context, a Audience, mail SystemMail, traceID string) (*BroadcastResult, error) {
	return s.broadcast(ctx, a, traceID, func(int64) SystemMail { return mail })
}

func (s *Service) broadcast(ctx context.Context, a Audience, traceID string, render func(recipientID int64) SystemMail) (*BroadcastResult, error) {
	ids, err := s.recipients(ctx, a)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoTargets
	}

	results := make([]RecipientResult, len(ids))
	for i, id := range ids {
		results[i].RecipientID = id
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for range min(broadcastWorkers, len(ids)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				mail := render(ids[i])
				m, err := s.Send(ctx, SendRequest{
					SenderID:    model.SystemSenderID,
					SenderName:  systemName,
					RecipientID: ids[i],
					Title:       mail.Title,
					Body:        mail.Body,
					Currency:    mail.Currency,
					Items:       mail.Items,
					TraceID:     traceID,
				})
				if err != nil {
					results[i].Error = err.Error()
					continue
				}
				results[i].MailID = m.ID
			}
		}()
	}
	for i := range ids {
		if ctx.Err() != nil {
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	res := &BroadcastResult{Results: results}
	for i := range results {
		switch {
		case results[i].MailID == 0 && results[i].Error == "":
			results[i].Error = context.Cause(ctx).Error()
			res.Failed++
		case results[i].Error != "":
			res.Failed++
		default:
			res.Sent++
		}
	}
	s.audit.Log(audit.Entry{TraceID: traceID, Action: audit.ActionBroadcast,
		Detail: map[string]any{"audience": a.Kind, "sent": res.Sent, "failed": res.Failed}})
	s.logger.Info("broadcast finished",
		zap.String("audience", a.Kind),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed))
	return res, nil
}
