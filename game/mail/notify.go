package mail

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
)

const (
	// ChannelNewMail carries NewMailEvent between instances.
	ChannelNewMail = "mail:new"
	remindedSet    = "mail:reminded"

	EventNewMail = "mail_new"
	EventUnread  = "mail_unread"
)

// NewMailEvent announces a stored mail.
type NewMailEvent struct {
	MailID      int64  `json:"mail_id"`
	RecipientID int64  `json:"recipient_id"`
	SenderName  string `json:"sender_name"`
	Title       string `json:"title"`
	Origin      string `json:"origin"`
}

// UnreadEvent reminds a player of unread mail.
type UnreadEvent struct {
	Count int64 `json:"count"`
}

// announce notifies the recipient locally and tells the other instances.
func (s *Service) announce(ctx context.Context, m *model.Mail) {
	ev := NewMailEvent{
		MailID:      m.ID,
		RecipientID: m.RecipientID,
		SenderName:  m.SenderName,
		Title:       m.Title,
		Origin:      s.instanceID,
	}
	s.presence.Notify(m.RecipientID, EventNewMail, ev)
	if s.kv != nil {
		if err := s.kv.SRem(ctx, remindedSet, strconv.FormatInt(m.RecipientID, 10)); err != nil {
			s.logger.Warn("reminder reset failed", zap.Int64("char_id", m.RecipientID), zap.Error(err))
		}
	}
	if s.pubsub == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.pubsub.Publish(ctx, ChannelNewMail, string(raw)); err != nil {
		s.logger.Warn("new mail publish failed", zap.Int64("mail_id", m.ID), zap.Error(err))
	}
}

// StartRelay subscribes to new-mail events published by other instances and
// delivers them to the players connected here. The returned func stops it.
func (s *Service) StartRelay(ctx context.Context) (func(), error) {
	if s.pubsub == nil {
		return func() {}, nil
	}
	ctx, stop := context.WithCancel(ctx)
	ch, cancel, err := s.pubsub.Subscribe(ctx, ChannelNewMail)
	if err != nil {
		stop()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.relay(ctx, msg.Payload)
			}
		}
	}()
	return func() {
		stop()
		<-done
	}, nil
}

func (s *Service) relay(ctx context.Context, payload string) {
	var ev NewMailEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Warn("bad new mail event", zap.String("payload", payload), zap.Error(err))
		return
	}
	if ev.Origin == s.instanceID {
		return
	}
	s.boxes.Invalidate(ctx, ev.RecipientID)
	s.presence.Notify(ev.RecipientID, EventNewMail, ev)
}

// RemindUnread sends one unread reminder to each online player with unread
// mail. A player is reminded again only after new mail arrives.
func (s *Service) RemindUnread(ctx context.Context) error {
	online := s.presence.OnlineIDs()
	if len(online) == 0 {
		return nil
	}
	counts, err := s.store.UnreadCounts(ctx, online)
	if err != nil {
		return err
	}
	for charID, n := range counts {
		member := strconv.FormatInt(charID, 10)
		if s.kv != nil {
			done, err := s.kv.SIsMember(ctx, remindedSet, member)
			if err != nil {
				return err
			}
			if done {
				continue
			}
		}
		if !s.presence.Notify(charID, EventUnread, UnreadEvent{Count: n}) {
			continue
		}
		if s.kv != nil {
			if err := s.kv.SAdd(ctx, remindedSet, member); err != nil {
				return err
			}
		}
	}
	return nil
}
