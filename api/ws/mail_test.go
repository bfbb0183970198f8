package ws

import (
	"encoding/json"
	"testing"

	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/game/mail"
	"github.com/kasuganosora/mailsystem/game/player"
	"github.com/kasuganosora/mailsystem/model"
	"github.com/kasuganosora/mailsystem/testutil/mailtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mailRouter(env *mailtest.Env) *Router {
	r := NewRouter(zap.NewNop())
	NewMailHandlers(env.Service, zap.NewNop()).RegisterHandlers(r)
	return r
}

func decode[T any](t *testing.T, pkt player.Packet) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(pkt.Payload, &v))
	return v
}

func TestMailHandlers_ListAndClaim(t *testing.T) {
	env := mailtest.New(t)
	alice := env.Char(t, "alice", 0)
	id := env.Send(t, alice, "reward", 300)
	r := mailRouter(env)
	s := newSession(1, alice)

	r.Dispatch(s, makePacket(t, 1, "mail_list", nil))
	pkt := next(t, s)
	require.Equal(t, "mail_list", pkt.Type)
	list := decode[struct {
		Mails []mail.Summary `json:"mails"`
	}](t, pkt)
	require.Len(t, list.Mails, 1)
	assert.Equal(t, id, list.Mails[0].ID)
	assert.Equal(t, int64(300), list.Mails[0].Currency)

	r.Dispatch(s, makePacket(t, 2, "mail_claim", mailIDPayload{MailID: id}))
	pkt = next(t, s)
	require.Equal(t, "mail_claimed", pkt.Type)
	assert.Equal(t, uint64(2), pkt.Seq)
	assert.Equal(t, int64(300), decode[mail.ClaimResult](t, pkt).Currency)
	assert.Equal(t, int64(300), env.Gold(t, alice))

	r.Dispatch(s, makePacket(t, 3, "mail_claim", mailIDPayload{MailID: id}))
	pkt = next(t, s)
	require.Equal(t, "error", pkt.Type)
	assert.Equal(t, "already_claimed", decode[errorPayload](t, pkt).Code)
	assert.Equal(t, int64(300), env.Gold(t, alice))
}

func TestMailHandlers_ClaimOthersMail(t *testing.T) {
	env := mailtest.New(t)
	alice := env.Char(t, "alice", 0)
	bob := env.Char(t, "bob", 0)
	id := env.Send(t, alice, "reward", 300)
	r := mailRouter(env)
	s := newSession(2, bob)

	r.Dispatch(s, makePacket(t, 1, "mail_claim", mailIDPayload{MailID: id}))
	assert.Equal(t, "not_recipient", decode[errorPayload](t, next(t, s)).Code)
	assert.Equal(t, int64(0), env.Gold(t, bob))
}

func TestMailHandlers_BadMailID(t *testing.T) {
	env := mailtest.New(t)
	r := mailRouter(env)
	s := newSession(1, env.Char(t, "alice", 0))

	for _, typ := range []string{"mail_claim", "mail_read", "mail_return", "mail_delete"} {
		r.Dispatch(s, makePacket(t, 0, typ, map[string]any{"mail_id": "x"}))
		assert.Equal(t, "bad_request", decode[errorPayload](t, next(t, s)).Code, typ)
	}
}

func TestMailHandlers_SendAndRead(t *testing.T) {
	env := mailtest.New(t)
	alice := env.Char(t, "alice", 500)
	bob := env.Char(t, "bob", 0)
	r := mailRouter(env)
	as := player.NewPlayerSession(1, alice, "alice", nil, zap.NewNop())
	bs := newSession(2, bob)
	env.Sessions.Register(bs)

	r.Dispatch(as, makePacket(t, 1, "mail_send", sendPayload{RecipientID: bob, Title: "hi", Currency: 100}))
	pkt := next(t, as)
	require.Equal(t, "mail_sent", pkt.Type, string(pkt.Payload))
	sent := decode[struct {
		MailID int64 `json:"mail_id"`
	}](t, pkt)
	assert.Equal(t, int64(400), env.Gold(t, alice))

	// bob is online and hears about it.
	notice := next(t, bs)
	assert.Equal(t, mail.EventNewMail, notice.Type)

	r.Dispatch(bs, makePacket(t, 1, "mail_unread", nil))
	assert.Equal(t, int64(1), decode[mail.UnreadEvent](t, next(t, bs)).Count)

	r.Dispatch(bs, makePacket(t, 2, "mail_read", mailIDPayload{MailID: sent.MailID}))
	assert.Equal(t, "mail_read", next(t, bs).Type)

	r.Dispatch(bs, makePacket(t, 3, "mail_unread", nil))
	assert.Equal(t, int64(0), decode[mail.UnreadEvent](t, next(t, bs)).Count)
}

func TestMailHandlers_SendErrors(t *testing.T) {
	env := mailtest.New(t)
	alice := env.Char(t, "alice", 10)
	bob := env.Char(t, "bob", 0)
	r := mailRouter(env)
	s := newSession(1, alice)

	cases := []struct {
		name string
		req  sendPayload
		code string
	}{
		{"self", sendPayload{RecipientID: alice, Title: "x"}, "invalid_recipient"},
		{"no title", sendPayload{RecipientID: bob}, "invalid_mail"},
		{"broke", sendPayload{RecipientID: bob, Title: "x", Currency: 1000}, "insufficient_funds"},
		{"missing", sendPayload{RecipientID: 9999, Title: "x"}, "no_such_recipient"},
		{"not in bag", sendPayload{RecipientID: bob, Title: "x", Items: []item.Ref{{InvID: 999, Qty: 1}}}, "not_in_bag"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r.Dispatch(s, makePacket(t, 0, "mail_send", tc.req))
			assert.Equal(t, tc.code, decode[errorPayload](t, next(t, s)).Code)
		})
	}
	assert.Equal(t, int64(10), env.Gold(t, alice))

	r.Dispatch(s, []byte(`{"type":"mail_send","payload":"nope"}`))
	assert.Equal(t, "bad_request", decode[errorPayload](t, next(t, s)).Code)
}

func TestMailHandlers_Return(t *testing.T) {
	env := mailtest.New(t)
	alice := env.Char(t, "alice", 500)
	bob := env.Char(t, "bob", 0)
	r := mailRouter(env)
	as := player.NewPlayerSession(1, alice, "alice", nil, zap.NewNop())
	bs := newSession(2, bob)

	r.Dispatch(as, makePacket(t, 1, "mail_send", sendPayload{RecipientID: bob, Title: "gift", Currency: 200}))
	id := decode[struct {
		MailID int64 `json:"mail_id"`
	}](t, next(t, as)).MailID

	r.Dispatch(bs, makePacket(t, 1, "mail_return", mailIDPayload{MailID: id}))
	pkt := next(t, bs)
	require.Equal(t, "mail_returned", pkt.Type, string(pkt.Payload))

	r.Dispatch(as, makePacket(t, 2, "mail_list", nil))
	list := decode[struct {
		Mails []mail.Summary `json:"mails"`
	}](t, next(t, as))
	require.Len(t, list.Mails, 1)
	assert.Equal(t, int64(200), list.Mails[0].Currency)
	require.NotNil(t, list.Mails[0].ReturnOf)
	assert.Equal(t, id, *list.Mails[0].ReturnOf)
}

func TestMailHandlers_Ping(t *testing.T) {
	env := mailtest.New(t)
	r := mailRouter(env)
	s := newSession(1, 1)
	r.Dispatch(s, makePacket(t, 1, "ping", pingPayload{TS: 12345}))
	pkt := next(t, s)
	assert.Equal(t, "pong", pkt.Type)
	assert.Equal(t, int64(12345), decode[struct {
		ClientTS int64 `json:"client_ts"`
	}](t, pkt).ClientTS)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "already_claimed", codeOf(mail.ErrAlreadyClaimed))
	assert.Equal(t, "invalid_mail", codeOf(mail.ErrTitleTooLong))
	assert.Equal(t, "", codeOf(assert.AnError))
}

func TestMailHandlers_SendItemsAndDelete(t *testing.T) {
	env := mailtest.New(t)
	alice := env.Char(t, "alice", 0)
	bob := env.Char(t, "bob", 0)
	r := mailRouter(env)
	as := player.NewPlayerSession(1, alice, "alice", nil, zap.NewNop())
	bs := newSession(2, bob)
	refs := env.Stock(t, alice, codec.Stack{ItemID: 7, Kind: model.ItemKindItem, Qty: 1, Name: "Ring"})

	r.Dispatch(as, makePacket(t, 1, "mail_send", sendPayload{RecipientID: bob, Title: "ring", Items: refs}))
	pkt := next(t, as)
	require.Equal(t, "mail_sent", pkt.Type, string(pkt.Payload))
	id := decode[struct {
		MailID int64 `json:"mail_id"`
	}](t, pkt).MailID

	r.Dispatch(bs, makePacket(t, 1, "mail_delete", mailIDPayload{MailID: id}))
	assert.Equal(t, "not_deletable", decode[errorPayload](t, next(t, bs)).Code)

	r.Dispatch(bs, makePacket(t, 2, "mail_claim", mailIDPayload{MailID: id}))
	require.Equal(t, "mail_claimed", next(t, bs).Type)
	r.Dispatch(bs, makePacket(t, 3, "mail_delete", mailIDPayload{MailID: id}))
	pkt = next(t, bs)
	require.Equal(t, "mail_deleted", pkt.Type, string(pkt.Payload))
	assert.Equal(t, id, decode[mailIDPayload](t, pkt).MailID)
}
