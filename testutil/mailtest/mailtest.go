// Package mailtest builds a fully wired mail service on SQLite and the local
// cache for tests of the transport layers.
package mailtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/config"
	"github.com/kasuganosora/mailsystem/game/delivery"
	"github.com/kasuganosora/mailsystem/game/economy"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/game/mail"
	"github.com/kasuganosora/mailsystem/game/player"
	"github.com/kasuganosora/mailsystem/store"
	"github.com/kasuganosora/mailsystem/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Env struct {
	DB        *gorm.DB
	Store     *store.Store
	Cache     cache.Cache
	PubSub    cache.PubSub
	Sessions  *player.SessionManager
	Directory *player.Directory
	Inventory *item.InventoryService
	Service   *mail.Service
}

// New wires a mail service with the default mail config adjusted by mutate.
func New(t *testing.T, mutate ...func(*config.MailConfig)) *Env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	kv, ps := testutil.SetupTestCache(t)
	coord := delivery.New(delivery.Config{Workers: 2, MaxPending: 100}, zap.NewNop())
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	cfg := config.Default().Mail
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = time.Millisecond
	for _, fn := range mutate {
		fn(&cfg)
	}

	env := &Env{
		DB:        db,
		Store:     store.New(db, 5*time.Second, zap.NewNop()),
		Cache:     kv,
		PubSub:    ps,
		Sessions:  player.NewSessionManager(zap.NewNop()),
		Directory: player.NewDirectory(db),
		Inventory: item.NewInventoryService(db, zap.NewNop()),
	}
	env.Service = mail.NewService(mail.Deps{
		Store:       env.Store,
		Coordinator: coord,
		Cache:       kv,
		PubSub:      ps,
		Economy:     economy.NewWallet(db, zap.NewNop()),
		Inventory:   env.Inventory,
		Presence:    env.Sessions,
		Directory:   env.Directory,
	}, cfg, "test-node", zap.NewNop())
	return env
}

// Char creates a character holding gold and returns its ID.
func (e *Env) Char(t *testing.T, name string, gold int64) int64 {
	return testutil.CreateCharacter(t, e.DB, name, gold)
}

// Gold returns a character's balance.
func (e *Env) Gold(t *testing.T, charID int64) int64 {
	return testutil.Gold(t, e.DB, charID)
}

// Send delivers a system mail carrying currency to charID.
func (e *Env) Send(t *testing.T, charID int64, title string, currency int64) int64 {
	t.Helper()
	m, err := e.Service.SendSystem(context.Background(), charID, title, "", currency, nil)
	require.NoError(t, err)
	return m.ID
}

// Stock puts stacks in charID's bag and returns a ref to each new slot.
func (e *Env) Stock(t *testing.T, charID int64, stacks ...codec.Stack) []item.Ref {
	t.Helper()
	ctx := context.Background()
	before, err := e.Inventory.List(ctx, charID)
	require.NoError(t, err)
	for i, st := range stacks {
		source := fmt.Sprintf("stock:%d:%d:%d", charID, len(before), i)
		require.NoError(t, e.Inventory.Grant(ctx, charID, codec.Payload{Items: []codec.Stack{st}}, source))
	}
	rows, err := e.Inventory.List(ctx, charID)
	require.NoError(t, err)
	var refs []item.Ref
	for _, r := range rows[len(before):] {
		refs = append(refs, item.Ref{InvID: r.ID, Qty: r.Qty})
	}
	return refs
}
