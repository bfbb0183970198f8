package mail

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/config"
	"github.com/kasuganosora/mailsystem/game/delivery"
	"github.com/kasuganosora/mailsystem/game/economy"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/game/player"
	"github.com/kasuganosora/mailsystem/model"
	"github.com/kasuganosora/mailsystem/store"
	"github.com/kasuganosora/mailsystem/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// flakyEconomy fails the next n calls of each kind with ErrUnavailable.
type flakyEconomy struct {
	inner       *economy.Wallet
	failDebits  atomic.Int32
	failCredits atomic.Int32
	credits     atomic.Int32
	// landDebits makes a failing debit apply before reporting ErrUnavailable.
	landDebits bool
}

func (f *flakyEconomy) Debit(ctx context.Context, charID, amount int64) error {
	if f.failDebits.Add(-1) >= 0 {
		if f.landDebits {
			_ = f.inner.Debit(ctx, charID, amount)
		}
		return economy.ErrUnavailable
	}
	return f.inner.Debit(ctx, charID, amount)
}

func (f *flakyEconomy) Credit(ctx context.Context, charID, amount int64) error {
	f.credits.Add(1)
	if f.failCredits.Add(-1) >= 0 {
		return economy.ErrUnavailable
	}
	return f.inner.Credit(ctx, charID, amount)
}

func (f *flakyEconomy) DebitOnce(ctx context.Context, key string, charID, amount int64) error {
	if f.failDebits.Add(-1) >= 0 {
		if f.landDebits {
			_ = f.inner.DebitOnce(ctx, key, charID, amount)
		}
		return economy.ErrUnavailable
	}
	return f.inner.DebitOnce(ctx, key, charID, amount)
}

func (f *flakyEconomy) CreditOnce(ctx context.Context, key string, charID, amount int64) error {
	f.credits.Add(1)
	if f.failCredits.Add(-1) >= 0 {
		return economy.ErrUnavailable
	}
	return f.inner.CreditOnce(ctx, key, charID, amount)
}

// plainEconomy hides the keyed calls of an economy.
type plainEconomy struct{ inner Economy }

func (p plainEconomy) Debit(ctx context.Context, charID, amount int64) error {
	return p.inner.Debit(ctx, charID, amount)
}

func (p plainEconomy) Credit(ctx context.Context, charID, amount int64) error {
	return p.inner.Credit(ctx, charID, amount)
}

type flakyInventory struct {
	inner      *item.InventoryService
	failGrants atomic.Int32
	failTakes  atomic.Int32
}

func (f *flakyInventory) Fits(ctx context.Context, charID int64, p codec.Payload) (bool, error) {
	return f.inner.Fits(ctx, charID, p)
}

func (f *flakyInventory) Grant(ctx context.Context, charID int64, p codec.Payload, source string) error {
	if f.failGrants.Add(-1) >= 0 {
		return item.ErrUnavailable
	}
	return f.inner.Grant(ctx, charID, p, source)
}

func (f *flakyInventory) Take(ctx context.Context, key string, charID int64, refs []item.Ref) (codec.Payload, error) {
	if f.failTakes.Add(-1) >= 0 {
		return codec.Payload{}, item.ErrUnavailable
	}
	return f.inner.Take(ctx, key, charID, refs)
}

type notice struct {
	charID int64
	event  string
	data   any
}

type fakePresence struct {
	mu      sync.Mutex
	online  map[int64]bool
	notices []notice
}

func newPresence(online ...int64) *fakePresence {
	p := &fakePresence{online: map[int64]bool{}}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (p *fakePresence) IsOnline(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[id]
}

func (p *fakePresence) Notify(id int64, event string, data any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[id] {
		return false
	}
	p.notices = append(p.notices, notice{id, event, data})
	return true
}

func (p *fakePresence) OnlineIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int64
	for id := range p.online {
		out = append(out, id)
	}
	return out
}

func (p *fakePresence) events(id int64, event string) []notice {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notice
	for _, n := range p.notices {
		if n.charID == id && n.event == event {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	db       *gorm.DB
	store    *store.Store
	kv       cache.Cache
	ps       cache.PubSub
	economy  *flakyEconomy
	inv      *flakyInventory
	presence *fakePresence
	svc      *Service
	clock    time.Time
}

func testConfig() config.MailConfig {
	cfg := config.Default().Mail
	cfg.RetryAttempts = 3
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	cfg.DeadLetterBackoff = time.Second
	cfg.DeadLetterAttempts = 3
	cfg.ExpirationDays = 7
	return cfg
}

func newHarness(t *testing.T, mutate ...func(*config.MailConfig)) *harness {
	t.Helper()
	db := testutil.SetupTestDB(t)
	kv, ps := testutil.SetupTestCache(t)
	h := &harness{
		t:        t,
		db:       db,
		store:    store.New(db, 5*time.Second, zap.NewNop()),
		kv:       kv,
		ps:       ps,
		economy:  &flakyEconomy{inner: economy.NewWallet(db, zap.NewNop())},
		inv:      &flakyInventory{inner: item.NewInventoryService(db, zap.NewNop())},
		presence: newPresence(),
		clock:    time.Now().UTC().Truncate(time.Second),
	}
	cfg := testConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.svc = h.newService("node-a", cfg)
	return h
}

// newService builds another instance sharing the harness database and cache.
func (h *harness) newService(instanceID string, cfg config.MailConfig) *Service {
	coord := delivery.New(delivery.Config{Workers: 4, MaxPending: 1000}, zap.NewNop())
	h.t.Cleanup(func() { _ = coord.Stop(context.Background()) })
	svc := NewService(Deps{
		Store:       h.store,
		Coordinator: coord,
		Cache:       h.kv,
		PubSub:      h.ps,
		Economy:     h.economy,
		Inventory:   h.inv,
		Presence:    h.presence,
		Directory:   player.NewDirectory(h.db),
	}, cfg, instanceID, zap.NewNop())
	svc.SetClock(func() time.Time { return h.clock })
	return svc
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) char(name string, gold int64) int64 {
	return testutil.CreateCharacter(h.t, h.db, name, gold)
}

func (h *harness) gold(id int64) int64 { return testutil.Gold(h.t, h.db, id) }

func (h *harness) send(req SendRequest) *model.Mail {
	h.t.Helper()
	m, err := h.svc.Send(context.Background(), req)
	require.NoError(h.t, err)
	return m
}

func (h *harness) mail(id int64) *model.Mail {
	h.t.Helper()
	m, err := h.store.Fetch(context.Background(), id)
	require.NoError(h.t, err)
	return m
}

// stock puts stacks in charID's bag and returns a ref to each whole slot.
// The stacks must not merge into slots already there.
func (h *harness) stock(charID int64, stacks ...codec.Stack) []item.Ref {
	h.t.Helper()
	before := len(h.bag(charID))
	for i, st := range stacks {
		source := fmt.Sprintf("stock:%d:%d:%d", charID, before, i)
		require.NoError(h.t, h.inv.inner.Grant(context.Background(), charID, codec.Payload{Items: []codec.Stack{st}}, source))
	}
	rows := h.bag(charID)[before:]
	refs := make([]item.Ref, len(rows))
	for i, r := range rows {
		refs[i] = item.Ref{InvID: r.ID, Qty: r.Qty}
	}
	return refs
}

func (h *harness) bag(charID int64) []model.Inventory {
	h.t.Helper()
	var rows []model.Inventory
	require.NoError(h.t, h.db.Where("char_id = ?", charID).Order("id").Find(&rows).Error)
	return rows
}

func sword() codec.Stack {
	return codec.Stack{ItemID: 42, Kind: model.ItemKindWeapon, Qty: 1, Name: "Sword", Attrs: map[string]string{"plus": "3"}}
}
