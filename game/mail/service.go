// Package mail is the mailbox engine: sending with attachments, exactly-once
// claiming, expiry with return-to-sender, and the background jobs around it.
package mail

import (
	"context"
	"time"

	"github.com/kasuganosora/mailsystem/audit"
	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/codec"
	"github.com/kasuganosora/mailsystem/config"
	"github.com/kasuganosora/mailsystem/game/delivery"
	"github.com/kasuganosora/mailsystem/game/item"
	"github.com/kasuganosora/mailsystem/store"
	"go.uber.org/zap"
)

// Economy moves currency. Implementations return economy.ErrInsufficientFunds
// and economy.ErrUnavailable.
type Economy interface {
	Debit(ctx context.Context, charID, amount int64) error
	Credit(ctx context.Context, charID, amount int64) error
}

// keyedEconomy applies each keyed debit or credit at most once, which makes
// a call whose outcome is unknown safe to repeat.
type keyedEconomy interface {
	DebitOnce(ctx context.Context, key string, charID, amount int64) error
	CreditOnce(ctx context.Context, key string, charID, amount int64) error
}

// Inventory places and removes item payloads. Grant applies a source at most
// once and Take applies a key at most once. Implementations return
// item.ErrInventoryFull, item.ErrNotInBag and item.ErrUnavailable.
type Inventory interface {
	Fits(ctx context.Context, charID int64, p codec.Payload) (bool, error)
	Grant(ctx context.Context, charID int64, p codec.Payload, source string) error
	Take(ctx context.Context, key string, charID int64, refs []item.Ref) (codec.Payload, error)
}

// Presence pushes events to connected players.
type Presence interface {
	IsOnline(charID int64) bool
	Notify(charID int64, event string, payload any) bool
	OnlineIDs() []int64
}

// Directory resolves character identities.
type Directory interface {
	Exists(ctx context.Context, charID int64) (bool, error)
	Name(ctx context.Context, charID int64) (string, error)
	// Active lists characters whose account logged in since; zero lists all.
	Active(ctx context.Context, since time.Time) ([]int64, error)
}

// Auditor records lifecycle events.
type Auditor interface {
	Log(entry audit.Entry)
}

// Deps are the collaborators of a Service. Presence, PubSub and Audit
// may be nil.
type Deps struct {
	Store       *store.Store
	Coordinator *delivery.Coordinator
	Cache       cache.Cache
	PubSub      cache.PubSub
	Economy     Economy
	Inventory   Inventory
	Presence    Presence
	Directory   Directory
	Audit       Auditor
}

// Service implements every mailbox operation. Mutations of a mailbox run in
// that recipient's coordinator lane.
type Service struct {
	store      *store.Store
	coord      *delivery.Coordinator
	kv         cache.Cache
	boxes      *MailCache
	pubsub     cache.PubSub
	economy    Economy
	inventory  Inventory
	presence   Presence
	directory  Directory
	audit      Auditor
	cfg        config.MailConfig
	instanceID string
	logger     *zap.Logger
	now        func() time.Time
}

// NewService wires a Service. instanceID identifies this process in pub/sub
// messages and job locks.
func NewService(deps Deps, cfg config.MailConfig, instanceID string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:      deps.Store,
		coord:      deps.Coordinator,
		kv:         deps.Cache,
		boxes:      NewMailCache(deps.Cache, logger),
		pubsub:     deps.PubSub,
		economy:    deps.Economy,
		inventory:  deps.Inventory,
		presence:   deps.Presence,
		directory:  deps.Directory,
		audit:      deps.Audit,
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if s.presence == nil {
		s.presence = offline{}
	}
	if s.audit == nil {
		s.audit = discard{}
	}
	return s
}

// SetClock replaces the time source. All service times are UTC.
func (s *Service) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Config returns the mailbox rules in effect.
func (s *Service) Config() config.MailConfig { return s.cfg }

type offline struct{}

func (offline) IsOnline(int64) bool            { return false }
func (offline) Notify(int64, string, any) bool { return false }
func (offline) OnlineIDs() []int64             { return nil }

type discard struct{}

func (discard) Log(audit.Entry) {}
