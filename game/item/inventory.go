package item

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kasuganosora/mailsystem/codec"
	dbadapter "github.com/kasuganosora/mailsystem/db"
	"github.com/kasuganosora/mailsystem/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxInventorySlots = 99
	maxStackQty       = 99
)

var (
	ErrInventoryFull = errors.New("item: inventory full")
	// ErrNotInBag is returned by Take when a slot does not belong to the
	// character or holds fewer items than requested.
	ErrNotInBag = errors.New("item: not in bag")
	// ErrUnavailable is transient; callers may retry.
	ErrUnavailable = errors.New("item: unavailable")
)

// InventoryService handles all bag operations.
type InventoryService struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewInventoryService creates a new InventoryService.
func NewInventoryService(db *gorm.DB, logger *zap.Logger) *InventoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryService{db: db, logger: logger}
}

// Ref selects Qty items from the bag slot InvID.
type Ref struct {
	InvID int64 `json:"inv_id"`
	Qty   int   `json:"qty"`
}

var errApplied = errors.New("item: already applied")

// record claims key for this operation inside tx. It reports errApplied,
// together with the stored result, when key was committed before.
func record(tx *gorm.DB, key string, charID int64, kind string) ([]byte, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.AppliedOp{Key: key, CharID: charID, Kind: kind})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return nil, nil
	}
	var prev model.AppliedOp
	if err := tx.Where("op_key = ?", key).Take(&prev).Error; err != nil {
		return nil, err
	}
	return prev.Result, errApplied
}

func classify(op string, err error) error {
	if errors.Is(err, ErrInventoryFull) || errors.Is(err, ErrNotInBag) {
		return err
	}
	if dbadapter.IsUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("item: %s: %w", op, err)
}

// extra is what an inventory row keeps of a stack beyond id, kind and qty.
type extra struct {
	Attrs    map[string]string `json:"attrs,omitempty"`
	Contents []codec.Stack     `json:"contents,omitempty"`
}

// mergeable stacks are plain consumables that share slots by item id.
func mergeable(s codec.Stack) bool {
	return s.Kind == model.ItemKindItem && len(s.Attrs) == 0 && len(s.Contents) == 0
}

type grantPlan struct {
	topUp   map[int64]int // row id → new qty
	creates []model.Inventory
}

// plan places stacks into the bag described by rows. Consumables first fill
// existing slots up to maxStackQty, then open new ones.
func plan(rows []model.Inventory, charID int64, stacks []codec.Stack, source string) grantPlan {
	p := grantPlan{topUp: make(map[int64]int)}
	qty := make(map[int64]int, len(rows))
	for _, r := range rows {
		qty[r.ID] = r.Qty
	}
	for _, s := range stacks {
		if s.Qty <= 0 {
			continue
		}
		if !mergeable(s) {
			inv := model.Inventory{CharID: charID, ItemID: s.ItemID, Kind: s.Kind, Qty: s.Qty, Name: s.Name, Source: source}
			if len(s.Attrs) > 0 || len(s.Contents) > 0 {
				raw, _ := json.Marshal(extra{Attrs: s.Attrs, Contents: s.Contents})
				inv.Attrs = datatypes.JSON(raw)
			}
			p.creates = append(p.creates, inv)
			continue
		}
		left := s.Qty
		for _, r := range rows {
			if left == 0 {
				break
			}
			if r.ItemID != s.ItemID || r.Kind != model.ItemKindItem || len(r.Attrs) > 0 {
				continue
			}
			room := maxStackQty - qty[r.ID]
			if room <= 0 {
				continue
			}
			add := min(room, left)
			qty[r.ID] += add
			p.topUp[r.ID] = qty[r.ID]
			left -= add
		}
		for i := range p.creates {
			if left == 0 {
				break
			}
			c := &p.creates[i]
			if c.ItemID != s.ItemID || c.Kind != model.ItemKindItem || len(c.Attrs) > 0 || c.Qty >= maxStackQty {
				continue
			}
			add := min(maxStackQty-c.Qty, left)
			c.Qty += add
			left -= add
		}
		for left > 0 {
			add := min(maxStackQty, left)
			p.creates = append(p.creates, model.Inventory{CharID: charID, ItemID: s.ItemID, Kind: s.Kind, Qty: add, Name: s.Name, Source: source})
			left -= add
		}
	}
	return p
}

func (svc *InventoryService) load(tx *gorm.DB, charID int64) ([]model.Inventory, error) {
	var rows []model.Inventory
	err := tx.Where("char_id = ?", charID).Order("id ASC").Find(&rows).Error
	return rows, err
}

// Fits reports whether the payload would fit in charID's bag right now.
func (svc *InventoryService) Fits(ctx context.Context, charID int64, p codec.Payload) (bool, error) {
	if p.Empty() {
		return true, nil
	}
	rows, err := svc.load(svc.db.WithContext(ctx), charID)
	if err != nil {
		return false, classify("fits", err)
	}
	gp := plan(rows, charID, p.Items, "")
	return len(rows)+len(gp.creates) <= maxInventorySlots, nil
}

// Grant places every stack of the payload into charID's bag in one
// transaction: either all stacks land or none do. A non-empty source names
// the grant; repeating a grant whose source already committed is a no-op.
func (svc *InventoryService) Grant(ctx context.Context, charID int64, p codec.Payload, source string) error {
	if p.Empty() {
		return nil
	}
	err := svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if source != "" {
			if _, err := record(tx, "grant:"+source, charID, "grant"); err != nil {
				return err
			}
		}
		rows, err := svc.load(tx, charID)
		if err != nil {
			return err
		}
		gp := plan(rows, charID, p.Items, source)
		if len(rows)+len(gp.creates) > maxInventorySlots {
			return ErrInventoryFull
		}
		for id, q := range gp.topUp {
			if err := tx.Model(&model.Inventory{}).Where("id = ?", id).Update("qty", q).Error; err != nil {
				return err
			}
		}
		if len(gp.creates) > 0 {
			return tx.Create(&gp.creates).Error
		}
		return nil
	})
	if errors.Is(err, errApplied) {
		svc.logger.Info("grant already applied", zap.Int64("char_id", charID), zap.String("source", source))
		return nil
	}
	if err != nil {
		return classify("grant", err)
	}
	return nil
}

// Take removes the referenced items from charID's bag and returns them as a
// payload, all in one transaction. Stacks keep their attributes and
// contents. Repeating a Take whose key already committed returns the same
// payload without touching the bag again.
func (svc *InventoryService) Take(ctx context.Context, key string, charID int64, refs []Ref) (codec.Payload, error) {
	var out codec.Payload
	if len(refs) == 0 {
		return out, nil
	}
	opKey := "take:" + key
	err := svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := record(tx, opKey, charID, "take")
		if errors.Is(err, errApplied) {
			if jerr := json.Unmarshal(prev, &out); jerr != nil {
				return jerr
			}
			return err
		}
		if err != nil {
			return err
		}
		for _, ref := range refs {
			st, err := takeOne(tx, charID, ref)
			if err != nil {
				return err
			}
			out.Items = append(out.Items, st)
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return tx.Model(&model.AppliedOp{}).Where("op_key = ?", opKey).Update("result", raw).Error
	})
	if errors.Is(err, errApplied) {
		svc.logger.Info("take already applied", zap.Int64("char_id", charID), zap.String("key", key))
		return out, nil
	}
	if err != nil {
		return codec.Payload{}, classify("take", err)
	}
	return out, nil
}

func takeOne(tx *gorm.DB, charID int64, ref Ref) (codec.Stack, error) {
	if ref.Qty <= 0 {
		return codec.Stack{}, ErrNotInBag
	}
	var row model.Inventory
	err := tx.Where("id = ? AND char_id = ?", ref.InvID, charID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return codec.Stack{}, ErrNotInBag
	}
	if err != nil {
		return codec.Stack{}, err
	}
	if row.Qty < ref.Qty {
		return codec.Stack{}, ErrNotInBag
	}

	var res *gorm.DB
	if row.Qty == ref.Qty {
		res = tx.Where("id = ? AND qty = ?", row.ID, ref.Qty).Delete(&model.Inventory{})
	} else {
		res = tx.Model(&model.Inventory{}).Where("id = ? AND qty >= ?", row.ID, ref.Qty).
			UpdateColumn("qty", gorm.Expr("qty - ?", ref.Qty))
	}
	if res.Error != nil {
		return codec.Stack{}, res.Error
	}
	if res.RowsAffected == 0 {
		return codec.Stack{}, ErrNotInBag
	}

	st := codec.Stack{ItemID: row.ItemID, Kind: row.Kind, Qty: ref.Qty, Name: row.Name}
	if len(row.Attrs) > 0 {
		var ex extra
		if err := json.Unmarshal(row.Attrs, &ex); err != nil {
			return codec.Stack{}, fmt.Errorf("slot %d attrs: %w", row.ID, err)
		}
		st.Attrs, st.Contents = ex.Attrs, ex.Contents
	}
	return st, nil
}

// List returns all inventory rows for charID.
func (svc *InventoryService) List(ctx context.Context, charID int64) ([]model.Inventory, error) {
	var items []model.Inventory
	err := svc.db.WithContext(ctx).Where("char_id = ?", charID).Order("id ASC").Find(&items).Error
	return items, err
}
