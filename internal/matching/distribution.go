package matching

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

// DepthModel holds one instrument's order-book distribution statistics for a
// single trading day: how deep each level sits (in pips), how many contracts
// rest at the spread, and how level capacity scales with depth.
type DepthModel struct {
	// PipDepth is the price offset of each level in price increments.
	PipDepth []int64 `json:"pip_depth"`
	// ContractsAtSpread is the whole-contract capacity of the tightest level.
	ContractsAtSpread int64 `json:"contracts_at_spread"`
	// Scaling multiplies ContractsAtSpread per level.
	Scaling []decimal.Decimal `json:"scaling"`
	// DistributionByPip is the observed volume share per pip offset; kept for
	// analytics alongside the fill walk.
	DistributionByPip map[int64]decimal.Decimal `json:"distribution_by_pip,omitempty"`
}

// Levels returns the number of usable levels in the model.
func (m *DepthModel) Levels() int {
	if len(m.Scaling) < len(m.PipDepth) {
		return len(m.Scaling)
	}
	return len(m.PipDepth)
}

// LevelQty returns the contract capacity of a level in quantity hundredths.
func (m *DepthModel) LevelQty(level int) numeric.Qty {
	cap := decimal.NewFromInt(m.ContractsAtSpread).Mul(m.Scaling[level])
	return numeric.Qty(cap.Mul(decimal.NewFromInt(numeric.QtyScale)).IntPart())
}

// ModelLoader supplies the per-day depth models, keyed by symbol id.
type ModelLoader interface {
	Load(ctx context.Context, day time.Time) (map[int64]*DepthModel, error)
}

// Distribution models depth statistically: stop orders larger than the
// top-of-book walk the model's levels, paying the configured pip offset per
// level; everything else fills like the TOB engine.
type Distribution struct {
	Method schema.MatchingMethod
	Loader ModelLoader

	mu     sync.RWMutex
	models map[int64]*DepthModel
}

// LoadDayModel implements DayModelled.
func (d *Distribution) LoadDayModel(ctx context.Context, day time.Time) error {
	models, err := d.Loader.Load(ctx, day)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.models = models
	d.mu.Unlock()
	return nil
}

func (d *Distribution) model(symbolID int64) (*DepthModel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.models[symbolID]
	return m, ok
}

// MatchOrder implements Engine.
func (d *Distribution) MatchOrder(evt schema.Event, o *schema.Order) []*schema.Trade {
	if o.Done() || o.UnfilledQty == 0 {
		return nil
	}

	md, isQuote := evt.(*schema.MarketData)
	model, hasModel := d.model(o.SymbolID)
	if o.Type == schema.OrderTypeStop && isQuote && hasModel {
		if tob, ok := md.SideQty(o.IsLong()); ok && o.UnfilledQty.Abs() > tob.Abs() {
			return d.walkLevels(md, o, model)
		}
	}

	// Everything else behaves like the TOB engine.
	tob := TOB{Method: d.Method}
	return tob.MatchOrder(evt, o)
}

// walkLevels consumes the model's levels until the stop is exhausted; the
// deepest level absorbs any remainder in full.
func (d *Distribution) walkLevels(md *schema.MarketData, o *schema.Order, model *DepthModel) []*schema.Trade {
	base, ok := resolvePrice(md, o, d.Method)
	if !ok {
		return nil
	}
	increment := md.Instrument.PriceIncrement
	sign := numeric.Qty(o.Qty.Sign())

	var trades []*schema.Trade
	levels := model.Levels()
	for i := 0; i < levels && o.UnfilledQty != 0; i++ {
		take := model.LevelQty(i)
		if remaining := o.UnfilledQty.Abs(); take > remaining || i == levels-1 {
			take = remaining
		}
		if take == 0 {
			continue
		}
		// Walking the book moves the price against the order.
		offset := numeric.Px(model.PipDepth[i] * int64(increment))
		if sign < 0 {
			offset = -offset
		}
		px := base + offset
		tr := schema.FillFromOrder(o, take*sign, px, md.Rate())
		trades = append(trades, tr)
		o.Fill(take * sign)
	}
	if o.TIF == schema.TIFKillOnFill {
		o.Cancelled = true
	}
	return trades
}
