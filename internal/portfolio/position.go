package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

// ExitState is the per-position scratchpad exit strategies persist between
// ticks. The variant in use is fixed at config time, so a single struct with
// the union of fields replaces the source's string-keyed attribute map.
type ExitState struct {
	TickPeak        numeric.Px
	HasTickPeak     bool
	TrailingStop    numeric.Px
	HasTrailingStop bool

	ChaserPrice numeric.Px
	HasChaser   bool
	StartTick   numeric.Px
	HasStart    bool

	LastPrice    numeric.Px
	HasLastPrice bool
	HoldTime     int64
}

// Reset wipes the scratchpad; called when a closed position is revived.
func (s *ExitState) Reset() { *s = ExitState{} }

// Key identifies a position inside a portfolio.
type Key struct {
	Source   string
	SymbolID int64
	Account  string
}

// Position tracks the open lots and P&L for one (source, symbol, account).
type Position struct {
	Key    Key
	Symbol string

	UnitPrice      int64
	PriceIncrement numeric.Px
	Currency       string
	UnitOfMeasure  string
	ContractSize   int64

	Netting NettingEngine
	Lots    []*Lot

	NetPosition numeric.Qty

	RealisedPnL   decimal.Decimal
	UnrealisedPnL decimal.Decimal

	NotionalTraded    decimal.Decimal
	NotionalTradedNet decimal.Decimal
	NotionalRejected  decimal.Decimal
	// TightenCost accumulates the cost of clamping internalisation orders
	// against the position-skew bounds; analytics only.
	TightenCost decimal.Decimal

	NoOfTrades int

	Exit ExitState
}

// NewPosition constructs an empty position for the key using the
// subscription's instrument metadata.
func NewPosition(key Key, symbol string, meta schema.Instrument, netting NettingEngine) *Position {
	return &Position{
		Key:               key,
		Symbol:            symbol,
		UnitPrice:         meta.UnitPrice,
		PriceIncrement:    meta.PriceIncrement,
		Currency:          meta.Currency,
		UnitOfMeasure:     meta.ContractUnitOfMeasure,
		ContractSize:      meta.ContractSize,
		Netting:           netting,
		RealisedPnL:       decimal.Zero,
		UnrealisedPnL:     decimal.Zero,
		NotionalTraded:    decimal.Zero,
		NotionalTradedNet: decimal.Zero,
		NotionalRejected:  decimal.Zero,
		TightenCost:       decimal.Zero,
	}
}

// IsLong reports whether the net position is long.
func (p *Position) IsLong() bool { return p.NetPosition > 0 }

// IsFlat reports whether the position has no open exposure.
func (p *Position) IsFlat() bool { return p.NetPosition == 0 }

// AvgPrice returns the quantity-weighted average open price.
func (p *Position) AvgPrice() numeric.Px {
	var cost, qty int64
	for _, lot := range p.Lots {
		cost += lot.Cost
		qty += int64(lot.Quantity)
	}
	if qty == 0 {
		return 0
	}
	return numeric.Px(floorDiv(cost, qty))
}

// OnTrade books a fill against the position and returns the realized-P&L
// delta in dollars.
func (p *Position) OnTrade(qty numeric.Qty, px numeric.Px, rate decimal.Decimal) decimal.Decimal {
	p.NoOfTrades++
	p.NetPosition += qty
	p.NotionalTraded = p.NotionalTraded.Add(numeric.Notional(qty, px, p.UnitPrice, rate))
	p.NotionalTradedNet = p.NotionalTradedNet.Add(numeric.SignedNotional(qty, px, p.UnitPrice, rate))

	var realized decimal.Decimal
	switch p.Netting {
	case NettingAvgPrice:
		realized = p.netAvgPrice(qty, px, rate)
	case NettingLIFO:
		realized = p.netQueue(qty, px, rate, true)
	default:
		realized = p.netQueue(qty, px, rate, false)
	}
	p.RealisedPnL = p.RealisedPnL.Add(realized)
	return realized
}

// netQueue applies a FIFO or LIFO update: opposing lots are consumed from the
// head (FIFO) or tail (LIFO) until the incoming quantity is exhausted or no
// opposing lot remains.
func (p *Position) netQueue(qty numeric.Qty, px numeric.Px, rate decimal.Decimal, lifo bool) decimal.Decimal {
	realized := decimal.Zero
	remaining := qty
	for remaining != 0 {
		idx := p.opposingIndex(remaining, lifo)
		if idx < 0 {
			p.Lots = append(p.Lots, NewLot(remaining, px))
			return realized
		}
		lot := p.Lots[idx]
		after := remaining + lot.Quantity
		if after == 0 || numeric.SameSign(after, remaining) {
			// The incoming quantity closes the lot completely.
			raw := int64(lot.Quantity) * int64(px-lot.Price) * p.UnitPrice
			realized = realized.Add(numeric.PnL(raw, rate))
			p.Lots = append(p.Lots[:idx], p.Lots[idx+1:]...)
			remaining = after
			continue
		}
		// Partial close: the lot absorbs the incoming quantity.
		raw := int64(-remaining) * int64(px-lot.Price) * p.UnitPrice
		realized = realized.Add(numeric.PnL(raw, rate))
		lot.Quantity += remaining
		lot.Cost = int64(lot.Price) * int64(lot.Quantity)
		remaining = 0
	}
	return realized
}

func (p *Position) opposingIndex(incoming numeric.Qty, lifo bool) int {
	if lifo {
		for i := len(p.Lots) - 1; i >= 0; i-- {
			if !numeric.SameSign(p.Lots[i].Quantity, incoming) {
				return i
			}
		}
		return -1
	}
	for i, lot := range p.Lots {
		if !numeric.SameSign(lot.Quantity, incoming) {
			return i
		}
	}
	return -1
}

// netAvgPrice applies the single-lot average-price update.
func (p *Position) netAvgPrice(qty numeric.Qty, px numeric.Px, rate decimal.Decimal) decimal.Decimal {
	if len(p.Lots) == 0 {
		p.Lots = []*Lot{NewLot(qty, px)}
		return decimal.Zero
	}
	lot := p.Lots[0]
	if numeric.SameSign(lot.Quantity, qty) {
		lot.Quantity += qty
		lot.Cost += int64(px) * int64(qty)
		lot.Price = numeric.Px(floorDiv(lot.Cost, int64(lot.Quantity)))
		return decimal.Zero
	}

	after := lot.Quantity + qty
	delta := lot.Price - px
	var realizedQty numeric.Qty
	switch {
	case after == 0:
		realizedQty = qty
		p.Lots = nil
	case numeric.SameSign(after, lot.Quantity):
		// Partial close keeps the lot's side.
		realizedQty = qty
		lot.Quantity = after
		lot.Cost += int64(px) * int64(qty)
	default:
		// The fill inverts the position; the remainder restarts at the
		// incoming price.
		realizedQty = -lot.Quantity
		p.Lots = []*Lot{NewLot(after, px)}
	}
	raw := int64(realizedQty) * int64(delta) * p.UnitPrice
	return numeric.PnL(raw, rate)
}

// MarkToMarket recomputes the unrealized P&L of the open lots against the
// event price and stores it on the position.
func (p *Position) MarkToMarket(px numeric.Px, rate decimal.Decimal) decimal.Decimal {
	var raw int64
	for _, lot := range p.Lots {
		raw += int64(lot.Quantity) * int64(px-lot.Price) * p.UnitPrice
	}
	p.UnrealisedPnL = numeric.PnL(raw, rate)
	return p.UnrealisedPnL
}
