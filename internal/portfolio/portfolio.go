package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

// Portfolio owns every position of one simulation plan. It is mutated only by
// the plan's single-threaded event loop.
type Portfolio struct {
	Positions map[Key]*Position
	// Closed keeps flattened positions so their realized P&L survives and a
	// later trade for the same key revives them.
	Closed map[Key]*Position

	TotalNetPosition numeric.Qty
	// InventoryContracts aggregates net positions per contract unit of measure.
	InventoryContracts map[string]numeric.Qty
	InventoryDollars   map[string]decimal.Decimal

	Cash          decimal.Decimal
	RealisedPnL   decimal.Decimal
	UnrealisedPnL decimal.Decimal
	Equity        decimal.Decimal

	Netting  NettingEngine
	Matching schema.MatchingMethod
	// CalcUPnL refreshes unrealized P&L after every booked trade.
	CalcUPnL bool
}

// New constructs an empty portfolio with the plan's netting and matching policy.
func New(netting NettingEngine, matching schema.MatchingMethod, calcUPnL bool) *Portfolio {
	return &Portfolio{
		Positions:          make(map[Key]*Position),
		Closed:             make(map[Key]*Position),
		InventoryContracts: make(map[string]numeric.Qty),
		InventoryDollars:   make(map[string]decimal.Decimal),
		Cash:               decimal.Zero,
		RealisedPnL:        decimal.Zero,
		UnrealisedPnL:      decimal.Zero,
		Equity:             decimal.Zero,
		Netting:            netting,
		Matching:           matching,
		CalcUPnL:           calcUPnL,
	}
}

// Position returns the open position for the key, if any.
func (pf *Portfolio) Position(key Key) (*Position, bool) {
	pos, ok := pf.Positions[key]
	return pos, ok
}

// PositionsForSymbol returns every open position for the symbol id.
func (pf *Portfolio) PositionsForSymbol(symbolID int64) []*Position {
	var out []*Position
	for _, pos := range pf.Positions {
		if pos.Key.SymbolID == symbolID {
			out = append(out, pos)
		}
	}
	return out
}

// PositionsForAccount returns every open position booked to the account.
func (pf *Portfolio) PositionsForAccount(account string) []*Position {
	var out []*Position
	for _, pos := range pf.Positions {
		if pos.Key.Account == account {
			out = append(out, pos)
		}
	}
	return out
}

// NetForSymbol sums the open net position across accounts for a symbol id.
func (pf *Portfolio) NetForSymbol(symbolID int64) numeric.Qty {
	var net numeric.Qty
	for _, pos := range pf.Positions {
		if pos.Key.SymbolID == symbolID {
			net += pos.NetPosition
		}
	}
	return net
}

// Empty reports whether no position is open.
func (pf *Portfolio) Empty() bool { return len(pf.Positions) == 0 }

// OnTrade books a fill: cash first, then position bookkeeping, inventory and
// P&L roll-ups, retiring the position when it goes flat.
func (pf *Portfolio) OnTrade(tr *schema.Trade, evt schema.Event, commission decimal.Decimal) *Position {
	rate := nonZeroRate(tr.RateToUSD)

	// Longs debit cash by the traded notional plus commission; shorts credit
	// it less commission.
	notional := numeric.SignedNotional(tr.ContractQty, tr.Px, tr.Instrument.ContractSize, rate)
	pf.Cash = pf.Cash.Sub(notional).Sub(commission)

	key := Key{Source: tr.Source, SymbolID: tr.SymbolID, Account: tr.Account}
	pos, ok := pf.Positions[key]
	if !ok {
		pos = pf.addPosition(key, tr)
	}

	realized := pos.OnTrade(tr.ContractQty, tr.Px, rate)
	pf.RealisedPnL = pf.RealisedPnL.Add(realized)

	pf.TotalNetPosition += tr.ContractQty
	pf.InventoryContracts[pos.UnitOfMeasure] += tr.ContractQty
	pf.InventoryDollars[pos.UnitOfMeasure] = pf.dollars(pos.UnitOfMeasure).
		Add(numeric.SignedNotional(tr.ContractQty, tr.Px, pos.UnitPrice, rate))

	if pos.IsFlat() {
		delete(pf.Positions, key)
		pf.Closed[key] = pos
	}

	if pf.CalcUPnL && evt != nil {
		pf.UpdatePortfolio(evt)
	}
	pf.refreshEquity()
	return pos
}

// addPosition revives the closed position for the key, wiping its exit
// scratchpad, or constructs a fresh one from the trade's metadata.
func (pf *Portfolio) addPosition(key Key, tr *schema.Trade) *Position {
	if pos, ok := pf.Closed[key]; ok {
		delete(pf.Closed, key)
		pos.Exit.Reset()
		pf.Positions[key] = pos
		return pos
	}
	pos := NewPosition(key, tr.Symbol, tr.Instrument, pf.Netting)
	pf.Positions[key] = pos
	return pos
}

// UpdatePortfolio re-marks every position on the event's symbol from the
// event's price, then totals the stored marks across all open positions.
// Positions on other symbols, or symbols the event cannot price, keep their
// last mark.
func (pf *Portfolio) UpdatePortfolio(evt schema.Event) {
	hdr := evt.Header()
	rate := evt.Rate()
	for _, pos := range pf.Positions {
		if pos.Key.SymbolID != hdr.SymbolID {
			continue
		}
		px, ok := evt.Price(pos.IsLong(), pf.Matching)
		if !ok {
			continue
		}
		pos.MarkToMarket(px, rate)
	}
	pf.UnrealisedPnL = decimal.Zero
	for _, pos := range pf.Positions {
		pf.UnrealisedPnL = pf.UnrealisedPnL.Add(pos.UnrealisedPnL)
	}
	pf.refreshEquity()
}

// RealisedTotal sums realized P&L across open and closed positions.
func (pf *Portfolio) RealisedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range pf.Positions {
		total = total.Add(pos.RealisedPnL)
	}
	for _, pos := range pf.Closed {
		total = total.Add(pos.RealisedPnL)
	}
	return total
}

// Restore installs a bootstrapped position, refreshing the inventory
// aggregates; used by the starting-positions loader.
func (pf *Portfolio) Restore(pos *Position) {
	pf.Positions[pos.Key] = pos
	pf.TotalNetPosition += pos.NetPosition
	pf.InventoryContracts[pos.UnitOfMeasure] += pos.NetPosition
}

func (pf *Portfolio) refreshEquity() {
	pf.Equity = pf.RealisedPnL.Add(pf.UnrealisedPnL)
}

func (pf *Portfolio) dollars(unit string) decimal.Decimal {
	if d, ok := pf.InventoryDollars[unit]; ok {
		return d
	}
	return decimal.Zero
}

func nonZeroRate(rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.NewFromInt(1)
	}
	return rate
}
