package schema

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
)

// Trade is an immutable fill produced by a matching engine.
type Trade struct {
	TimestampMillis int64
	Source          string
	Symbol          string
	SymbolID        int64
	Account         string

	ContractQty numeric.Qty
	Px          numeric.Px
	RateToUSD   decimal.Decimal

	Instrument Instrument

	// Signal propagates the originating order tag into snapshots.
	Signal string
	// OrderType propagates the originating order classification.
	OrderType OrderType
}

// FillFromOrder builds the fill record for qty contracts of o at px.
func FillFromOrder(o *Order, qty numeric.Qty, px numeric.Px, rate decimal.Decimal) *Trade {
	return &Trade{
		TimestampMillis: o.TimestampMillis,
		Source:          o.Source,
		Symbol:          o.Symbol,
		SymbolID:        o.SymbolID,
		Account:         o.Account,
		ContractQty:     qty,
		Px:              px,
		RateToUSD:       rate,
		Instrument:      o.Instrument,
		Signal:          o.Signal,
		OrderType:       o.Type,
	}
}
