// Package portfolio implements position keeping with pluggable netting and
// realized/unrealized P&L accounting.
package portfolio

import (
	"github.com/coachpo/backsim/internal/numeric"
)

// NettingEngine names the policy by which opposing fills consume open lots.
type NettingEngine string

const (
	// NettingFIFO consumes the oldest opposing lot first.
	NettingFIFO NettingEngine = "fifo"
	// NettingLIFO consumes the newest opposing lot first.
	NettingLIFO NettingEngine = "lifo"
	// NettingAvgPrice folds all exposure into a single average-priced lot.
	NettingAvgPrice NettingEngine = "avg_price"
)

// Valid reports whether the tag names a known netting engine.
func (n NettingEngine) Valid() bool {
	switch n {
	case NettingFIFO, NettingLIFO, NettingAvgPrice:
		return true
	}
	return false
}

// Lot is one open position entry. Quantity is signed; Cost is price*quantity
// in raw fixed-point units.
type Lot struct {
	Quantity numeric.Qty
	Price    numeric.Px
	Cost     int64

	// RunningPrice is the profit-running exit strategy's repriced basis.
	RunningPrice numeric.Px
}

// NewLot builds a lot with its cost derived from price and quantity.
func NewLot(qty numeric.Qty, px numeric.Px) *Lot {
	return &Lot{
		Quantity:     qty,
		Price:        px,
		Cost:         int64(px) * int64(qty),
		RunningPrice: px,
	}
}

// IsLong reports whether the lot is a long lot.
func (l *Lot) IsLong() bool { return l.Quantity > 0 }

// Scale multiplies quantity and cost by a risk factor, used when lots are
// rebuilt from a starting-positions snapshot.
func (l *Lot) Scale(risk float64) {
	l.Quantity = numeric.Qty(float64(l.Quantity) * risk)
	l.Cost = int64(l.Price) * int64(l.Quantity)
}

// floorDiv divides rounding toward negative infinity, matching the
// average-price bookkeeping convention.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
