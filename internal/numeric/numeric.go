// Package numeric provides the fixed-point price and quantity representation
// used across the simulation engine.
package numeric

import (
	"math"

	"github.com/shopspring/decimal"
)

// Px is a price in integer micro-units (price x 10^6).
type Px int64

// Qty is a signed contract quantity in integer hundredths (qty x 100).
type Qty int64

const (
	// PxScale converts between float prices and micro-unit prices.
	PxScale = 1_000_000
	// QtyScale converts between float quantities and hundredth quantities.
	QtyScale = 100
	// PnLScale is PxScale * QtyScale; every realized/unrealized P&L product of
	// a quantity, a price delta and a unit price divides by it.
	PnLScale = PxScale * QtyScale
)

var (
	decPnLScale = decimal.NewFromInt(PnLScale)
	decPxScale  = decimal.NewFromInt(PxScale)
	decQtyScale = decimal.NewFromInt(QtyScale)
)

// PxFromFloat converts a float price into micro-units, rounding half away from zero.
func PxFromFloat(f float64) Px {
	return Px(math.Round(f * PxScale))
}

// PxFromDecimal converts a decimal price into micro-units, rounding half away from zero.
func PxFromDecimal(d decimal.Decimal) Px {
	return Px(d.Mul(decPxScale).Round(0).IntPart())
}

// Float returns the price as a float64 in whole units.
func (p Px) Float() float64 { return float64(p) / PxScale }

// Decimal returns the price as a decimal in whole units.
func (p Px) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(p)).Div(decPxScale)
}

// QtyFromFloat converts a float quantity into hundredths, rounding half away from zero.
func QtyFromFloat(f float64) Qty {
	return Qty(math.Round(f * QtyScale))
}

// QtyFromContracts converts a whole-contract count into hundredths.
func QtyFromContracts(contracts int64) Qty { return Qty(contracts * QtyScale) }

// Float returns the quantity as a float64 in whole contracts.
func (q Qty) Float() float64 { return float64(q) / QtyScale }

// Decimal returns the quantity as a decimal in whole contracts.
func (q Qty) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(q)).Div(decQtyScale)
}

// Sign returns -1, 0 or 1 matching the sign of the quantity.
func (q Qty) Sign() int {
	switch {
	case q > 0:
		return 1
	case q < 0:
		return -1
	default:
		return 0
	}
}

// Abs returns the magnitude of the quantity.
func (q Qty) Abs() Qty {
	if q < 0 {
		return -q
	}
	return q
}

// SameSign reports whether a and b carry the same non-zero sign.
func SameSign(a, b Qty) bool {
	return a.Sign() != 0 && a.Sign() == b.Sign()
}

// PnL converts a raw qty*priceDelta*unitPrice product into dollars, applying
// the USD conversion rate. The raw product is dollars x PnLScale when the
// rate is 1; the decimal division keeps literal dollar values exact.
func PnL(raw int64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(raw).Mul(rate).Div(decPnLScale)
}

// Notional returns |qty*px*multiplier| scaled to dollars with the rate applied.
func Notional(qty Qty, px Px, multiplier int64, rate decimal.Decimal) decimal.Decimal {
	raw := int64(qty) * int64(px) * multiplier
	if raw < 0 {
		raw = -raw
	}
	return PnL(raw, rate)
}

// SignedNotional returns qty*px*multiplier scaled to dollars with the rate applied.
func SignedNotional(qty Qty, px Px, multiplier int64, rate decimal.Decimal) decimal.Decimal {
	return PnL(int64(qty)*int64(px)*multiplier, rate)
}
