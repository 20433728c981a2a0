package schema

import (
	"github.com/coachpo/backsim/internal/numeric"
)

// OrderType classifies order intent.
type OrderType byte

const (
	// OrderTypeNormal is a plain opening order.
	OrderTypeNormal OrderType = 'N'
	// OrderTypePassive rests at its price and fills on touch.
	OrderTypePassive OrderType = 'P'
	// OrderTypeReduce closes existing exposure and never opens new exposure.
	OrderTypeReduce OrderType = 'R'
	// OrderTypeStop converts to an aggressive close when its level trades through.
	OrderTypeStop OrderType = 'S'
	// OrderTypeMigration rebalances positions after an account migration.
	OrderTypeMigration OrderType = 'M'
	// OrderTypeCancelled marks an order vetoed before queueing.
	OrderTypeCancelled OrderType = 'K'
)

// TimeInForce governs queue retention after the first fill.
type TimeInForce byte

const (
	// TIFNone keeps the order queued until fully filled.
	TIFNone TimeInForce = 0
	// TIFKillOnFill removes the order after its first fill.
	TIFKillOnFill TimeInForce = 'K'
	// TIFImmediate matches only against the event that produced it.
	TIFImmediate TimeInForce = 'I'
)

// Order is an intent to trade emitted by a strategy.
type Order struct {
	TimestampMillis int64
	Source          string
	Symbol          string
	SymbolID        int64
	Account         string

	// Qty is signed; the sign carries the direction.
	Qty  numeric.Qty
	Type OrderType
	TIF  TimeInForce

	Px         numeric.Px
	HasPx      bool
	LimitPx    numeric.Px
	HasLimitPx bool

	// UnfilledQty decreases in magnitude toward zero as fills arrive;
	// reaching zero sets Filled and removes the order from the queue.
	UnfilledQty numeric.Qty

	Cancelled          bool
	Closed             bool
	Filled             bool
	CancellationReason string

	// Signal is a free-form tag naming the logic that produced the order.
	Signal string

	Instrument Instrument
}

// NewOrder constructs an order with its unfilled quantity initialised.
func NewOrder(timestampMillis int64, source, symbol string, symbolID int64, account string, qty numeric.Qty, typ OrderType) *Order {
	return &Order{
		TimestampMillis: timestampMillis,
		Source:          source,
		Symbol:          symbol,
		SymbolID:        symbolID,
		Account:         account,
		Qty:             qty,
		Type:            typ,
		UnfilledQty:     qty,
	}
}

// IsLong reports whether the order buys.
func (o *Order) IsLong() bool { return o.Qty > 0 }

// SetPrice pins the order price.
func (o *Order) SetPrice(px numeric.Px) {
	o.Px = px
	o.HasPx = true
}

// Cancel flags the order with a reason; cancelled orders never enter the queue.
func (o *Order) Cancel(reason string) {
	o.Cancelled = true
	o.CancellationReason = reason
}

// Fill consumes quantity from the unfilled remainder. Magnitude decreases
// monotonically; overshoot clamps at zero.
func (o *Order) Fill(qty numeric.Qty) {
	if qty.Abs() >= o.UnfilledQty.Abs() {
		o.UnfilledQty = 0
	} else if o.UnfilledQty > 0 {
		o.UnfilledQty -= qty.Abs()
	} else {
		o.UnfilledQty += qty.Abs()
	}
	if o.UnfilledQty == 0 {
		o.Filled = true
	}
}

// Done reports whether the order should leave the unfilled queue.
func (o *Order) Done() bool {
	return o.Filled || o.Cancelled || o.Closed
}
