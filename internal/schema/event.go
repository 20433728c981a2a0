// Package schema defines the canonical event, order and trade records
// flowing through the simulation engine.
package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
)

// EventType identifies the canonical market event categories.
type EventType string

const (
	// EventTypeMarketData is a top-of-book quote update.
	EventTypeMarketData EventType = "market_data"
	// EventTypeTrade is a client trade print.
	EventTypeTrade EventType = "trade"
	// EventTypeClosingPrice is a session closing price.
	EventTypeClosingPrice EventType = "closing_price"
	// EventTypeAccountMigration changes per-account risk parameters.
	EventTypeAccountMigration EventType = "account_migration"
)

// MatchingMethod selects how a price is taken from a quote.
type MatchingMethod string

const (
	// MatchSideOfBook prices long interest at the ask and short interest at the bid.
	MatchSideOfBook MatchingMethod = "side_of_book"
	// MatchMidPrice prices both sides at the quote midpoint.
	MatchMidPrice MatchingMethod = "mid_price"
)

// Header carries the fields shared by every event variant.
type Header struct {
	TimestampMillis int64
	Source          string
	Symbol          string
	SymbolID        int64
	Account         string
	TradingSession  time.Time
}

// Time converts the header timestamp to wall-clock time.
func (h Header) Time() time.Time { return time.UnixMilli(h.TimestampMillis) }

// Instrument describes the static metadata a subscription attaches to its rows.
type Instrument struct {
	Currency              string
	ContractUnitOfMeasure string
	PriceIncrement        numeric.Px
	ContractSize          int64
	UnitPrice             int64
}

// Event is the sum of the four market event variants.
type Event interface {
	Type() EventType
	Header() Header
	// HasPrice reports whether any of price, ask or bid is present.
	HasPrice() bool
	// Price resolves the event price for the given direction and matching
	// method: ask for side-of-book long, bid for side-of-book short, the
	// midpoint when both sides are present, otherwise the last price.
	Price(isLong bool, method MatchingMethod) (numeric.Px, bool)
	Rate() decimal.Decimal
	Meta() Instrument
}

// MarketData is a top-of-book quote, optionally carrying a last price.
type MarketData struct {
	Hdr        Header
	Instrument Instrument

	BidPx  numeric.Px
	AskPx  numeric.Px
	BidQty numeric.Qty
	AskQty numeric.Qty
	HasBid bool
	HasAsk bool

	LastPx  numeric.Px
	HasLast bool

	RateToUSD decimal.Decimal

	// Untrusted marks quotes inside configured exclusion windows.
	Untrusted bool
	// GFD marks the final five minutes of any session.
	GFD bool
	// GFW marks the final five minutes of a Friday session.
	GFW bool
	// Synthetic marks rows produced by the snapshot sampler.
	Synthetic bool
}

// Type implements Event.
func (e *MarketData) Type() EventType { return EventTypeMarketData }

// Header implements Event.
func (e *MarketData) Header() Header { return e.Hdr }

// HasPrice implements Event.
func (e *MarketData) HasPrice() bool { return e.HasBid || e.HasAsk || e.HasLast }

// Price implements Event.
func (e *MarketData) Price(isLong bool, method MatchingMethod) (numeric.Px, bool) {
	if method == MatchSideOfBook {
		if isLong && e.HasAsk {
			return e.AskPx, true
		}
		if !isLong && e.HasBid {
			return e.BidPx, true
		}
	}
	if e.HasBid && e.HasAsk {
		return (e.BidPx + e.AskPx) / 2, true
	}
	if e.HasLast {
		return e.LastPx, true
	}
	if e.HasAsk {
		return e.AskPx, true
	}
	if e.HasBid {
		return e.BidPx, true
	}
	return 0, false
}

// Rate implements Event.
func (e *MarketData) Rate() decimal.Decimal { return nonZeroRate(e.RateToUSD) }

// Meta implements Event.
func (e *MarketData) Meta() Instrument { return e.Instrument }

// SideQty returns the book quantity available against an order of the given
// direction: the ask size for longs, the bid size for shorts.
func (e *MarketData) SideQty(isLong bool) (numeric.Qty, bool) {
	if isLong {
		return e.AskQty, e.HasAsk
	}
	return e.BidQty, e.HasBid
}

// TradeEvent is a client trade print.
type TradeEvent struct {
	Hdr        Header
	Instrument Instrument

	Px  numeric.Px
	Qty numeric.Qty

	// OrderID correlates prints belonging to one logical client order.
	OrderID     string
	OrderFilled bool

	RateToUSD decimal.Decimal
}

// Type implements Event.
func (e *TradeEvent) Type() EventType { return EventTypeTrade }

// Header implements Event.
func (e *TradeEvent) Header() Header { return e.Hdr }

// HasPrice implements Event.
func (e *TradeEvent) HasPrice() bool { return true }

// Price implements Event.
func (e *TradeEvent) Price(bool, MatchingMethod) (numeric.Px, bool) { return e.Px, true }

// Rate implements Event.
func (e *TradeEvent) Rate() decimal.Decimal { return nonZeroRate(e.RateToUSD) }

// Meta implements Event.
func (e *TradeEvent) Meta() Instrument { return e.Instrument }

// ClosingPrice is the official session close for an instrument.
type ClosingPrice struct {
	Hdr        Header
	Instrument Instrument

	Px        numeric.Px
	RateToUSD decimal.Decimal
}

// Type implements Event.
func (e *ClosingPrice) Type() EventType { return EventTypeClosingPrice }

// Header implements Event.
func (e *ClosingPrice) Header() Header { return e.Hdr }

// HasPrice implements Event.
func (e *ClosingPrice) HasPrice() bool { return true }

// Price implements Event.
func (e *ClosingPrice) Price(bool, MatchingMethod) (numeric.Px, bool) { return e.Px, true }

// Rate implements Event.
func (e *ClosingPrice) Rate() decimal.Decimal { return nonZeroRate(e.RateToUSD) }

// Meta implements Event.
func (e *ClosingPrice) Meta() Instrument { return e.Instrument }

// AccountMigration updates per-account booking or internalisation risk.
type AccountMigration struct {
	Hdr        Header
	Instrument Instrument

	BookingRisk            decimal.Decimal
	InternalisationRisk    decimal.Decimal
	HasBookingRisk         bool
	HasInternalisationRisk bool
}

// Type implements Event.
func (e *AccountMigration) Type() EventType { return EventTypeAccountMigration }

// Header implements Event.
func (e *AccountMigration) Header() Header { return e.Hdr }

// HasPrice implements Event.
func (e *AccountMigration) HasPrice() bool { return false }

// Price implements Event.
func (e *AccountMigration) Price(bool, MatchingMethod) (numeric.Px, bool) { return 0, false }

// Rate implements Event.
func (e *AccountMigration) Rate() decimal.Decimal { return decimal.NewFromInt(1) }

// Meta implements Event.
func (e *AccountMigration) Meta() Instrument { return e.Instrument }

func nonZeroRate(rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.NewFromInt(1)
	}
	return rate
}
