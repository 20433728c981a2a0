package schema

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
)

// Row is the flat union record a subscription yields for one tick. The event
// stream merges rows from every subscription, fills the gaps, and the
// backtester converts each row into its Event variant.
type Row struct {
	TimestampMillis int64
	Source          string
	Symbol          string
	SymbolID        int64
	Account         string
	EventType       EventType

	Px     numeric.Px
	HasPx  bool
	AskPx  numeric.Px
	HasAsk bool
	BidPx  numeric.Px
	HasBid bool
	AskQty numeric.Qty
	BidQty numeric.Qty

	// ContractQty is set on trade rows.
	ContractQty numeric.Qty
	OrderID     string
	OrderFilled bool

	RateToUSD  decimal.Decimal
	Instrument Instrument

	BookingRisk            decimal.Decimal
	InternalisationRisk    decimal.Decimal
	HasBookingRisk         bool
	HasInternalisationRisk bool

	ApplySampling bool
	Untrusted     bool
	GFD           bool
	GFW           bool
	Synthetic     bool

	TradingSession time.Time

	// order preserves input position for stable tie-breaks across merges.
	order int
}

// Frame is a time-ordered sequence of rows for one session.
type Frame struct {
	Rows []Row
}

// Append adds rows preserving their arrival order.
func (f *Frame) Append(rows ...Row) {
	base := len(f.Rows)
	for i, r := range rows {
		r.order = base + i
		f.Rows = append(f.Rows, r)
	}
}

// Len returns the number of rows in the frame.
func (f *Frame) Len() int { return len(f.Rows) }

// SortStable orders rows by timestamp, preserving input order on ties.
func (f *Frame) SortStable() {
	sort.SliceStable(f.Rows, func(i, j int) bool {
		return f.Rows[i].TimestampMillis < f.Rows[j].TimestampMillis
	})
}

// Merge concatenates frames in subscription order into a single frame.
func Merge(frames ...*Frame) *Frame {
	out := &Frame{}
	for _, fr := range frames {
		if fr == nil {
			continue
		}
		out.Append(fr.Rows...)
	}
	return out
}

func (r *Row) header() Header {
	return Header{
		TimestampMillis: r.TimestampMillis,
		Source:          r.Source,
		Symbol:          r.Symbol,
		SymbolID:        r.SymbolID,
		Account:         r.Account,
		TradingSession:  r.TradingSession,
	}
}

// Event converts the row into its event variant.
func (r *Row) Event() Event {
	switch r.EventType {
	case EventTypeTrade:
		return &TradeEvent{
			Hdr:         r.header(),
			Instrument:  r.Instrument,
			Px:          r.Px,
			Qty:         r.ContractQty,
			OrderID:     r.OrderID,
			OrderFilled: r.OrderFilled,
			RateToUSD:   r.RateToUSD,
		}
	case EventTypeClosingPrice:
		return &ClosingPrice{
			Hdr:        r.header(),
			Instrument: r.Instrument,
			Px:         r.Px,
			RateToUSD:  r.RateToUSD,
		}
	case EventTypeAccountMigration:
		return &AccountMigration{
			Hdr:                 r.header(),
			Instrument:          r.Instrument,
			BookingRisk:            r.BookingRisk,
			InternalisationRisk:    r.InternalisationRisk,
			HasBookingRisk:         r.HasBookingRisk,
			HasInternalisationRisk: r.HasInternalisationRisk,
		}
	default:
		return &MarketData{
			Hdr:        r.header(),
			Instrument: r.Instrument,
			BidPx:      r.BidPx,
			AskPx:      r.AskPx,
			BidQty:     r.BidQty,
			AskQty:     r.AskQty,
			HasBid:     r.HasBid,
			HasAsk:     r.HasAsk,
			LastPx:     r.Px,
			HasLast:    r.HasPx,
			RateToUSD:  r.RateToUSD,
			Untrusted:  r.Untrusted,
			GFD:        r.GFD,
			GFW:        r.GFW,
			Synthetic:  r.Synthetic,
		}
	}
}
