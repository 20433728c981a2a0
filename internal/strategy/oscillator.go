package strategy

import (
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// OscillatorParams bounds the exit-driven oscillation.
type OscillatorParams struct {
	OpeningQty      float64 `json:"opening_qty"`
	LongTradeLimit  int     `json:"long_trade_limit"`
	ShortTradeLimit int     `json:"short_trade_limit"`
	MinPositionSize float64 `json:"min_position_size"`
	MaxPositionSize float64 `json:"max_position_size"`
}

// Oscillator opens a seed position and then lets the exit strategy drive
// position flips, bounded by consecutive-trade-direction limits and a net
// position band. Orders that breach a bound are cancelled with the breached
// limit as the reason, so they still appear in the order record.
type Oscillator struct {
	base
	Params OscillatorParams

	opened    bool
	longRun   int // consecutive filled long signals
	shortRun  int
}

func (s *Oscillator) OnState(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order {
	hdr := evt.Header()
	if !s.wants(hdr.Symbol) || !evt.HasPrice() {
		return nil
	}
	switch evt.Type() {
	case schema.EventTypeMarketData, schema.EventTypeClosingPrice:
	default:
		return nil
	}
	if !s.opened {
		// The seed position does not count toward the consecutive-trade
		// limits; only exit-derived trades do.
		s.opened = true
		qty := s.Params.OpeningQty
		if qty == 0 {
			qty = 1
		}
		return []*schema.Order{openOrder(evt, s.account, numeric.QtyFromFloat(qty), schema.OrderTypeNormal, "open")}
	}
	orders := s.exitOrders(pf, evt)
	net := pf.NetForSymbol(hdr.SymbolID)
	for _, o := range orders {
		s.gate(o, net)
		if !o.Cancelled {
			net += o.Qty
		}
	}
	return orders
}

// gate enforces the trade-direction and position-size limits on one
// proposed order, cancelling it in place on a breach.
func (s *Oscillator) gate(o *schema.Order, net numeric.Qty) {
	switch {
	case o.Qty > 0:
		if s.Params.LongTradeLimit > 0 && s.longRun+1 > s.Params.LongTradeLimit {
			o.Cancel("long_trade_limit")
			return
		}
	case o.Qty < 0:
		if s.Params.ShortTradeLimit > 0 && s.shortRun+1 > s.Params.ShortTradeLimit {
			o.Cancel("short_trade_limit")
			return
		}
	}
	after := net + o.Qty
	if s.Params.MaxPositionSize != 0 && after > numeric.QtyFromFloat(s.Params.MaxPositionSize) {
		o.Cancel("max_position_size")
		return
	}
	if s.Params.MinPositionSize != 0 && after < numeric.QtyFromFloat(s.Params.MinPositionSize) {
		o.Cancel("min_position_size")
		return
	}
	if o.Qty > 0 {
		s.longRun++
		s.shortRun = 0
	} else if o.Qty < 0 {
		s.shortRun++
		s.longRun = 0
	}
}

func (s *Oscillator) Filter(instrument string) Strategy {
	cp := *s
	cp.base = s.base.filtered(instrument)
	return &cp
}
