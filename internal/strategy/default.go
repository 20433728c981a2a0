package strategy

import (
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// DefaultParams sizes the single test position the default strategy opens.
type DefaultParams struct {
	ContractQty float64 `json:"contract_qty"`
}

// Default opens one long position when the book is empty and then leaves
// management to the exit strategy. Used for plumbing tests and smoke runs.
type Default struct {
	base
	Params DefaultParams

	opened bool
}

func (s *Default) OnState(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order {
	hdr := evt.Header()
	if !s.wants(hdr.Symbol) || !evt.HasPrice() {
		return nil
	}
	switch evt.Type() {
	case schema.EventTypeMarketData, schema.EventTypeClosingPrice:
		if !s.opened && pf.NetForSymbol(hdr.SymbolID) == 0 {
			s.opened = true
			qty := s.Params.ContractQty
			if qty == 0 {
				qty = 1
			}
			return []*schema.Order{openOrder(evt, s.account, numeric.QtyFromFloat(qty), schema.OrderTypeNormal, "open")}
		}
		return s.exitOrders(pf, evt)
	}
	return nil
}

func (s *Default) Filter(instrument string) Strategy {
	cp := *s
	cp.base = s.base.filtered(instrument)
	return &cp
}
