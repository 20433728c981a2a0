package strategy

import (
	"maps"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// InternalisationParams tune how much client flow is internalised and the
// inventory band it is clamped into.
type InternalisationParams struct {
	InternalisationRisk decimal.Decimal `json:"internalisation_risk"`
	MaxPosQty           decimal.Decimal `json:"max_pos_qty"`
	MaxPosQtyBuffer     decimal.Decimal `json:"max_pos_qty_buffer"`
	AllowPartialFills   bool            `json:"allow_partial_fills"`
	Mode                string          `json:"mode"` // contracts (default) or dollars
}

// Internalisation mirrors a risk-scaled share of each client trade into the
// venue book: a client buy becomes a venue sell and vice versa. The mirrored
// size is clamped so the venue net stays inside a buffered inventory band;
// without partial fills a clamped order is rejected outright, and later
// fills of the same client order are rejected with it.
type Internalisation struct {
	base
	Params InternalisationParams

	risk     decimal.Decimal
	maxQty   map[int64]numeric.Qty // per symbol, recomputed in dollars mode
	rejected map[string]bool       // client order ids rejected mid-fill

	pendingTighten  map[portfolio.Key]decimal.Decimal
	pendingRejected map[portfolio.Key]decimal.Decimal
}

func NewInternalisation(b base, p InternalisationParams) *Internalisation {
	if p.MaxPosQtyBuffer.IsZero() {
		p.MaxPosQtyBuffer = decimal.NewFromInt(1)
	}
	return &Internalisation{
		base:            b,
		Params:          p,
		risk:            p.InternalisationRisk,
		maxQty:          make(map[int64]numeric.Qty),
		rejected:        make(map[string]bool),
		pendingTighten:  make(map[portfolio.Key]decimal.Decimal),
		pendingRejected: make(map[portfolio.Key]decimal.Decimal),
	}
}

func (s *Internalisation) OnState(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order {
	hdr := evt.Header()
	if !s.wants(hdr.Symbol) {
		return nil
	}
	switch e := evt.(type) {
	case *schema.TradeEvent:
		return s.onClientTrade(pf, e)
	case *schema.AccountMigration:
		if e.HasInternalisationRisk {
			s.risk = e.InternalisationRisk
		}
		return nil
	case *schema.ClosingPrice:
		s.refreshLimit(evt)
		return s.exitOrders(pf, evt)
	case *schema.MarketData:
		if s.Params.Mode != "dollars" {
			s.refreshLimit(evt)
		}
		return s.exitOrders(pf, evt)
	}
	return nil
}

// refreshLimit resolves max_pos_qty into contracts. In contracts mode that
// is a straight copy; in dollars mode it divides by the contract's dollar
// notional at the event price, so the band tracks the market.
func (s *Internalisation) refreshLimit(evt schema.Event) {
	hdr := evt.Header()
	if s.Params.Mode != "dollars" {
		s.maxQty[hdr.SymbolID] = numeric.Qty(s.Params.MaxPosQty.Mul(decimal.NewFromInt(numeric.QtyScale)).IntPart())
		return
	}
	px, ok := evt.Price(true, schema.MatchMidPrice)
	if !ok {
		return
	}
	meta := evt.Meta()
	perContract := numeric.Notional(numeric.QtyScale, px, meta.ContractSize, evt.Rate())
	if perContract.IsZero() {
		return
	}
	contracts := s.Params.MaxPosQty.Div(perContract).Floor()
	s.maxQty[hdr.SymbolID] = numeric.Qty(contracts.Mul(decimal.NewFromInt(numeric.QtyScale)).IntPart())
}

// limitFor returns the inventory cap in quantity units for the symbol. In
// contracts mode the cap is static, so it is derived on first use; in
// dollars mode it stays zero until a price has been seen.
func (s *Internalisation) limitFor(symbolID int64) numeric.Qty {
	if q, ok := s.maxQty[symbolID]; ok {
		return q
	}
	if s.Params.Mode != "dollars" {
		q := numeric.Qty(s.Params.MaxPosQty.Mul(decimal.NewFromInt(numeric.QtyScale)).IntPart())
		s.maxQty[symbolID] = q
		return q
	}
	return 0
}

func (s *Internalisation) onClientTrade(pf *portfolio.Portfolio, evt *schema.TradeEvent) []*schema.Order {
	hdr := evt.Header()
	key := portfolio.Key{Source: hdr.Source, SymbolID: hdr.SymbolID, Account: s.account}
	s.flushPending(pf, key)

	// Mirror the flow: floor(client_qty * risk) contracts, opposite side.
	clientContracts := decimal.New(int64(evt.Qty), 0).Div(decimal.NewFromInt(numeric.QtyScale))
	desired := numeric.Qty(clientContracts.Mul(s.risk).Floor().Mul(decimal.NewFromInt(numeric.QtyScale)).IntPart()) * -1
	if desired == 0 {
		return nil
	}
	if s.rejected[evt.OrderID] {
		s.recordRejected(pf, key, desired, evt)
		return nil
	}

	net := numeric.Qty(0)
	if pos, ok := pf.Position(key); ok {
		net = pos.NetPosition
	}
	max := decimal.New(int64(s.limitFor(hdr.SymbolID)), 0).Mul(s.Params.MaxPosQtyBuffer).IntPart()
	lo, hi := numeric.Qty(-max)-net, numeric.Qty(max)-net
	clamped := desired
	if clamped < lo {
		clamped = lo
	}
	if clamped > hi {
		clamped = hi
	}
	if clamped.Sign() != desired.Sign() {
		clamped = 0
	}

	if clamped == desired {
		return []*schema.Order{s.internalOrder(evt, desired)}
	}
	if !s.Params.AllowPartialFills {
		if evt.OrderID != "" {
			s.rejected[evt.OrderID] = true
		}
		s.recordRejected(pf, key, desired, evt)
		return nil
	}
	// Partial internalisation: the clamped remainder is the tighten cost.
	cut := desired - clamped
	s.addTighten(pf, key, numeric.Notional(cut, evt.Px, evt.Meta().ContractSize, evt.Rate()))
	if clamped == 0 {
		return nil
	}
	return []*schema.Order{s.internalOrder(evt, clamped)}
}

func (s *Internalisation) internalOrder(evt *schema.TradeEvent, qty numeric.Qty) *schema.Order {
	o := openOrder(evt, s.account, qty, schema.OrderTypeNormal, "internal")
	o.Px = evt.Px
	o.HasPx = true
	return o
}

func (s *Internalisation) recordRejected(pf *portfolio.Portfolio, key portfolio.Key, qty numeric.Qty, evt *schema.TradeEvent) {
	n := numeric.Notional(qty, evt.Px, evt.Meta().ContractSize, evt.Rate())
	if pos, ok := pf.Position(key); ok {
		pos.NotionalRejected = pos.NotionalRejected.Add(n)
		return
	}
	s.pendingRejected[key] = s.pendingRejected[key].Add(n)
}

func (s *Internalisation) addTighten(pf *portfolio.Portfolio, key portfolio.Key, n decimal.Decimal) {
	if pos, ok := pf.Position(key); ok {
		pos.TightenCost = pos.TightenCost.Add(n)
		return
	}
	s.pendingTighten[key] = s.pendingTighten[key].Add(n)
}

// flushPending moves stats accumulated while the venue position did not
// exist onto it once it does.
func (s *Internalisation) flushPending(pf *portfolio.Portfolio, key portfolio.Key) {
	pos, ok := pf.Position(key)
	if !ok {
		return
	}
	if n, found := s.pendingTighten[key]; found {
		pos.TightenCost = pos.TightenCost.Add(n)
		delete(s.pendingTighten, key)
	}
	if n, found := s.pendingRejected[key]; found {
		pos.NotionalRejected = pos.NotionalRejected.Add(n)
		delete(s.pendingRejected, key)
	}
}

func (s *Internalisation) Filter(instrument string) Strategy {
	cp := *s
	cp.base = s.base.filtered(instrument)
	cp.maxQty = maps.Clone(s.maxQty)
	cp.rejected = maps.Clone(s.rejected)
	cp.pendingTighten = maps.Clone(s.pendingTighten)
	cp.pendingRejected = maps.Clone(s.pendingRejected)
	return &cp
}
