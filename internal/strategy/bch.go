package strategy

import (
	"maps"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// BCHParams gate the crowd-herding entry and its unwind.
type BCHParams struct {
	// Consensus is the minimum |net|/gross share of client flow agreeing
	// on a direction before the venue takes a position.
	Consensus decimal.Decimal `json:"consensus"`
	// MaxAccountRatio rejects signals dominated by a single account.
	MaxAccountRatio decimal.Decimal `json:"max_account_ratio"`
	// PositionTrigger is the minimum aggregate client net, in contracts.
	PositionTrigger float64 `json:"position_trigger"`
	// RiskRatio sizes the venue position as a fraction of the trigger.
	RiskRatio decimal.Decimal `json:"risk_ratio"`
	// FollowClient trades with the crowd instead of against it.
	FollowClient bool `json:"follow_client"`
	// CloseBuffer is the hysteresis fraction below the entry thresholds at
	// which the position is unwound.
	CloseBuffer decimal.Decimal `json:"close_buffer"`
}

// BCH watches aggregate client positioning per instrument and opens a venue
// position when the crowd agrees strongly enough, closing it again once the
// signal decays through a buffered threshold.
type BCH struct {
	base
	Params BCHParams

	clientNet map[clientKey]numeric.Qty
}

func NewBCH(b base, p BCHParams) *BCH {
	return &BCH{base: b, Params: p, clientNet: make(map[clientKey]numeric.Qty)}
}

func (s *BCH) OnState(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order {
	hdr := evt.Header()
	if !s.wants(hdr.Symbol) {
		return nil
	}
	switch e := evt.(type) {
	case *schema.TradeEvent:
		key := clientKey{Account: hdr.Account, Source: hdr.Source, SymbolID: hdr.SymbolID}
		s.clientNet[key] += e.Qty
		return nil
	case *schema.MarketData, *schema.ClosingPrice:
		return s.onTick(pf, evt)
	}
	return nil
}

func (s *BCH) onTick(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order {
	hdr := evt.Header()
	net, gross, top := s.flowFor(hdr.SymbolID)
	venue := pf.NetForSymbol(hdr.SymbolID)
	trigger := numeric.QtyFromFloat(s.Params.PositionTrigger)

	if venue == 0 {
		if gross == 0 || !evt.HasPrice() {
			return nil
		}
		consensus := ratio(net.Abs(), gross)
		if consensus.LessThan(s.Params.Consensus) ||
			ratio(top, gross).GreaterThan(s.Params.MaxAccountRatio) ||
			net.Abs() < trigger {
			return nil
		}
		qty := scaleContracts(trigger, s.Params.RiskRatio)
		if qty == 0 {
			return nil
		}
		dir := numeric.Qty(net.Sign())
		if !s.Params.FollowClient {
			dir = -dir
		}
		qty *= dir
		return []*schema.Order{openOrder(evt, s.account, qty, schema.OrderTypeNormal, "bch_open")}
	}

	// Unwind once the signal decays through the buffered thresholds.
	one := decimal.NewFromInt(1)
	floorFrac := one.Sub(s.Params.CloseBuffer)
	decayed := gross == 0 ||
		ratio(net.Abs(), gross).LessThan(s.Params.Consensus.Mul(floorFrac)) ||
		decimal.New(int64(net.Abs()), 0).LessThan(decimal.New(int64(trigger), 0).Mul(floorFrac))
	if decayed && evt.HasPrice() {
		o := openOrder(evt, s.account, -venue, schema.OrderTypeReduce, "bch_close")
		return []*schema.Order{o}
	}
	return s.exitOrders(pf, evt)
}

// flowFor aggregates client positioning in one symbol: signed net, gross
// magnitude, and the largest single-account magnitude.
func (s *BCH) flowFor(symbolID int64) (net, gross, top numeric.Qty) {
	perAccount := make(map[string]numeric.Qty)
	for key, qty := range s.clientNet {
		if key.SymbolID != symbolID {
			continue
		}
		net += qty
		gross += qty.Abs()
		perAccount[key.Account] += qty
	}
	for _, qty := range perAccount {
		if qty.Abs() > top {
			top = qty.Abs()
		}
	}
	return net, gross, top
}

func ratio(num, den numeric.Qty) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return decimal.New(int64(num), 0).Div(decimal.New(int64(den), 0))
}

// SeedPosition implements PositionSeeder; bootstrapped client positions
// enter the consensus aggregates.
func (s *BCH) SeedPosition(pos *portfolio.Position) {
	if pos.Key.Account == s.account {
		return
	}
	key := clientKey{Account: pos.Key.Account, Source: pos.Key.Source, SymbolID: pos.Key.SymbolID}
	s.clientNet[key] += pos.NetPosition
}

func (s *BCH) Filter(instrument string) Strategy {
	cp := *s
	cp.base = s.base.filtered(instrument)
	cp.clientNet = maps.Clone(s.clientNet)
	return &cp
}
