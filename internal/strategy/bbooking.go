package strategy

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// BbookingParams configure per-account booking risk.
type BbookingParams struct {
	BookingRisk decimal.Decimal            `json:"booking_risk"`
	Accounts    map[string]decimal.Decimal `json:"accounts"`
}

// clientKey identifies one client account's flow in one instrument.
type clientKey struct {
	Account  string
	Source   string
	SymbolID int64
}

// Bbooking books a risk-scaled share of every client trade into the venue
// account. A migration event changes an account's risk and immediately
// rebalances the booked quantity for each of that account's instruments to
// match the new risk, via migration-type orders.
type Bbooking struct {
	base
	Params BbookingParams

	risks     map[string]decimal.Decimal // per client account
	clientNet map[clientKey]numeric.Qty
	booked    map[clientKey]numeric.Qty
	meta      map[clientKey]lastSeen
}

// lastSeen caches enough of the latest client trade to build rebalance
// orders without a fresh market event.
type lastSeen struct {
	Symbol     string
	Px         numeric.Px
	Instrument schema.Instrument
}

func NewBbooking(b base, p BbookingParams) *Bbooking {
	s := &Bbooking{
		base:      b,
		Params:    p,
		risks:     make(map[string]decimal.Decimal),
		clientNet: make(map[clientKey]numeric.Qty),
		booked:    make(map[clientKey]numeric.Qty),
		meta:      make(map[clientKey]lastSeen),
	}
	for acct, r := range p.Accounts {
		s.risks[acct] = r
	}
	return s
}

func (s *Bbooking) riskFor(account string) decimal.Decimal {
	if r, ok := s.risks[account]; ok {
		return r
	}
	return s.Params.BookingRisk
}

func (s *Bbooking) OnState(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order {
	hdr := evt.Header()
	if !s.wants(hdr.Symbol) {
		return nil
	}
	switch e := evt.(type) {
	case *schema.TradeEvent:
		return s.onClientTrade(e)
	case *schema.AccountMigration:
		return s.onMigration(e)
	case *schema.MarketData, *schema.ClosingPrice:
		return s.exitOrders(pf, evt)
	}
	return nil
}

func (s *Bbooking) onClientTrade(evt *schema.TradeEvent) []*schema.Order {
	hdr := evt.Header()
	key := clientKey{Account: hdr.Account, Source: hdr.Source, SymbolID: hdr.SymbolID}
	s.clientNet[key] += evt.Qty
	s.meta[key] = lastSeen{Symbol: hdr.Symbol, Px: evt.Px, Instrument: evt.Instrument}

	qty := scaleContracts(evt.Qty, s.riskFor(hdr.Account)) * -1
	if qty == 0 {
		return nil
	}
	s.booked[key] += qty
	o := openOrder(evt, s.account, qty, schema.OrderTypeNormal, "booking")
	o.Px = evt.Px
	o.HasPx = true
	return []*schema.Order{o}
}

// onMigration applies the account's new booking risk. A migration without a
// risk value moves the account to zero, unwinding its booked exposure.
func (s *Bbooking) onMigration(evt *schema.AccountMigration) []*schema.Order {
	hdr := evt.Header()
	risk := decimal.Zero
	if evt.HasBookingRisk {
		risk = evt.BookingRisk
	}
	s.risks[hdr.Account] = risk

	var orders []*schema.Order
	keys := make([]clientKey, 0, len(s.clientNet))
	for key := range s.clientNet {
		if key.Account == hdr.Account {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].SymbolID < keys[j].SymbolID })
	for _, key := range keys {
		target := scaleContracts(s.clientNet[key], risk) * -1
		delta := target - s.booked[key]
		if delta == 0 {
			continue
		}
		s.booked[key] = target
		seen := s.meta[key]
		o := schema.NewOrder(hdr.TimestampMillis, key.Source, seen.Symbol, key.SymbolID, s.account, delta, schema.OrderTypeMigration)
		o.Instrument = seen.Instrument
		o.Signal = "migration"
		orders = append(orders, o)
	}
	return orders
}

// SeedPosition implements PositionSeeder: a bootstrapped client position
// counts toward that client's net flow, so the next migration rebalances
// against it.
func (s *Bbooking) SeedPosition(pos *portfolio.Position) {
	if pos.Key.Account == s.account {
		return
	}
	key := clientKey{Account: pos.Key.Account, Source: pos.Key.Source, SymbolID: pos.Key.SymbolID}
	s.clientNet[key] += pos.NetPosition
	s.meta[key] = lastSeen{
		Symbol: pos.Symbol,
		Px:     pos.AvgPrice(),
		Instrument: schema.Instrument{
			Currency:              pos.Currency,
			ContractUnitOfMeasure: pos.UnitOfMeasure,
			PriceIncrement:        pos.PriceIncrement,
			ContractSize:          pos.ContractSize,
			UnitPrice:             pos.UnitPrice,
		},
	}
}

// Filter clones the flow maps so per-instrument copies book independently.
func (s *Bbooking) Filter(instrument string) Strategy {
	cp := *s
	cp.base = s.base.filtered(instrument)
	cp.risks = maps.Clone(s.risks)
	cp.clientNet = maps.Clone(s.clientNet)
	cp.booked = maps.Clone(s.booked)
	cp.meta = maps.Clone(s.meta)
	return &cp
}

// scaleContracts floors qty*risk to whole contracts, keeping qty's sign
// convention under the floor (a short scales toward the more negative
// contract).
func scaleContracts(qty numeric.Qty, risk decimal.Decimal) numeric.Qty {
	contracts := decimal.New(int64(qty), 0).
		Div(decimal.NewFromInt(numeric.QtyScale)).
		Mul(risk).Floor()
	return numeric.Qty(contracts.Mul(decimal.NewFromInt(numeric.QtyScale)).IntPart())
}

// BbookingProfilerParams extend Bbooking with a retrained account ranking.
type BbookingProfilerParams struct {
	BbookingParams
	// TrainFreq is the number of sessions between refits.
	TrainFreq int        `json:"train_freq"`
	Bands     []RiskBand `json:"bands"`
}

// RiskBand maps a minimum activity score to a booking risk.
type RiskBand struct {
	MinScore decimal.Decimal `json:"min_score"`
	Risk     decimal.Decimal `json:"risk"`
}

// BbookingProfiler is Bbooking whose per-account risks come from a model
// refit every TrainFreq sessions on the trailing event history. An account's
// score is its share of traded notional; the bands translate scores to
// risks, and unscored accounts book at zero.
type BbookingProfiler struct {
	*Bbooking
	Profile BbookingProfilerParams

	sessions int
}

func NewBbookingProfiler(b base, p BbookingProfilerParams) *BbookingProfiler {
	bands := append([]RiskBand(nil), p.Bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinScore.GreaterThan(bands[j].MinScore) })
	p.Bands = bands
	return &BbookingProfiler{Bbooking: NewBbooking(b, p.BbookingParams), Profile: p}
}

// RetrainModel implements Retrainer.
func (s *BbookingProfiler) RetrainModel(time.Time) bool {
	s.sessions++
	freq := s.Profile.TrainFreq
	if freq <= 0 {
		freq = 1
	}
	return s.sessions%freq == 0
}

// Retrain implements Retrainer.
func (s *BbookingProfiler) Retrain(_ context.Context, history *schema.Frame) error {
	traded := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, row := range history.Rows {
		if row.EventType != schema.EventTypeTrade {
			continue
		}
		n := numeric.Notional(row.ContractQty.Abs(), row.Px, row.Instrument.ContractSize, row.RateToUSD)
		traded[row.Account] = traded[row.Account].Add(n)
		total = total.Add(n)
	}
	risks := make(map[string]decimal.Decimal, len(traded))
	for acct, n := range traded {
		score := decimal.Zero
		if !total.IsZero() {
			score = n.Div(total)
		}
		risks[acct] = s.bandRisk(score)
	}
	s.risks = risks
	return nil
}

func (s *BbookingProfiler) bandRisk(score decimal.Decimal) decimal.Decimal {
	for _, band := range s.Profile.Bands {
		if score.GreaterThanOrEqual(band.MinScore) {
			return band.Risk
		}
	}
	return decimal.Zero
}

func (s *BbookingProfiler) Filter(instrument string) Strategy {
	cp := *s
	cp.Bbooking = s.Bbooking.Filter(instrument).(*Bbooking)
	return &cp
}
