// Package backtester runs the single-threaded per-plan event loop.
package backtester

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/matching"
	"github.com/coachpo/backsim/internal/observability"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/risk"
	"github.com/coachpo/backsim/internal/schema"
	"github.com/coachpo/backsim/internal/stats"
	"github.com/coachpo/backsim/internal/strategy"
)

// Config selects what the loop does per event and which snapshots it keeps.
type Config struct {
	ProcessPortfolio   bool
	StoreOrderSnapshot bool
	StoreMDSnapshot    bool
	StoreEODSnapshot   bool
	Commission         decimal.Decimal
}

// Backtester owns one plan's portfolio and statistics and drives them from
// the merged event stream.
type Backtester struct {
	cfg      Config
	strategy strategy.Strategy
	riskman  risk.Manager
	engine   matching.Engine

	Portfolio *portfolio.Portfolio
	Stats     *stats.Statistics

	unfilled []*schema.Order
}

func New(cfg Config, strat strategy.Strategy, riskman risk.Manager, engine matching.Engine, pf *portfolio.Portfolio, st *stats.Statistics) *Backtester {
	if riskman == nil {
		riskman = risk.None{}
	}
	return &Backtester{
		cfg:       cfg,
		strategy:  strat,
		riskman:   riskman,
		engine:    engine,
		Portfolio: pf,
		Stats:     st,
	}
}

// Unfilled returns the orders still queued for matching.
func (b *Backtester) Unfilled() []*schema.Order { return b.unfilled }

// OnEvent advances the plan by one event: strategy, risk, matching,
// portfolio marks, snapshots.
func (b *Backtester) OnEvent(evt schema.Event) {
	if b.cfg.ProcessPortfolio {
		orders := b.strategy.OnState(b.Portfolio, evt)
		for _, o := range orders {
			if !o.Cancelled {
				if err := b.riskman.AssessOrder(o, b.Portfolio); err != nil {
					o.Cancel(err.Error())
				}
			}
			if !o.Cancelled {
				b.unfilled = append(b.unfilled, o)
			}
		}
		b.matchOrderBook(evt)
		// Order snapshots capture the portfolio with this event's fills
		// already applied, so a filled order row shows its own effect.
		if b.cfg.StoreOrderSnapshot {
			for _, o := range orders {
				b.Stats.RecordOrder(o, evt, b.Portfolio)
			}
		}
		if b.cfg.StoreMDSnapshot {
			b.Portfolio.UpdatePortfolio(evt)
		}
	}
	if b.recordMarketUpdate(evt) {
		b.Stats.RecordEvent(evt, b.Portfolio)
	}
}

// matchOrderBook drains the unfilled queue against the event. Orders stay
// queued until filled, cancelled, or killed by their time in force.
func (b *Backtester) matchOrderBook(evt schema.Event) {
	remaining := b.unfilled[:0]
	filled := 0
	for _, o := range b.unfilled {
		trades := b.engine.MatchOrder(evt, o)
		for _, tr := range trades {
			b.Portfolio.OnTrade(tr, evt, b.cfg.Commission)
		}
		filled += len(trades)
		if !o.Done() {
			remaining = append(remaining, o)
		}
	}
	b.unfilled = remaining
	if filled > 0 {
		observability.Telemetry().IncCounter("sim.trades_filled", float64(filled), nil)
	}
}

// recordMarketUpdate gates pure event snapshots: only once a position exists,
// and only for the event types whose stores are enabled.
func (b *Backtester) recordMarketUpdate(evt schema.Event) bool {
	if b.Portfolio.Empty() {
		return false
	}
	switch evt.Type() {
	case schema.EventTypeMarketData:
		return b.cfg.StoreMDSnapshot
	case schema.EventTypeClosingPrice:
		return b.cfg.StoreEODSnapshot
	default:
		return false
	}
}

// RunDaySimulation feeds one session's merged frame through the loop.
func (b *Backtester) RunDaySimulation(ctx context.Context, frame *schema.Frame) error {
	for i := range frame.Rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.OnEvent(frame.Rows[i].Event())
	}
	if len(frame.Rows) > 0 {
		observability.Telemetry().IncCounter("sim.events_processed", float64(len(frame.Rows)), nil)
	}
	return nil
}
