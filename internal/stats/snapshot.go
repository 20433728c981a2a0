// Package stats records per-event portfolio snapshots and shapes them into
// the result tables the writers persist.
package stats

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// Snapshot is one recorded row: the portfolio as seen immediately after an
// event or an order decision.
type Snapshot struct {
	ExecutionID     string
	TimestampMillis int64
	TradingSession  time.Time

	// Type is the order signal for order rows and the event type otherwise.
	Type     string
	Source   string
	Symbol   string
	SymbolID int64
	Account  string

	Px    numeric.Px
	HasPx bool

	NetQty             numeric.Qty
	TradeQty           numeric.Qty
	InventoryContracts numeric.Qty
	InventoryDollars   decimal.Decimal

	RPnLCum decimal.Decimal
	UPnL    decimal.Decimal
	Equity  decimal.Decimal

	Cancelled          bool
	CancellationReason string
}

// Statistics accumulates snapshots for one plan execution.
type Statistics struct {
	ExecutionID string
	rows        []Snapshot
}

func New(executionID string) *Statistics {
	return &Statistics{ExecutionID: executionID}
}

// RecordEvent captures the portfolio after a market or closing-price event.
func (s *Statistics) RecordEvent(evt schema.Event, pf *portfolio.Portfolio) {
	snap := s.baseSnapshot(evt, pf)
	snap.Type = string(evt.Type())
	if px, ok := evt.Price(true, schema.MatchMidPrice); ok {
		snap.Px, snap.HasPx = px, true
	}
	s.rows = append(s.rows, snap)
}

// RecordOrder captures an order decision, filled or vetoed, alongside the
// portfolio it acted on.
func (s *Statistics) RecordOrder(o *schema.Order, evt schema.Event, pf *portfolio.Portfolio) {
	snap := s.baseSnapshot(evt, pf)
	snap.Type = o.Signal
	if snap.Type == "" {
		snap.Type = string(evt.Type())
	}
	snap.Source = o.Source
	snap.Symbol = o.Symbol
	snap.SymbolID = o.SymbolID
	snap.Account = o.Account
	snap.TradeQty = o.Qty
	if o.HasPx {
		snap.Px, snap.HasPx = o.Px, true
	}
	snap.Cancelled = o.Cancelled
	snap.CancellationReason = o.CancellationReason
	s.rows = append(s.rows, snap)
}

func (s *Statistics) baseSnapshot(evt schema.Event, pf *portfolio.Portfolio) Snapshot {
	hdr := evt.Header()
	unit := evt.Meta().ContractUnitOfMeasure
	return Snapshot{
		ExecutionID:        s.ExecutionID,
		TimestampMillis:    hdr.TimestampMillis,
		TradingSession:     hdr.TradingSession,
		Source:             hdr.Source,
		Symbol:             hdr.Symbol,
		SymbolID:           hdr.SymbolID,
		Account:            hdr.Account,
		NetQty:             pf.NetForSymbol(hdr.SymbolID),
		InventoryContracts: pf.InventoryContracts[unit],
		InventoryDollars:   pf.InventoryDollars[unit],
		RPnLCum:            pf.RealisedPnL,
		UPnL:               pf.UnrealisedPnL,
		Equity:             pf.Equity,
	}
}

// Rows returns the recorded snapshots in capture order.
func (s *Statistics) Rows() []Snapshot { return s.rows }

// Len returns the number of recorded snapshots.
func (s *Statistics) Len() int { return len(s.rows) }
