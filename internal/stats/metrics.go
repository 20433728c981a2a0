package stats

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
)

// PerformanceOverview summarizes one result table.
type PerformanceOverview struct {
	RealisedPnL   decimal.Decimal
	UnrealisedPnL decimal.Decimal
	Equity        decimal.Decimal
	MaxDrawdown   decimal.Decimal
	Rows          int
}

// Performance aggregates the table into an overview. Equity and unrealized
// P&L are taken from the last row; realized P&L sums the deltas.
func Performance(rows []ResultRow) PerformanceOverview {
	out := PerformanceOverview{Rows: len(rows)}
	if len(rows) == 0 {
		return out
	}
	peak := decimal.Zero
	equity := decimal.Zero
	for _, r := range rows {
		out.RealisedPnL = out.RealisedPnL.Add(r.RealisedPnL)
		equity = r.Equity
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(out.MaxDrawdown) {
			out.MaxDrawdown = dd
		}
	}
	last := rows[len(rows)-1]
	out.UnrealisedPnL = last.UPnL
	out.Equity = equity
	return out
}

// ActionsBreakdown counts rows per type and per cancellation reason.
type ActionsBreakdown struct {
	ByType   map[string]int
	ByReason map[string]int
	Trades   int
	Vetoed   int
}

func Actions(rows []ResultRow) ActionsBreakdown {
	out := ActionsBreakdown{ByType: make(map[string]int), ByReason: make(map[string]int)}
	for _, r := range rows {
		out.ByType[r.Type]++
		if r.Cancelled {
			out.Vetoed++
			out.ByReason[r.CancellationReason]++
			continue
		}
		if r.TradeQty != 0 {
			out.Trades++
		}
	}
	return out
}

// Drawdown describes one peak-to-trough equity excursion.
type Drawdown struct {
	Depth       decimal.Decimal
	StartMillis int64
	EndMillis   int64
}

// Drawdowns walks the equity curve and returns every completed excursion,
// deepest first kept in place; an excursion still open at the end of the
// table is included.
func Drawdowns(rows []ResultRow) []Drawdown {
	var out []Drawdown
	var cur *Drawdown
	peak := decimal.Zero
	for _, r := range rows {
		if r.Equity.GreaterThanOrEqual(peak) {
			peak = r.Equity
			if cur != nil {
				cur.EndMillis = r.TimestampMillis
				out = append(out, *cur)
				cur = nil
			}
			continue
		}
		depth := peak.Sub(r.Equity)
		if cur == nil {
			cur = &Drawdown{Depth: depth, StartMillis: r.TimestampMillis}
			continue
		}
		if depth.GreaterThan(cur.Depth) {
			cur.Depth = depth
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// InventoryOverview reports the final inventory per contract unit.
type InventoryOverview struct {
	Contracts map[string]numeric.Qty
	Dollars   map[string]decimal.Decimal
}

func Inventory(rows []ResultRow) InventoryOverview {
	out := InventoryOverview{Contracts: make(map[string]numeric.Qty), Dollars: make(map[string]decimal.Decimal)}
	lastPerSymbol := make(map[int64]ResultRow)
	for _, r := range rows {
		lastPerSymbol[r.SymbolID] = r
	}
	for _, r := range lastPerSymbol {
		out.Contracts[r.Symbol] = r.InventoryContracts
		out.Dollars[r.Symbol] = r.InventoryDollars
	}
	return out
}

// Resample keeps the last row per group per bucket of the given rule,
// preserving table order. The by key picks the grouping: "symbol" (the
// default) keeps one row per simulation and symbol, "simulation" collapses a
// simulation's symbols into one row per bucket.
func Resample(rows []ResultRow, rule time.Duration, by string) []ResultRow {
	if rule <= 0 || len(rows) == 0 {
		return rows
	}
	bucketMillis := rule.Milliseconds()
	type key struct {
		Simulation string
		SymbolID   int64
		Bucket     int64
	}
	lastIdx := make(map[key]int)
	for i, r := range rows {
		k := key{Simulation: r.Simulation, Bucket: r.TimestampMillis / bucketMillis}
		if by != "simulation" {
			k.SymbolID = r.SymbolID
		}
		lastIdx[k] = i
	}
	keep := make(map[int]bool, len(lastIdx))
	for _, i := range lastIdx {
		keep[i] = true
	}
	out := make([]ResultRow, 0, len(lastIdx))
	for i, r := range rows {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}
