package stats

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/schema"
)

// ResultRow is one output row: a snapshot plus the per-row derivations and
// plan decorations.
type ResultRow struct {
	Snapshot

	// RealisedPnL is the per-row delta recovered from the cumulative column.
	RealisedPnL decimal.Decimal
	// UPnLReversal is the negated unrealized P&L of the previous row in the
	// same group; realizing a position reverses its prior mark.
	UPnLReversal decimal.Decimal
	// RPnLCumHash is the rolling realized P&L across every row sharing the
	// plan hash.
	RPnLCumHash decimal.Decimal

	Simulation string
	Hash       string
	Params     map[string]string
}

// Decorations stamp plan identity onto every row of its result.
type Decorations struct {
	Simulation string
	Hash       string
	// Params carries every strategy/exit/model/risk slot value keyed with
	// its slot prefix, e.g. "strategy_max_pos_qty".
	Params map[string]string
}

// resultGroup keys the per-group shift used to recover deltas.
type resultGroup struct {
	Source   string
	SymbolID int64
	Account  string
}

// BuildResult turns captured snapshots into decorated result rows. Rows keep
// capture order; cumulative realized P&L is differenced within each
// (source, symbol, account) group, as is the unrealized reversal.
func BuildResult(snapshots []Snapshot, dec Decorations) []ResultRow {
	rows := make([]ResultRow, 0, len(snapshots))
	prevRPnL := make(map[resultGroup]decimal.Decimal)
	prevUPnL := make(map[resultGroup]decimal.Decimal)
	for _, snap := range snapshots {
		g := resultGroup{Source: snap.Source, SymbolID: snap.SymbolID, Account: snap.Account}
		row := ResultRow{
			Snapshot:    snap,
			RealisedPnL: snap.RPnLCum.Sub(prevRPnL[g]),
			Simulation:  dec.Simulation,
			Hash:        dec.Hash,
			Params:      dec.Params,
		}
		if prior, ok := prevUPnL[g]; ok {
			row.UPnLReversal = prior.Neg()
		}
		prevRPnL[g] = snap.RPnLCum
		prevUPnL[g] = snap.UPnL
		rows = append(rows, row)
	}
	return rows
}

// StampRollingPnL fills RPnLCumHash: the running sum of per-row realized
// P&L over all rows sharing a hash, in table order. Call it once on the
// merged table, after cached and fresh rows are combined.
func StampRollingPnL(rows []ResultRow) {
	running := make(map[string]decimal.Decimal)
	for i := range rows {
		running[rows[i].Hash] = running[rows[i].Hash].Add(rows[i].RealisedPnL)
		rows[i].RPnLCumHash = running[rows[i].Hash]
	}
}

// ResultsCache indexes prior result rows by plan hash and trading session,
// letting the simulator skip plans whose whole range is already computed.
type ResultsCache struct {
	rows map[string]map[string][]ResultRow
}

func NewResultsCache(rows []ResultRow) *ResultsCache {
	c := &ResultsCache{rows: make(map[string]map[string][]ResultRow)}
	for _, r := range rows {
		session := schema.DateString(r.TradingSession)
		byDay := c.rows[r.Hash]
		if byDay == nil {
			byDay = make(map[string][]ResultRow)
			c.rows[r.Hash] = byDay
		}
		byDay[session] = append(byDay[session], r)
	}
	return c
}

// Covers reports whether every session is present for the hash.
func (c *ResultsCache) Covers(hash string, sessions []string) bool {
	if c == nil || len(sessions) == 0 {
		return false
	}
	byDay, ok := c.rows[hash]
	if !ok {
		return false
	}
	for _, s := range sessions {
		if _, ok := byDay[s]; !ok {
			return false
		}
	}
	return true
}

// Rows returns the cached rows for the hash across the sessions, in session
// then capture order.
func (c *ResultsCache) Rows(hash string, sessions []string) []ResultRow {
	if c == nil {
		return nil
	}
	byDay, ok := c.rows[hash]
	if !ok {
		return nil
	}
	ordered := append([]string(nil), sessions...)
	sort.Strings(ordered)
	var out []ResultRow
	for _, s := range ordered {
		out = append(out, byDay[s]...)
	}
	return out
}
