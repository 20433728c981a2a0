package sim

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
	"github.com/coachpo/backsim/internal/strategy"
	"github.com/coachpo/backsim/internal/subs"
)

// PositionsMode selects how starting positions are reconstructed.
type PositionsMode string

const (
	// PositionsSnapshot reads an opening-positions snapshot keyed to the
	// start date; each row is one lot.
	PositionsSnapshot PositionsMode = "snapshot"
	// PositionsTrades replays the trailing trade history so the netting
	// engine rebuilds the lots itself.
	PositionsTrades PositionsMode = "trades"
)

// StartingPositions bootstraps a plan's portfolio before its first session.
// Lot quantities are scaled by the per-row booking risk when one is present.
type StartingPositions struct {
	Mode   PositionsMode
	Source subs.Subscription
	// Interval forwards to the subscription.
	Interval string
	// Lookback is the trade-history window in days for PositionsTrades.
	Lookback int
}

// Bootstrap seeds pf from the source and hands every resulting position to
// the strategy when it tracks client flow itself.
func (l *StartingPositions) Bootstrap(ctx context.Context, pf *portfolio.Portfolio, strat strategy.Strategy, start time.Time, instruments []string) error {
	if l == nil || l.Source == nil {
		return errs.New("sim/positions", errs.CodeConfig,
			errs.WithMessage("starting positions requested without a source"))
	}
	var from, to time.Time
	switch l.Mode {
	case PositionsSnapshot, "":
		from, to = start, start
	case PositionsTrades:
		lookback := l.Lookback
		if lookback <= 0 {
			lookback = 5
		}
		from, to = start.AddDate(0, 0, -lookback), start.AddDate(0, 0, -1)
	default:
		return errs.New("sim/positions", errs.CodeConfig,
			errs.WithMessage("positions mode "+string(l.Mode)+" not in {snapshot, trades}"))
	}

	frame, err := l.Source.Get(ctx, from, to, instruments, l.Interval)
	if err != nil {
		return err
	}
	rows := append([]schema.Row(nil), frame.Rows...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].TimestampMillis < rows[j].TimestampMillis })

	for i := range rows {
		row := &rows[i]
		qty := scaledLotQty(row)
		if qty == 0 {
			continue
		}
		tr := &schema.Trade{
			TimestampMillis: row.TimestampMillis,
			Source:          row.Source,
			Symbol:          row.Symbol,
			SymbolID:        row.SymbolID,
			Account:         row.Account,
			ContractQty:     qty,
			Px:              row.Px,
			RateToUSD:       row.RateToUSD,
			Instrument:      row.Instrument,
		}
		pf.OnTrade(tr, nil, decimal.Zero)
	}

	if seeder, ok := strat.(strategy.PositionSeeder); ok {
		for _, pos := range sortedPositions(pf) {
			seeder.SeedPosition(pos)
		}
	}
	return nil
}

// scaledLotQty floors the row quantity by its booking risk; rows without a
// risk load at full size.
func scaledLotQty(row *schema.Row) numeric.Qty {
	if !row.HasBookingRisk {
		return row.ContractQty
	}
	contracts := decimal.New(int64(row.ContractQty), 0).
		Div(decimal.NewFromInt(numeric.QtyScale)).
		Mul(row.BookingRisk).Floor()
	return numeric.Qty(contracts.Mul(decimal.NewFromInt(numeric.QtyScale)).IntPart())
}

func sortedPositions(pf *portfolio.Portfolio) []*portfolio.Position {
	out := make([]*portfolio.Position, 0, len(pf.Positions))
	for _, pos := range pf.Positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.SymbolID != b.SymbolID {
			return a.SymbolID < b.SymbolID
		}
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		return a.Source < b.Source
	})
	return out
}
