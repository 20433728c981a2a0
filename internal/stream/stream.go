// Package stream merges subscription frames into the time-ordered event
// sequence a day's simulation consumes.
package stream

import (
	"time"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/observability"
	"github.com/coachpo/backsim/internal/schema"
)

// migrationQuoteWindow is how far forward a migration may wait for a quote
// before its rebalance orders are considered unpriceable.
const migrationQuoteWindow = 3 * time.Hour

// Window is a daily wall-clock interval in the session zone, half-open
// [From, To).
type Window struct {
	From string `yaml:"from" json:"from"` // HH:MM
	To   string `yaml:"to" json:"to"`
}

// Config tunes event generation for one pipeline.
type Config struct {
	// Zone is the exchange zone for session tagging; empty selects the
	// default US/Eastern.
	Zone string `yaml:"zone" json:"zone"`
	// ExclPeriods marks quotes inside the windows untrusted.
	ExclPeriods []Window `yaml:"excl_period" json:"excl_period"`
	// IncludeEOD admits closing-price events into the stream.
	IncludeEOD bool `yaml:"include_eod_snapshot" json:"include_eod_snapshot"`
}

// EventStream builds the merged per-session frame.
type EventStream struct {
	clock      *schema.SessionClock
	excl       []exclWindow
	includeEOD bool
}

type exclWindow struct {
	fromMin int // minutes since local midnight
	toMin   int
}

func New(cfg Config) (*EventStream, error) {
	clock, err := schema.NewSessionClock(cfg.Zone, schema.DefaultSessionBoundaryHour)
	if err != nil {
		return nil, errs.New("stream", errs.CodeConfig, errs.WithCause(err))
	}
	s := &EventStream{clock: clock, includeEOD: cfg.IncludeEOD}
	for _, w := range cfg.ExclPeriods {
		from, ferr := parseWallMinutes(w.From)
		to, terr := parseWallMinutes(w.To)
		if ferr != nil || terr != nil {
			return nil, errs.New("stream", errs.CodeConfig,
				errs.WithMessage("bad excl_period window "+w.From+"-"+w.To))
		}
		s.excl = append(s.excl, exclWindow{fromMin: from, toMin: to})
	}
	return s, nil
}

// Clock exposes the session clock so callers share the same session zone.
func (s *EventStream) Clock() *schema.SessionClock { return s.clock }

// GenerateEvents concatenates the subscription frames for one session into a
// single stable-sorted frame, tags sessions, fills book metadata gaps per
// symbol, and applies the exclusion and end-of-day flags. Closing-price rows
// are dropped unless the stream was configured to include them.
func (s *EventStream) GenerateEvents(frames ...*schema.Frame) *schema.Frame {
	merged := schema.Merge(frames...)
	if !s.includeEOD {
		kept := merged.Rows[:0]
		for _, r := range merged.Rows {
			if r.EventType != schema.EventTypeClosingPrice {
				kept = append(kept, r)
			}
		}
		merged.Rows = kept
	}
	merged.SortStable()
	for i := range merged.Rows {
		merged.Rows[i].TradingSession = s.clock.Session(merged.Rows[i].TimestampMillis)
	}
	fillBookState(merged)
	s.applyFlags(merged)
	dropOrphanMigrations(merged)
	return merged
}

// dropOrphanMigrations removes every account migration from the frame when
// any one of them has no same-symbol quote inside the forward window, since
// its rebalance orders could never price that session.
func dropOrphanMigrations(f *schema.Frame) {
	orphan := false
	for i := range f.Rows {
		r := &f.Rows[i]
		if r.EventType != schema.EventTypeAccountMigration {
			continue
		}
		deadline := r.TimestampMillis + migrationQuoteWindow.Milliseconds()
		quoted := false
		for j := i + 1; j < len(f.Rows) && f.Rows[j].TimestampMillis <= deadline; j++ {
			q := &f.Rows[j]
			if q.EventType == schema.EventTypeMarketData && q.SymbolID == r.SymbolID && (q.HasBid || q.HasAsk) {
				quoted = true
				break
			}
		}
		if !quoted {
			observability.Log().Info("dropping session migrations",
				observability.Field{Key: "symbol", Value: r.Symbol},
				observability.Field{Key: "timestamp_millis", Value: r.TimestampMillis})
			orphan = true
			break
		}
	}
	if !orphan {
		return
	}
	kept := f.Rows[:0]
	for _, r := range f.Rows {
		if r.EventType != schema.EventTypeAccountMigration {
			kept = append(kept, r)
		}
	}
	f.Rows = kept
}

// tob is the last known top of book for one symbol.
type tob struct {
	BidPx  numeric.Px
	AskPx  numeric.Px
	BidQty numeric.Qty
	AskQty numeric.Qty
	HasBid bool
	HasAsk bool
}

func (t *tob) absorb(r *schema.Row) {
	if r.HasBid {
		t.BidPx, t.BidQty, t.HasBid = r.BidPx, r.BidQty, true
	}
	if r.HasAsk {
		t.AskPx, t.AskQty, t.HasAsk = r.AskPx, r.AskQty, true
	}
}

func (t tob) apply(r *schema.Row) {
	if !r.HasBid && t.HasBid {
		r.BidPx, r.BidQty, r.HasBid = t.BidPx, t.BidQty, true
	}
	if !r.HasAsk && t.HasAsk {
		r.AskPx, r.AskQty, r.HasAsk = t.AskPx, t.AskQty, true
	}
}

// fillBookState forward-fills instrument metadata and top-of-book levels per
// symbol, then back-fills leading gaps from the first values that appear, so
// every row carries a complete book picture.
func fillBookState(f *schema.Frame) {
	lastMeta := make(map[int64]schema.Instrument)
	lastTOB := make(map[int64]*tob)
	var missingMeta, missingTOB map[int64][]int

	for i := range f.Rows {
		r := &f.Rows[i]
		if (r.Instrument == schema.Instrument{}) {
			if meta, ok := lastMeta[r.SymbolID]; ok {
				r.Instrument = meta
			} else {
				if missingMeta == nil {
					missingMeta = make(map[int64][]int)
				}
				missingMeta[r.SymbolID] = append(missingMeta[r.SymbolID], i)
			}
		} else {
			lastMeta[r.SymbolID] = r.Instrument
		}

		if r.EventType != schema.EventTypeMarketData {
			continue
		}
		state, seen := lastTOB[r.SymbolID]
		if !seen {
			state = &tob{}
			lastTOB[r.SymbolID] = state
		}
		if r.HasBid || r.HasAsk {
			state.absorb(r)
			state.apply(r)
			continue
		}
		if state.HasBid || state.HasAsk {
			state.apply(r)
		} else {
			if missingTOB == nil {
				missingTOB = make(map[int64][]int)
			}
			missingTOB[r.SymbolID] = append(missingTOB[r.SymbolID], i)
		}
	}

	for symbolID, idxs := range missingMeta {
		if meta, ok := lastMeta[symbolID]; ok {
			for _, i := range idxs {
				f.Rows[i].Instrument = firstMeta(f, symbolID, meta)
			}
		}
	}
	for symbolID, idxs := range missingTOB {
		first, ok := firstTOB(f, symbolID)
		if !ok {
			continue
		}
		for _, i := range idxs {
			first.apply(&f.Rows[i])
		}
	}
}

// firstMeta returns the first explicit instrument for the symbol, falling
// back to the forward-fill result.
func firstMeta(f *schema.Frame, symbolID int64, fallback schema.Instrument) schema.Instrument {
	for i := range f.Rows {
		r := &f.Rows[i]
		if r.SymbolID == symbolID && (r.Instrument != schema.Instrument{}) {
			return r.Instrument
		}
	}
	return fallback
}

func firstTOB(f *schema.Frame, symbolID int64) (tob, bool) {
	for i := range f.Rows {
		r := &f.Rows[i]
		if r.SymbolID != symbolID || r.EventType != schema.EventTypeMarketData {
			continue
		}
		if r.HasBid || r.HasAsk {
			var t tob
			t.absorb(r)
			return t, true
		}
	}
	return tob{}, false
}

// applyFlags marks exclusion windows untrusted and tags the final five
// minutes before the session boundary.
func (s *EventStream) applyFlags(f *schema.Frame) {
	loc := s.clock.Location()
	boundary := s.clock.BoundaryHour() * 60
	for i := range f.Rows {
		r := &f.Rows[i]
		local := time.UnixMilli(r.TimestampMillis).In(loc)
		minutes := local.Hour()*60 + local.Minute()
		for _, w := range s.excl {
			if minutes >= w.fromMin && minutes < w.toMin {
				r.Untrusted = true
				break
			}
		}
		if minutes >= boundary-5 && minutes < boundary {
			r.GFD = true
			if local.Weekday() == time.Friday {
				r.GFW = true
			}
		}
	}
}

func parseWallMinutes(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
