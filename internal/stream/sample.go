package stream

import (
	"time"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/schema"
)

// Sampler thins or reshapes the merged frame before the event loop runs.
type Sampler interface {
	Sample(f *schema.Frame, session time.Time) *schema.Frame
}

// SamplerKind tags the sampler variants selectable from configuration.
type SamplerKind string

const (
	SamplerNone     SamplerKind = "no_sample"
	SamplerRate     SamplerKind = "sample"
	SamplerSnapshot SamplerKind = "snapshot"
)

// NewSampler constructs the sampler named by kind.
func NewSampler(kind SamplerKind, rate time.Duration) (Sampler, error) {
	switch kind {
	case SamplerNone, "":
		return NoSample{}, nil
	case SamplerRate:
		return &Sample{Rate: rate}, nil
	case SamplerSnapshot:
		return &Snapshot{Rate: rate}, nil
	default:
		return nil, errs.New("stream", errs.CodeUnknownKind,
			errs.WithMessage("no sampler "+string(kind)))
	}
}

// NoSample passes the frame through unchanged.
type NoSample struct{}

func (NoSample) Sample(f *schema.Frame, _ time.Time) *schema.Frame { return f }

// Sample keeps one sampling-eligible row per symbol per rate bucket; rows
// not marked for sampling pass through untouched.
type Sample struct {
	Rate time.Duration
}

func (s *Sample) Sample(f *schema.Frame, _ time.Time) *schema.Frame {
	if s.Rate <= 0 {
		return f
	}
	bucketMillis := s.Rate.Milliseconds()
	lastBucket := make(map[int64]int64)
	out := &schema.Frame{}
	for _, r := range f.Rows {
		if !r.ApplySampling {
			out.Append(r)
			continue
		}
		bucket := r.TimestampMillis / bucketMillis
		if last, ok := lastBucket[r.SymbolID]; ok && last == bucket {
			continue
		}
		lastBucket[r.SymbolID] = bucket
		out.Append(r)
	}
	return out
}

// Snapshot replaces the market-data stream with synthetic fixed-rate ticks.
// Each tick carries the last top of book seen at or before it, per symbol,
// the way a backward as-of merge would. Non-market rows pass through.
type Snapshot struct {
	Rate time.Duration
}

func (s *Snapshot) Sample(f *schema.Frame, session time.Time) *schema.Frame {
	if s.Rate <= 0 || f.Len() == 0 {
		return f
	}
	rateMillis := s.Rate.Milliseconds()

	out := &schema.Frame{}
	// Market rows per symbol, already time ordered.
	md := make(map[int64][]schema.Row)
	var order []int64
	lo, hi := int64(0), int64(0)
	for _, r := range f.Rows {
		if r.EventType != schema.EventTypeMarketData {
			out.Append(r)
			continue
		}
		if _, ok := md[r.SymbolID]; !ok {
			order = append(order, r.SymbolID)
		}
		md[r.SymbolID] = append(md[r.SymbolID], r)
		if lo == 0 || r.TimestampMillis < lo {
			lo = r.TimestampMillis
		}
		if r.TimestampMillis > hi {
			hi = r.TimestampMillis
		}
	}
	if len(md) == 0 {
		out.SortStable()
		return out
	}

	start := (lo + rateMillis - 1) / rateMillis * rateMillis
	for _, symbolID := range order {
		rows := md[symbolID]
		idx := 0
		var state *schema.Row
		for ts := start; ts <= hi; ts += rateMillis {
			for idx < len(rows) && rows[idx].TimestampMillis <= ts {
				state = &rows[idx]
				idx++
			}
			if state == nil {
				continue
			}
			tick := *state
			tick.TimestampMillis = ts
			tick.Synthetic = true
			tick.TradingSession = session
			out.Append(tick)
		}
	}
	out.SortStable()
	return out
}
