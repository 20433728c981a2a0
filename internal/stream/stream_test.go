package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

var eastern, _ = time.LoadLocation("America/New_York")

func instr() schema.Instrument {
	return schema.Instrument{Currency: "USD", PriceIncrement: numeric.PxFromFloat(0.00001), ContractSize: 100_000, UnitPrice: 100_000}
}

func mdRow(ts int64, symbolID int64, bid, ask float64) schema.Row {
	return schema.Row{
		TimestampMillis: ts,
		Source:          "test",
		Symbol:          "EUR/USD",
		SymbolID:        symbolID,
		EventType:       schema.EventTypeMarketData,
		Instrument:      instr(),
		BidPx:           numeric.PxFromFloat(bid),
		AskPx:           numeric.PxFromFloat(ask),
		BidQty:          numeric.QtyFromContracts(100),
		AskQty:          numeric.QtyFromContracts(100),
		HasBid:          true,
		HasAsk:          true,
		RateToUSD:       decimal.NewFromInt(1),
	}
}

func TestGenerateEventsMergesAndSorts(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := &schema.Frame{}
	a.Append(mdRow(3000, 1, 1.1, 1.2), mdRow(1000, 1, 1.1, 1.2))
	b := &schema.Frame{}
	b.Append(mdRow(2000, 2, 2.1, 2.2))

	got := s.GenerateEvents(a, b)
	if got.Len() != 3 {
		t.Fatalf("len = %d", got.Len())
	}
	var prev int64
	for _, r := range got.Rows {
		if r.TimestampMillis < prev {
			t.Fatalf("not sorted: %d after %d", r.TimestampMillis, prev)
		}
		prev = r.TimestampMillis
		if r.TradingSession.IsZero() {
			t.Fatal("session not tagged")
		}
	}
}

func TestGenerateEventsFillsBookState(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := &schema.Frame{}
	// Leading market row with no book yet, then a quote, then a bare trade
	// row missing its instrument metadata.
	bare := schema.Row{TimestampMillis: 1000, Source: "test", Symbol: "EUR/USD", SymbolID: 1, EventType: schema.EventTypeMarketData}
	f.Append(bare)
	f.Append(mdRow(2000, 1, 1.1, 1.2))
	trade := schema.Row{TimestampMillis: 3000, Source: "test", Symbol: "EUR/USD", SymbolID: 1, EventType: schema.EventTypeTrade, ContractQty: numeric.QtyFromContracts(1), Px: numeric.PxFromFloat(1.15), HasPx: true}
	f.Append(trade)
	partial := schema.Row{TimestampMillis: 4000, Source: "test", Symbol: "EUR/USD", SymbolID: 1, EventType: schema.EventTypeMarketData, Instrument: instr(), BidPx: numeric.PxFromFloat(1.11), BidQty: numeric.QtyFromContracts(50), HasBid: true}
	f.Append(partial)

	got := s.GenerateEvents(f)

	// Leading gap back-filled from the first quote.
	if !got.Rows[0].HasBid || got.Rows[0].BidPx != numeric.PxFromFloat(1.1) {
		t.Fatalf("leading row not back-filled: %+v", got.Rows[0])
	}
	// Trade row inherits forward-filled instrument metadata.
	if got.Rows[2].Instrument != instr() {
		t.Fatalf("trade metadata not filled: %+v", got.Rows[2].Instrument)
	}
	// Partial quote keeps its own bid and inherits the previous ask.
	last := got.Rows[3]
	if last.BidPx != numeric.PxFromFloat(1.11) || !last.HasAsk || last.AskPx != numeric.PxFromFloat(1.2) {
		t.Fatalf("partial quote fill = %+v", last)
	}
}

func TestClosingPricesGatedByIncludeEOD(t *testing.T) {
	closing := schema.Row{
		TimestampMillis: 2000,
		Source:          "test",
		Symbol:          "EUR/USD",
		SymbolID:        1,
		EventType:       schema.EventTypeClosingPrice,
		Instrument:      instr(),
		Px:              numeric.PxFromFloat(1.15),
		HasPx:           true,
	}

	for _, tc := range []struct {
		name    string
		include bool
		want    int
	}{
		{"dropped by default", false, 1},
		{"kept when enabled", true, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(Config{IncludeEOD: tc.include})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			f := &schema.Frame{}
			f.Append(mdRow(1000, 1, 1.1, 1.2), closing)
			if got := s.GenerateEvents(f); got.Len() != tc.want {
				t.Fatalf("len = %d, want %d", got.Len(), tc.want)
			}
		})
	}
}

func TestOrphanMigrationsDropTheSession(t *testing.T) {
	migration := func(ts int64) schema.Row {
		return schema.Row{
			TimestampMillis: ts,
			Source:          "test",
			Symbol:          "EUR/USD",
			SymbolID:        1,
			Account:         "client-1",
			EventType:       schema.EventTypeAccountMigration,
		}
	}
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A quote inside the forward window keeps the migration.
	f := &schema.Frame{}
	f.Append(migration(1000), mdRow(1000+time.Hour.Milliseconds(), 1, 1.1, 1.2))
	if got := s.GenerateEvents(f); got.Len() != 2 {
		t.Fatalf("len = %d, want migration kept", got.Len())
	}

	// No quote within three hours drops every migration in the frame.
	g := &schema.Frame{}
	g.Append(
		migration(1000),
		migration(2000),
		mdRow(1000+4*time.Hour.Milliseconds(), 1, 1.1, 1.2),
	)
	got := s.GenerateEvents(g)
	if got.Len() != 1 || got.Rows[0].EventType != schema.EventTypeMarketData {
		t.Fatalf("rows = %+v", got.Rows)
	}
}

func TestExclusionAndEndOfDayFlags(t *testing.T) {
	s, err := New(Config{ExclPeriods: []Window{{From: "10:00", To: "10:30"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Friday 2024-03-08 local times.
	inExcl := time.Date(2024, 3, 8, 10, 15, 0, 0, eastern).UnixMilli()
	outExcl := time.Date(2024, 3, 8, 10, 45, 0, 0, eastern).UnixMilli()
	eod := time.Date(2024, 3, 8, 16, 57, 0, 0, eastern).UnixMilli()
	thursdayEOD := time.Date(2024, 3, 7, 16, 57, 0, 0, eastern).UnixMilli()

	f := &schema.Frame{}
	f.Append(mdRow(inExcl, 1, 1.1, 1.2), mdRow(outExcl, 1, 1.1, 1.2), mdRow(eod, 1, 1.1, 1.2))
	g := &schema.Frame{}
	g.Append(mdRow(thursdayEOD, 1, 1.1, 1.2))

	got := s.GenerateEvents(g, f)
	byTS := make(map[int64]schema.Row)
	for _, r := range got.Rows {
		byTS[r.TimestampMillis] = r
	}
	if !byTS[inExcl].Untrusted {
		t.Fatal("row inside excl_period not untrusted")
	}
	if byTS[outExcl].Untrusted {
		t.Fatal("row outside excl_period untrusted")
	}
	if !byTS[eod].GFD || !byTS[eod].GFW {
		t.Fatalf("friday 16:57 flags = %+v", byTS[eod])
	}
	if !byTS[thursdayEOD].GFD || byTS[thursdayEOD].GFW {
		t.Fatalf("thursday 16:57 flags = %+v", byTS[thursdayEOD])
	}
}

func TestSampleKeepsOnePerBucket(t *testing.T) {
	sampler, err := NewSampler(SamplerRate, time.Second)
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	f := &schema.Frame{}
	for i := int64(0); i < 10; i++ {
		r := mdRow(1000+i*100, 1, 1.1, 1.2) // all inside one second
		r.ApplySampling = true
		f.Append(r)
	}
	passThrough := mdRow(1500, 2, 2.1, 2.2) // not marked for sampling
	f.Append(passThrough)

	got := sampler.Sample(f, time.Time{})
	kept := 0
	for _, r := range got.Rows {
		if r.SymbolID == 1 {
			kept++
		}
	}
	if kept != 1 {
		t.Fatalf("kept %d sampled rows, want 1", kept)
	}
	if got.Len() != 2 {
		t.Fatalf("len = %d", got.Len())
	}
}

func TestSnapshotEmitsSyntheticTicks(t *testing.T) {
	sampler, err := NewSampler(SamplerSnapshot, time.Second)
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	session := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	f := &schema.Frame{}
	f.Append(mdRow(10_000, 1, 1.1, 1.2))
	f.Append(mdRow(10_400, 1, 1.15, 1.25))
	f.Append(mdRow(12_500, 1, 1.3, 1.4))
	trade := schema.Row{TimestampMillis: 11_000, SymbolID: 1, EventType: schema.EventTypeTrade, ContractQty: numeric.QtyFromContracts(1)}
	f.Append(trade)

	got := sampler.Sample(f, session)

	// Ticks at 10s, 11s, 12s (as-of semantics: the 12.5s quote arrives
	// after the 12s tick) plus the pass-through trade.
	var ticks []schema.Row
	for _, r := range got.Rows {
		if r.EventType == schema.EventTypeMarketData {
			ticks = append(ticks, r)
		}
	}
	if len(ticks) != 3 {
		t.Fatalf("ticks = %d", len(ticks))
	}
	for _, tk := range ticks {
		if !tk.Synthetic || tk.TradingSession != session {
			t.Fatalf("tick not synthetic: %+v", tk)
		}
	}
	if ticks[0].TimestampMillis != 10_000 || ticks[0].BidPx != numeric.PxFromFloat(1.1) {
		t.Fatalf("first tick = %+v", ticks[0])
	}
	if ticks[1].BidPx != numeric.PxFromFloat(1.15) {
		t.Fatalf("11s tick carries %v", ticks[1].BidPx)
	}
	if ticks[2].TimestampMillis != 12_000 || ticks[2].BidPx != numeric.PxFromFloat(1.15) {
		t.Fatalf("12s tick = %+v", ticks[2])
	}
}

func TestNoSampleIdentity(t *testing.T) {
	sampler, err := NewSampler(SamplerNone, 0)
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	f := &schema.Frame{}
	f.Append(mdRow(1000, 1, 1.1, 1.2))
	if got := sampler.Sample(f, time.Time{}); got != f {
		t.Fatal("NoSample copied the frame")
	}
}

func TestBadExclWindow(t *testing.T) {
	if _, err := New(Config{ExclPeriods: []Window{{From: "ten", To: "10:30"}}}); err == nil {
		t.Fatal("expected config error")
	}
}
