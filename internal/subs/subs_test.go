package subs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

func sampleRows() []schema.Row {
	return []schema.Row{
		{
			TimestampMillis: 1000,
			Source:          "test",
			Symbol:          "EUR/USD",
			SymbolID:        7,
			EventType:       schema.EventTypeMarketData,
			BidPx:           numeric.PxFromFloat(1.10002),
			AskPx:           numeric.PxFromFloat(1.10004),
			HasBid:          true,
			HasAsk:          true,
			BidQty:          numeric.QtyFromContracts(100),
			AskQty:          numeric.QtyFromContracts(150),
			RateToUSD:       decimal.NewFromInt(1),
			Instrument: schema.Instrument{
				Currency:              "USD",
				ContractUnitOfMeasure: "EUR",
				PriceIncrement:        numeric.PxFromFloat(0.00001),
				ContractSize:          100_000,
				UnitPrice:             100_000,
			},
		},
		{
			TimestampMillis: 2000,
			Source:          "test",
			Symbol:          "EUR/USD",
			SymbolID:        7,
			Account:         "client-1",
			EventType:       schema.EventTypeTrade,
			Px:              numeric.PxFromFloat(1.10004),
			HasPx:           true,
			ContractQty:     numeric.QtyFromContracts(2),
			OrderID:         "ord-1",
			RateToUSD:       decimal.NewFromInt(1),
		},
	}
}

func TestRowsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EUR-USD.csv")
	if err := WriteRowsCSV(path, sampleRows()); err != nil {
		t.Fatalf("WriteRowsCSV: %v", err)
	}
	got, err := ReadRowsCSV(path)
	if err != nil {
		t.Fatalf("ReadRowsCSV: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d", len(got))
	}
	md := got[0]
	if !md.HasBid || md.BidPx != numeric.PxFromFloat(1.10002) || md.AskQty != numeric.QtyFromContracts(150) {
		t.Fatalf("market row = %+v", md)
	}
	if md.HasPx {
		t.Fatal("absent price parsed as present")
	}
	if md.Instrument.ContractSize != 100_000 || md.Instrument.PriceIncrement != numeric.PxFromFloat(0.00001) {
		t.Fatalf("instrument = %+v", md.Instrument)
	}
	tr := got[1]
	if tr.EventType != schema.EventTypeTrade || tr.ContractQty != numeric.QtyFromContracts(2) || tr.OrderID != "ord-1" {
		t.Fatalf("trade row = %+v", tr)
	}
	if tr.HasBid || tr.HasAsk {
		t.Fatal("trade row grew book sides")
	}
}

// countingSub serves canned rows and counts range fetches.
type countingSub struct {
	rows map[string][]schema.Row
	gets int
}

func (s *countingSub) Name() string { return "fake" }
func (s *countingSub) Subscribe(context.Context) error { return nil }
func (s *countingSub) LoadBySession() bool { return true }

func (s *countingSub) Get(_ context.Context, _, _ time.Time, instruments []string, _ string) (*schema.Frame, error) {
	s.gets++
	out := &schema.Frame{}
	for _, symbol := range instruments {
		out.Append(s.rows[symbol]...)
	}
	return out, nil
}

func TestCacheFillsOnceThenHits(t *testing.T) {
	day := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	sub := &countingSub{rows: map[string][]schema.Row{"EUR/USD": sampleRows()}}
	cache := NewCache(t.TempDir(), "entry-1")

	got, err := cache.Load(context.Background(), sub, day, []string{"EUR/USD"}, "1s")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Len() != 2 || sub.gets != 1 {
		t.Fatalf("first load: len %d gets %d", got.Len(), sub.gets)
	}

	got, err = cache.Load(context.Background(), sub, day, []string{"EUR/USD"}, "1s")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Len() != 2 || sub.gets != 1 {
		t.Fatalf("cached load: len %d gets %d", got.Len(), sub.gets)
	}

	if missing := cache.Missing("fake", day, []string{"EUR/USD", "GBP/USD"}, "1s"); len(missing) != 1 || missing[0] != "GBP/USD" {
		t.Fatalf("missing = %v", missing)
	}
}

// A symbol with no rows for the session still caches an empty file, so the
// subscription is not re-queried for it.
func TestCacheRemembersEmptySessions(t *testing.T) {
	day := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	sub := &countingSub{rows: map[string][]schema.Row{}}
	cache := NewCache(t.TempDir(), "entry-1")

	if _, err := cache.Load(context.Background(), sub, day, []string{"GBP/USD"}, "1s"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cache.Load(context.Background(), sub, day, []string{"GBP/USD"}, "1s"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sub.gets != 1 {
		t.Fatalf("gets = %d", sub.gets)
	}
}

func TestCSVSubscriptionReadsLayout(t *testing.T) {
	root := t.TempDir()
	day := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(root, schema.DateString(day), "EUR-USD.csv")
	if err := WriteRowsCSV(path, sampleRows()); err != nil {
		t.Fatalf("WriteRowsCSV: %v", err)
	}

	sub := &CSVSubscription{SubName: "md", Root: root, PerDay: true}
	if err := sub.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	got, err := sub.Get(context.Background(), day, day, []string{"EUR/USD", "GBP/USD"}, "1s")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("len = %d", got.Len())
	}
	if got.Rows[0].TimestampMillis > got.Rows[1].TimestampMillis {
		t.Fatal("rows not sorted")
	}
}
