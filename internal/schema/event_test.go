package schema

import (
	"testing"
	"time"

	"github.com/coachpo/backsim/internal/numeric"
)

func TestMarketDataPrice(t *testing.T) {
	quote := &MarketData{
		BidPx: numeric.PxFromFloat(1.10002), HasBid: true,
		AskPx: numeric.PxFromFloat(1.10004), HasAsk: true,
	}

	cases := []struct {
		name   string
		isLong bool
		method MatchingMethod
		want   numeric.Px
	}{
		{"side-of-book long hits ask", true, MatchSideOfBook, numeric.PxFromFloat(1.10004)},
		{"side-of-book short hits bid", false, MatchSideOfBook, numeric.PxFromFloat(1.10002)},
		{"mid price long", true, MatchMidPrice, numeric.PxFromFloat(1.10003)},
		{"mid price short", false, MatchMidPrice, numeric.PxFromFloat(1.10003)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := quote.Price(tc.isLong, tc.method)
			if !ok || got != tc.want {
				t.Fatalf("Price = %d ok=%v, want %d", got, ok, tc.want)
			}
		})
	}
}

func TestMarketDataPriceOneSided(t *testing.T) {
	askOnly := &MarketData{AskPx: 1_100_000, HasAsk: true}
	if px, ok := askOnly.Price(false, MatchSideOfBook); !ok || px != 1_100_000 {
		t.Fatalf("one-sided quote should fall back to available side, got %d ok=%v", px, ok)
	}
	empty := &MarketData{}
	if _, ok := empty.Price(true, MatchMidPrice); ok {
		t.Fatal("empty quote should not price")
	}
	if empty.HasPrice() {
		t.Fatal("empty quote claims HasPrice")
	}
}

func TestSessionClock(t *testing.T) {
	clock, err := NewSessionClock("", 0)
	if err != nil {
		t.Fatalf("NewSessionClock: %v", err)
	}

	cases := []struct {
		name string
		ts   string
		want string
	}{
		{"morning stays same day", "2024-03-11T10:00:00-04:00", "2024-03-11"},
		{"after boundary rolls forward", "2024-03-11T17:30:00-04:00", "2024-03-12"},
		{"friday evening rolls to monday", "2024-03-15T17:30:00-04:00", "2024-03-18"},
		{"saturday rolls to monday", "2024-03-16T09:00:00-04:00", "2024-03-18"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts, err := time.Parse(time.RFC3339, tc.ts)
			if err != nil {
				t.Fatal(err)
			}
			got := clock.Session(ts.UnixMilli())
			if DateString(got) != tc.want {
				t.Fatalf("Session = %s, want %s", DateString(got), tc.want)
			}
		})
	}
}

func TestOrderFill(t *testing.T) {
	o := NewOrder(0, "ebs", "EURUSD", 12345, "acct", numeric.QtyFromContracts(5), OrderTypeNormal)
	if o.UnfilledQty != numeric.QtyFromContracts(5) {
		t.Fatalf("unfilled init = %d", o.UnfilledQty)
	}
	o.Fill(numeric.QtyFromContracts(2))
	if o.UnfilledQty != numeric.QtyFromContracts(3) || o.Filled {
		t.Fatalf("after partial: unfilled=%d filled=%v", o.UnfilledQty, o.Filled)
	}
	o.Fill(numeric.QtyFromContracts(3))
	if o.UnfilledQty != 0 || !o.Filled {
		t.Fatalf("after full: unfilled=%d filled=%v", o.UnfilledQty, o.Filled)
	}
}

func TestOrderFillShort(t *testing.T) {
	o := NewOrder(0, "ebs", "EURUSD", 12345, "acct", numeric.QtyFromContracts(-4), OrderTypeNormal)
	o.Fill(numeric.QtyFromContracts(-1))
	if o.UnfilledQty != numeric.QtyFromContracts(-3) {
		t.Fatalf("short partial: unfilled=%d", o.UnfilledQty)
	}
	o.Fill(numeric.QtyFromContracts(-9))
	if o.UnfilledQty != 0 || !o.Filled {
		t.Fatal("overshoot should clamp to zero and mark filled")
	}
}

func TestFrameSortStable(t *testing.T) {
	f := &Frame{}
	f.Append(
		Row{TimestampMillis: 2, Symbol: "A"},
		Row{TimestampMillis: 1, Symbol: "B"},
		Row{TimestampMillis: 2, Symbol: "C"},
	)
	f.SortStable()
	got := []string{f.Rows[0].Symbol, f.Rows[1].Symbol, f.Rows[2].Symbol}
	want := []string{"B", "A", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted order = %v, want %v", got, want)
		}
	}
}

func TestRowEventVariants(t *testing.T) {
	trade := Row{EventType: EventTypeTrade, Px: 42, ContractQty: 100}
	if _, ok := trade.Event().(*TradeEvent); !ok {
		t.Fatal("trade row should build TradeEvent")
	}
	closing := Row{EventType: EventTypeClosingPrice, Px: 42}
	if _, ok := closing.Event().(*ClosingPrice); !ok {
		t.Fatal("closing row should build ClosingPrice")
	}
	mig := Row{EventType: EventTypeAccountMigration}
	if _, ok := mig.Event().(*AccountMigration); !ok {
		t.Fatal("migration row should build AccountMigration")
	}
	md := Row{EventType: EventTypeMarketData, BidPx: 1, HasBid: true}
	if _, ok := md.Event().(*MarketData); !ok {
		t.Fatal("market row should build MarketData")
	}
}
