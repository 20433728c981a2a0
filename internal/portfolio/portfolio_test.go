package portfolio

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

func eurusdMeta() schema.Instrument {
	return schema.Instrument{
		Currency:              "USD",
		ContractUnitOfMeasure: "EUR",
		PriceIncrement:        numeric.PxFromFloat(0.00001),
		ContractSize:          1,
		UnitPrice:             10000,
	}
}

func internalTrade(qty float64, px float64) *schema.Trade {
	return &schema.Trade{
		TimestampMillis: 1,
		Source:          "ebs",
		Symbol:          "EURUSD",
		SymbolID:        12345,
		Account:         "12345678",
		ContractQty:     numeric.QtyFromFloat(qty),
		Px:              numeric.PxFromFloat(px),
		RateToUSD:       decimal.NewFromInt(1),
		Instrument:      eurusdMeta(),
	}
}

func TestOnTradeOpensPosition(t *testing.T) {
	pf := New(NettingFIFO, schema.MatchSideOfBook, false)
	pf.OnTrade(internalTrade(-1, 1.10004), nil, decimal.Zero)

	key := Key{Source: "ebs", SymbolID: 12345, Account: "12345678"}
	pos, ok := pf.Position(key)
	if !ok {
		t.Fatal("position not opened")
	}
	if pos.NetPosition != numeric.QtyFromContracts(-1) {
		t.Fatalf("net = %d", pos.NetPosition)
	}
	if pf.InventoryContracts["EUR"] != numeric.QtyFromContracts(-1) {
		t.Fatalf("inventory contracts = %d", pf.InventoryContracts["EUR"])
	}
	if !pf.InventoryDollars["EUR"].Equal(decimal.RequireFromString("-11000.4")) {
		t.Fatalf("inventory dollars = %s, want -11000.4", pf.InventoryDollars["EUR"])
	}
	// Short trade credits cash by the contract-size notional.
	if !pf.Cash.Equal(decimal.RequireFromString("1.10004")) {
		t.Fatalf("cash = %s, want 1.10004", pf.Cash)
	}
}

func TestFlatPositionRetires(t *testing.T) {
	pf := New(NettingFIFO, schema.MatchSideOfBook, false)
	pf.OnTrade(internalTrade(1, 1.10), nil, decimal.Zero)
	pf.OnTrade(internalTrade(-1, 1.20), nil, decimal.Zero)

	if !pf.Empty() {
		t.Fatal("flat position should leave the open map")
	}
	key := Key{Source: "ebs", SymbolID: 12345, Account: "12345678"}
	closed, ok := pf.Closed[key]
	if !ok {
		t.Fatal("flat position should be retained in closed map")
	}
	if !closed.RealisedPnL.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("closed realised = %s", closed.RealisedPnL)
	}
	if !pf.RealisedPnL.Equal(pf.RealisedTotal()) {
		t.Fatalf("portfolio realised %s != total %s", pf.RealisedPnL, pf.RealisedTotal())
	}
}

func TestReviveWipesExitState(t *testing.T) {
	pf := New(NettingFIFO, schema.MatchSideOfBook, false)
	pf.OnTrade(internalTrade(1, 1.10), nil, decimal.Zero)

	key := Key{Source: "ebs", SymbolID: 12345, Account: "12345678"}
	pos := pf.Positions[key]
	pos.Exit.HasTickPeak = true
	pos.Exit.TickPeak = numeric.PxFromFloat(1.15)

	pf.OnTrade(internalTrade(-1, 1.20), nil, decimal.Zero)
	pf.OnTrade(internalTrade(1, 1.25), nil, decimal.Zero)

	revived := pf.Positions[key]
	if revived != pos {
		t.Fatal("revive should reuse the closed position")
	}
	if revived.Exit.HasTickPeak {
		t.Fatal("revived position must start with a clean exit scratchpad")
	}
	// Realized P&L carries across the flat gap.
	if !revived.RealisedPnL.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("revived realised = %s", revived.RealisedPnL)
	}
}

func TestUpdatePortfolio(t *testing.T) {
	pf := New(NettingFIFO, schema.MatchSideOfBook, false)
	pf.OnTrade(internalTrade(-1, 1.10004), nil, decimal.Zero)

	evt := &schema.ClosingPrice{
		Hdr:        schema.Header{TimestampMillis: 2, Source: "ebs", SymbolID: 12345},
		Instrument: eurusdMeta(),
		Px:         numeric.PxFromFloat(1.10006),
		RateToUSD:  decimal.NewFromInt(1),
	}
	pf.UpdatePortfolio(evt)

	if !pf.UnrealisedPnL.Equal(decimal.RequireFromString("-0.2")) {
		t.Fatalf("upnl = %s, want -0.2", pf.UnrealisedPnL)
	}
	if !pf.Equity.Equal(decimal.RequireFromString("-0.2")) {
		t.Fatalf("equity = %s, want -0.2", pf.Equity)
	}
}

func TestUpdatePortfolioKeepsMarksThroughUnpricedEvents(t *testing.T) {
	pf := New(NettingFIFO, schema.MatchSideOfBook, false)
	pf.OnTrade(internalTrade(-1, 1.10003), nil, decimal.Zero)

	quote := &schema.ClosingPrice{
		Hdr:        schema.Header{TimestampMillis: 2, Source: "ebs", SymbolID: 12345},
		Instrument: eurusdMeta(),
		Px:         numeric.PxFromFloat(1.10006),
		RateToUSD:  decimal.NewFromInt(1),
	}
	pf.UpdatePortfolio(quote)
	if !pf.UnrealisedPnL.Equal(decimal.RequireFromString("-0.3")) {
		t.Fatalf("upnl after quote = %s, want -0.3", pf.UnrealisedPnL)
	}

	// A migration carries no price; the last mark stays in force.
	migration := &schema.AccountMigration{
		Hdr:            schema.Header{TimestampMillis: 3, Source: "ebs", SymbolID: 12345, Account: "12345678"},
		Instrument:     eurusdMeta(),
		BookingRisk:    decimal.NewFromInt(1),
		HasBookingRisk: true,
	}
	pf.UpdatePortfolio(migration)
	if !pf.UnrealisedPnL.Equal(decimal.RequireFromString("-0.3")) {
		t.Fatalf("upnl after migration = %s, want -0.3", pf.UnrealisedPnL)
	}

	// A quote on another symbol leaves this symbol's mark untouched too.
	other := &schema.ClosingPrice{
		Hdr:        schema.Header{TimestampMillis: 4, Source: "ebs", SymbolID: 777},
		Instrument: eurusdMeta(),
		Px:         numeric.PxFromFloat(9.99),
		RateToUSD:  decimal.NewFromInt(1),
	}
	pf.UpdatePortfolio(other)
	if !pf.UnrealisedPnL.Equal(decimal.RequireFromString("-0.3")) {
		t.Fatalf("upnl after other-symbol quote = %s, want -0.3", pf.UnrealisedPnL)
	}
}

func TestOrderingIndependence(t *testing.T) {
	// Same-timestamp trades for distinct keys commute.
	mk := func(order []int) *Portfolio {
		pf := New(NettingFIFO, schema.MatchSideOfBook, false)
		trades := []*schema.Trade{
			internalTrade(1, 1.10),
			func() *schema.Trade { tr := internalTrade(-2, 1.20); tr.Account = "other"; return tr }(),
			func() *schema.Trade { tr := internalTrade(3, 1.30); tr.Source = "cme"; return tr }(),
		}
		for _, i := range order {
			pf.OnTrade(trades[i], nil, decimal.Zero)
		}
		return pf
	}
	a := mk([]int{0, 1, 2})
	b := mk([]int{2, 0, 1})

	for key, pos := range a.Positions {
		other, ok := b.Positions[key]
		if !ok {
			t.Fatalf("missing key %+v in permuted run", key)
		}
		if pos.NetPosition != other.NetPosition || !pos.RealisedPnL.Equal(other.RealisedPnL) {
			t.Fatalf("state diverged for %+v", key)
		}
	}
}
