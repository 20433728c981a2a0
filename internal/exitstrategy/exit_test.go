package exitstrategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

func testPosition(netContracts int64, avg float64) *portfolio.Position {
	meta := schema.Instrument{
		Currency:              "USD",
		ContractUnitOfMeasure: "EUR",
		PriceIncrement:        numeric.PxFromFloat(0.00001),
		ContractSize:          1,
		UnitPrice:             10000,
	}
	pos := portfolio.NewPosition(
		portfolio.Key{Source: "ebs", SymbolID: 12345, Account: "acct"},
		"EURUSD", meta, portfolio.NettingFIFO)
	pos.OnTrade(numeric.QtyFromContracts(netContracts), numeric.PxFromFloat(avg), decimal.NewFromInt(1))
	return pos
}

func tick(px float64) *schema.MarketData {
	return &schema.MarketData{
		Hdr:    schema.Header{TimestampMillis: 1, Source: "ebs", Symbol: "EURUSD", SymbolID: 12345},
		BidPx:  numeric.PxFromFloat(px),
		HasBid: true,
		AskPx:  numeric.PxFromFloat(px),
		HasAsk: true,
	}
}

func TestNoneNeverExits(t *testing.T) {
	pos := testPosition(1, 1.10)
	orders := None{}.GenerateExitOrders(tick(2.0), "acct", pos.AvgPrice(), numeric.PxFromFloat(2.0), pos, 0)
	if orders != nil {
		t.Fatal("None must never emit orders")
	}
}

func TestAggressiveTakeProfitAndStop(t *testing.T) {
	exit, err := New(KindAggressive, map[string]any{"stoploss": 10, "takeprofit": 20, "use_ticks": true})
	if err != nil {
		t.Fatal(err)
	}
	pos := testPosition(2, 1.10)
	avg := pos.AvgPrice()

	// Inside the band: nothing fires.
	if got := exit.GenerateExitOrders(tick(1.10005), "acct", avg, numeric.PxFromFloat(1.10005), pos, 0); len(got) != 0 {
		t.Fatalf("no exit expected inside band, got %d", len(got))
	}

	// Tick through the 20-increment target: reduce order for the full position.
	tp := exit.GenerateExitOrders(tick(1.10025), "acct", avg, numeric.PxFromFloat(1.10025), pos, 0)
	if len(tp) != 1 || tp[0].Type != schema.OrderTypeReduce {
		t.Fatalf("expected one reduce order, got %+v", tp)
	}
	if tp[0].Qty != numeric.QtyFromContracts(-2) {
		t.Fatalf("close qty = %d, want -200", tp[0].Qty)
	}

	// Tick through the stop: stop order.
	sl := exit.GenerateExitOrders(tick(1.09985), "acct", avg, numeric.PxFromFloat(1.09985), pos, 0)
	if len(sl) != 1 || sl[0].Type != schema.OrderTypeStop {
		t.Fatalf("expected one stop order, got %+v", sl)
	}
}

func TestTrailingStopRatchets(t *testing.T) {
	exit := &TrailingStopLoss{Params: TrailingParams{Limit: 10}}
	pos := testPosition(1, 1.10)

	prices := []float64{1.10005, 1.10010, 1.10020}
	var lastPeak numeric.Px
	for _, p := range prices {
		exit.GenerateExitOrders(tick(p), "acct", pos.AvgPrice(), numeric.PxFromFloat(p), pos, 0)
		if pos.Exit.TickPeak < lastPeak {
			t.Fatalf("tick peak regressed: %d < %d", pos.Exit.TickPeak, lastPeak)
		}
		lastPeak = pos.Exit.TickPeak
	}
	if pos.Exit.TrailingStop != numeric.PxFromFloat(1.10020)-10*numeric.PxFromFloat(0.00001) {
		t.Fatalf("trailing stop = %d", pos.Exit.TrailingStop)
	}

	// Adverse move through the stop closes the position.
	orders := exit.GenerateExitOrders(tick(1.10009), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.10009), pos, 0)
	if len(orders) != 1 || orders[0].Type != schema.OrderTypeStop {
		t.Fatalf("expected trailing stop close, got %+v", orders)
	}
}

func TestTrailingStopShortSide(t *testing.T) {
	exit := &TrailingStopLoss{Params: TrailingParams{Limit: 10}}
	pos := testPosition(-1, 1.10)

	exit.GenerateExitOrders(tick(1.09990), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.09990), pos, 0)
	if pos.Exit.TickPeak != numeric.PxFromFloat(1.09990) {
		t.Fatalf("short peak = %d", pos.Exit.TickPeak)
	}
	orders := exit.GenerateExitOrders(tick(1.10001), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.10001), pos, 0)
	if len(orders) != 1 || orders[0].Qty != numeric.QtyFromContracts(1) {
		t.Fatalf("short close = %+v", orders)
	}
}

func TestChaserCrossCloses(t *testing.T) {
	exit := &Chaser{Params: ChaserParams{StartTick: 10, UpTick: 5, DownTick: 2, MaxUpTick: 20, MaxDownTick: 0}}
	pos := testPosition(1, 1.10)

	// First tick arms the chaser below the entry.
	exit.GenerateExitOrders(tick(1.10000), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.10000), pos, 0)
	if !pos.Exit.HasChaser {
		t.Fatal("chaser not armed")
	}
	armed := pos.Exit.ChaserPrice
	if armed != numeric.PxFromFloat(1.10)-10*numeric.PxFromFloat(0.00001) {
		t.Fatalf("armed chaser = %d", armed)
	}

	// Favourable move pulls the chaser up.
	exit.GenerateExitOrders(tick(1.10010), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.10010), pos, 0)
	if pos.Exit.ChaserPrice <= armed {
		t.Fatal("chaser should creep upward on favourable moves")
	}

	// Collapse through the chaser: passive close at the tick.
	orders := exit.GenerateExitOrders(tick(1.09900), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.09900), pos, 0)
	if len(orders) != 1 || orders[0].Type != schema.OrderTypePassive {
		t.Fatalf("expected passive close, got %+v", orders)
	}
	if orders[0].Px != numeric.PxFromFloat(1.09900) {
		t.Fatalf("chaser closes at tick price, got %d", orders[0].Px)
	}
}

func TestProfitRunningPartialClose(t *testing.T) {
	exit := &ProfitRunning{Params: ProfitRunningParams{
		StopLoss:     50,
		TakeProfit:   10,
		CutRatio:     decimal.RequireFromString("0.25"),
		MinTradeSize: 1,
	}}
	pos := testPosition(10, 1.10)

	orders := exit.GenerateExitOrders(tick(1.10010), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.10010), pos, 0)
	if len(orders) != 1 {
		t.Fatalf("expected partial close, got %d orders", len(orders))
	}
	// ceil(10 * 0.25) = 3 contracts, closing side.
	if orders[0].Qty != numeric.QtyFromContracts(-3) {
		t.Fatalf("partial qty = %d, want -300", orders[0].Qty)
	}
	// All lots repriced to the breached target.
	tp := numeric.PxFromFloat(1.10) + 10*numeric.PxFromFloat(0.00001)
	for _, lot := range pos.Lots {
		if lot.RunningPrice != tp {
			t.Fatalf("running price = %d, want %d", lot.RunningPrice, tp)
		}
	}

	// Stop breach closes the full position.
	stop := exit.GenerateExitOrders(tick(1.09900), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.09900), pos, 0)
	if len(stop) != 1 || stop[0].Qty != numeric.QtyFromContracts(-10) {
		t.Fatalf("full close = %+v", stop)
	}
}

func TestPassiveTouchClose(t *testing.T) {
	exit := &Passive{Params: PassiveParams{SkewBy: 5}}
	pos := testPosition(1, 1.10)

	// First tick stores the skewed level.
	exit.GenerateExitOrders(tick(1.10000), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.10000), pos, 0)
	want := numeric.PxFromFloat(1.10000) + 5*numeric.PxFromFloat(0.00001)
	if pos.Exit.LastPrice != want {
		t.Fatalf("stored level = %d, want %d", pos.Exit.LastPrice, want)
	}

	// Bid through the level closes.
	orders := exit.GenerateExitOrders(tick(1.10006), "acct", pos.AvgPrice(), numeric.PxFromFloat(1.10006), pos, 0)
	if len(orders) != 1 || orders[0].Px != want {
		t.Fatalf("expected passive close at stored level, got %+v", orders)
	}
}

func TestExitRegistry(t *testing.T) {
	if _, err := New(KindNone, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := New("martingale", nil); err == nil {
		t.Fatal("unknown exit kind must error")
	}
}
