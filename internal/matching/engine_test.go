package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

func quote(bid, ask float64, bidQty, askQty int64) *schema.MarketData {
	return &schema.MarketData{
		Hdr: schema.Header{TimestampMillis: 1, Source: "ebs", Symbol: "EURUSD", SymbolID: 12345},
		Instrument: schema.Instrument{
			PriceIncrement: numeric.PxFromFloat(0.00001),
			ContractSize:   1,
			UnitPrice:      10000,
		},
		BidPx: numeric.PxFromFloat(bid), HasBid: true, BidQty: numeric.QtyFromContracts(bidQty),
		AskPx: numeric.PxFromFloat(ask), HasAsk: true, AskQty: numeric.QtyFromContracts(askQty),
	}
}

func TestDefaultFullFill(t *testing.T) {
	eng, err := New(KindDefault, schema.MatchSideOfBook, nil)
	if err != nil {
		t.Fatal(err)
	}
	o := schema.NewOrder(1, "ebs", "EURUSD", 12345, "acct", numeric.QtyFromContracts(-1), schema.OrderTypeNormal)

	trades := eng.MatchOrder(quote(1.10002, 1.10004, 100, 100), o)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	// Short order prices via is_long = !order.is_long => the ask.
	if trades[0].Px != numeric.PxFromFloat(1.10004) {
		t.Fatalf("price = %d, want ask", trades[0].Px)
	}
	if trades[0].ContractQty != numeric.QtyFromContracts(-1) {
		t.Fatalf("qty = %d", trades[0].ContractQty)
	}
	if o.UnfilledQty != 0 || !o.Filled {
		t.Fatalf("order must be fully filled, unfilled=%d", o.UnfilledQty)
	}
}

func TestDefaultNoPriceNoFill(t *testing.T) {
	eng := &Default{Method: schema.MatchMidPrice}
	o := schema.NewOrder(1, "ebs", "EURUSD", 12345, "acct", numeric.QtyFromContracts(1), schema.OrderTypeNormal)
	mig := &schema.AccountMigration{Hdr: schema.Header{TimestampMillis: 1, SymbolID: 12345}}
	if trades := eng.MatchOrder(mig, o); trades != nil {
		t.Fatal("migration events cannot price an order")
	}
	if o.Filled {
		t.Fatal("order must stay unfilled")
	}
}

func TestTOBCapsReduceOrders(t *testing.T) {
	eng := &TOB{Method: schema.MatchSideOfBook}
	o := schema.NewOrder(1, "ebs", "EURUSD", 12345, "acct", numeric.QtyFromContracts(5), schema.OrderTypeReduce)
	o.TIF = schema.TIFKillOnFill

	trades := eng.MatchOrder(quote(1.10002, 1.10004, 100, 2), o)
	if len(trades) != 1 || trades[0].ContractQty != numeric.QtyFromContracts(2) {
		t.Fatalf("expected capped fill of 2 contracts, got %+v", trades)
	}
	if !o.Cancelled {
		t.Fatal("kill-on-fill order must cancel after its first fill")
	}
	if o.UnfilledQty != numeric.QtyFromContracts(3) {
		t.Fatalf("unfilled = %d, want 300", o.UnfilledQty)
	}
}

func TestTOBNormalOrderNotCapped(t *testing.T) {
	eng := &TOB{Method: schema.MatchSideOfBook}
	o := schema.NewOrder(1, "ebs", "EURUSD", 12345, "acct", numeric.QtyFromContracts(5), schema.OrderTypeNormal)
	trades := eng.MatchOrder(quote(1.10002, 1.10004, 100, 2), o)
	if len(trades) != 1 || trades[0].ContractQty != numeric.QtyFromContracts(5) {
		t.Fatalf("normal orders fill in full, got %+v", trades)
	}
}

type staticLoader struct {
	models map[int64]*DepthModel
}

func (s staticLoader) Load(context.Context, time.Time) (map[int64]*DepthModel, error) {
	return s.models, nil
}

func TestDistributionStopWalk(t *testing.T) {
	model := &DepthModel{
		PipDepth:          []int64{0, 1, 2, 3},
		ContractsAtSpread: 100,
		Scaling: []decimal.Decimal{
			decimal.NewFromInt(1),
			decimal.RequireFromString("1.5"),
			decimal.NewFromInt(2),
			decimal.RequireFromString("2.5"),
		},
	}
	eng, err := New(KindDistribution, schema.MatchSideOfBook, staticLoader{models: map[int64]*DepthModel{12345: model}})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.(DayModelled).LoadDayModel(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}

	o := schema.NewOrder(1, "ebs", "EURUSD", 12345, "acct", numeric.QtyFromContracts(500), schema.OrderTypeStop)
	md := quote(1.10002, 1.10004, 100, 100)
	trades := eng.MatchOrder(md, o)

	inc := md.Instrument.PriceIncrement
	// Pricing uses is_long = !order.is_long, so the long stop resolves at the bid.
	base := numeric.PxFromFloat(1.10002)
	want := []struct {
		qty int64
		px  numeric.Px
	}{
		{100, base},
		{150, base + inc},
		{200, base + 2*inc},
		{50, base + 3*inc},
	}
	if len(trades) != len(want) {
		t.Fatalf("fills = %d, want %d", len(trades), len(want))
	}
	for i, w := range want {
		if trades[i].ContractQty != numeric.QtyFromContracts(w.qty) || trades[i].Px != w.px {
			t.Fatalf("fill %d = (%d, %d), want (%d, %d)",
				i, trades[i].ContractQty, trades[i].Px, numeric.QtyFromContracts(w.qty), w.px)
		}
	}
	if o.UnfilledQty != 0 || !o.Filled {
		t.Fatalf("stop should be exhausted, unfilled=%d", o.UnfilledQty)
	}
}

func TestDistributionSmallStopFillsAtTOB(t *testing.T) {
	model := &DepthModel{
		PipDepth:          []int64{0, 1},
		ContractsAtSpread: 100,
		Scaling:           []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2)},
	}
	eng := &Distribution{Method: schema.MatchSideOfBook, Loader: staticLoader{}}
	eng.models = map[int64]*DepthModel{12345: model}

	o := schema.NewOrder(1, "ebs", "EURUSD", 12345, "acct", numeric.QtyFromContracts(50), schema.OrderTypeStop)
	trades := eng.MatchOrder(quote(1.10002, 1.10004, 100, 100), o)
	if len(trades) != 1 || trades[0].ContractQty != numeric.QtyFromContracts(50) {
		t.Fatalf("small stop should fill at TOB in one trade, got %+v", trades)
	}
}

func TestUnknownEngineKind(t *testing.T) {
	if _, err := New("limit", schema.MatchSideOfBook, nil); err == nil {
		t.Fatal("unknown engine kind must error")
	}
}
