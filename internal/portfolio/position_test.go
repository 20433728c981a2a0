package portfolio

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

var one = decimal.NewFromInt(1)

func newTestPosition(netting NettingEngine) *Position {
	meta := schema.Instrument{
		Currency:              "USD",
		ContractUnitOfMeasure: "EUR",
		PriceIncrement:        numeric.PxFromFloat(0.00001),
		ContractSize:          1,
		UnitPrice:             10000,
	}
	return NewPosition(Key{Source: "ebs", SymbolID: 12345, Account: "12345678"}, "EURUSD", meta, netting)
}

func TestFIFOCloseThrough(t *testing.T) {
	pos := newTestPosition(NettingFIFO)

	trades := []struct {
		qty float64
		px  float64
	}{
		{1.00, 1.10},
		{1.00, 1.20},
		{-0.10, 1.30},
		{-0.50, 1.40},
	}
	for _, tr := range trades {
		pos.OnTrade(numeric.QtyFromFloat(tr.qty), numeric.PxFromFloat(tr.px), one)
	}

	if pos.NetPosition != 140 {
		t.Fatalf("net position = %d, want 140", pos.NetPosition)
	}
	if len(pos.Lots) != 2 {
		t.Fatalf("open lots = %d, want 2", len(pos.Lots))
	}
	if pos.Lots[0].Quantity != 40 || pos.Lots[0].Price != numeric.PxFromFloat(1.10) {
		t.Fatalf("first lot = (%d, %d), want (40, 1100000)", pos.Lots[0].Quantity, pos.Lots[0].Price)
	}
	if pos.Lots[1].Quantity != 100 || pos.Lots[1].Price != numeric.PxFromFloat(1.20) {
		t.Fatalf("second lot = (%d, %d), want (100, 1200000)", pos.Lots[1].Quantity, pos.Lots[1].Price)
	}
	// 0.10 closed at 1.30 against 1.10 and 0.50 closed at 1.40 against 1.10.
	want := decimal.RequireFromString("200").Add(decimal.RequireFromString("1500"))
	if !pos.RealisedPnL.Equal(want) {
		t.Fatalf("realised = %s, want %s", pos.RealisedPnL, want)
	}
}

func TestLIFOConsumesNewestFirst(t *testing.T) {
	pos := newTestPosition(NettingLIFO)
	pos.OnTrade(numeric.QtyFromFloat(1), numeric.PxFromFloat(1.10), one)
	pos.OnTrade(numeric.QtyFromFloat(1), numeric.PxFromFloat(1.20), one)
	pos.OnTrade(numeric.QtyFromFloat(-1), numeric.PxFromFloat(1.30), one)

	if len(pos.Lots) != 1 || pos.Lots[0].Price != numeric.PxFromFloat(1.10) {
		t.Fatalf("LIFO should keep the 1.10 lot, got %+v", pos.Lots[0])
	}
	// One contract closed at 1.30 against the 1.20 lot.
	if !pos.RealisedPnL.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("realised = %s, want 1000", pos.RealisedPnL)
	}
}

func TestFIFOInversion(t *testing.T) {
	pos := newTestPosition(NettingFIFO)
	pos.OnTrade(numeric.QtyFromFloat(1), numeric.PxFromFloat(1.10), one)
	pos.OnTrade(numeric.QtyFromFloat(-3), numeric.PxFromFloat(1.20), one)

	if pos.NetPosition != numeric.QtyFromFloat(-2) {
		t.Fatalf("net = %d, want -200", pos.NetPosition)
	}
	if len(pos.Lots) != 1 || pos.Lots[0].Quantity != numeric.QtyFromFloat(-2) || pos.Lots[0].Price != numeric.PxFromFloat(1.20) {
		t.Fatalf("remainder lot = %+v", pos.Lots[0])
	}
	if !pos.RealisedPnL.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("realised = %s, want 1000", pos.RealisedPnL)
	}
}

func TestAvgPriceMergeAndClose(t *testing.T) {
	pos := newTestPosition(NettingAvgPrice)
	pos.OnTrade(numeric.QtyFromFloat(1), numeric.PxFromFloat(1.10), one)
	pos.OnTrade(numeric.QtyFromFloat(1), numeric.PxFromFloat(1.20), one)

	if len(pos.Lots) != 1 {
		t.Fatalf("avg price must hold a single lot, got %d", len(pos.Lots))
	}
	if pos.Lots[0].Price != numeric.PxFromFloat(1.15) {
		t.Fatalf("merged price = %d, want 1150000", pos.Lots[0].Price)
	}

	pos.OnTrade(numeric.QtyFromFloat(-2), numeric.PxFromFloat(1.25), one)
	if len(pos.Lots) != 0 || pos.NetPosition != 0 {
		t.Fatalf("position should be flat, lots=%d net=%d", len(pos.Lots), pos.NetPosition)
	}
	// 2 contracts closed, delta 1.15-1.25 = -0.10, realized qty -200:
	// -200 * -100000 * 10000 / 1e8 = 2000.
	if !pos.RealisedPnL.Equal(decimal.RequireFromString("2000")) {
		t.Fatalf("realised = %s, want 2000", pos.RealisedPnL)
	}
}

func TestAvgPricePartialAndInvert(t *testing.T) {
	pos := newTestPosition(NettingAvgPrice)
	pos.OnTrade(numeric.QtyFromFloat(2), numeric.PxFromFloat(1.10), one)
	pos.OnTrade(numeric.QtyFromFloat(-1), numeric.PxFromFloat(1.20), one)

	if pos.Lots[0].Quantity != numeric.QtyFromFloat(1) {
		t.Fatalf("partial close lot qty = %d", pos.Lots[0].Quantity)
	}
	if !pos.RealisedPnL.Equal(decimal.RequireFromString("1000")) {
		t.Fatalf("realised after partial = %s, want 1000", pos.RealisedPnL)
	}

	pos.OnTrade(numeric.QtyFromFloat(-3), numeric.PxFromFloat(1.30), one)
	if pos.NetPosition != numeric.QtyFromFloat(-2) {
		t.Fatalf("net after invert = %d", pos.NetPosition)
	}
	if len(pos.Lots) != 1 || pos.Lots[0].Price != numeric.PxFromFloat(1.30) {
		t.Fatalf("inverted lot = %+v", pos.Lots[0])
	}
}

func TestNettingInvariants(t *testing.T) {
	engines := []NettingEngine{NettingFIFO, NettingLIFO, NettingAvgPrice}
	rng := rand.New(rand.NewSource(7))

	for _, engine := range engines {
		t.Run(string(engine), func(t *testing.T) {
			pos := newTestPosition(engine)
			var sum numeric.Qty
			for i := 0; i < 500; i++ {
				qty := numeric.Qty((rng.Intn(9) - 4) * 50)
				if qty == 0 {
					continue
				}
				px := numeric.PxFromFloat(1.0 + rng.Float64()/10)
				sum += qty
				pos.OnTrade(qty, px, one)

				var lotSum numeric.Qty
				for _, lot := range pos.Lots {
					lotSum += lot.Quantity
				}
				if lotSum != pos.NetPosition {
					t.Fatalf("lot sum %d != net %d", lotSum, pos.NetPosition)
				}
				if engine == NettingAvgPrice {
					if len(pos.Lots) > 1 {
						t.Fatalf("avg price holds %d lots", len(pos.Lots))
					}
				} else {
					for _, lot := range pos.Lots {
						if pos.NetPosition != 0 && !numeric.SameSign(lot.Quantity, pos.NetPosition) {
							t.Fatalf("lot sign %d disagrees with net %d", lot.Quantity, pos.NetPosition)
						}
					}
				}
			}
			if pos.NetPosition != sum {
				t.Fatalf("net %d != trade sum %d", pos.NetPosition, sum)
			}
		})
	}
}

func TestSplitFillInvariance(t *testing.T) {
	whole := newTestPosition(NettingFIFO)
	whole.OnTrade(numeric.QtyFromFloat(2), numeric.PxFromFloat(1.10), one)
	whole.OnTrade(numeric.QtyFromFloat(-2), numeric.PxFromFloat(1.30), one)

	split := newTestPosition(NettingFIFO)
	split.OnTrade(numeric.QtyFromFloat(2), numeric.PxFromFloat(1.10), one)
	split.OnTrade(numeric.QtyFromFloat(-1), numeric.PxFromFloat(1.30), one)
	split.OnTrade(numeric.QtyFromFloat(-1), numeric.PxFromFloat(1.30), one)

	if !whole.RealisedPnL.Equal(split.RealisedPnL) {
		t.Fatalf("split realised %s != whole %s", split.RealisedPnL, whole.RealisedPnL)
	}
}

func TestMarkToMarket(t *testing.T) {
	pos := newTestPosition(NettingFIFO)
	pos.OnTrade(numeric.QtyFromFloat(-1), numeric.PxFromFloat(1.10004), one)

	upnl := pos.MarkToMarket(numeric.PxFromFloat(1.10006), one)
	if !upnl.Equal(decimal.RequireFromString("-0.2")) {
		t.Fatalf("upnl = %s, want -0.2", upnl)
	}
}
