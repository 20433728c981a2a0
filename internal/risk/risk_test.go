package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

func testOrder(ts int64, contracts float64, px float64) *schema.Order {
	o := schema.NewOrder(ts, "test", "EUR/USD", 7, "venue-1", numeric.QtyFromFloat(contracts), schema.OrderTypeNormal)
	o.Instrument = schema.Instrument{ContractSize: 100_000, UnitPrice: 100_000}
	o.SetPrice(numeric.PxFromFloat(px))
	return o
}

func TestNoneAdmitsEverything(t *testing.T) {
	m, err := New(KindNone, Limits{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pf := portfolio.New(portfolio.NettingFIFO, schema.MatchSideOfBook, false)
	if err := m.AssessOrder(testOrder(1000, 1e9, 1.1), pf); err != nil {
		t.Fatalf("AssessOrder: %v", err)
	}
}

func TestLimitMaxOrderQty(t *testing.T) {
	m := NewLimit(Limits{MaxOrderQty: 10})
	pf := portfolio.New(portfolio.NettingFIFO, schema.MatchSideOfBook, false)
	if err := m.AssessOrder(testOrder(1000, 10, 1.1), pf); err != nil {
		t.Fatalf("at the cap: %v", err)
	}
	if err := m.AssessOrder(testOrder(2000, -11, 1.1), pf); err == nil {
		t.Fatal("expected veto above the cap")
	} else if code, _ := errs.CodeOf(err); code != errs.CodeSimulation {
		t.Fatalf("code = %v", code)
	}
}

func TestLimitMaxPositionSize(t *testing.T) {
	m := NewLimit(Limits{MaxPositionSize: 5})
	pf := portfolio.New(portfolio.NettingFIFO, schema.MatchSideOfBook, false)

	open := testOrder(1000, 4, 1.1)
	if err := m.AssessOrder(open, pf); err != nil {
		t.Fatalf("open: %v", err)
	}
	pf.OnTrade(schema.FillFromOrder(open, open.Qty, open.Px, decimal.NewFromInt(1)), nil, decimal.Zero)

	if err := m.AssessOrder(testOrder(2000, 2, 1.1), pf); err == nil {
		t.Fatal("expected veto, net would reach 6")
	}
	// Reducing is always allowed.
	if err := m.AssessOrder(testOrder(3000, -2, 1.1), pf); err != nil {
		t.Fatalf("reduce: %v", err)
	}
}

func TestLimitNotional(t *testing.T) {
	m := NewLimit(Limits{MaxNotionalValue: decimal.NewFromInt(500_000)})
	pf := portfolio.New(portfolio.NettingFIFO, schema.MatchSideOfBook, false)
	// 4 contracts x 1.1 x 100k = 440k.
	if err := m.AssessOrder(testOrder(1000, 4, 1.1), pf); err != nil {
		t.Fatalf("under the cap: %v", err)
	}
	// 5 contracts x 1.1 x 100k = 550k.
	if err := m.AssessOrder(testOrder(2000, 5, 1.1), pf); err == nil {
		t.Fatal("expected notional veto")
	}
}

func TestLimitThrottleRunsOnEventTime(t *testing.T) {
	m := NewLimit(Limits{OrderThrottle: 1}) // one order per event-second
	pf := portfolio.New(portfolio.NettingFIFO, schema.MatchSideOfBook, false)

	if err := m.AssessOrder(testOrder(1_000_000, 1, 1.1), pf); err != nil {
		t.Fatalf("first order: %v", err)
	}
	if err := m.AssessOrder(testOrder(1_000_200, 1, 1.1), pf); err == nil {
		t.Fatal("expected throttle 200ms later")
	}
	if err := m.AssessOrder(testOrder(1_001_000, 1, 1.1), pf); err != nil {
		t.Fatalf("after a full event-second: %v", err)
	}
}

func TestUnknownKind(t *testing.T) {
	if _, err := New("var", Limits{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
