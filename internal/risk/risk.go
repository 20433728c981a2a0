// Package risk vets strategy orders before they reach the matching queue.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// Manager evaluates one order against the book it would trade into. A nil
// error admits the order; a non-nil error carries the veto reason.
type Manager interface {
	AssessOrder(o *schema.Order, pf *portfolio.Portfolio) error
}

// Kind tags the manager variants selectable from configuration.
type Kind string

const (
	KindNone  Kind = "none"
	KindLimit Kind = "limit"
)

// New constructs the manager named by kind.
func New(kind Kind, limits Limits) (Manager, error) {
	switch kind {
	case KindNone, "":
		return None{}, nil
	case KindLimit:
		return NewLimit(limits), nil
	default:
		return nil, errs.New("risk", errs.CodeUnknownKind,
			errs.WithMessage("no risk manager "+string(kind)))
	}
}

// None admits every order.
type None struct{}

func (None) AssessOrder(*schema.Order, *portfolio.Portfolio) error { return nil }

// Limits defines the risk parameters for a single simulation.
type Limits struct {
	// MaxOrderQty caps a single order, in contracts.
	MaxOrderQty float64 `yaml:"max_order_qty" json:"max_order_qty"`

	// MaxPositionSize caps the resulting net position per instrument,
	// in contracts.
	MaxPositionSize float64 `yaml:"max_position_size" json:"max_position_size"`

	// MaxNotionalValue caps the dollar notional of a single order.
	MaxNotionalValue decimal.Decimal `yaml:"max_notional_value" json:"max_notional_value"`

	// OrderThrottle is the maximum rate of orders per second, measured
	// against event time rather than wall time.
	OrderThrottle float64 `yaml:"order_throttle" json:"order_throttle"`
}

// Limit enforces Limits. The throttle runs on order timestamps, so a replay
// of historical data is limited at historical speed, not replay speed.
type Limit struct {
	limits  Limits
	limiter *rate.Limiter
	mu      sync.Mutex
}

func NewLimit(limits Limits) *Limit {
	m := &Limit{limits: limits}
	if limits.OrderThrottle > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), 1)
	}
	return m
}

// AssessOrder implements Manager.
func (m *Limit) AssessOrder(o *schema.Order, pf *portfolio.Portfolio) error {
	if m.limiter != nil {
		m.mu.Lock()
		ok := m.limiter.AllowN(time.UnixMilli(o.TimestampMillis), 1)
		m.mu.Unlock()
		if !ok {
			return errs.New("risk", errs.CodeSimulation,
				errs.WithMessage("order_throttle"))
		}
	}

	if m.limits.MaxOrderQty > 0 {
		if o.Qty.Abs() > numeric.QtyFromFloat(m.limits.MaxOrderQty) {
			return errs.New("risk", errs.CodeSimulation, errs.WithMessage(fmt.Sprintf(
				"order qty %v exceeds max order qty %v", o.Qty.Float(), m.limits.MaxOrderQty)))
		}
	}

	if m.limits.MaxPositionSize > 0 {
		after := pf.NetForSymbol(o.SymbolID) + o.Qty
		if after.Abs() > numeric.QtyFromFloat(m.limits.MaxPositionSize) {
			return errs.New("risk", errs.CodeSimulation, errs.WithMessage(fmt.Sprintf(
				"position %v exceeds max position size %v", after.Float(), m.limits.MaxPositionSize)))
		}
	}

	if m.limits.MaxNotionalValue.IsPositive() && o.HasPx {
		notional := numeric.Notional(o.Qty, o.Px, o.Instrument.ContractSize, decimal.NewFromInt(1))
		if notional.GreaterThan(m.limits.MaxNotionalValue) {
			return errs.New("risk", errs.CodeSimulation, errs.WithMessage(fmt.Sprintf(
				"order notional %s exceeds max notional %s", notional, m.limits.MaxNotionalValue)))
		}
	}

	return nil
}
