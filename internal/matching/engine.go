// Package matching turns orders and market events into simulated fills.
package matching

import (
	"context"
	"time"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

// Engine matches one queued order against one market event, producing zero or
// more fills. Engines mutate only the order they are handed.
type Engine interface {
	MatchOrder(evt schema.Event, o *schema.Order) []*schema.Trade
}

// DayModelled is implemented by engines that replay a statistical depth model
// loaded per trading day.
type DayModelled interface {
	LoadDayModel(ctx context.Context, day time.Time) error
}

// Kind tags the engine variants selectable from configuration.
type Kind string

const (
	// KindDefault fills the full order quantity at the event price.
	KindDefault Kind = "default"
	// KindTOB caps reduce fills at the available top-of-book quantity.
	KindTOB Kind = "tob"
	// KindDistribution walks statistical depth levels for oversized stops.
	KindDistribution Kind = "distribution"
)

// New constructs the engine named by kind.
func New(kind Kind, method schema.MatchingMethod, loader ModelLoader) (Engine, error) {
	switch kind {
	case KindDefault, "":
		return &Default{Method: method}, nil
	case KindTOB:
		return &TOB{Method: method}, nil
	case KindDistribution:
		if loader == nil {
			return nil, errs.New("matching", errs.CodeConfig,
				errs.WithMessage("distribution engine requires a model loader"))
		}
		return &Distribution{Method: method, Loader: loader}, nil
	default:
		return nil, errs.New("matching", errs.CodeUnknownKind,
			errs.WithMessage("no matching engine "+string(kind)))
	}
}

// resolvePrice pins the order price, deriving it from the event using the
// opposite direction when the order carries none.
func resolvePrice(evt schema.Event, o *schema.Order, method schema.MatchingMethod) (numeric.Px, bool) {
	if o.HasPx {
		return o.Px, true
	}
	px, ok := evt.Price(!o.IsLong(), method)
	if ok {
		o.SetPrice(px)
	}
	return px, ok
}

// Default fills the whole order in one trade at the resolved event price.
type Default struct {
	Method schema.MatchingMethod
}

// MatchOrder implements Engine.
func (d *Default) MatchOrder(evt schema.Event, o *schema.Order) []*schema.Trade {
	if o.Done() || o.UnfilledQty == 0 {
		return nil
	}
	px, ok := resolvePrice(evt, o, d.Method)
	if !ok {
		return nil
	}
	qty := o.UnfilledQty
	tr := schema.FillFromOrder(o, qty, px, evt.Rate())
	o.Fill(qty)
	if o.TIF == schema.TIFKillOnFill {
		o.Cancelled = true
	}
	return []*schema.Trade{tr}
}

// TOB fills at the resolved price but never takes more than the event's
// top-of-book quantity on the relevant side for passive and reduce orders.
type TOB struct {
	Method schema.MatchingMethod
}

// MatchOrder implements Engine.
func (t *TOB) MatchOrder(evt schema.Event, o *schema.Order) []*schema.Trade {
	if o.Done() || o.UnfilledQty == 0 {
		return nil
	}
	px, ok := resolvePrice(evt, o, t.Method)
	if !ok {
		return nil
	}
	qty := o.UnfilledQty
	if capped, ok := tobCap(evt, o); ok && capped < qty.Abs() {
		qty = capped * numeric.Qty(o.Qty.Sign())
	}
	if qty == 0 {
		return nil
	}
	tr := schema.FillFromOrder(o, qty, px, evt.Rate())
	o.Fill(qty)
	if o.TIF == schema.TIFKillOnFill {
		o.Cancelled = true
	}
	return []*schema.Trade{tr}
}

// tobCap returns the book quantity available to a passive or reduce order.
func tobCap(evt schema.Event, o *schema.Order) (numeric.Qty, bool) {
	if o.Type != schema.OrderTypePassive && o.Type != schema.OrderTypeReduce {
		return 0, false
	}
	md, ok := evt.(*schema.MarketData)
	if !ok {
		return 0, false
	}
	qty, has := md.SideQty(o.IsLong())
	if !has {
		return 0, false
	}
	return qty.Abs(), true
}
