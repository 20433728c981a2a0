// Package exitstrategy implements the position-closing policies strategies
// delegate to. Every variant is a deterministic function of the event, the
// position state and the entry/tick prices; the only permitted side effect
// is the position's exit scratchpad.
package exitstrategy

import (
	json "github.com/goccy/go-json"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// Strategy emits closing orders for one open position on one market tick.
// qty overrides the close size; zero closes the whole net position.
type Strategy interface {
	GenerateExitOrders(evt schema.Event, account string, avgPx, tickPx numeric.Px, pos *portfolio.Position, qty numeric.Qty) []*schema.Order
}

// Kind tags the exit-strategy variants selectable from configuration.
type Kind string

const (
	// KindNone never exits.
	KindNone Kind = "none"
	// KindDefault is an alias for KindNone.
	KindDefault Kind = "default"
	// KindAggressive exits on fixed stop-loss / take-profit thresholds.
	KindAggressive Kind = "aggressive"
	// KindTrailingStopLoss ratchets a stop behind the best price seen.
	KindTrailingStopLoss Kind = "trailing_stoploss"
	// KindChaser walks a closing level toward the market tick by tick.
	KindChaser Kind = "chaser"
	// KindProfitRunning takes partial profits and lets the rest run.
	KindProfitRunning Kind = "profit_running"
	// KindPassive rests a skewed fill-on-touch close.
	KindPassive Kind = "passive"
)

// New constructs the exit strategy named by kind from its parameter bag.
func New(kind Kind, params map[string]any) (Strategy, error) {
	switch kind {
	case KindNone, KindDefault, "":
		return None{}, nil
	case KindAggressive:
		var p AggressiveParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &Aggressive{Params: p}, nil
	case KindTrailingStopLoss:
		var p TrailingParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &TrailingStopLoss{Params: p}, nil
	case KindChaser:
		var p ChaserParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &Chaser{Params: p}, nil
	case KindProfitRunning:
		var p ProfitRunningParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &ProfitRunning{Params: p}, nil
	case KindPassive:
		var p PassiveParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &Passive{Params: p}, nil
	default:
		return nil, errs.New("exitstrategy", errs.CodeUnknownKind,
			errs.WithMessage("no exit strategy "+string(kind)))
	}
}

// decodeParams maps a configuration parameter bag onto a typed params struct.
func decodeParams(src map[string]any, dst any) error {
	if len(src) == 0 {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return errs.New("exitstrategy", errs.CodeConfig, errs.WithCause(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.New("exitstrategy", errs.CodeConfig, errs.WithCause(err))
	}
	return nil
}

// None is the identity exit: it never closes anything.
type None struct{}

// GenerateExitOrders implements Strategy.
func (None) GenerateExitOrders(schema.Event, string, numeric.Px, numeric.Px, *portfolio.Position, numeric.Qty) []*schema.Order {
	return nil
}

// closeQty resolves the closing quantity: the override when provided,
// otherwise the full opposite of the net position.
func closeQty(pos *portfolio.Position, qty numeric.Qty) numeric.Qty {
	if qty != 0 {
		return qty
	}
	return -pos.NetPosition
}

// closeOrder builds a closing order against the position.
func closeOrder(evt schema.Event, account string, pos *portfolio.Position, qty numeric.Qty, typ schema.OrderType, signal string) *schema.Order {
	hdr := evt.Header()
	o := schema.NewOrder(hdr.TimestampMillis, pos.Key.Source, pos.Symbol, pos.Key.SymbolID, account, qty, typ)
	o.TIF = schema.TIFKillOnFill
	o.Signal = signal
	o.Instrument = schema.Instrument{
		Currency:              pos.Currency,
		ContractUnitOfMeasure: pos.UnitOfMeasure,
		PriceIncrement:        pos.PriceIncrement,
		ContractSize:          pos.ContractSize,
		UnitPrice:             pos.UnitPrice,
	}
	return o
}
