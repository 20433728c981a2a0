// Package strategy implements the trading strategies driving the backtester
// and the plan-identity hash that keys the results cache.
package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/exitstrategy"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
)

// Strategy reacts to portfolio state and market events with orders.
type Strategy interface {
	// OnState inspects the portfolio after the event and emits orders.
	OnState(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order
	// Update runs at the start of each trading day.
	Update(ctx context.Context, day time.Time) error
	// Filter returns a copy of the strategy scoped to a single instrument,
	// used when a plan is split per instrument.
	Filter(instrument string) Strategy
}

// Retrainer is implemented by strategies that periodically refit a model on
// an event-history window.
type Retrainer interface {
	RetrainModel(day time.Time) bool
	Retrain(ctx context.Context, history *schema.Frame) error
}

// PositionSeeder is implemented by strategies that track client flow
// internally and need bootstrap positions reflected there, not just in the
// portfolio.
type PositionSeeder interface {
	SeedPosition(pos *portfolio.Position)
}

// Kind tags the strategy variants selectable from configuration.
type Kind string

const (
	// KindDefault opens a single test position.
	KindDefault Kind = "default"
	// KindDCA buys on a fixed schedule.
	KindDCA Kind = "dca"
	// KindOscillator trades exit-driven oscillations inside position limits.
	KindOscillator Kind = "oscillator"
	// KindInternalisation internalises client flow against venue inventory.
	KindInternalisation Kind = "internalisation"
	// KindBbooking mirrors client trades scaled by per-account booking risk.
	KindBbooking Kind = "bbooking"
	// KindBbookingProfiler is Bbooking with a periodically retrained
	// account-ranking model.
	KindBbookingProfiler Kind = "bbooking_profiler"
	// KindBCH trades client consensus/concentration/position triggers.
	KindBCH Kind = "bch"
)

// Config carries the per-plan inputs a strategy is built from.
type Config struct {
	Account     string
	Instruments []string
	Params      map[string]any
	Exit        exitstrategy.Strategy
	Matching    schema.MatchingMethod
	Start       time.Time
}

// New constructs the strategy named by kind.
func New(kind Kind, cfg Config) (Strategy, error) {
	if cfg.Exit == nil {
		cfg.Exit = exitstrategy.None{}
	}
	switch kind {
	case KindDefault, "":
		var p DefaultParams
		if err := decodeParams(cfg.Params, &p); err != nil {
			return nil, err
		}
		return &Default{base: newBase(cfg), Params: p}, nil
	case KindDCA:
		var p DCAParams
		if err := decodeParams(cfg.Params, &p); err != nil {
			return nil, err
		}
		return &DCA{base: newBase(cfg), Params: p, start: cfg.Start}, nil
	case KindOscillator:
		var p OscillatorParams
		if err := decodeParams(cfg.Params, &p); err != nil {
			return nil, err
		}
		return &Oscillator{base: newBase(cfg), Params: p}, nil
	case KindInternalisation:
		var p InternalisationParams
		if err := decodeParams(cfg.Params, &p); err != nil {
			return nil, err
		}
		return NewInternalisation(newBase(cfg), p), nil
	case KindBbooking:
		var p BbookingParams
		if err := decodeParams(cfg.Params, &p); err != nil {
			return nil, err
		}
		return NewBbooking(newBase(cfg), p), nil
	case KindBbookingProfiler:
		var p BbookingProfilerParams
		if err := decodeParams(cfg.Params, &p); err != nil {
			return nil, err
		}
		return NewBbookingProfiler(newBase(cfg), p), nil
	case KindBCH:
		var p BCHParams
		if err := decodeParams(cfg.Params, &p); err != nil {
			return nil, err
		}
		return NewBCH(newBase(cfg), p), nil
	default:
		return nil, errs.New("strategy", errs.CodeUnknownKind,
			errs.WithMessage("no strategy "+string(kind)))
	}
}

func decodeParams(src map[string]any, dst any) error {
	if len(src) == 0 {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return errs.New("strategy", errs.CodeConfig, errs.WithCause(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.New("strategy", errs.CodeConfig, errs.WithCause(err))
	}
	return nil
}

// base carries the fields every strategy shares.
type base struct {
	account     string
	instruments []string
	exit        exitstrategy.Strategy
	matching    schema.MatchingMethod
}

func newBase(cfg Config) base {
	return base{
		account:     cfg.Account,
		instruments: append([]string(nil), cfg.Instruments...),
		exit:        cfg.Exit,
		matching:    cfg.Matching,
	}
}

// Update implements Strategy with a no-op day hook.
func (b *base) Update(context.Context, time.Time) error { return nil }

// wants reports whether the strategy trades the symbol.
func (b *base) wants(symbol string) bool {
	if len(b.instruments) == 0 {
		return true
	}
	for _, ins := range b.instruments {
		if ins == symbol {
			return true
		}
	}
	return false
}

func (b *base) filtered(instrument string) base {
	out := *b
	out.instruments = []string{instrument}
	return out
}

// exitOrders delegates every venue position on the event's symbol to the
// attached exit strategy.
func (b *base) exitOrders(pf *portfolio.Portfolio, evt schema.Event) []*schema.Order {
	hdr := evt.Header()
	var orders []*schema.Order
	for _, pos := range pf.PositionsForSymbol(hdr.SymbolID) {
		if pos.Key.Account != b.account || pos.IsFlat() {
			continue
		}
		tickPx, ok := evt.Price(pos.IsLong(), b.matching)
		if !ok {
			continue
		}
		orders = append(orders, b.exit.GenerateExitOrders(evt, b.account, pos.AvgPrice(), tickPx, pos, 0)...)
	}
	return orders
}

// openOrder builds an opening order for the event's instrument.
func openOrder(evt schema.Event, account string, qty numeric.Qty, typ schema.OrderType, signal string) *schema.Order {
	hdr := evt.Header()
	o := schema.NewOrder(hdr.TimestampMillis, hdr.Source, hdr.Symbol, hdr.SymbolID, account, qty, typ)
	o.Instrument = evt.Meta()
	o.Signal = signal
	return o
}

// HashInputs is the canonical identity of one simulation plan.
type HashInputs struct {
	UID               string         `json:"uid"`
	Version           int            `json:"version"`
	StrategyKind      string         `json:"strategy"`
	StrategyParams    map[string]any `json:"strategy_parameters"`
	ExitKind          string         `json:"exit"`
	ExitParams        map[string]any `json:"exit_parameters"`
	LifespanExit      map[string]any `json:"lifespan_exit_parameters"`
	RiskKind          string         `json:"risk"`
	RiskParams        map[string]any `json:"risk_parameters"`
	Instruments       []string       `json:"instruments"`
	EventFilterString string         `json:"event_filter_string"`
}

// Hash digests the plan identity; stable across runs because the JSON
// encoder emits map keys in sorted order.
func Hash(in HashInputs) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", errs.New("strategy/hash", errs.CodeSimulation, errs.WithCause(err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
