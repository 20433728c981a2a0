// Package sim expands simulation configurations into plans and executes them
// on a worker pool.
package sim

import (
	"fmt"
	"sort"
	"time"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/exitstrategy"
	"github.com/coachpo/backsim/internal/risk"
	"github.com/coachpo/backsim/internal/strategy"
)

// SimulationConfig is one entry of the config document's simulations map.
type SimulationConfig struct {
	Instruments       []string       `yaml:"instruments" json:"instruments"`
	Subscriptions     []string       `yaml:"subscriptions" json:"subscriptions"`
	StrategyParams    map[string]any `yaml:"strategy_parameters" json:"strategy_parameters"`
	ExitParams        map[string]any `yaml:"exit_parameters" json:"exit_parameters"`
	LifespanExit      map[string]any `yaml:"lifespan_exit_parameters" json:"lifespan_exit_parameters"`
	RiskParams        map[string]any `yaml:"risk_parameters" json:"risk_parameters"`
	SplitByInstrument bool           `yaml:"split_by_instrument" json:"split_by_instrument"`
	EventFilterString string         `yaml:"event_filter_string" json:"event_filter_string"`
	// Constructor combines parameter vectors: "zip" pairs them index-wise,
	// "product" takes the cartesian product.
	Constructor string `yaml:"constructor" json:"constructor"`
}

// Plan is the immutable description of one run. Expansion resolves every
// parameter vector, so a plan's parameter maps hold scalars only.
type Plan struct {
	Name    string
	UID     string
	Version int

	Start time.Time
	End   time.Time

	Account       string
	Instruments   []string
	Subscriptions []string

	StrategyKind   strategy.Kind
	StrategyParams map[string]any
	ExitKind       exitstrategy.Kind
	ExitParams     map[string]any
	LifespanExit   map[string]any
	RiskKind       risk.Kind
	RiskParams     map[string]any

	EventFilter string
	Hash        string
}

// typeKeys name the kind selector inside each parameter bag.
const (
	strategyTypeKey = "strategy_type"
	exitTypeKey     = "exit_strategy_type"
	riskTypeKey     = "risk_manager_type"
)

// Expand resolves one simulation entry into its plans: parameter vectors are
// combined per the constructor, then each combination optionally splits per
// instrument. Plans carry their identity hash.
func Expand(name string, cfg SimulationConfig, uid string, version int, account string, start, end time.Time) ([]Plan, error) {
	if len(cfg.Instruments) == 0 {
		return nil, errs.New("sim/plan", errs.CodeConfig,
			errs.WithMessage("simulation "+name+" has no instruments"))
	}
	combos, err := combine(cfg)
	if err != nil {
		return nil, errs.New("sim/plan", errs.CodeConfig,
			errs.WithMessage("simulation "+name), errs.WithCause(err))
	}

	var plans []Plan
	for i, combo := range combos {
		planName := name
		if len(combos) > 1 {
			planName = fmt.Sprintf("%s#%d", name, i+1)
		}
		base := Plan{
			Name:           planName,
			UID:            uid,
			Version:        version,
			Start:          start,
			End:            end,
			Account:        account,
			Instruments:    append([]string(nil), cfg.Instruments...),
			Subscriptions:  append([]string(nil), cfg.Subscriptions...),
			StrategyKind:   strategy.Kind(stringParam(combo.strategy, strategyTypeKey)),
			StrategyParams: withoutKey(combo.strategy, strategyTypeKey),
			ExitKind:       exitstrategy.Kind(stringParam(combo.exit, exitTypeKey)),
			ExitParams:     withoutKey(combo.exit, exitTypeKey),
			LifespanExit:   cfg.LifespanExit,
			RiskKind:       risk.Kind(stringParam(combo.risk, riskTypeKey)),
			RiskParams:     withoutKey(combo.risk, riskTypeKey),
			EventFilter:    cfg.EventFilterString,
		}
		if cfg.SplitByInstrument && len(cfg.Instruments) > 1 {
			for _, instrument := range cfg.Instruments {
				p := base
				p.Name = base.Name + "@" + instrument
				p.Instruments = []string{instrument}
				if err := p.stamp(); err != nil {
					return nil, err
				}
				plans = append(plans, p)
			}
			continue
		}
		if err := base.stamp(); err != nil {
			return nil, err
		}
		plans = append(plans, base)
	}
	return plans, nil
}

// stamp computes and stores the plan identity hash.
func (p *Plan) stamp() error {
	h, err := strategy.Hash(strategy.HashInputs{
		UID:               p.UID,
		Version:           p.Version,
		StrategyKind:      string(p.StrategyKind),
		StrategyParams:    p.StrategyParams,
		ExitKind:          string(p.ExitKind),
		ExitParams:        p.ExitParams,
		LifespanExit:      p.LifespanExit,
		RiskKind:          string(p.RiskKind),
		RiskParams:        p.RiskParams,
		Instruments:       p.Instruments,
		EventFilterString: p.EventFilter,
	})
	if err != nil {
		return err
	}
	p.Hash = h
	return nil
}

// CloneForDay narrows the plan to a single session; the identity hash is
// unchanged because dates are not part of it.
func (p Plan) CloneForDay(day time.Time) Plan {
	p.Start, p.End = day, day
	return p
}

// SlotParams flattens the plan's parameter bags into prefixed string slots
// for result decoration.
func (p *Plan) SlotParams() map[string]string {
	out := make(map[string]string)
	out["strategy_type"] = string(p.StrategyKind)
	out["exit_strategy_type"] = string(p.ExitKind)
	out["risk_manager_type"] = string(p.RiskKind)
	for k, v := range p.StrategyParams {
		out["strategy_"+k] = fmt.Sprint(v)
	}
	for k, v := range p.ExitParams {
		out["exit_"+k] = fmt.Sprint(v)
	}
	for k, v := range p.LifespanExit {
		out["lifespan_"+k] = fmt.Sprint(v)
	}
	for k, v := range p.RiskParams {
		out["risk_"+k] = fmt.Sprint(v)
	}
	return out
}

// Sessions lists the weekday trading sessions in [start, end].
func Sessions(start, end time.Time) []time.Time {
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		out = append(out, d)
	}
	return out
}

// SessionStrings is Sessions formatted for results-cache keys.
func SessionStrings(start, end time.Time) []string {
	days := Sessions(start, end)
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, d.Format("2006-01-02"))
	}
	return out
}

// paramCombo is one resolved choice of every vectored parameter.
type paramCombo struct {
	strategy map[string]any
	exit     map[string]any
	risk     map[string]any
}

// vectorRef addresses one vector-valued key inside a parameter bag.
type vectorRef struct {
	bag    string // "strategy", "exit", "risk"
	key    string
	values []any
}

// combine resolves parameter vectors per the constructor. Only lists of
// scalars count as vectors; structured lists (e.g. risk bands) pass through
// untouched.
func combine(cfg SimulationConfig) ([]paramCombo, error) {
	vectors := collectVectors(cfg)
	if len(vectors) == 0 {
		return []paramCombo{{strategy: cfg.StrategyParams, exit: cfg.ExitParams, risk: cfg.RiskParams}}, nil
	}

	var picks [][]int
	switch cfg.Constructor {
	case "zip", "":
		n := len(vectors[0].values)
		for _, v := range vectors[1:] {
			if len(v.values) != n {
				return nil, fmt.Errorf("zip constructor needs equal vector lengths: %s has %d, %s has %d",
					vectors[0].key, n, v.key, len(v.values))
			}
		}
		for i := 0; i < n; i++ {
			pick := make([]int, len(vectors))
			for j := range pick {
				pick[j] = i
			}
			picks = append(picks, pick)
		}
	case "product":
		picks = cartesian(vectors)
	default:
		return nil, fmt.Errorf("constructor %q not in {zip, product}", cfg.Constructor)
	}

	combos := make([]paramCombo, 0, len(picks))
	for _, pick := range picks {
		combo := paramCombo{
			strategy: copyBag(cfg.StrategyParams),
			exit:     copyBag(cfg.ExitParams),
			risk:     copyBag(cfg.RiskParams),
		}
		for j, v := range vectors {
			switch v.bag {
			case "strategy":
				combo.strategy[v.key] = v.values[pick[j]]
			case "exit":
				combo.exit[v.key] = v.values[pick[j]]
			case "risk":
				combo.risk[v.key] = v.values[pick[j]]
			}
		}
		combos = append(combos, combo)
	}
	return combos, nil
}

func collectVectors(cfg SimulationConfig) []vectorRef {
	var out []vectorRef
	for _, bag := range []struct {
		name   string
		params map[string]any
	}{
		{"strategy", cfg.StrategyParams},
		{"exit", cfg.ExitParams},
		{"risk", cfg.RiskParams},
	} {
		keys := make([]string, 0, len(bag.params))
		for k := range bag.params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if values, ok := scalarVector(bag.params[k]); ok {
				out = append(out, vectorRef{bag: bag.name, key: k, values: values})
			}
		}
	}
	return out
}

// scalarVector reports whether v is a non-empty list of scalars.
func scalarVector(v any) ([]any, bool) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, false
	}
	for _, item := range list {
		switch item.(type) {
		case bool, string, int, int64, float64:
		default:
			return nil, false
		}
	}
	return list, true
}

func cartesian(vectors []vectorRef) [][]int {
	picks := [][]int{{}}
	for _, v := range vectors {
		var next [][]int
		for _, prefix := range picks {
			for i := range v.values {
				pick := append(append([]int(nil), prefix...), i)
				next = append(next, pick)
			}
		}
		picks = next
	}
	return picks
}

func copyBag(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func stringParam(bag map[string]any, key string) string {
	if s, ok := bag[key].(string); ok {
		return s
	}
	return ""
}

func withoutKey(bag map[string]any, key string) map[string]any {
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		if k != key {
			out[k] = v
		}
	}
	return out
}
