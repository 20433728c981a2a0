package sim

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/backtester"
	"github.com/coachpo/backsim/internal/exitstrategy"
	"github.com/coachpo/backsim/internal/matching"
	"github.com/coachpo/backsim/internal/observability"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/risk"
	"github.com/coachpo/backsim/internal/schema"
	"github.com/coachpo/backsim/internal/stats"
	"github.com/coachpo/backsim/internal/strategy"
	"github.com/coachpo/backsim/internal/stream"
	"github.com/coachpo/backsim/internal/subs"
)

const batchAttempts = 3

// Options carry the pipeline-level settings shared by every plan of a run.
type Options struct {
	UID     string
	Version int
	Account string

	Start time.Time
	End   time.Time

	Netting  portfolio.NettingEngine
	Matching schema.MatchingMethod
	Engine   matching.Kind
	// ModelLoader feeds the distribution engine's per-day depth models.
	ModelLoader matching.ModelLoader

	ProcessPortfolio   bool
	StoreOrderSnapshot bool
	StoreMDSnapshot    bool
	StoreEODSnapshot   bool
	CalcUPnL           bool
	Commission         decimal.Decimal

	Stream     stream.Config
	Sampler    stream.SamplerKind
	SampleRate time.Duration

	// Rolling keeps one portfolio across the whole range; otherwise every
	// session becomes an independent single-day plan.
	Rolling bool

	NumCores   int
	NumBatches int

	LoadStartingPositions bool
	StartingPositions     *StartingPositions

	// Interval forwards to subscriptions and the cache layout.
	Interval string
}

// Failure captures one plan that could not complete.
type Failure struct {
	Plan    string
	Hash    string
	Err     error
	Elapsed time.Duration
}

// RunResult is the aggregated outcome of one simulator run.
type RunResult struct {
	Rows        []stats.ResultRow
	Failures    []Failure
	CachedPlans int
}

// Simulator expands simulation configs into plans and executes them on a
// bounded worker pool. Caches are shared read handles; every plan owns its
// portfolio, statistics and strategy state.
type Simulator struct {
	opts    Options
	subs    map[string]subs.Subscription
	cache   *subs.Cache
	results *stats.ResultsCache
	runtime *observability.RuntimeMetrics
}

func New(opts Options, subscriptions map[string]subs.Subscription, cache *subs.Cache, results *stats.ResultsCache) *Simulator {
	return &Simulator{
		opts:    opts,
		subs:    subscriptions,
		cache:   cache,
		results: results,
		runtime: observability.NewRuntimeMetrics(),
	}
}

// RunMetrics returns the accumulated per-simulation counters of past runs.
func (s *Simulator) RunMetrics() observability.RunMetricsSnapshot {
	return s.runtime.Snapshot()
}

// Run executes every plan the simulations expand to. Cached plans are served
// from the results cache without touching the event loop; failed plans are
// reported alongside the rows of their successful peers.
func (s *Simulator) Run(ctx context.Context, sims map[string]SimulationConfig) (*RunResult, error) {
	plans, err := s.expandAll(sims)
	if err != nil {
		return nil, err
	}

	out := &RunResult{}
	rowsByPlan := make([][]stats.ResultRow, len(plans))
	var pending []int
	for i, p := range plans {
		sessions := SessionStrings(p.Start, p.End)
		if s.results.Covers(p.Hash, sessions) {
			rowsByPlan[i] = s.results.Rows(p.Hash, sessions)
			out.CachedPlans++
			s.runtime.RecordCachedPlan(p.Name)
			observability.Telemetry().IncCounter("sim.cache_hits", 1, map[string]string{"simulation": p.Name})
			continue
		}
		pending = append(pending, i)
	}

	batches := partition(pending, s.batchCount(len(pending)))
	type batchOutcome struct {
		rows     map[int][]stats.ResultRow
		failures []Failure
	}
	outcomes := make([]batchOutcome, len(batches))

	workers := pool.New().WithMaxGoroutines(s.workerCount())
	for bi, batch := range batches {
		bi, batch := bi, batch
		workers.Go(func() {
			rows, failures := s.runBatch(ctx, plans, batch)
			outcomes[bi] = batchOutcome{rows: rows, failures: failures}
		})
	}
	workers.Wait()

	for _, oc := range outcomes {
		for idx, rows := range oc.rows {
			rowsByPlan[idx] = rows
		}
		out.Failures = append(out.Failures, oc.failures...)
	}
	for i, rows := range rowsByPlan {
		if len(rows) > 0 {
			s.runtime.AddRowsEmitted(plans[i].Name, int64(len(rows)))
		}
		out.Rows = append(out.Rows, rows...)
	}
	stats.StampRollingPnL(out.Rows)
	return out, nil
}

// expandAll resolves every simulation entry, in name order, then explodes
// plans into per-session clones when P&L does not roll.
func (s *Simulator) expandAll(sims map[string]SimulationConfig) ([]Plan, error) {
	names := make([]string, 0, len(sims))
	for name := range sims {
		names = append(names, name)
	}
	sort.Strings(names)

	var plans []Plan
	for _, name := range names {
		expanded, err := Expand(name, sims[name], s.opts.UID, s.opts.Version, s.opts.Account, s.opts.Start, s.opts.End)
		if err != nil {
			return nil, err
		}
		plans = append(plans, expanded...)
	}
	if s.opts.Rolling {
		return plans, nil
	}
	var daily []Plan
	for _, p := range plans {
		for _, day := range Sessions(p.Start, p.End) {
			daily = append(daily, p.CloneForDay(day))
		}
	}
	return daily, nil
}

func (s *Simulator) workerCount() int {
	if s.opts.NumCores > 0 {
		return s.opts.NumCores
	}
	return runtime.NumCPU()
}

func (s *Simulator) batchCount(pending int) int {
	if pending == 0 {
		return 0
	}
	n := s.opts.NumBatches
	if n <= 0 {
		n = s.workerCount()
	}
	if n > pending {
		n = pending
	}
	return n
}

// partition splits indices into n near-even contiguous batches.
func partition(indices []int, n int) [][]int {
	if n <= 0 {
		return nil
	}
	batches := make([][]int, 0, n)
	size := len(indices) / n
	rem := len(indices) % n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < rem {
			end++
		}
		batches = append(batches, indices[start:end])
		start = end
	}
	return batches
}

// runBatch executes the batch, retrying the whole batch on retryable errors
// with a capped exponential backoff. Non-retryable plan errors become
// failures without disturbing batch peers.
func (s *Simulator) runBatch(ctx context.Context, plans []Plan, batch []int) (map[int][]stats.ResultRow, []Failure) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 30 * time.Second

	for attempt := 1; ; attempt++ {
		rows := make(map[int][]stats.ResultRow, len(batch))
		var failures []Failure
		retryable := error(nil)

		for _, idx := range batch {
			plan := plans[idx]
			began := time.Now()
			planRows, err := s.runPlan(ctx, plan)
			if err == nil {
				rows[idx] = planRows
				s.runtime.RecordPlanExecuted(plan.Name)
				observability.Telemetry().IncCounter("sim.plans_executed", 1, map[string]string{"simulation": plan.Name})
				observability.Telemetry().ObserveHistogram("sim.plan.duration",
					float64(time.Since(began).Milliseconds()), map[string]string{"simulation": plan.Name})
				continue
			}
			if errs.IsRetryable(err) {
				retryable = err
				break
			}
			s.runtime.RecordPlanFailure(plan.Name)
			observability.Telemetry().IncCounter("sim.plan_failures", 1, map[string]string{"simulation": plan.Name})
			failures = append(failures, Failure{
				Plan:    plan.Name,
				Hash:    plan.Hash,
				Err:     err,
				Elapsed: time.Since(began),
			})
		}
		if retryable == nil {
			return rows, failures
		}
		if attempt >= batchAttempts {
			observability.Log().Error("batch exhausted retries",
				observability.Field{Key: "error", Value: retryable})
			for _, idx := range batch {
				s.runtime.RecordPlanFailure(plans[idx].Name)
				failures = append(failures, Failure{Plan: plans[idx].Name, Hash: plans[idx].Hash, Err: retryable})
			}
			return nil, failures
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = backoffCfg.MaxInterval
		}
		observability.Log().Info("retrying batch",
			observability.Field{Key: "attempt", Value: attempt},
			observability.Field{Key: "error", Value: retryable})
		select {
		case <-ctx.Done():
			return nil, []Failure{{Err: ctx.Err()}}
		case <-time.After(sleep):
		}
	}
}

// runPlan executes one plan across its date range and shapes the recorded
// snapshots into decorated result rows.
func (s *Simulator) runPlan(ctx context.Context, plan Plan) ([]stats.ResultRow, error) {
	exit, err := exitstrategy.New(plan.ExitKind, plan.ExitParams)
	if err != nil {
		return nil, err
	}
	engine, err := matching.New(s.opts.Engine, s.opts.Matching, s.opts.ModelLoader)
	if err != nil {
		return nil, err
	}
	limits, err := riskLimits(plan.RiskParams)
	if err != nil {
		return nil, err
	}
	riskman, err := risk.New(plan.RiskKind, limits)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.New(plan.StrategyKind, strategy.Config{
		Account:     plan.Account,
		Instruments: plan.Instruments,
		Params:      plan.StrategyParams,
		Exit:        exit,
		Matching:    s.opts.Matching,
		Start:       plan.Start,
	})
	if err != nil {
		return nil, err
	}
	filter, err := parseEventFilter(plan.EventFilter)
	if err != nil {
		return nil, err
	}
	es, err := stream.New(s.opts.Stream)
	if err != nil {
		return nil, err
	}
	sampler, err := stream.NewSampler(s.opts.Sampler, s.opts.SampleRate)
	if err != nil {
		return nil, err
	}

	pf := portfolio.New(s.opts.Netting, s.opts.Matching, s.opts.CalcUPnL)
	st := stats.New(uuid.NewString())
	bt := backtester.New(backtester.Config{
		ProcessPortfolio:   s.opts.ProcessPortfolio,
		StoreOrderSnapshot: s.opts.StoreOrderSnapshot,
		StoreMDSnapshot:    s.opts.StoreMDSnapshot,
		StoreEODSnapshot:   s.opts.StoreEODSnapshot,
		Commission:         s.opts.Commission,
	}, strat, riskman, engine, pf, st)

	history := &schema.Frame{}
	for _, day := range Sessions(plan.Start, plan.End) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frames, err := s.loadDay(ctx, plan, day)
		if err != nil {
			return nil, err
		}
		if s.opts.LoadStartingPositions && day.Equal(plan.Start) {
			if err := s.opts.StartingPositions.Bootstrap(ctx, pf, strat, day, plan.Instruments); err != nil {
				return nil, err
			}
		}
		if dm, ok := engine.(matching.DayModelled); ok {
			if err := dm.LoadDayModel(ctx, day); err != nil {
				return nil, err
			}
		}
		if rt, ok := strat.(strategy.Retrainer); ok && rt.RetrainModel(day) {
			if err := rt.Retrain(ctx, history); err != nil {
				return nil, err
			}
		}
		if err := strat.Update(ctx, day); err != nil {
			return nil, err
		}
		frame := filter.Apply(es.GenerateEvents(frames...))
		frame = sampler.Sample(frame, day)
		if err := bt.RunDaySimulation(ctx, frame); err != nil {
			return nil, err
		}
		history.Append(frame.Rows...)
	}

	rows := stats.BuildResult(st.Rows(), stats.Decorations{
		Simulation: plan.Name,
		Hash:       plan.Hash,
		Params:     plan.SlotParams(),
	})
	return rows, nil
}

// loadDay assembles the plan's subscription frames for one session, in the
// order the plan lists its subscriptions.
func (s *Simulator) loadDay(ctx context.Context, plan Plan, day time.Time) ([]*schema.Frame, error) {
	names := plan.Subscriptions
	if len(names) == 0 {
		names = make([]string, 0, len(s.subs))
		for name := range s.subs {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	frames := make([]*schema.Frame, 0, len(names))
	for _, name := range names {
		sub, ok := s.subs[name]
		if !ok {
			return nil, errs.New("sim", errs.CodeConfig,
				errs.WithMessage("unknown subscription "+name))
		}
		var frame *schema.Frame
		var err error
		if s.cache != nil {
			frame, err = s.cache.Load(ctx, sub, day, plan.Instruments, s.opts.Interval)
		} else {
			frame, err = sub.Get(ctx, day, day, plan.Instruments, s.opts.Interval)
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// riskLimits decodes the free-form risk parameter bag into typed limits via
// a JSON round trip, the same way strategy parameters decode.
func riskLimits(params map[string]any) (risk.Limits, error) {
	var limits risk.Limits
	if len(params) == 0 {
		return limits, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return limits, errs.New("sim", errs.CodeConfig, errs.WithCause(err))
	}
	if err := json.Unmarshal(raw, &limits); err != nil {
		return limits, errs.New("sim", errs.CodeConfig, errs.WithCause(err))
	}
	return limits, nil
}
