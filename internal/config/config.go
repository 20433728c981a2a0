// Package config loads and validates backsim run documents.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/matching"
	"github.com/coachpo/backsim/internal/output"
	"github.com/coachpo/backsim/internal/portfolio"
	"github.com/coachpo/backsim/internal/schema"
	"github.com/coachpo/backsim/internal/sim"
	"github.com/coachpo/backsim/internal/stream"
	"github.com/coachpo/backsim/internal/subs"
)

// Document is the full run configuration: pipeline, simulations, output.
type Document struct {
	Pipeline      Pipeline                        `yaml:"pipeline"`
	Simulations   map[string]sim.SimulationConfig `yaml:"simulations"`
	Subscriptions map[string]SubscriptionSource   `yaml:"subscriptions"`
	Cache         CacheSettings                   `yaml:"cache"`
	Output        Output                          `yaml:"output"`
	Telemetry     Telemetry                       `yaml:"telemetry"`
}

// SubscriptionSource declares one market data source by name.
type SubscriptionSource struct {
	Type   string `yaml:"type"` // csv
	Root   string `yaml:"root"`
	PerDay bool   `yaml:"load_by_session"`
}

// CacheSettings locate the on-disk subscription cache.
type CacheSettings struct {
	Enabled bool   `yaml:"enabled"`
	Root    string `yaml:"root"`
}

// Pipeline carries the run-wide settings shared by every simulation.
type Pipeline struct {
	UID       string `yaml:"uid"`
	Version   int    `yaml:"version"`
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
	Account   string `yaml:"account"`
	Shard     string `yaml:"shard"`

	NettingEngine  string `yaml:"netting_engine"`
	MatchingMethod string `yaml:"matching_method"`

	ProcessPortfolio       bool    `yaml:"process_portfolio"`
	StoreOrderSnapshot     bool    `yaml:"store_order_snapshot"`
	StoreMDSnapshot        bool    `yaml:"store_md_snapshot"`
	StoreEODSnapshot       bool    `yaml:"store_eod_snapshot"`
	CalculateUnrealised    bool    `yaml:"calculate_unrealised_pnl"`
	CalculateCumulativePnL bool    `yaml:"calculate_cumulative_daily_pnl"`
	Commission             float64 `yaml:"commission"`

	LoadStartingPositions bool              `yaml:"load_starting_positions"`
	StartingPositions     StartingPositions `yaml:"starting_positions"`

	EventStream    EventStreamParams    `yaml:"event_stream_parameters"`
	MatchingEngine MatchingEngineParams `yaml:"matching_engine_parameters"`
	Simulator      SimulatorParams      `yaml:"simulator"`

	// Interval forwards to subscriptions and the cache layout.
	Interval string `yaml:"interval"`
}

// StartingPositions selects the portfolio bootstrap source.
type StartingPositions struct {
	Mode         string `yaml:"mode"` // snapshot | trades
	Subscription string `yaml:"subscription"`
	Lookback     int    `yaml:"lookback_days"`
}

// EventStreamParams tune the per-session merge and sampling.
type EventStreamParams struct {
	Type               string          `yaml:"event_stream_type"` // no_sample | sample | snapshot
	SampleRate         time.Duration   `yaml:"sample_rate"`
	ExclPeriod         []stream.Window `yaml:"excl_period"`
	IncludeEODSnapshot bool            `yaml:"include_eod_snapshot"`
	Zone               string          `yaml:"zone"`
}

// MatchingEngineParams select the matching engine variant.
type MatchingEngineParams struct {
	Type string `yaml:"matching_engine_type"` // default | tob | distribution
	// ModelDir holds per-day depth model files for the distribution engine.
	ModelDir string `yaml:"model_dir"`
}

// SimulatorParams size the worker pool.
type SimulatorParams struct {
	Type       string `yaml:"simulator_type"` // simulator_pool
	NumCores   int    `yaml:"num_cores"`
	NumBatches int    `yaml:"num_batches"`
}

// Output configures result persistence and the derived metric tables.
type Output struct {
	Datastore           string            `yaml:"datastore"`
	DatastoreParameters map[string]string `yaml:"datastore_parameters"`
	ResampleRule        time.Duration     `yaml:"resample_rule"`
	Save                bool              `yaml:"save"`
	SavePerSimulation   bool              `yaml:"save_per_simulation"`
	By                  string            `yaml:"by"`
	Freq                string            `yaml:"freq"`
	Mode                string            `yaml:"mode"`
	File                string            `yaml:"file"`
	StoreIndex          bool              `yaml:"store_index"`
	EventFeatures       []string          `yaml:"event_features"`
	Metrics             []string          `yaml:"metrics"`
}

// Telemetry configures the OTLP metrics exporter.
type Telemetry struct {
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	ServiceName   string `yaml:"service_name"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

var knownMetrics = map[string]bool{
	"performance_overview":      true,
	"trading_actions_breakdown": true,
	"trading_drawdowns":         true,
	"inventory_overview":        true,
}

// Load reads the document at path, applies defaults and environment
// overrides, and validates the result.
func Load(ctx context.Context, path string) (Document, error) {
	doc := defaultDocument()

	raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
	if err != nil {
		return Document{}, fmt.Errorf("open run config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("parse run config: %w", err)
	}

	doc.loadEnv()

	if err := doc.Validate(ctx); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func defaultDocument() Document {
	return Document{
		Pipeline: Pipeline{
			Version:        1,
			NettingEngine:  string(portfolio.NettingFIFO),
			MatchingMethod: string(schema.MatchSideOfBook),
			Simulator:      SimulatorParams{Type: "simulator_pool"},
			MatchingEngine: MatchingEngineParams{Type: string(matching.KindDefault)},
			EventStream:    EventStreamParams{Type: string(stream.SamplerNone)},
		},
		Output: Output{
			Datastore: string(output.KindCSV),
			Mode:      "w",
		},
		Telemetry: Telemetry{EnableMetrics: true},
	}
}

// loadEnv applies environment overrides for deploy-time values.
func (d *Document) loadEnv() {
	if dsn := strings.TrimSpace(os.Getenv("BACKSIM_OUTPUT_DSN")); dsn != "" {
		if d.Output.DatastoreParameters == nil {
			d.Output.DatastoreParameters = make(map[string]string)
		}
		d.Output.DatastoreParameters["dsn"] = dsn
	}
	if ep := strings.TrimSpace(os.Getenv("BACKSIM_OTLP_ENDPOINT")); ep != "" {
		d.Telemetry.OTLPEndpoint = ep
	}
}

// Validate surfaces configuration errors before any plan runs.
func (d *Document) Validate(ctx context.Context) error {
	_ = ctx

	if len(d.Simulations) == 0 {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("no simulations configured"))
	}
	if !d.Pipeline.LoadStartingPositions {
		if d.Pipeline.Account == "" {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage("pipeline.account required unless starting positions are loaded"))
		}
		for name, s := range d.Simulations {
			if len(s.Instruments) == 0 {
				return errs.New("config", errs.CodeConfig,
					errs.WithMessage("simulation "+name+" has no instruments and starting positions are not loaded"))
			}
		}
	}
	for name, src := range d.Subscriptions {
		switch src.Type {
		case "", "csv":
			if src.Root == "" {
				return errs.New("config", errs.CodeConfig,
					errs.WithMessage("subscription "+name+" missing root"))
			}
		default:
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage("subscription "+name+" type "+src.Type+" not supported"))
		}
	}
	for name, s := range d.Simulations {
		for _, sub := range s.Subscriptions {
			if _, ok := d.Subscriptions[sub]; !ok {
				return errs.New("config", errs.CodeConfig,
					errs.WithMessage("simulation "+name+" references unknown subscription "+sub))
			}
		}
	}
	if d.Pipeline.LoadStartingPositions && d.Pipeline.StartingPositions.Subscription != "" {
		if _, ok := d.Subscriptions[d.Pipeline.StartingPositions.Subscription]; !ok {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage("starting_positions references unknown subscription "+
					d.Pipeline.StartingPositions.Subscription))
		}
	}
	if d.Pipeline.StoreEODSnapshot && !d.Pipeline.EventStream.IncludeEODSnapshot {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("store_eod_snapshot requires event_stream_parameters.include_eod_snapshot"))
	}

	switch portfolio.NettingEngine(d.Pipeline.NettingEngine) {
	case portfolio.NettingFIFO, portfolio.NettingLIFO, portfolio.NettingAvgPrice:
	default:
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("netting_engine "+d.Pipeline.NettingEngine+" not in {fifo, lifo, avg_price}"))
	}
	switch schema.MatchingMethod(d.Pipeline.MatchingMethod) {
	case schema.MatchSideOfBook, schema.MatchMidPrice:
	default:
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("matching_method "+d.Pipeline.MatchingMethod+" not in {side_of_book, mid_price}"))
	}
	if d.Pipeline.Simulator.Type != "simulator_pool" {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("simulator "+d.Pipeline.Simulator.Type+" not supported"))
	}
	if matching.Kind(d.Pipeline.MatchingEngine.Type) == matching.KindDistribution &&
		d.Pipeline.MatchingEngine.ModelDir == "" {
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("matching_engine_type distribution requires model_dir"))
	}

	if _, err := d.StartTime(); err != nil {
		return err
	}
	if _, err := d.EndTime(); err != nil {
		return err
	}
	start, _ := d.StartTime()
	end, _ := d.EndTime()
	if end.Before(start) {
		return errs.New("config", errs.CodeConfig, errs.WithMessage("end_date precedes start_date"))
	}

	switch d.Output.Mode {
	case "", "w", "a":
	default:
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("output.mode "+d.Output.Mode+" not in {w, a}"))
	}
	for _, m := range d.Output.Metrics {
		if !knownMetrics[m] {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage("unknown output metric "+m))
		}
	}
	for _, f := range d.Output.EventFeatures {
		if !output.KnownFeature(f) {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage("unknown event feature "+f))
		}
	}
	if len(d.Output.EventFeatures) > 0 && d.Output.Mode == "a" {
		// Projected files no longer carry the full row shape, so they cannot
		// seed the results cache on a later append run.
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("event_features cannot be combined with append mode"))
	}
	switch d.Output.By {
	case "", "symbol", "simulation":
	default:
		return errs.New("config", errs.CodeConfig,
			errs.WithMessage("output.by "+d.Output.By+" not in {symbol, simulation}"))
	}
	if d.Output.Freq != "" {
		if _, err := time.ParseDuration(d.Output.Freq); err != nil {
			return errs.New("config", errs.CodeConfig,
				errs.WithMessage("output.freq must be a duration"), errs.WithCause(err))
		}
	}
	return nil
}

// ResampleInterval resolves the output resampling rule, favouring the
// explicit resample_rule over the freq shorthand. Zero disables resampling.
func (d *Document) ResampleInterval() time.Duration {
	if d.Output.ResampleRule > 0 {
		return d.Output.ResampleRule
	}
	if d.Output.Freq == "" {
		return 0
	}
	rule, err := time.ParseDuration(d.Output.Freq)
	if err != nil {
		return 0
	}
	return rule
}

// StartTime parses pipeline.start_date.
func (d *Document) StartTime() (time.Time, error) { return parseDate("start_date", d.Pipeline.StartDate) }

// EndTime parses pipeline.end_date.
func (d *Document) EndTime() (time.Time, error) { return parseDate("end_date", d.Pipeline.EndDate) }

func parseDate(field, v string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, errs.New("config", errs.CodeConfig,
			errs.WithMessage("pipeline."+field+" must be an ISO date"), errs.WithCause(err))
	}
	return t, nil
}

// SimOptions maps the validated document onto simulator options. The
// starting-positions source is wired by the caller.
func (d *Document) SimOptions() (sim.Options, error) {
	start, err := d.StartTime()
	if err != nil {
		return sim.Options{}, err
	}
	end, err := d.EndTime()
	if err != nil {
		return sim.Options{}, err
	}
	opts := sim.Options{
		UID:                   d.Pipeline.UID,
		Version:               d.Pipeline.Version,
		Account:               d.Pipeline.Account,
		Start:                 start,
		End:                   end,
		Netting:               portfolio.NettingEngine(d.Pipeline.NettingEngine),
		Matching:              schema.MatchingMethod(d.Pipeline.MatchingMethod),
		Engine:                matching.Kind(d.Pipeline.MatchingEngine.Type),
		ProcessPortfolio:      d.Pipeline.ProcessPortfolio,
		StoreOrderSnapshot:    d.Pipeline.StoreOrderSnapshot,
		StoreMDSnapshot:       d.Pipeline.StoreMDSnapshot,
		StoreEODSnapshot:      d.Pipeline.StoreEODSnapshot,
		CalcUPnL:              d.Pipeline.CalculateUnrealised,
		Rolling:               d.Pipeline.CalculateCumulativePnL,
		NumCores:              d.Pipeline.Simulator.NumCores,
		NumBatches:            d.Pipeline.Simulator.NumBatches,
		LoadStartingPositions: d.Pipeline.LoadStartingPositions,
		Interval:              d.Pipeline.Interval,
		Sampler:               stream.SamplerKind(d.Pipeline.EventStream.Type),
		SampleRate:            d.Pipeline.EventStream.SampleRate,
		Stream: stream.Config{
			Zone:        d.Pipeline.EventStream.Zone,
			ExclPeriods: d.Pipeline.EventStream.ExclPeriod,
			IncludeEOD:  d.Pipeline.EventStream.IncludeEODSnapshot,
		},
	}
	if d.Pipeline.Commission != 0 {
		opts.Commission = decimal.NewFromFloat(d.Pipeline.Commission)
	}
	if opts.Engine == matching.KindDistribution {
		opts.ModelLoader = &matching.FileModelLoader{Dir: d.Pipeline.MatchingEngine.ModelDir}
	}
	return opts, nil
}

// BuildSubscriptions constructs the declared data sources.
func (d *Document) BuildSubscriptions() (map[string]subs.Subscription, error) {
	out := make(map[string]subs.Subscription, len(d.Subscriptions))
	for name, src := range d.Subscriptions {
		switch src.Type {
		case "", "csv":
			out[name] = &subs.CSVSubscription{SubName: name, Root: src.Root, PerDay: src.PerDay}
		default:
			return nil, errs.New("config", errs.CodeConfig,
				errs.WithMessage("subscription "+name+" type "+src.Type+" not supported"))
		}
	}
	return out, nil
}

// SubscriptionCache returns the configured cache handle, or nil when the
// cache is disabled and subscriptions should be read directly.
func (d *Document) SubscriptionCache() *subs.Cache {
	if !d.Cache.Enabled {
		return nil
	}
	entry := d.Pipeline.Shard
	if entry == "" {
		entry = "default"
	}
	return subs.NewCache(d.Cache.Root, entry)
}

// OutputConfig maps the output section onto the writer configuration.
func (d *Document) OutputConfig() output.Config {
	return output.Config{
		Datastore:  output.Kind(d.Output.Datastore),
		Params:     d.Output.DatastoreParameters,
		Mode:       d.Output.Mode,
		File:       d.Output.File,
		StoreIndex: d.Output.StoreIndex,
		Features:   d.Output.EventFeatures,
	}
}
