// Command backsim runs the simulation pipeline described by a run document.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/coachpo/backsim/internal/config"
	"github.com/coachpo/backsim/internal/observability"
	"github.com/coachpo/backsim/internal/output"
	"github.com/coachpo/backsim/internal/sim"
	"github.com/coachpo/backsim/internal/stats"
	"github.com/coachpo/backsim/internal/subs"
	"github.com/coachpo/backsim/internal/telemetry"
)

const (
	defaultConfigPath        = "config/run.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath, dev := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger, err := observability.NewZapLogger(dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logger: %v\n", err)
		return 1
	}
	observability.SetLogger(logger)
	defer logger.Sync()

	doc, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Error("load config", observability.Field{Key: "error", Value: err})
		return 2
	}
	logger.Info("configuration loaded",
		observability.Field{Key: "uid", Value: doc.Pipeline.UID},
		observability.Field{Key: "simulations", Value: len(doc.Simulations)})

	provider, err := initTelemetry(ctx, logger, doc.Telemetry)
	if err != nil {
		logger.Error("initialise telemetry", observability.Field{Key: "error", Value: err})
		return 1
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown", observability.Field{Key: "error", Value: err})
		}
	}()

	opts, err := doc.SimOptions()
	if err != nil {
		logger.Error("map options", observability.Field{Key: "error", Value: err})
		return 2
	}

	sources, err := buildSubscriptions(ctx, logger, &doc)
	if err != nil {
		logger.Error("initialise subscriptions", observability.Field{Key: "error", Value: err})
		return 1
	}
	if doc.Pipeline.LoadStartingPositions {
		sp, err := startingPositions(&doc, sources)
		if err != nil {
			logger.Error("starting positions", observability.Field{Key: "error", Value: err})
			return 1
		}
		opts.StartingPositions = sp
	}

	results, err := priorResults(&doc, logger)
	if err != nil {
		logger.Error("load prior results", observability.Field{Key: "error", Value: err})
		return 1
	}

	simulator := sim.New(opts, sources, doc.SubscriptionCache(), results)
	started := time.Now()
	res, err := simulator.Run(ctx, doc.Simulations)
	if err != nil {
		logger.Error("run aborted", observability.Field{Key: "error", Value: err})
		return 1
	}
	logger.Info("run complete",
		observability.Field{Key: "rows", Value: len(res.Rows)},
		observability.Field{Key: "cached_plans", Value: res.CachedPlans},
		observability.Field{Key: "failures", Value: len(res.Failures)},
		observability.Field{Key: "elapsed", Value: time.Since(started)})
	for _, f := range res.Failures {
		logger.Error("plan failed",
			observability.Field{Key: "plan", Value: f.Plan},
			observability.Field{Key: "hash", Value: f.Hash},
			observability.Field{Key: "error", Value: f.Err})
	}

	rows := res.Rows
	if rule := doc.ResampleInterval(); rule > 0 {
		rows = stats.Resample(rows, rule, doc.Output.By)
	}
	if doc.Output.Save {
		if err := saveResults(ctx, &doc, rows); err != nil {
			logger.Error("save results", observability.Field{Key: "error", Value: err})
			return 1
		}
	}
	reportMetrics(logger, doc.Output.Metrics, rows)
	logger.Info("run counters", observability.Field{Key: "counters", Value: simulator.RunMetrics()})
	return 0
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", defaultConfigPath, "Path to run configuration file")
	dev := flag.Bool("dev", false, "Use the console development logger")
	flag.Parse()
	return *cfgPath, *dev
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.Telemetry) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		observability.SetMetrics(telemetry.NewRecorder(provider.Meter("backsim")))
		logger.Info("telemetry initialized",
			observability.Field{Key: "endpoint", Value: telemetryCfg.OTLPEndpoint},
			observability.Field{Key: "service", Value: telemetryCfg.ServiceName})
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func buildSubscriptions(ctx context.Context, logger observability.Logger, doc *config.Document) (map[string]subs.Subscription, error) {
	sources, err := doc.BuildSubscriptions()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := sources[name].Subscribe(ctx); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	logger.Info("subscriptions ready", observability.Field{Key: "sources", Value: names})
	return sources, nil
}

func startingPositions(doc *config.Document, sources map[string]subs.Subscription) (*sim.StartingPositions, error) {
	cfg := doc.Pipeline.StartingPositions
	source, ok := sources[cfg.Subscription]
	if !ok {
		return nil, fmt.Errorf("starting positions subscription %q not declared", cfg.Subscription)
	}
	return &sim.StartingPositions{
		Mode:     sim.PositionsMode(cfg.Mode),
		Source:   source,
		Interval: doc.Pipeline.Interval,
		Lookback: cfg.Lookback,
	}, nil
}

// priorResults seeds the results cache from the existing output file so an
// append-mode re-run skips plans whose sessions were already computed.
func priorResults(doc *config.Document, logger observability.Logger) (*stats.ResultsCache, error) {
	if doc.Output.Datastore != string(output.KindCSV) && doc.Output.Datastore != "" {
		return stats.NewResultsCache(nil), nil
	}
	if doc.Output.Mode != "a" || doc.Output.File == "" {
		return stats.NewResultsCache(nil), nil
	}
	rows, err := output.ReadResultsCSV(doc.Output.File)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		logger.Info("prior results loaded", observability.Field{Key: "rows", Value: len(rows)})
	}
	return stats.NewResultsCache(rows), nil
}

func saveResults(ctx context.Context, doc *config.Document, rows []stats.ResultRow) error {
	if doc.Output.SavePerSimulation && output.Kind(doc.Output.Datastore) == output.KindCSV {
		return savePerSimulation(ctx, doc, rows)
	}
	return writeGroup(ctx, doc.OutputConfig(), rows)
}

// savePerSimulation splits the table by simulation name, writing each group
// to a file derived from the configured path. Groups are independent, so one
// failed file does not stop the rest.
func savePerSimulation(ctx context.Context, doc *config.Document, rows []stats.ResultRow) error {
	groups := make(map[string][]stats.ResultRow)
	var order []string
	for _, r := range rows {
		if _, ok := groups[r.Simulation]; !ok {
			order = append(order, r.Simulation)
		}
		groups[r.Simulation] = append(groups[r.Simulation], r)
	}
	var failed []error
	for _, name := range order {
		cfg := doc.OutputConfig()
		cfg.File = perSimulationPath(cfg.File, name)
		if err := writeGroup(ctx, cfg, groups[name]); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", name, err))
		}
	}
	return observability.AggregateErrors("save per-simulation results", failed)
}

func writeGroup(ctx context.Context, cfg output.Config, rows []stats.ResultRow) error {
	writer, err := output.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := writer.Write(ctx, rows); err != nil {
		_ = writer.Close(ctx)
		return err
	}
	return writer.Close(ctx)
}

// perSimulationPath inserts the simulation name before the file extension,
// flattening characters that cannot appear in file names.
func perSimulationPath(base, simulation string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '#', ' ':
			return '-'
		}
		return r
	}, simulation)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + safe + ext
}

func reportMetrics(logger observability.Logger, names []string, rows []stats.ResultRow) {
	for _, name := range names {
		switch name {
		case "performance_overview":
			logger.Info("performance overview",
				observability.Field{Key: "table", Value: stats.Performance(rows)})
		case "trading_actions_breakdown":
			logger.Info("trading actions breakdown",
				observability.Field{Key: "table", Value: stats.Actions(rows)})
		case "trading_drawdowns":
			logger.Info("trading drawdowns",
				observability.Field{Key: "table", Value: stats.Drawdowns(rows)})
		case "inventory_overview":
			logger.Info("inventory overview",
				observability.Field{Key: "table", Value: stats.Inventory(rows)})
		}
	}
}
