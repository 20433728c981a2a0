// Package output persists result rows to the configured datastore.
package output

import (
	"context"
	"strconv"
	"time"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/stats"
)

// Kind selects a result writer implementation.
type Kind string

const (
	KindCSV      Kind = "csv"
	KindPostgres Kind = "postgres"
)

// Writer persists batches of result rows. Write may be called from the batch
// collector goroutine only; implementations serialize file or connection
// access internally so a writer can also be shared.
type Writer interface {
	// Write persists one batch. The first batch honours the configured mode;
	// subsequent batches always append.
	Write(ctx context.Context, rows []stats.ResultRow) error
	Close(ctx context.Context) error
}

// Config carries the output section of the run document.
type Config struct {
	Datastore Kind              `yaml:"datastore" json:"datastore"`
	Params    map[string]string `yaml:"datastore_parameters" json:"datastore_parameters"`

	// Mode is "w" (truncate on first batch) or "a" (always append).
	Mode string `yaml:"mode" json:"mode"`
	File string `yaml:"file" json:"file"`

	// StoreIndex prepends a running row ordinal column to CSV output.
	StoreIndex bool `yaml:"store_index" json:"store_index"`
	// Features projects CSV output onto the named columns; empty keeps all.
	Features []string `yaml:"event_features" json:"event_features"`
}

// New constructs the writer named by cfg.Datastore.
func New(ctx context.Context, cfg Config) (Writer, error) {
	switch cfg.Datastore {
	case KindCSV, "":
		return NewCSVWriter(cfg)
	case KindPostgres:
		return NewPostgresWriter(ctx, cfg.Params["dsn"], cfg.Params["table"])
	default:
		return nil, errs.New("output", errs.CodeUnknownKind,
			errs.WithMessage("datastore "+string(cfg.Datastore)))
	}
}

// resultColumns is the canonical row shape shared by the CSV header and the
// Postgres table.
var resultColumns = []string{
	"execution_id", "timestamp_millis", "trading_session", "type",
	"source", "symbol", "symbol_id", "account", "price", "contract_qty",
	"net_position", "inventory_contracts", "inventory_dollars",
	"realised_pnl", "realised_pnl_cum", "unrealised_pnl", "upnl_reversal",
	"rpnl_cum_hash", "equity", "cancelled", "cancellation_reason",
	"simulation", "hash", "params",
}

// KnownFeature reports whether name is a column of the result shape, so
// configuration can reject bad event_features before any plan runs.
func KnownFeature(name string) bool {
	for _, c := range resultColumns {
		if c == name {
			return true
		}
	}
	return false
}

func formatSession(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return ""
}

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }
