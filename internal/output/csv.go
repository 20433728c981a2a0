package output

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/observability"
	"github.com/coachpo/backsim/internal/stats"
)

// CSVWriter appends result rows to a single file. With mode "w" the first
// batch truncates the target and every later batch appends, so retried and
// follow-up batches never clobber earlier plans' rows.
type CSVWriter struct {
	path       string
	mode       string
	storeIndex bool
	project    []int // column indices kept, nil keeps all

	mu      sync.Mutex
	opened  bool
	ordinal int64
}

func NewCSVWriter(cfg Config) (*CSVWriter, error) {
	if cfg.File == "" {
		return nil, errs.New("output/csv", errs.CodeConfig,
			errs.WithMessage("output file required"))
	}
	switch cfg.Mode {
	case "", "w", "a":
	default:
		return nil, errs.New("output/csv", errs.CodeConfig,
			errs.WithMessage("mode "+cfg.Mode+" not in {w,a}"))
	}
	project, err := projectColumns(cfg.Features)
	if err != nil {
		return nil, err
	}
	return &CSVWriter{path: cfg.File, mode: cfg.Mode, storeIndex: cfg.StoreIndex, project: project}, nil
}

// projectColumns resolves feature names to resultColumns indices, keeping the
// canonical column order regardless of how the features are listed.
func projectColumns(features []string) ([]int, error) {
	if len(features) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(features))
	for _, f := range features {
		idx := -1
		for i, c := range resultColumns {
			if c == f {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errs.New("output/csv", errs.CodeConfig,
				errs.WithMessage("unknown event feature "+f))
		}
		wanted[f] = true
	}
	out := make([]int, 0, len(wanted))
	for i, c := range resultColumns {
		if wanted[c] {
			out = append(out, i)
		}
	}
	return out, nil
}

func (w *CSVWriter) Write(ctx context.Context, rows []stats.ResultRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	began := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !w.opened && w.mode != "a" {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return errs.New("output/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	// #nosec G304 -- path comes from the operator's output section.
	file, err := os.OpenFile(w.path, flags, 0o644)
	if err != nil {
		return errs.New("output/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	defer file.Close()

	writeHeader := false
	if info, statErr := file.Stat(); statErr == nil && info.Size() == 0 {
		writeHeader = true
	}

	cw := csv.NewWriter(file)
	if writeHeader {
		if err := cw.Write(w.shape(resultColumns, -1)); err != nil {
			return errs.New("output/csv", errs.CodeRetryableIO, errs.WithCause(err))
		}
	}
	for i := range rows {
		record, err := encodeResult(&rows[i])
		if err != nil {
			return err
		}
		if err := cw.Write(w.shape(record, w.ordinal)); err != nil {
			return errs.New("output/csv", errs.CodeRetryableIO, errs.WithCause(err))
		}
		w.ordinal++
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errs.New("output/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	if err := file.Close(); err != nil {
		return errs.New("output/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	w.opened = true
	observability.Telemetry().ObserveHistogram("output.write.duration",
		float64(time.Since(began).Milliseconds()), map[string]string{"datastore": "csv"})
	return nil
}

func (w *CSVWriter) Close(context.Context) error { return nil }

// shape applies the feature projection and the optional index column. The
// header row passes ordinal -1 and gets the literal column name instead.
func (w *CSVWriter) shape(record []string, ordinal int64) []string {
	if w.project == nil && !w.storeIndex {
		return record
	}
	out := make([]string, 0, len(record)+1)
	if w.storeIndex {
		if ordinal < 0 {
			out = append(out, "index")
		} else {
			out = append(out, formatInt(ordinal))
		}
	}
	if w.project == nil {
		return append(out, record...)
	}
	for _, i := range w.project {
		out = append(out, record[i])
	}
	return out
}

func encodeResult(r *stats.ResultRow) ([]string, error) {
	price := ""
	if r.HasPx {
		price = strconv.FormatFloat(r.Px.Float(), 'f', -1, 64)
	}
	params := ""
	if len(r.Params) > 0 {
		raw, err := json.Marshal(r.Params)
		if err != nil {
			return nil, errs.New("output/csv", errs.CodeSimulation, errs.WithCause(err))
		}
		params = string(raw)
	}
	return []string{
		r.ExecutionID,
		formatInt(r.TimestampMillis),
		formatSession(r.TradingSession),
		r.Type,
		r.Source,
		r.Symbol,
		formatInt(r.SymbolID),
		r.Account,
		price,
		strconv.FormatFloat(r.TradeQty.Float(), 'f', -1, 64),
		strconv.FormatFloat(r.NetQty.Float(), 'f', -1, 64),
		strconv.FormatFloat(r.InventoryContracts.Float(), 'f', -1, 64),
		r.InventoryDollars.String(),
		r.RealisedPnL.String(),
		r.RPnLCum.String(),
		r.UPnL.String(),
		r.UPnLReversal.String(),
		r.RPnLCumHash.String(),
		r.Equity.String(),
		formatBool(r.Cancelled),
		r.CancellationReason,
		r.Simulation,
		r.Hash,
		params,
	}, nil
}
