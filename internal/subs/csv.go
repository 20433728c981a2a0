package subs

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/schema"
)

// csvColumns is the canonical header; readers accept any column order and
// ignore unknown columns.
var csvColumns = []string{
	"timestamp_millis", "source", "symbol", "symbol_id", "account",
	"event_type", "price", "bid_px", "ask_px", "bid_qty", "ask_qty",
	"contract_qty", "order_id", "order_filled", "rate_to_usd", "currency",
	"contract_unit_of_measure", "price_increment", "contract_size",
	"unit_price", "booking_risk", "internalisation_risk", "apply_sampling",
}

// CSVSubscription reads rows from `<root>/<date>/<symbol>.csv`.
type CSVSubscription struct {
	SubName string
	Root    string
	PerDay  bool
}

func (s *CSVSubscription) Name() string { return s.SubName }

// Subscribe verifies the data root exists.
func (s *CSVSubscription) Subscribe(context.Context) error {
	info, err := os.Stat(s.Root)
	if err != nil {
		return errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	if !info.IsDir() {
		return errs.New("subs/csv", errs.CodeData,
			errs.WithMessage(s.Root+" is not a directory"))
	}
	return nil
}

func (s *CSVSubscription) LoadBySession() bool { return s.PerDay }

// Get implements Subscription.
func (s *CSVSubscription) Get(ctx context.Context, start, end time.Time, instruments []string, _ string) (*schema.Frame, error) {
	out := &schema.Frame{}
	for day := schema.Date(start); !day.After(schema.Date(end)); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, symbol := range instruments {
			path := filepath.Join(s.Root, schema.DateString(day), symbolFile(symbol))
			rows, err := ReadRowsCSV(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, err
			}
			out.Append(rows...)
		}
	}
	out.SortStable()
	return out, nil
}

// symbolFile maps a symbol to its file name; path separators in symbols
// (e.g. EUR/USD) are flattened.
func symbolFile(symbol string) string {
	out := make([]byte, len(symbol))
	for i := 0; i < len(symbol); i++ {
		c := symbol[i]
		if c == '/' || c == os.PathSeparator {
			c = '-'
		}
		out[i] = c
	}
	return string(out) + ".csv"
}

// ReadRowsCSV parses one per-day per-symbol file.
func ReadRowsCSV(path string) ([]schema.Row, error) {
	// #nosec G304 -- paths are built from operator-provided data roots.
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	defer file.Close()

	r := csv.NewReader(file)
	header, err := r.Read()
	if err != nil {
		return nil, errs.New("subs/csv", errs.CodeData,
			errs.WithMessage("read header of "+path), errs.WithCause(err))
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	if _, ok := idx["timestamp_millis"]; !ok {
		return nil, errs.New("subs/csv", errs.CodeData,
			errs.WithMessage(path+" missing timestamp_millis column"))
	}

	var rows []schema.Row
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.New("subs/csv", errs.CodeData, errs.WithCause(err))
		}
		row, err := decodeRow(record, idx)
		if err != nil {
			return nil, errs.New("subs/csv", errs.CodeData,
				errs.WithMessage("bad record in "+path), errs.WithCause(err))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeRow(record []string, idx map[string]int) (schema.Row, error) {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var row schema.Row
	ts, err := strconv.ParseInt(field("timestamp_millis"), 10, 64)
	if err != nil {
		return row, fmt.Errorf("parse timestamp_millis: %w", err)
	}
	row.TimestampMillis = ts
	row.Source = field("source")
	row.Symbol = field("symbol")
	row.Account = field("account")
	row.EventType = schema.EventType(field("event_type"))
	row.OrderID = field("order_id")
	row.OrderFilled = field("order_filled") == "1"
	row.ApplySampling = field("apply_sampling") == "1"

	if v := field("symbol_id"); v != "" {
		if row.SymbolID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return row, fmt.Errorf("parse symbol_id: %w", err)
		}
	}
	if row.Px, row.HasPx, err = parsePx(field("price")); err != nil {
		return row, err
	}
	if row.BidPx, row.HasBid, err = parsePx(field("bid_px")); err != nil {
		return row, err
	}
	if row.AskPx, row.HasAsk, err = parsePx(field("ask_px")); err != nil {
		return row, err
	}
	if row.BidQty, err = parseQty(field("bid_qty")); err != nil {
		return row, err
	}
	if row.AskQty, err = parseQty(field("ask_qty")); err != nil {
		return row, err
	}
	if row.ContractQty, err = parseQty(field("contract_qty")); err != nil {
		return row, err
	}
	if v := field("rate_to_usd"); v != "" {
		if row.RateToUSD, err = decimal.NewFromString(v); err != nil {
			return row, fmt.Errorf("parse rate_to_usd: %w", err)
		}
	}
	if v := field("booking_risk"); v != "" {
		if row.BookingRisk, err = decimal.NewFromString(v); err != nil {
			return row, fmt.Errorf("parse booking_risk: %w", err)
		}
		row.HasBookingRisk = true
	}
	if v := field("internalisation_risk"); v != "" {
		if row.InternalisationRisk, err = decimal.NewFromString(v); err != nil {
			return row, fmt.Errorf("parse internalisation_risk: %w", err)
		}
		row.HasInternalisationRisk = true
	}

	row.Instrument.Currency = field("currency")
	row.Instrument.ContractUnitOfMeasure = field("contract_unit_of_measure")
	if row.Instrument.PriceIncrement, _, err = parsePx(field("price_increment")); err != nil {
		return row, err
	}
	if v := field("contract_size"); v != "" {
		if row.Instrument.ContractSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return row, fmt.Errorf("parse contract_size: %w", err)
		}
	}
	if v := field("unit_price"); v != "" {
		if row.Instrument.UnitPrice, err = strconv.ParseInt(v, 10, 64); err != nil {
			return row, fmt.Errorf("parse unit_price: %w", err)
		}
	}
	return row, nil
}

func parsePx(v string) (numeric.Px, bool, error) {
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse price %q: %w", v, err)
	}
	return numeric.PxFromFloat(f), true, nil
}

func parseQty(v string) (numeric.Qty, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", v, err)
	}
	return numeric.QtyFromFloat(f), nil
}

// WriteRowsCSV writes rows to path atomically: a temp file in the target
// directory renamed into place, so concurrent fills of disjoint files never
// expose partial data.
func WriteRowsCSV(path string, rows []schema.Row) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(csvColumns); err != nil {
		tmp.Close()
		return errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	for i := range rows {
		if err := w.Write(encodeRow(&rows[i])); err != nil {
			tmp.Close()
			return errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	if err := tmp.Close(); err != nil {
		return errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.New("subs/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	return nil
}

func encodeRow(r *schema.Row) []string {
	px := func(v numeric.Px, has bool) string {
		if !has {
			return ""
		}
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	}
	qty := func(v numeric.Qty) string {
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	}
	flag := func(v bool) string {
		if v {
			return "1"
		}
		return ""
	}
	dec := func(v decimal.Decimal, has bool) string {
		if !has {
			return ""
		}
		return v.String()
	}
	return []string{
		strconv.FormatInt(r.TimestampMillis, 10),
		r.Source,
		r.Symbol,
		strconv.FormatInt(r.SymbolID, 10),
		r.Account,
		string(r.EventType),
		px(r.Px, r.HasPx),
		px(r.BidPx, r.HasBid),
		px(r.AskPx, r.HasAsk),
		qty(r.BidQty),
		qty(r.AskQty),
		qty(r.ContractQty),
		r.OrderID,
		flag(r.OrderFilled),
		dec(r.RateToUSD, !r.RateToUSD.IsZero()),
		r.Instrument.Currency,
		r.Instrument.ContractUnitOfMeasure,
		px(r.Instrument.PriceIncrement, r.Instrument.PriceIncrement != 0),
		strconv.FormatInt(r.Instrument.ContractSize, 10),
		strconv.FormatInt(r.Instrument.UnitPrice, 10),
		dec(r.BookingRisk, r.HasBookingRisk),
		dec(r.InternalisationRisk, r.HasInternalisationRisk),
		flag(r.ApplySampling),
	}
}
