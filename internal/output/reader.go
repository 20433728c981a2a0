package output

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/numeric"
	"github.com/coachpo/backsim/internal/stats"
)

// ReadResultsCSV loads a previously written results file, typically to seed
// the results cache before an append-mode run. A missing file yields no rows.
func ReadResultsCSV(path string) ([]stats.ResultRow, error) {
	// #nosec G304 -- path comes from the operator's output section.
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("output/csv", errs.CodeRetryableIO, errs.WithCause(err))
	}
	defer file.Close()

	// Field count is inferred from the first record: files written with
	// store_index carry a leading ordinal column ahead of the result shape.
	cr := csv.NewReader(file)

	var rows []stats.ResultRow
	first := true
	indexed := false
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, errs.New("output/csv", errs.CodeData, errs.WithCause(err))
		}
		if first {
			first = false
			indexed = len(record) == len(resultColumns)+1
			if !indexed && len(record) != len(resultColumns) {
				return nil, errs.New("output/csv", errs.CodeData,
					errs.WithMessage("unexpected column count "+strconv.Itoa(len(record))))
			}
			if record[0] == "index" || record[0] == resultColumns[0] {
				continue
			}
		}
		if indexed {
			record = record[1:]
		}
		row, err := decodeResult(record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func decodeResult(record []string) (stats.ResultRow, error) {
	var row stats.ResultRow
	row.ExecutionID = record[0]

	var err error
	if row.TimestampMillis, err = strconv.ParseInt(record[1], 10, 64); err != nil {
		return row, errs.New("output/csv", errs.CodeData, errs.WithCause(err))
	}
	if record[2] != "" {
		if row.TradingSession, err = time.Parse("2006-01-02", record[2]); err != nil {
			return row, errs.New("output/csv", errs.CodeData, errs.WithCause(err))
		}
	}
	row.Type = record[3]
	row.Source = record[4]
	row.Symbol = record[5]
	if row.SymbolID, err = strconv.ParseInt(record[6], 10, 64); err != nil {
		return row, errs.New("output/csv", errs.CodeData, errs.WithCause(err))
	}
	row.Account = record[7]
	if record[8] != "" {
		px, err := strconv.ParseFloat(record[8], 64)
		if err != nil {
			return row, errs.New("output/csv", errs.CodeData, errs.WithCause(err))
		}
		row.Px = numeric.PxFromFloat(px)
		row.HasPx = true
	}
	if row.TradeQty, err = parseQty(record[9]); err != nil {
		return row, err
	}
	if row.NetQty, err = parseQty(record[10]); err != nil {
		return row, err
	}
	if row.InventoryContracts, err = parseQty(record[11]); err != nil {
		return row, err
	}
	decimals := []struct {
		idx int
		dst *decimal.Decimal
	}{
		{12, &row.InventoryDollars},
		{13, &row.RealisedPnL},
		{14, &row.RPnLCum},
		{15, &row.UPnL},
		{16, &row.UPnLReversal},
		{17, &row.RPnLCumHash},
		{18, &row.Equity},
	}
	for _, d := range decimals {
		if *d.dst, err = parseDecimal(record[d.idx]); err != nil {
			return row, err
		}
	}
	row.Cancelled = record[19] == "1"
	row.CancellationReason = record[20]
	row.Simulation = record[21]
	row.Hash = record[22]
	if record[23] != "" {
		if err := json.Unmarshal([]byte(record[23]), &row.Params); err != nil {
			return row, errs.New("output/csv", errs.CodeData, errs.WithCause(err))
		}
	}
	return row, nil
}

func parseQty(v string) (numeric.Qty, error) {
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errs.New("output/csv", errs.CodeData, errs.WithCause(err))
	}
	return numeric.QtyFromFloat(f), nil
}

func parseDecimal(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errs.New("output/csv", errs.CodeData, errs.WithCause(err))
	}
	return d, nil
}
