package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"peg-keeper/internal/storage"
)

// Export renders journaled executions as CSV and/or a PNG chart of the DEX price per pair.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListExecutionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	records = filterPair(records, opts.Pair)
	if len(records) == 0 {
		a.Logger.Info().Msg("no executions found for export window")
		return nil
	}

	downsampled := downsampleExecutions(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting executions")

	if opts.CSVPath != "" {
		if err := writeExecutionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeExecutionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterPair(records []storage.ExecutionRecord, pair string) []storage.ExecutionRecord {
	if pair == "" {
		return records
	}
	kept := records[:0:0]
	for _, rec := range records {
		if rec.Pair == pair {
			kept = append(kept, rec)
		}
	}
	return kept
}

func downsampleExecutions(records []storage.ExecutionRecord, max int) []storage.ExecutionRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.ExecutionRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeExecutionsCSV(path string, records []storage.ExecutionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return encodeExecutionsCSV(csv.NewWriter(file), records)
}

func encodeExecutionsCSV(writer *csv.Writer, records []storage.ExecutionRecord) error {
	defer writer.Flush()

	header := []string{"created_at", "block", "pair", "action", "dex_price", "amount_to_sell", "amount_to_buy_min", "outcome", "tx_hash", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		txHash, errMsg := "", ""
		if rec.TxHash != nil {
			txHash = *rec.TxHash
		}
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(rec.BlockNumber, 10),
			rec.Pair,
			rec.Action,
			rec.DexPrice.String(),
			rec.AmountToSell.String(),
			rec.AmountToBuyMin.String(),
			rec.Outcome,
			txHash,
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// priceSeries groups records into one time series per pair, ordered by pair symbol.
func priceSeries(records []storage.ExecutionRecord) []chart.Series {
	x := make(map[string][]time.Time)
	y := make(map[string][]float64)
	for _, rec := range records {
		x[rec.Pair] = append(x[rec.Pair], rec.CreatedAt)
		y[rec.Pair] = append(y[rec.Pair], rec.DexPrice.InexactFloat64())
	}

	pairs := make([]string, 0, len(x))
	for pair := range x {
		// go-chart needs at least two points to draw a line.
		if len(x[pair]) >= 2 {
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)

	series := make([]chart.Series, 0, len(pairs))
	for _, pair := range pairs {
		series = append(series, chart.TimeSeries{
			Name:    pair,
			XValues: x[pair],
			YValues: y[pair],
		})
	}
	return series
}

func writeExecutionsPNG(path string, records []storage.ExecutionRecord) error {
	series := priceSeries(records)
	if len(series) == 0 {
		return errors.New("not enough executions per pair to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "DEX price (reserve0 / reserve1)",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
