package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"dexwatch/internal/storage"
)

const defaultExportWindow = 24 * time.Hour

// Export renders recorded updates as CSV and/or a PNG price chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.PNGPath != "" && (opts.Chain == "" || opts.PairAddress == "") {
		return errors.New("--png charts a single pair; --chain and --pair are required")
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

	from, to, err := a.exportWindow(opts)
	if err != nil {
		return err
	}

	updates, err := store.ListUpdatesBetween(ctx, storage.UpdateQuery{
		ChainID:     opts.Chain,
		PairAddress: opts.PairAddress,
		From:        from,
		To:          to,
	})
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		a.Logger.Info().Msg("no updates found for export window")
		return nil
	}

	downsampled := downsampleUpdates(updates, opts.MaxPoints)
	a.Logger.Info().Int("total", len(updates)).Int("exported", len(downsampled)).Msg("exporting updates")

	if opts.CSVPath != "" {
		if err := writeUpdatesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeUpdatesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) exportWindow(opts ExportOptions) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	window := a.Config.Export.Window
	if window <= 0 {
		window = defaultExportWindow
	}
	from := to.Add(-window)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsampleUpdates(updates []storage.PairUpdate, max int) []storage.PairUpdate {
	if max <= 0 || len(updates) <= max {
		return updates
	}
	if max == 1 {
		return updates[len(updates)-1:]
	}

	result := make([]storage.PairUpdate, 0, max)
	step := float64(len(updates)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(updates) {
			idx = len(updates) - 1
		}
		result = append(result, updates[idx])
	}
	return result
}

func writeUpdatesCSV(path string, updates []storage.PairUpdate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "kind", "subscription", "chain_id", "pair_address", "dex_id", "base_symbol", "quote_symbol", "price_usd", "price_native", "volume_h24", "liquidity_usd"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, u := range updates {
		record := []string{
			u.ObservedAt.UTC().Format(time.RFC3339Nano),
			u.Kind,
			u.Subscription,
			u.ChainID,
			u.PairAddress,
			u.DexID,
			u.BaseSymbol,
			u.QuoteSymbol,
			nullString(u.PriceUSD.Valid, u.PriceUSD.Decimal.String()),
			u.PriceNative.String(),
			u.VolumeH24.String(),
			nullString(u.LiquidityUSD.Valid, u.LiquidityUSD.Decimal.String()),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeUpdatesPNG(path string, updates []storage.PairUpdate) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		priceX    []time.Time
		price     []float64
		liqX      []time.Time
		liquidity []float64
	)
	for _, u := range updates {
		if u.PriceUSD.Valid {
			priceX = append(priceX, u.ObservedAt)
			price = append(price, u.PriceUSD.Decimal.InexactFloat64())
		}
		if u.LiquidityUSD.Valid {
			liqX = append(liqX, u.ObservedAt)
			liquidity = append(liquidity, u.LiquidityUSD.Decimal.InexactFloat64())
		}
	}
	if len(price) < 2 {
		return errors.New("need at least two priced updates to draw a chart")
	}

	title := updates[0].BaseSymbol + "/" + updates[0].QuoteSymbol
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price USD",
			XValues: priceX,
			YValues: price,
		},
	}
	if len(liquidity) >= 2 {
		series = append(series, chart.TimeSeries{
			Name:    "Liquidity USD",
			XValues: liqX,
			YValues: liquidity,
			YAxis:   chart.YAxisSecondary,
		})
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price (USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.6g")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Liquidity (USD)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
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

func nullString(valid bool, v string) string {
	if !valid {
		return ""
	}
	return v
}
