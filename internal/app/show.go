package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"dexwatch/internal/storage"
)

// Show prints recently recorded updates.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show updates")
	}
	if closeStore != nil {
		defer closeStore()
	}

	updates, err := store.ListRecentUpdates(ctx, storage.UpdateQuery{
		ChainID:     opts.Chain,
		PairAddress: opts.PairAddress,
		Limit:       opts.Limit,
	})
	if err != nil {
		return err
	}
	return writeUpdates(a.Out, updates)
}

func writeUpdates(out io.Writer, updates []storage.PairUpdate) error {
	if len(updates) == 0 {
		fmt.Fprintln(out, "no updates found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tChain\tPair\tSymbol\tPrice USD\tVolume 24h\tLiquidity USD")
	for _, u := range updates {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			u.ObservedAt.UTC().Format(time.RFC3339),
			u.Kind,
			u.ChainID,
			u.PairAddress,
			u.BaseSymbol+"/"+u.QuoteSymbol,
			formatNullDecimal(u.PriceUSD, 8),
			formatDecimal(u.VolumeH24, 0),
			formatNullDecimal(u.LiquidityUSD, 0),
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatNullDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}
