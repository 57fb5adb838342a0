package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"dexwatch/internal/fetcher"
)

const defaultQueryConcurrency = 4

// Pairs prints the current snapshot of pair addresses on one chain.
func (a *App) Pairs(ctx context.Context, opts QueryOptions) error {
	api := a.newClient(nil)
	var all []fetcher.Pair
	for _, batch := range chunk(opts.Addresses, fetcher.MaxAddressesPerRequest) {
		pairs, err := api.GetPairsByPairAddresses(ctx, opts.Chain, batch)
		if err != nil {
			return err
		}
		all = append(all, pairs...)
	}
	return writePairs(a.Out, all)
}

// Tokens prints every pair listed for the given tokens, fetching batches in
// parallel.
func (a *App) Tokens(ctx context.Context, opts QueryOptions) error {
	api := a.newClient(nil)
	batches := chunk(opts.Addresses, fetcher.MaxAddressesPerRequest)
	results := make([][]fetcher.Pair, len(batches))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(opts.Concurrency))
	for i, batch := range batches {
		g.Go(func() error {
			pairs, err := api.GetPairsByTokenAddresses(ctx, opts.Chain, batch)
			if err != nil {
				return err
			}
			results[i] = pairs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var all []fetcher.Pair
	for _, pairs := range results {
		all = append(all, pairs...)
	}
	return writePairs(a.Out, all)
}

// Pools prints the pools of each token, including pools without USD pricing.
func (a *App) Pools(ctx context.Context, opts QueryOptions) error {
	api := a.newClient(nil)

	var (
		mu  sync.Mutex
		all = make(map[string][]fetcher.Pair, len(opts.Addresses))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(opts.Concurrency))
	for _, token := range opts.Addresses {
		g.Go(func() error {
			pools, err := api.GetPoolsByTokenAddress(ctx, opts.Chain, token)
			if err != nil {
				return fmt.Errorf("pools of %s: %w", token, err)
			}
			mu.Lock()
			all[token] = pools
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, token := range opts.Addresses {
		fmt.Fprintf(a.Out, "# %s (%d pools)\n", token, len(all[token]))
		if err := writePairs(a.Out, all[token]); err != nil {
			return err
		}
	}
	return nil
}

// Search prints the pairs matching a free-text query.
func (a *App) Search(ctx context.Context, opts QueryOptions) error {
	pairs, err := a.newClient(nil).SearchPairs(ctx, opts.Query)
	if err != nil {
		return err
	}
	return writePairs(a.Out, pairs)
}

// Profiles prints the latest token profiles, boosted tokens or most active
// boosts depending on which.
func (a *App) Profiles(ctx context.Context, which string) error {
	api := a.newClient(nil)

	var (
		infos []fetcher.TokenInfo
		err   error
	)
	switch which {
	case "", "latest":
		infos, err = api.GetLatestTokenProfiles(ctx)
	case "boosted":
		infos, err = api.GetLatestBoostedTokens(ctx)
	case "top":
		infos, err = api.GetTokensMostActive(ctx)
	default:
		return fmt.Errorf("unknown profile listing %q (latest, boosted, top)", which)
	}
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Chain\tToken\tAmount\tTotal\tDescription")
	for _, info := range infos {
		fmt.Fprintf(writer, "%s\t%s\t%g\t%g\t%s\n",
			info.ChainID,
			info.TokenAddress,
			info.Amount,
			info.TotalAmount,
			truncate(sanitizeInline(info.Description), 60),
		)
	}
	return writer.Flush()
}

// Orders prints the paid orders of one token.
func (a *App) Orders(ctx context.Context, opts QueryOptions) error {
	if len(opts.Addresses) != 1 {
		return errors.New("exactly one token address is required")
	}
	orders, err := a.newClient(nil).GetOrdersPaidOfToken(ctx, opts.Chain, opts.Addresses[0])
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Type\tStatus\tPaid (UTC)")
	for _, o := range orders {
		paid := ""
		if o.PaymentTimestamp > 0 {
			paid = time.UnixMilli(o.PaymentTimestamp).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", o.Type, o.Status, paid)
	}
	return writer.Flush()
}

func writePairs(out io.Writer, pairs []fetcher.Pair) error {
	if len(pairs) == 0 {
		fmt.Fprintln(out, "no pairs found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Chain\tDex\tPair\tSymbol\tPrice USD\tPrice Native\tVolume 24h\tLiquidity USD\tChange 1h%")
	for _, p := range pairs {
		liquidity := ""
		if p.Liquidity != nil && p.Liquidity.USD != nil {
			liquidity = fmt.Sprintf("%.0f", *p.Liquidity.USD)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%.0f\t%s\t%.2f\n",
			p.ChainID,
			p.DexID,
			p.PairAddress,
			p.BaseToken.Symbol+"/"+p.QuoteToken.Symbol,
			priceString(p),
			p.PriceNative.String(),
			p.Volume.H24,
			liquidity,
			p.PriceChange.H1,
		)
	}
	return writer.Flush()
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

func concurrency(n int) int {
	if n <= 0 {
		return defaultQueryConcurrency
	}
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
