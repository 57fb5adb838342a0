package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/goleak"

	"dexwatch/internal/fetcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fetchFunc func(ctx context.Context, chain string, addrs []string, call int) ([]fetcher.Pair, error)

// fakeFetcher records every call and answers through the configured funcs.
// Without a func it returns one priced pair per requested address.
type fakeFetcher struct {
	mu         sync.Mutex
	pairCalls  [][]string
	tokenCalls [][]string
	onPairs    fetchFunc
	onTokens   fetchFunc
}

func (f *fakeFetcher) FetchPairs(ctx context.Context, chain string, addrs []string) ([]fetcher.Pair, error) {
	f.mu.Lock()
	f.pairCalls = append(f.pairCalls, append([]string(nil), addrs...))
	call, fn := len(f.pairCalls), f.onPairs
	f.mu.Unlock()

	if fn == nil {
		out := make([]fetcher.Pair, len(addrs))
		for i, a := range addrs {
			out[i] = testPair(chain, a, "0xbase", "1")
		}
		return out, nil
	}
	return fn(ctx, chain, addrs, call)
}

func (f *fakeFetcher) FetchTokenPairs(ctx context.Context, chain string, addrs []string) ([]fetcher.Pair, error) {
	f.mu.Lock()
	f.tokenCalls = append(f.tokenCalls, append([]string(nil), addrs...))
	call, fn := len(f.tokenCalls), f.onTokens
	f.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, chain, addrs, call)
}

func (f *fakeFetcher) pairCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pairCalls)
}

func (f *fakeFetcher) tokenCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokenCalls)
}

func (f *fakeFetcher) calls(kind Kind) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == KindPair {
		return append([][]string(nil), f.pairCalls...)
	}
	return append([][]string(nil), f.tokenCalls...)
}

func testPair(chain, address, baseToken, price string) fetcher.Pair {
	p := decimal.RequireFromString(price)
	return fetcher.Pair{
		ChainID:     chain,
		DexID:       "uniswap",
		PairAddress: address,
		BaseToken:   fetcher.Token{Address: baseToken, Symbol: "BASE"},
		QuoteToken:  fetcher.Token{Address: "0xquote", Symbol: "USDC"},
		PriceNative: p,
		PriceUSD:    decimal.NewNullDecimal(p),
	}
}

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) record(_ context.Context, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
	return nil
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newTestManager(t *testing.T, f fetcher.SnapshotFetcher, opts Options) *Manager {
	t.Helper()
	m := NewManager(f, opts, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

const (
	fast    = 5 * time.Millisecond
	waitFor = 2 * time.Second
)
