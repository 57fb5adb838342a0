package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexwatch/internal/alerting"
	"dexwatch/internal/client"
	"dexwatch/internal/config"
	"dexwatch/internal/fetcher"
	"dexwatch/internal/filter"
	"dexwatch/internal/storage"
	"dexwatch/internal/stream"
)

const (
	pairA  = "0x00000000000000000000000000000000000000a1"
	pairB  = "0x00000000000000000000000000000000000000b2"
	tokenA = "0x00000000000000000000000000000000000000c3"
)

func newTestApp(t *testing.T, baseURL string) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Dexscreener: config.DexscreenerConfig{
			BaseURL:        baseURL,
			RequestTimeout: time.Second,
			RetryAttempts:  1,
			RetryDelay:     time.Millisecond,
		},
		Stream: config.StreamConfig{
			DefaultInterval:  5 * time.Millisecond,
			MaxPairsPerChain: 30,
			BatchSize:        30,
		},
		Export: config.ExportConfig{MaxDataPoints: 100, Window: time.Hour},
	}
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestWatchTargetsFromConfigAndFlags(t *testing.T) {
	a, _ := newTestApp(t, "")
	a.Config.Watch = config.WatchConfig{
		Pairs: []config.WatchTarget{{
			Chain:     "ethereum",
			Addresses: []string{pairA},
			Interval:  time.Second,
			Filter:    config.FilterSettings{Preset: "price"},
		}},
		Tokens: []config.WatchTarget{{
			Chain:     "bsc",
			Addresses: []string{tokenA},
			Filter:    config.FilterSettings{Preset: "ui"},
		}},
	}

	subs, err := a.watchTargets(WatchOptions{Chain: "base", Pairs: []string{pairB}, Preset: "none", Interval: time.Minute})
	require.NoError(t, err)
	require.Len(t, subs, 3)

	assert.Equal(t, stream.KindPair, subs[0].kind)
	assert.Equal(t, filter.SignificantPriceChanges(0.01), subs[0].filter)
	assert.Equal(t, stream.KindToken, subs[1].kind)
	assert.Equal(t, "bsc", subs[1].chain)
	assert.Equal(t, subscription{
		kind:      stream.KindPair,
		chain:     "base",
		addresses: []string{pairB},
		interval:  time.Minute,
		filter:    filter.Disabled(),
	}, subs[2])
}

func TestWatchTargetsRejectsBadFlags(t *testing.T) {
	a, _ := newTestApp(t, "")

	_, err := a.watchTargets(WatchOptions{Pairs: []string{pairA}})
	assert.Error(t, err, "chain is required")

	_, err = a.watchTargets(WatchOptions{Chain: "ethereum", Tokens: []string{tokenA}, Preset: "bogus"})
	assert.ErrorIs(t, err, filter.ErrInvalidConfig)

	subs, err := a.watchTargets(WatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestWatchWithoutTargetsFails(t *testing.T) {
	a, _ := newTestApp(t, "")
	err := a.Watch(context.Background(), WatchOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to watch")
}

func TestWatchRecordRequiresDatabase(t *testing.T) {
	a, _ := newTestApp(t, "")
	err := a.Watch(context.Background(), WatchOptions{Chain: "ethereum", Pairs: []string{pairA}, Record: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not configured")
}

func TestUpdateSinkRecordsAndNotifies(t *testing.T) {
	rec := &memoryRecorder{}
	notes := &memoryNotifier{}
	sink := &updateSink{logger: zerolog.Nop(), recorder: rec, notifier: notes, channels: []string{"telegram"}}

	require.NoError(t, sink.pair(context.Background(), testPair(pairA, "1.5")))
	require.NoError(t, sink.token(tokenA)(context.Background(), []fetcher.Pair{testPair(pairA, "1.5"), testPair(pairB, "2")}))

	updates := rec.all()
	require.Len(t, updates, 3)
	assert.Equal(t, "pair", updates[0].Kind)
	assert.Equal(t, pairA, updates[0].Subscription)
	assert.Equal(t, "token", updates[2].Kind)
	assert.Equal(t, tokenA, updates[2].Subscription)
	assert.Equal(t, pairB, updates[2].PairAddress)

	sent := notes.all()
	require.Len(t, sent, 3)
	assert.Equal(t, []string{"telegram"}, sent[0].Channels)
}

func TestUpdateSinkJoinsErrors(t *testing.T) {
	sink := &updateSink{
		logger:   zerolog.Nop(),
		recorder: &memoryRecorder{err: errors.New("db down")},
		notifier: &memoryNotifier{err: errors.New("telegram down")},
	}
	err := sink.pair(context.Background(), testPair(pairA, "1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Contains(t, err.Error(), "telegram down")
}

func TestStreamServiceDeliversUntilCancelled(t *testing.T) {
	rec := &memoryRecorder{}
	dex := client.NewWithFetcher(stubFetcher{}, client.Options{
		Stream: stream.Options{DefaultInterval: 5 * time.Millisecond},
	}, zerolog.Nop())

	svc := &streamService{
		client: dex,
		subs: []subscription{
			{kind: stream.KindPair, chain: "ethereum", addresses: []string{pairA, pairB}, filter: filter.Disabled()},
			{kind: stream.KindToken, chain: "ethereum", addresses: []string{tokenA}},
		},
		sink:   &updateSink{logger: zerolog.Nop(), recorder: rec},
		async:  true,
		logger: zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		var pairs, tokens int
		for _, u := range rec.all() {
			if u.Kind == "pair" {
				pairs++
			} else {
				tokens++
			}
		}
		return pairs >= 4 && tokens >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, dex.HasSubscription(stream.KindToken, "ethereum", tokenA))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream service did not stop")
	}
	assert.Empty(t, dex.GetActiveSubscriptions())
}

func TestPruneServiceDeletesOldUpdates(t *testing.T) {
	rec := &memoryRecorder{}
	svc := &pruneService{store: rec, retention: time.Hour, logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return !rec.prunedBefore().IsZero() }, 2*time.Second, 5*time.Millisecond)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), rec.prunedBefore(), time.Minute)

	cancel()
	assert.NoError(t, <-done)
}

func TestQueryCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/latest/dex/pairs/"):
			_, _ = w.Write([]byte(`{"pairs":[` + pairJSON(pairA) + `]}`))
		case strings.HasPrefix(r.URL.Path, "/latest/dex/search"):
			_, _ = w.Write([]byte(`{"pairs":[` + pairJSON(pairB) + `]}`))
		case strings.HasPrefix(r.URL.Path, "/tokens/v1/"), strings.HasPrefix(r.URL.Path, "/token-pairs/v1/"):
			_, _ = w.Write([]byte(`[` + pairJSON(pairA) + `,` + pairJSON(pairB) + `]`))
		case strings.HasPrefix(r.URL.Path, "/orders/v1/"):
			_, _ = w.Write([]byte(`[{"type":"tokenProfile","status":"approved","paymentTimestamp":1700000000000}]`))
		case strings.HasPrefix(r.URL.Path, "/token-profiles/latest/v1"):
			_, _ = w.Write([]byte(`[{"chainId":"solana","tokenAddress":"So11111111111111111111111111111111111111112","description":"line\nbreak"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a, out := newTestApp(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, a.Pairs(ctx, QueryOptions{Chain: "ethereum", Addresses: []string{pairA}}))
	assert.Contains(t, out.String(), pairA)
	assert.Contains(t, out.String(), "PEPE/WETH")

	out.Reset()
	require.NoError(t, a.Search(ctx, QueryOptions{Query: "pepe"}))
	assert.Contains(t, out.String(), pairB)

	out.Reset()
	require.NoError(t, a.Tokens(ctx, QueryOptions{Chain: "ethereum", Addresses: []string{tokenA}}))
	assert.Contains(t, out.String(), pairA)
	assert.Contains(t, out.String(), pairB)

	out.Reset()
	require.NoError(t, a.Pools(ctx, QueryOptions{Chain: "ethereum", Addresses: []string{tokenA}, Concurrency: 2}))
	assert.Contains(t, out.String(), "# "+tokenA+" (2 pools)")

	out.Reset()
	require.NoError(t, a.Orders(ctx, QueryOptions{Chain: "ethereum", Addresses: []string{tokenA}}))
	assert.Contains(t, out.String(), "approved")
	assert.Contains(t, out.String(), "2023-11-14T22:13:20Z")

	out.Reset()
	require.NoError(t, a.Profiles(ctx, "latest"))
	assert.Contains(t, out.String(), "line break")

	assert.Error(t, a.Profiles(ctx, "bogus"))
	assert.Error(t, a.Orders(ctx, QueryOptions{Chain: "ethereum"}))
	assert.ErrorIs(t, a.Pairs(ctx, QueryOptions{Chain: "nochain", Addresses: []string{pairA}}), fetcher.ErrInvalidChain)
}

func TestChunk(t *testing.T) {
	items := make([]string, 65)
	for i := range items {
		items[i] = "a"
	}
	got := chunk(items, 30)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 30)
	assert.Len(t, got[2], 5)
	assert.Empty(t, chunk(nil, 30))
}

func TestDownsampleUpdates(t *testing.T) {
	updates := make([]storage.PairUpdate, 10)
	for i := range updates {
		updates[i].ID = int64(i)
	}

	assert.Len(t, downsampleUpdates(updates, 0), 10)
	assert.Len(t, downsampleUpdates(updates, 20), 10)

	got := downsampleUpdates(updates, 4)
	require.Len(t, got, 4)
	assert.Equal(t, int64(0), got[0].ID)
	assert.Equal(t, int64(9), got[3].ID)

	one := downsampleUpdates(updates, 1)
	require.Len(t, one, 1)
	assert.Equal(t, int64(9), one[0].ID)
}

func TestExportWindow(t *testing.T) {
	a, _ := newTestApp(t, "")
	to := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	from, gotTo, err := a.exportWindow(ExportOptions{To: &to})
	require.NoError(t, err)
	assert.Equal(t, to, gotTo)
	assert.Equal(t, to.Add(-time.Hour), from)

	later := to.Add(time.Hour)
	_, _, err = a.exportWindow(ExportOptions{From: &later, To: &to})
	assert.Error(t, err)
}

func TestExportValidatesOptions(t *testing.T) {
	a, _ := newTestApp(t, "")
	ctx := context.Background()

	assert.Error(t, a.Export(ctx, ExportOptions{}))
	assert.Error(t, a.Export(ctx, ExportOptions{PNGPath: "out.png"}))

	err := a.Export(ctx, ExportOptions{CSVPath: filepath.Join(t.TempDir(), "out.csv")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not configured")
}

func TestWriteUpdatesCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	updates := recordedUpdates(t, 5)

	csvPath := filepath.Join(dir, "nested", "updates.csv")
	require.NoError(t, writeUpdatesCSV(csvPath, updates))

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, "observed_at", rows[0][0])
	assert.Equal(t, pairA, rows[1][4])
	assert.Equal(t, "", rows[1][11], "missing liquidity is blank")

	pngPath := filepath.Join(dir, "chart.png")
	require.NoError(t, writeUpdatesPNG(pngPath, updates))
	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, writeUpdatesPNG(filepath.Join(dir, "short.png"), updates[:1]))
}

func TestWriteUpdatesTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUpdates(&buf, nil))
	assert.Equal(t, "no updates found\n", buf.String())

	buf.Reset()
	require.NoError(t, writeUpdates(&buf, recordedUpdates(t, 2)))
	assert.Contains(t, buf.String(), "PEPE/WETH")
	assert.Contains(t, buf.String(), "Liquidity USD")
}

func recordedUpdates(t *testing.T, n int) []storage.PairUpdate {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	updates := make([]storage.PairUpdate, 0, n)
	for i := 0; i < n; i++ {
		p := testPair(pairA, "1")
		p.PriceUSD = decimal.NewNullDecimal(decimal.NewFromFloat(1 + float64(i)/100))
		p.FetchedAt = base.Add(time.Duration(i) * time.Minute)
		u, err := storage.NewPairUpdate("pair", pairA, p)
		require.NoError(t, err)
		updates = append(updates, u)
	}
	return updates
}

func testPair(addr, price string) fetcher.Pair {
	return fetcher.Pair{
		ChainID:     "ethereum",
		DexID:       "uniswap",
		PairAddress: addr,
		BaseToken:   fetcher.Token{Address: tokenA, Symbol: "PEPE"},
		QuoteToken:  fetcher.Token{Address: "0xweth", Symbol: "WETH"},
		PriceNative: decimal.RequireFromString(price),
		PriceUSD:    decimal.NewNullDecimal(decimal.RequireFromString(price)),
		FetchedAt:   time.Now(),
	}
}

func pairJSON(addr string) string {
	return `{"chainId":"ethereum","dexId":"uniswap","pairAddress":"` + addr + `",` +
		`"baseToken":{"address":"` + tokenA + `","symbol":"PEPE"},` +
		`"quoteToken":{"address":"0xweth","symbol":"WETH"},` +
		`"priceNative":"0.001","priceUsd":"2.5","volume":{"h24":1000},"liquidity":{"usd":5000}}`
}

// stubFetcher returns one fresh pair per pair address and two pairs for every token.
type stubFetcher struct{}

func (stubFetcher) FetchPairs(_ context.Context, _ string, addrs []string) ([]fetcher.Pair, error) {
	pairs := make([]fetcher.Pair, 0, len(addrs))
	for _, addr := range addrs {
		pairs = append(pairs, testPair(addr, "1"))
	}
	return pairs, nil
}

func (stubFetcher) FetchTokenPairs(_ context.Context, _ string, _ []string) ([]fetcher.Pair, error) {
	return []fetcher.Pair{testPair(pairA, "1"), testPair(pairB, "2")}, nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	updates []storage.PairUpdate
	pruned  time.Time
	err     error
}

func (m *memoryRecorder) InsertPairUpdates(_ context.Context, updates []storage.PairUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.updates = append(m.updates, updates...)
	return nil
}

func (m *memoryRecorder) ListRecentUpdates(context.Context, storage.UpdateQuery) ([]storage.PairUpdate, error) {
	return m.all(), nil
}

func (m *memoryRecorder) ListUpdatesBetween(context.Context, storage.UpdateQuery) ([]storage.PairUpdate, error) {
	return m.all(), nil
}

func (m *memoryRecorder) CountUpdates(context.Context) (int64, error) {
	return int64(len(m.all())), nil
}

func (m *memoryRecorder) DeleteUpdatesBefore(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = olderThan
	return 0, nil
}

func (m *memoryRecorder) all() []storage.PairUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.PairUpdate(nil), m.updates...)
}

func (m *memoryRecorder) prunedBefore() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruned
}

type memoryNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
	err   error
}

func (m *memoryNotifier) Notify(_ context.Context, note alerting.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.notes = append(m.notes, note)
	return nil
}

func (m *memoryNotifier) all() []alerting.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]alerting.Notification(nil), m.notes...)
}
