package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dexwatch/internal/alerting"
	"dexwatch/internal/client"
	"dexwatch/internal/fetcher"
	"dexwatch/internal/filter"
	"dexwatch/internal/metrics"
	"dexwatch/internal/scheduler"
	"dexwatch/internal/storage"
	"dexwatch/internal/stream"
)

const pruneInterval = time.Hour

type subscription struct {
	kind      stream.Kind
	chain     string
	addresses []string
	interval  time.Duration
	filter    filter.Config
}

// Watch subscribes to the configured and flagged targets and handles updates
// until interrupted.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	subs, err := a.watchTargets(opts)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return errors.New("nothing to watch; configure watch targets or pass --pair/--token")
	}

	sink := &updateSink{
		logger:   a.Logger.With().Str("component", "watch").Logger(),
		notifier: a.newNotifier(),
		channels: a.Config.Alerting.Channels,
	}

	var store *storage.Store
	if opts.Record {
		var closeStore func()
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database not configured; cannot record updates")
		}
		defer closeStore()

		if dir := a.Config.Database.MigrationsPath; dir != "" {
			if err := store.Migrate(ctx, dir); err != nil {
				return err
			}
		}

		unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Database.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return errors.New("another recorder holds the advisory lock")
		}
		defer unlock()
		sink.recorder = store
	}

	collector := metrics.NewCollector()
	dex := a.newClient(collector)

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(actor(ctx, &streamService{client: dex, subs: subs, sink: sink, async: a.Config.Stream.AsyncCallbacks, logger: a.Logger}))
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		g.Add(a.metricsServer(addr, collector))
	}
	if store != nil && a.Config.Database.Retention > 0 {
		g.Add(actor(ctx, &pruneService{store: store, retention: a.Config.Database.Retention, logger: a.Logger}))
	}

	a.Logger.Info().Int("subscriptions", len(subs)).Bool("record", opts.Record).Msg("starting watch")
	err = g.Run()

	var sigErr run.SignalError
	if err == nil || errors.As(err, &sigErr) || errors.Is(err, context.Canceled) {
		a.Logger.Info().Msg("watch stopped")
		return nil
	}
	a.Logger.Error().Err(err).Msg("watch terminated with error")
	return err
}

func (a *App) watchTargets(opts WatchOptions) ([]subscription, error) {
	var subs []subscription
	for i, t := range a.Config.Watch.Pairs {
		cfg, err := t.Filter.Build()
		if err != nil {
			return nil, fmt.Errorf("watch.pairs[%d]: %w", i, err)
		}
		subs = append(subs, subscription{kind: stream.KindPair, chain: t.Chain, addresses: t.Addresses, interval: t.Interval, filter: cfg})
	}
	for i, t := range a.Config.Watch.Tokens {
		cfg, err := t.Filter.Build()
		if err != nil {
			return nil, fmt.Errorf("watch.tokens[%d]: %w", i, err)
		}
		subs = append(subs, subscription{kind: stream.KindToken, chain: t.Chain, addresses: t.Addresses, interval: t.Interval, filter: cfg})
	}

	if len(opts.Pairs) == 0 && len(opts.Tokens) == 0 {
		return subs, nil
	}
	if strings.TrimSpace(opts.Chain) == "" {
		return nil, errors.New("--chain is required with --pair or --token")
	}
	cfg, err := filter.ByName(opts.Preset)
	if err != nil {
		return nil, err
	}
	if len(opts.Pairs) > 0 {
		subs = append(subs, subscription{kind: stream.KindPair, chain: opts.Chain, addresses: opts.Pairs, interval: opts.Interval, filter: cfg})
	}
	if len(opts.Tokens) > 0 {
		subs = append(subs, subscription{kind: stream.KindToken, chain: opts.Chain, addresses: opts.Tokens, interval: opts.Interval, filter: cfg})
	}
	return subs, nil
}

func (a *App) metricsServer(addr string, collector *metrics.Collector) (func() error, func(error)) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	path := a.Config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return func() error {
			a.Logger.Info().Str("addr", addr).Str("path", path).Msg("serving metrics")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}
}

type service interface {
	Run(ctx context.Context) error
}

func actor(ctx context.Context, svc service) (func() error, func(err error)) {
	ctx, cancel := context.WithCancelCause(ctx)

	return func() error {
			return svc.Run(ctx)
		}, func(err error) {
			cancel(err)
		}
}

// streamService owns the subscriptions for the lifetime of the watch.
type streamService struct {
	client *client.Client
	subs   []subscription
	sink   *updateSink
	async  bool
	logger zerolog.Logger
}

func (s *streamService) Run(ctx context.Context) error {
	defer func() {
		if err := s.client.CloseStreams(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("closing streams")
		}
	}()

	for _, sub := range s.subs {
		if err := s.subscribe(sub); err != nil {
			return err
		}
	}
	s.logger.Info().Int("active", len(s.client.GetActiveSubscriptions())).Msg("subscriptions active")

	<-ctx.Done()
	return ctx.Err()
}

func (s *streamService) subscribe(sub subscription) error {
	opts := stream.SubscribeOptions{Filter: sub.filter, Interval: sub.interval}
	if sub.kind == stream.KindPair {
		if err := s.client.SubscribePairs(sub.chain, sub.addresses, callback(s.async, s.sink.pair), opts); err != nil {
			return fmt.Errorf("subscribe pairs on %s: %w", sub.chain, err)
		}
		return nil
	}
	// One subscription per token so each update knows which token it belongs to.
	for _, token := range sub.addresses {
		if err := s.client.SubscribeTokens(sub.chain, []string{token}, callback(s.async, s.sink.token(token)), opts); err != nil {
			return fmt.Errorf("subscribe token %s on %s: %w", token, sub.chain, err)
		}
	}
	return nil
}

func callback[T any](async bool, fn func(context.Context, T) error) stream.Callback[T] {
	if async {
		return stream.Async(fn)
	}
	return stream.Sync(fn)
}

// updateSink logs every emitted update and forwards it to the optional
// recorder and notifier.
type updateSink struct {
	logger   zerolog.Logger
	recorder storage.UpdateStore
	notifier alerting.Notifier
	channels []string
}

func (s *updateSink) pair(ctx context.Context, p fetcher.Pair) error {
	s.logger.Info().Str("chain", p.ChainID).
		Str("pair", p.PairAddress).
		Str("symbol", p.BaseToken.Symbol+"/"+p.QuoteToken.Symbol).
		Str("price_usd", priceString(p)).
		Float64("volume_h24", p.Volume.H24).
		Msg("pair update")
	return s.handle(ctx, string(stream.KindPair), p.PairAddress, []fetcher.Pair{p})
}

func (s *updateSink) token(token string) func(context.Context, []fetcher.Pair) error {
	return func(ctx context.Context, pairs []fetcher.Pair) error {
		s.logger.Info().Str("token", token).Int("pairs", len(pairs)).Msg("token update")
		return s.handle(ctx, string(stream.KindToken), token, pairs)
	}
}

func (s *updateSink) handle(ctx context.Context, kind, subscription string, pairs []fetcher.Pair) error {
	var errs []error
	if s.recorder != nil {
		updates := make([]storage.PairUpdate, 0, len(pairs))
		for _, p := range pairs {
			u, err := storage.NewPairUpdate(kind, subscription, p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			updates = append(updates, u)
		}
		if err := s.recorder.InsertPairUpdates(ctx, updates); err != nil {
			errs = append(errs, err)
		}
	}
	if s.notifier != nil {
		for _, p := range pairs {
			if err := s.notifier.Notify(ctx, alerting.NewNotification(kind, p, s.channels)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// pruneService deletes recorded updates older than the retention window.
type pruneService struct {
	store     storage.UpdateStore
	retention time.Duration
	logger    zerolog.Logger
}

func (p *pruneService) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{Interval: pruneInterval, Immediate: true}, p.logger)
	err := sched.Run(ctx, func(ctx context.Context, at time.Time) error {
		deleted, err := p.store.DeleteUpdatesBefore(ctx, at.Add(-p.retention))
		if err != nil {
			return err
		}
		if deleted > 0 {
			p.logger.Info().Int64("deleted", deleted).Msg("pruned recorded updates")
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func priceString(p fetcher.Pair) string {
	if !p.PriceUSD.Valid {
		return ""
	}
	return p.PriceUSD.Decimal.String()
}
