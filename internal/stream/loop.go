package stream

import (
	"context"
	"time"

	"dexwatch/internal/fetcher"
	"dexwatch/internal/filter"
	"dexwatch/internal/scheduler"
)

// loop polls one bucket until cancelled.
type loop struct {
	bucket bucket
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

func newLoop(b bucket, cancel context.CancelFunc) *loop {
	return &loop{bucket: b, cancel: cancel, done: make(chan struct{}), wake: make(chan struct{}, 1)}
}

// nudge asks a sleeping loop to poll now. A pending nudge absorbs new ones.
func (l *loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// run drives l. A loop replacing a retired one for the same bucket waits for
// the old loop to exit first, so a key is never polled by two loops at once.
func (m *Manager) run(ctx context.Context, l *loop, prev <-chan struct{}) {
	defer m.wg.Done()
	defer close(l.done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	m.metrics.LoopStarted()
	defer m.metrics.LoopStopped()

	logger := m.logger.With().Str("chain", l.bucket.chain).Str("kind", string(l.bucket.kind)).Logger()
	logger.Debug().Msg("poll loop started")
	defer logger.Debug().Msg("poll loop stopped")

	sched := scheduler.New(scheduler.Options{
		IntervalFunc: func() time.Duration {
			if d, ok := m.registry.interval(l.bucket); ok && d > 0 {
				return d
			}
			return m.opts.DefaultInterval
		},
		Immediate: true,
		Wake:      l.wake,
		Clock:     m.clock,
	}, logger)

	_ = sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return m.poll(ctx, l.bucket)
	})
}

// poll runs one tick for b. Fetch failures are logged per batch and never end
// the loop.
func (m *Manager) poll(ctx context.Context, b bucket) error {
	entries := m.registry.bucket(b)
	if len(entries) == 0 {
		return nil
	}

	for _, batch := range batches(entries, m.opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}

		addrs := make([]string, len(batch))
		for i, e := range batch {
			addrs[i] = e.key.Address
		}

		started := m.clock.Now()
		var (
			pairs []fetcher.Pair
			err   error
		)
		if b.kind == KindPair {
			pairs, err = m.fetcher.FetchPairs(ctx, b.chain, addrs)
		} else {
			pairs, err = m.fetcher.FetchTokenPairs(ctx, b.chain, addrs)
		}
		m.metrics.ObserveFetch(string(b.kind), m.clock.Now().Sub(started), err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error().Err(err).
				Str("chain", b.chain).
				Str("kind", string(b.kind)).
				Strs("addresses", addrs).
				Msg("snapshot fetch failed")
			continue
		}

		if b.kind == KindPair {
			m.routePairs(ctx, b.chain, batch, pairs)
		} else {
			m.routeTokens(ctx, batch, pairs)
		}
	}
	return nil
}

// routePairs delivers pair snapshots in the order the fetcher returned them.
func (m *Manager) routePairs(ctx context.Context, chain string, batch []*entry, pairs []fetcher.Pair) {
	byAddress := make(map[string]*entry, len(batch))
	for _, e := range batch {
		byAddress[e.key.Address] = e
	}

	for _, p := range pairs {
		e, ok := byAddress[fetcher.CanonicalAddress(chain, p.PairAddress)]
		if !ok {
			continue
		}
		// A pair reported twice in one response is delivered once.
		delete(byAddress, e.key.Address)

		pair := p
		m.deliver(ctx, e, func(now time.Time) filter.Decision {
			return e.state.Decide(filter.Record(pair.Record()), now)
		}, func(ctx context.Context) error {
			return e.onPair.Invoke(ctx, pair)
		})
	}
}

// routeTokens builds each token's full pair list from the batch response and
// runs it through the filter as one composite.
func (m *Manager) routeTokens(ctx context.Context, batch []*entry, pairs []fetcher.Pair) {
	for _, e := range batch {
		var (
			members = make(map[string]filter.Record)
			list    []fetcher.Pair
		)
		for _, p := range pairs {
			if !p.HasToken(e.key.Address) {
				continue
			}
			addr := fetcher.CanonicalAddress(e.key.ChainID, p.PairAddress)
			if _, dup := members[addr]; dup {
				continue
			}
			members[addr] = filter.Record(p.Record())
			list = append(list, p)
		}

		m.deliver(ctx, e, func(now time.Time) filter.Decision {
			return e.state.DecideGroup(members, now)
		}, func(ctx context.Context) error {
			return e.onToken.Invoke(ctx, list)
		})
	}
}

// deliver runs the filter for e and dispatches the callback when it emits.
// Entries that were unsubscribed or replaced since the tick started are
// skipped.
func (m *Manager) deliver(ctx context.Context, e *entry, decide func(time.Time) filter.Decision, invoke func(context.Context) error) {
	if ctx.Err() != nil || !m.registry.current(e) {
		return
	}

	d := decide(m.clock.Now())
	m.metrics.ObserveDecision(string(e.key.Kind), string(d.Reason), d.Emit)
	if !d.Emit {
		return
	}

	var async bool
	if e.key.Kind == KindPair {
		async = e.onPair.Async()
	} else {
		async = e.onToken.Async()
	}
	m.dispatcher.dispatch(ctx, e.key, async, invoke)
}

func batches(entries []*entry, size int) [][]*entry {
	if size <= 0 || size > fetcher.MaxAddressesPerRequest {
		size = fetcher.MaxAddressesPerRequest
	}
	var out [][]*entry
	for len(entries) > 0 {
		n := min(size, len(entries))
		out = append(out, entries[:n])
		entries = entries[n:]
	}
	return out
}
