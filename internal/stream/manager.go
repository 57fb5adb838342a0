package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"dexwatch/internal/fetcher"
	"dexwatch/internal/filter"
	"dexwatch/internal/metrics"
)

// DefaultInterval is the poll cadence used when a subscription names none.
const DefaultInterval = 200 * time.Millisecond

// Options parameterise a Manager.
type Options struct {
	DefaultInterval time.Duration
	// MaxPairsPerChain caps distinct pair subscriptions per chain. Pair
	// subscriptions beyond the cap are logged and ignored.
	MaxPairsPerChain int
	// BatchSize is the number of addresses per fetch, at most
	// fetcher.MaxAddressesPerRequest.
	BatchSize int
	// StrictAddresses validates addresses against the chain's format.
	StrictAddresses bool
	Clock           clock.Clock
	Metrics         *metrics.Collector
}

// SubscribeOptions are per-call settings. The zero value uses default change
// detection at the manager's default interval.
type SubscribeOptions struct {
	Filter   filter.Config
	Interval time.Duration
}

// Manager owns the subscription registry and the poll loops serving it.
type Manager struct {
	opts       Options
	logger     zerolog.Logger
	fetcher    fetcher.SnapshotFetcher
	clock      clock.Clock
	metrics    *metrics.Collector
	registry   *registry
	dispatcher *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	loops   map[bucket]*loop
	retired map[bucket]<-chan struct{}
}

// NewManager constructs a Manager. Loops start lazily on first subscription.
func NewManager(f fetcher.SnapshotFetcher, opts Options, logger zerolog.Logger) *Manager {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultInterval
	}
	if opts.MaxPairsPerChain <= 0 {
		opts.MaxPairsPerChain = fetcher.MaxAddressesPerRequest
	}
	if opts.BatchSize <= 0 || opts.BatchSize > fetcher.MaxAddressesPerRequest {
		opts.BatchSize = fetcher.MaxAddressesPerRequest
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	logger = logger.With().Str("component", "stream_manager").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts,
		logger:     logger,
		fetcher:    f,
		clock:      clk,
		metrics:    opts.Metrics,
		registry:   newRegistry(opts.MaxPairsPerChain),
		dispatcher: newDispatcher(logger, opts.Metrics),
		ctx:        ctx,
		cancel:     cancel,
		loops:      make(map[bucket]*loop),
		retired:    make(map[bucket]<-chan struct{}),
	}
}

// SubscribePairs registers pair addresses on one chain. Re-subscribing an
// address replaces its callback, filter and interval and resets its cache.
func (m *Manager) SubscribePairs(chainID string, pairAddresses []string, cb PairCallback, opts SubscribeOptions) error {
	if isNilCallback(cb) {
		return ErrNilCallback
	}
	return m.subscribe(KindPair, chainID, pairAddresses, opts, func(e *entry) { e.onPair = cb })
}

// SubscribeTokens registers token addresses on one chain. Each emission
// carries every pair the provider lists for the token.
func (m *Manager) SubscribeTokens(chainID string, tokenAddresses []string, cb TokenCallback, opts SubscribeOptions) error {
	if isNilCallback(cb) {
		return ErrNilCallback
	}
	return m.subscribe(KindToken, chainID, tokenAddresses, opts, func(e *entry) { e.onToken = cb })
}

func (m *Manager) subscribe(kind Kind, chainID string, addresses []string, opts SubscribeOptions, bind func(*entry)) error {
	chain, err := fetcher.NormalizeChain(chainID)
	if err != nil {
		return err
	}
	if len(addresses) == 0 {
		return fetcher.ErrEmptyAddresses
	}
	for _, addr := range addresses {
		if err := fetcher.ValidateAddress(chain, strings.TrimSpace(addr), m.opts.StrictAddresses); err != nil {
			return err
		}
	}
	if opts.Interval < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, opts.Interval)
	}
	interval := opts.Interval
	if interval == 0 {
		interval = m.opts.DefaultInterval
	}
	if err := opts.Filter.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	var (
		seen     = mapset.NewThreadUnsafeSet[string]()
		overflow []string
		fresh    int
		reset    int
	)
	for _, addr := range addresses {
		canonical := fetcher.CanonicalAddress(chain, addr)
		if !seen.Add(canonical) {
			continue
		}

		cfg := opts.Filter.Clone()
		e := &entry{
			key:          Key{Kind: kind, ChainID: chain, Address: canonical},
			interval:     interval,
			filter:       cfg,
			state:        filter.NewState(cfg),
			subscribedAt: m.clock.Now(),
		}
		bind(e)

		switch m.registry.add(e) {
		case added:
			fresh++
		case replaced:
			reset++
			m.logger.Debug().Str("key", e.key.String()).Msg("subscription replaced")
		case rejected:
			overflow = append(overflow, canonical)
		}
	}

	if len(overflow) > 0 {
		m.logger.Warn().
			Str("chain", chain).
			Int("limit", m.opts.MaxPairsPerChain).
			Strs("ignored", overflow).
			Msg("pair subscription limit reached, ignoring overflow")
		m.metrics.OverflowDropped(chain, len(overflow))
	}

	m.logger.Info().
		Str("kind", string(kind)).
		Str("chain", chain).
		Int("added", fresh).
		Dur("interval", interval).
		Str("filter", opts.Filter.String()).
		Msg("subscribed")

	// A running loop may be sleeping on a slower cadence. New and reset keys
	// bootstrap on the next tick, so make that tick happen now.
	if !m.ensureLoop(bucket{chain: chain, kind: kind}) && fresh+reset > 0 {
		m.loops[bucket{chain: chain, kind: kind}].nudge()
	}
	m.updateGauges()
	return nil
}

// UnsubscribePairs removes pair subscriptions. Unknown keys are ignored.
func (m *Manager) UnsubscribePairs(chainID string, pairAddresses []string) {
	m.unsubscribe(KindPair, chainID, pairAddresses)
}

// UnsubscribeTokens removes token subscriptions. Unknown keys are ignored.
func (m *Manager) UnsubscribeTokens(chainID string, tokenAddresses []string) {
	m.unsubscribe(KindToken, chainID, tokenAddresses)
}

func (m *Manager) unsubscribe(kind Kind, chainID string, addresses []string) {
	chain := strings.ToLower(strings.TrimSpace(chainID))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Debug().Str("chain", chain).Msg("unsubscribe after close ignored")
		return
	}

	removed := 0
	for _, addr := range addresses {
		key := Key{Kind: kind, ChainID: chain, Address: fetcher.CanonicalAddress(chain, addr)}
		if m.registry.remove(key) {
			removed++
			continue
		}
		m.logger.Debug().Str("key", key.String()).Msg("unsubscribe of unknown key ignored")
	}
	if removed == 0 {
		return
	}

	m.logger.Info().Str("kind", string(kind)).Str("chain", chain).Int("removed", removed).Msg("unsubscribed")
	m.stopIfEmpty(bucket{chain: chain, kind: kind})
	m.updateGauges()
}

// ensureLoop starts the loop for b if none is running and reports whether it
// did. Callers hold m.mu.
func (m *Manager) ensureLoop(b bucket) bool {
	if _, ok := m.loops[b]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	l := newLoop(b, cancel)
	prev := m.retired[b]
	delete(m.retired, b)
	m.loops[b] = l

	m.wg.Add(1)
	go m.run(ctx, l, prev)
	return true
}

// stopIfEmpty cancels the loop for b once no subscription needs it. It does
// not wait for the loop to exit, so it is safe to call from a callback.
// Callers hold m.mu.
func (m *Manager) stopIfEmpty(b bucket) {
	if len(m.registry.bucket(b)) > 0 {
		return
	}
	l, ok := m.loops[b]
	if !ok {
		return
	}
	l.cancel()
	delete(m.loops, b)
	m.retired[b] = l.done
}

func (m *Manager) updateGauges() {
	m.metrics.SetSubscriptions(string(KindPair), m.registry.count(KindPair))
	m.metrics.SetSubscriptions(string(KindToken), m.registry.count(KindToken))
}

// ActiveSubscriptions lists every registered subscription ordered by kind,
// chain and address.
func (m *Manager) ActiveSubscriptions() []Descriptor {
	entries := m.registry.list()
	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.descriptor()
	}
	return out
}

// HasSubscription reports whether a key is registered.
func (m *Manager) HasSubscription(kind Kind, chainID, address string) bool {
	chain := strings.ToLower(strings.TrimSpace(chainID))
	_, ok := m.registry.get(Key{Kind: kind, ChainID: chain, Address: fetcher.CanonicalAddress(chain, address)})
	return ok
}

// CallbackErrorCount returns how many callbacks failed for an address on a
// chain, across both subscription kinds.
func (m *Manager) CallbackErrorCount(chainID, address string) int64 {
	chain := strings.ToLower(strings.TrimSpace(chainID))
	addr := fetcher.CanonicalAddress(chain, address)
	return m.dispatcher.errorCount(Key{Kind: KindPair, ChainID: chain, Address: addr}) +
		m.dispatcher.errorCount(Key{Kind: KindToken, ChainID: chain, Address: addr})
}

// TotalCallbackErrors returns the number of failed callbacks since start.
func (m *Manager) TotalCallbackErrors() int64 {
	return m.dispatcher.totalErrors()
}

// Closed reports whether Close has been called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close cancels every poll loop, clears the registry and waits for the loops
// and in-flight callbacks until ctx expires. No callback starts after Close
// returns. Calling Close again is a no-op. Close must not be called from a
// synchronous callback.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Debug().Msg("stream manager already closed")
		return nil
	}
	m.closed = true
	m.cancel()
	loops := len(m.loops)
	m.loops = make(map[bucket]*loop)
	m.retired = make(map[bucket]<-chan struct{})
	cleared := m.registry.clear()
	m.mu.Unlock()

	m.updateGauges()

	var firstErr error
	if err := m.dispatcher.close(ctx); err != nil {
		m.logger.Error().Err(err).Msg("callbacks still running at shutdown")
		firstErr = err
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err := fmt.Errorf("waiting for poll loops: %w", ctx.Err())
		m.logger.Error().Err(err).Msg("poll loops still running at shutdown")
		if firstErr == nil {
			firstErr = err
		}
	}

	m.logger.Info().Int("loops", loops).Int("subscriptions", cleared).Msg("streams closed")
	return firstErr
}

func isNilCallback[T any](cb Callback[T]) bool {
	switch fn := cb.(type) {
	case nil:
		return true
	case SyncCallback[T]:
		return fn == nil
	case AsyncCallback[T]:
		return fn == nil
	}
	return false
}
