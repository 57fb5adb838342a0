package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"dexwatch/internal/metrics"
)

// dispatcher invokes callbacks and isolates their failures. Once closed it
// drops every further invocation.
type dispatcher struct {
	logger  zerolog.Logger
	metrics *metrics.Collector

	// ctx is handed to asynchronous callbacks and cancelled on close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	errMu  sync.Mutex
	errors map[Key]int64
	total  int64
}

func newDispatcher(logger zerolog.Logger, m *metrics.Collector) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		errors:  make(map[Key]int64),
	}
}

// dispatch runs fn inline, or on a tracked goroutine when async is set. It
// reports whether the invocation was accepted. The lock only guards the
// admission check, so a hung callback never blocks close.
func (d *dispatcher) dispatch(ctx context.Context, key Key, async bool, fn func(context.Context) error) bool {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return false
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	if !async {
		defer d.wg.Done()
		d.invoke(ctx, key, fn)
		return true
	}

	go func() {
		defer d.wg.Done()
		d.invoke(d.ctx, key, fn)
	}()
	return true
}

func (d *dispatcher) invoke(ctx context.Context, key Key, fn func(context.Context) error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("callback panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	if err == nil {
		return
	}

	d.errMu.Lock()
	d.errors[key]++
	d.total++
	d.errMu.Unlock()
	d.metrics.CallbackFailed(string(key.Kind))

	d.logger.Error().Err(err).
		Str("kind", string(key.Kind)).
		Str("chain", key.ChainID).
		Str("address", key.Address).
		Msg("callback failed")
}

func (d *dispatcher) errorCount(key Key) int64 {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.errors[key]
}

func (d *dispatcher) totalErrors() int64 {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.total
}

// close stops accepting invocations and waits for every in-flight callback
// until ctx expires. Asynchronous callbacks see their context cancelled once
// close returns.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	defer d.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for callbacks: %w", ctx.Err())
	}
}
