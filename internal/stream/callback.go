package stream

import (
	"context"

	"dexwatch/internal/fetcher"
)

// Callback receives emitted updates. Synchronous callbacks run on the poll
// loop before it moves to the next snapshot; asynchronous callbacks run on
// their own goroutine and the loop does not wait for them, so ordering
// between successive asynchronous invocations is not guaranteed.
type Callback[T any] interface {
	Invoke(ctx context.Context, update T) error
	Async() bool
}

// SyncCallback runs inline on the poll loop.
type SyncCallback[T any] func(ctx context.Context, update T) error

// Invoke calls f.
func (f SyncCallback[T]) Invoke(ctx context.Context, update T) error { return f(ctx, update) }

// Async reports false.
func (SyncCallback[T]) Async() bool { return false }

// AsyncCallback runs on a goroutine tracked by the manager.
type AsyncCallback[T any] func(ctx context.Context, update T) error

// Invoke calls f.
func (f AsyncCallback[T]) Invoke(ctx context.Context, update T) error { return f(ctx, update) }

// Async reports true.
func (AsyncCallback[T]) Async() bool { return true }

// Sync wraps fn as a synchronous callback.
func Sync[T any](fn func(ctx context.Context, update T) error) Callback[T] {
	return SyncCallback[T](fn)
}

// Async wraps fn as an asynchronous callback.
func Async[T any](fn func(ctx context.Context, update T) error) Callback[T] {
	return AsyncCallback[T](fn)
}

// PairCallback receives one pair snapshot per emission.
type PairCallback = Callback[fetcher.Pair]

// TokenCallback receives the full pair list of a token per emission.
type TokenCallback = Callback[[]fetcher.Pair]
