package stream

import (
	"errors"
	"time"

	"dexwatch/internal/filter"
)

var (
	// ErrClosed is returned when subscribing on a manager that has been closed.
	ErrClosed = errors.New("stream manager closed")
	// ErrNilCallback is returned when a subscription has no callback.
	ErrNilCallback = errors.New("callback must not be nil")
	// ErrInvalidInterval is returned for a negative poll interval.
	ErrInvalidInterval = errors.New("poll interval must not be negative")
)

// Kind distinguishes pair subscriptions from token-group subscriptions.
type Kind string

const (
	KindPair  Kind = "pair"
	KindToken Kind = "token"
)

// Key identifies one subscription. Address is in canonical form.
type Key struct {
	Kind    Kind
	ChainID string
	Address string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.ChainID + ":" + k.Address
}

// bucket groups the keys served by one poll loop.
type bucket struct {
	chain string
	kind  Kind
}

func (k Key) bucket() bucket {
	return bucket{chain: k.ChainID, kind: k.Kind}
}

// Descriptor describes an active subscription.
type Descriptor struct {
	Type         Kind
	ChainID      string
	Address      string
	Filter       filter.Config
	Interval     time.Duration
	SubscribedAt time.Time
}
