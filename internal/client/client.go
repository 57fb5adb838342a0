package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dexwatch/internal/fetcher"
	"dexwatch/internal/metrics"
	"dexwatch/internal/stream"
)

const defaultShutdownTimeout = 5 * time.Second

// Options parameterise a Client.
type Options struct {
	API             fetcher.Options
	Stream          stream.Options
	ShutdownTimeout time.Duration
}

// Client is the entry point for Dexscreener data: the embedded REST client
// answers one-shot queries and the streaming methods poll for changes.
type Client struct {
	*fetcher.Client

	snapshots       fetcher.SnapshotFetcher
	streamOpts      stream.Options
	shutdownTimeout time.Duration
	logger          zerolog.Logger

	mu      sync.Mutex
	streams *stream.Manager
}

// New constructs a Client. No background work starts until the first
// subscription.
func New(opts Options, logger zerolog.Logger) *Client {
	api := fetcher.NewClient(opts.API, logger)
	return newClient(api, api, opts, logger)
}

// NewWithFetcher constructs a Client whose subscriptions poll f instead of the
// REST client.
func NewWithFetcher(f fetcher.SnapshotFetcher, opts Options, logger zerolog.Logger) *Client {
	return newClient(fetcher.NewClient(opts.API, logger), f, opts, logger)
}

func newClient(api *fetcher.Client, f fetcher.SnapshotFetcher, opts Options, logger zerolog.Logger) *Client {
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &Client{
		Client:          api,
		snapshots:       f,
		streamOpts:      opts.Stream,
		shutdownTimeout: timeout,
		logger:          logger.With().Str("component", "client").Logger(),
	}
}

// Metrics returns the collector the streams report to, if any.
func (c *Client) Metrics() *metrics.Collector {
	return c.streamOpts.Metrics
}

// manager returns the live stream manager, creating one after a close.
func (c *Client) manager() *stream.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams == nil || c.streams.Closed() {
		c.streams = stream.NewManager(c.snapshots, c.streamOpts, c.logger)
	}
	return c.streams
}

// current returns the live stream manager without creating one.
func (c *Client) current() *stream.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams
}

// SubscribePairs polls pair addresses on a chain and calls cb on changes.
func (c *Client) SubscribePairs(chainID string, pairAddresses []string, cb stream.PairCallback, opts stream.SubscribeOptions) error {
	return c.manager().SubscribePairs(chainID, pairAddresses, cb, opts)
}

// SubscribeTokens polls every pair of the given tokens and calls cb with a
// token's full pair list when it changes.
func (c *Client) SubscribeTokens(chainID string, tokenAddresses []string, cb stream.TokenCallback, opts stream.SubscribeOptions) error {
	return c.manager().SubscribeTokens(chainID, tokenAddresses, cb, opts)
}

// UnsubscribePairs stops polling the given pairs.
func (c *Client) UnsubscribePairs(chainID string, pairAddresses []string) {
	if m := c.current(); m != nil {
		m.UnsubscribePairs(chainID, pairAddresses)
	}
}

// UnsubscribeTokens stops polling the given tokens.
func (c *Client) UnsubscribeTokens(chainID string, tokenAddresses []string) {
	if m := c.current(); m != nil {
		m.UnsubscribeTokens(chainID, tokenAddresses)
	}
}

// GetActiveSubscriptions describes every live subscription.
func (c *Client) GetActiveSubscriptions() []stream.Descriptor {
	if m := c.current(); m != nil {
		return m.ActiveSubscriptions()
	}
	return nil
}

// HasSubscription reports whether a pair or token is being polled.
func (c *Client) HasSubscription(kind stream.Kind, chainID, address string) bool {
	if m := c.current(); m != nil {
		return m.HasSubscription(kind, chainID, address)
	}
	return false
}

// CallbackErrorCount returns failed callbacks for an address since the
// streams were last opened.
func (c *Client) CallbackErrorCount(chainID, address string) int64 {
	if m := c.current(); m != nil {
		return m.CallbackErrorCount(chainID, address)
	}
	return 0
}

// CloseStreams stops every subscription and waits for the poll loops. A ctx
// without a deadline is bounded by the configured shutdown timeout.
// Subscribing again afterwards starts fresh streams.
func (c *Client) CloseStreams(ctx context.Context) error {
	c.mu.Lock()
	m := c.streams
	c.streams = nil
	c.mu.Unlock()
	if m == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.shutdownTimeout)
		defer cancel()
	}
	return m.Close(ctx)
}
