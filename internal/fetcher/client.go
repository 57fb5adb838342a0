package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dexwatch/internal/version"
)

const (
	defaultBaseURL = "https://api.dexscreener.com"
	// DefaultMaxResponseBytes caps a response body. A full 30-pair batch is
	// well under 1 MiB.
	DefaultMaxResponseBytes = 8 << 20
)

// Options parameterise the Dexscreener client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string

	// PairsPerMinute limits the pair, token and search endpoints.
	PairsPerMinute int
	// ProfilesPerMinute limits the profile, boost and order endpoints.
	ProfilesPerMinute int

	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// MaxResponseBytes caps how much of a body is read.
	MaxResponseBytes int64

	Clock      clock.Clock
	HTTPClient *http.Client
}

// Client talks to the Dexscreener REST API.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	client   *http.Client
	clock    clock.Clock
	baseURL  string
	pairs    *rate.Limiter
	profiles *rate.Limiter
}

// NewClient constructs a Dexscreener client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.PairsPerMinute <= 0 {
		opts.PairsPerMinute = 300
	}
	if opts.ProfilesPerMinute <= 0 {
		opts.ProfilesPerMinute = 60
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 5 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		opts:     opts,
		logger:   logger.With().Str("component", "dexscreener_client").Logger(),
		client:   httpClient,
		clock:    clk,
		baseURL:  baseURL,
		pairs:    perMinute(opts.PairsPerMinute),
		profiles: perMinute(opts.ProfilesPerMinute),
	}
}

func perMinute(n int) *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

// get performs a rate-limited GET with retries and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, path string, out any) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return c.getOnce(ctx, limiter, path, out)
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !isRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			c.logger.Debug().Err(err).Int("attempt", attempt).Str("path", path).Msg("request failed")
		},
		Attempts:    c.opts.RetryAttempts,
		Delay:       c.opts.RetryDelay,
		MaxDelay:    c.opts.RetryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return retry.LastError(err)
}

func (c *Client) getOnce(ctx context.Context, limiter *rate.Limiter, path string, out any) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxResponseBytes+1))
	if err != nil {
		return err
	}
	if int64(len(payload)) > c.opts.MaxResponseBytes {
		return &decodeError{err: fmt.Errorf("%s: %w (limit %d bytes)", path, ErrResponseTooLarge, c.opts.MaxResponseBytes)}
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &decodeError{err: fmt.Errorf("%s: %w", path, err)}
	}
	return nil
}

func (c *Client) stamp(pairs []Pair, started time.Time) {
	now := c.clock.Now()
	elapsed := now.Sub(started)
	for i := range pairs {
		pairs[i].RequestDuration = elapsed
		pairs[i].FetchedAt = now
	}
}

var _ SnapshotFetcher = (*Client)(nil)
