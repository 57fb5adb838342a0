package app

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"dexwatch/internal/alerting"
	"dexwatch/internal/client"
	"dexwatch/internal/config"
	"dexwatch/internal/fetcher"
	"dexwatch/internal/metrics"
	"dexwatch/internal/storage"
	"dexwatch/internal/stream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; logs go to the logger.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) apiOptions() fetcher.Options {
	cfg := a.Config.Dexscreener
	return fetcher.Options{
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.RequestTimeout,
		UserAgent:         cfg.UserAgent,
		PairsPerMinute:    cfg.PairsPerMinute,
		ProfilesPerMinute: cfg.ProfilesPerMinute,
		RetryAttempts:     cfg.RetryAttempts,
		RetryDelay:        cfg.RetryDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		MaxResponseBytes:  cfg.MaxResponseBytes,
	}
}

func (a *App) newClient(collector *metrics.Collector) *client.Client {
	cfg := a.Config.Stream
	return client.New(client.Options{
		API: a.apiOptions(),
		Stream: stream.Options{
			DefaultInterval:  cfg.DefaultInterval,
			MaxPairsPerChain: cfg.MaxPairsPerChain,
			BatchSize:        cfg.BatchSize,
			StrictAddresses:  cfg.StrictAddresses,
			Metrics:          collector,
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	return alerting.NewCooldownNotifier(telegram, a.Config.Alerting.Cooldown, nil)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// WatchOptions add ad-hoc subscriptions on top of the configured ones.
type WatchOptions struct {
	Chain    string
	Pairs    []string
	Tokens   []string
	Preset   string
	Interval time.Duration
	Record   bool
}

// QueryOptions parameterise the one-shot query commands.
type QueryOptions struct {
	Chain     string
	Addresses []string
	Query     string
	// Concurrency bounds parallel per-token requests.
	Concurrency int
}

// ExportOptions hold parameters for exporting recorded updates.
type ExportOptions struct {
	Chain       string
	PairAddress string
	From        *time.Time
	To          *time.Time
	PNGPath     string
	CSVPath     string
	MaxPoints   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Chain       string
	PairAddress string
	Limit       int
}
