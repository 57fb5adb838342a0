package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"dexwatch/internal/fetcher"
	"dexwatch/internal/filter"
	"dexwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Dexscreener DexscreenerConfig `mapstructure:"dexscreener"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Watch       WatchConfig       `mapstructure:"watch"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DexscreenerConfig covers the upstream REST API.
type DexscreenerConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	PairsPerMinute    int           `mapstructure:"pairs_per_minute"`
	ProfilesPerMinute int           `mapstructure:"profiles_per_minute"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	MaxResponseBytes  int64         `mapstructure:"max_response_bytes"`
}

// StreamConfig governs the polling engine.
type StreamConfig struct {
	DefaultInterval  time.Duration `mapstructure:"default_interval"`
	MaxPairsPerChain int           `mapstructure:"max_pairs_per_chain"`
	BatchSize        int           `mapstructure:"batch_size"`
	StrictAddresses  bool          `mapstructure:"strict_addresses"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	AsyncCallbacks   bool          `mapstructure:"async_callbacks"`
}

// WatchConfig lists the subscriptions the watch command opens at start.
type WatchConfig struct {
	Pairs  []WatchTarget `mapstructure:"pairs"`
	Tokens []WatchTarget `mapstructure:"tokens"`
}

// WatchTarget is a group of addresses on one chain sharing a filter.
type WatchTarget struct {
	Chain     string        `mapstructure:"chain"`
	Addresses []string      `mapstructure:"addresses"`
	Interval  time.Duration `mapstructure:"interval"`
	Filter    FilterSettings    `mapstructure:"filter"`
}

// FilterSettings names a preset and optional overrides on top of it. Viper
// splits dotted keys, so a threshold for "volume.h24" arrives as a nested map
// and is flattened back into a path by Build.
type FilterSettings struct {
	Preset              string         `mapstructure:"preset"`
	Fields              []string       `mapstructure:"fields"`
	Thresholds          map[string]any `mapstructure:"thresholds"`
	MaxUpdatesPerSecond float64        `mapstructure:"max_updates_per_second"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	Retention       time.Duration `mapstructure:"retention"`
}

// AlertingConfig defines alert routing for emitted updates.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MetricsConfig exposes prometheus metrics over HTTP when ListenAddr is set.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int           `mapstructure:"max_data_points"`
	Window        time.Duration `mapstructure:"window"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dexwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("dexscreener.base_url", "https://api.dexscreener.com")
	v.SetDefault("dexscreener.request_timeout", "10s")
	v.SetDefault("dexscreener.user_agent", "dexwatch/1.0")
	v.SetDefault("dexscreener.pairs_per_minute", 300)
	v.SetDefault("dexscreener.profiles_per_minute", 60)
	v.SetDefault("dexscreener.retry_attempts", 3)
	v.SetDefault("dexscreener.retry_delay", "500ms")
	v.SetDefault("dexscreener.retry_max_delay", "5s")
	v.SetDefault("dexscreener.max_response_bytes", fetcher.DefaultMaxResponseBytes)

	v.SetDefault("stream.default_interval", "200ms")
	v.SetDefault("stream.max_pairs_per_chain", fetcher.MaxAddressesPerRequest)
	v.SetDefault("stream.batch_size", fetcher.MaxAddressesPerRequest)
	v.SetDefault("stream.strict_addresses", true)
	v.SetDefault("stream.shutdown_timeout", "5s")
	v.SetDefault("stream.async_callbacks", false)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.window", "24h")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.advisory_lock_key", int64(0x64657877))
	v.SetDefault("database.retention", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Stream.DefaultInterval <= 0 {
		return fmt.Errorf("stream.default_interval must be greater than zero")
	}
	if c.Stream.BatchSize <= 0 || c.Stream.BatchSize > fetcher.MaxAddressesPerRequest {
		return fmt.Errorf("stream.batch_size must be between 1 and %d", fetcher.MaxAddressesPerRequest)
	}
	if c.Stream.MaxPairsPerChain <= 0 {
		return fmt.Errorf("stream.max_pairs_per_chain must be greater than zero")
	}
	if c.Dexscreener.PairsPerMinute <= 0 || c.Dexscreener.ProfilesPerMinute <= 0 {
		return fmt.Errorf("dexscreener rate limits must be greater than zero")
	}

	for i, target := range c.Watch.Pairs {
		if err := target.validate(fmt.Sprintf("watch.pairs[%d]", i)); err != nil {
			return err
		}
	}
	for i, target := range c.Watch.Tokens {
		if err := target.validate(fmt.Sprintf("watch.tokens[%d]", i)); err != nil {
			return err
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func (t WatchTarget) validate(path string) error {
	if _, err := fetcher.NormalizeChain(t.Chain); err != nil {
		return fmt.Errorf("%s.chain: %w", path, err)
	}
	if len(t.Addresses) == 0 {
		return fmt.Errorf("%s.addresses must not be empty", path)
	}
	if t.Interval < 0 {
		return fmt.Errorf("%s.interval cannot be negative", path)
	}
	if _, err := t.Filter.Build(); err != nil {
		return fmt.Errorf("%s.filter: %w", path, err)
	}
	return nil
}

// Build resolves the preset and applies the overrides on top of it.
func (f FilterSettings) Build() (filter.Config, error) {
	cfg, err := filter.ByName(f.Preset)
	if err != nil {
		return filter.Config{}, err
	}
	cfg = cfg.Clone()
	if len(f.Fields) > 0 {
		cfg.Fields = append([]string(nil), f.Fields...)
	}
	if len(f.Thresholds) > 0 {
		if cfg.Thresholds == nil {
			cfg.Thresholds = make(map[string]float64, len(f.Thresholds))
		}
		if err := flattenThresholds("", f.Thresholds, cfg.Thresholds); err != nil {
			return filter.Config{}, err
		}
	}
	if f.MaxUpdatesPerSecond > 0 {
		cfg.MaxUpdatesPerSecond = f.MaxUpdatesPerSecond
	}
	if err := cfg.Validate(); err != nil {
		return filter.Config{}, err
	}
	return cfg, nil
}

func flattenThresholds(prefix string, in map[string]any, out map[string]float64) error {
	for key, raw := range in {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := raw.(type) {
		case map[string]any:
			if err := flattenThresholds(path, v, out); err != nil {
				return err
			}
		default:
			t, err := cast.ToFloat64E(v)
			if err != nil {
				return fmt.Errorf("%w: threshold for %s: %v", filter.ErrInvalidConfig, path, err)
			}
			out[path] = t
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
