package filter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrInvalidConfig is wrapped by every Config validation failure.
var ErrInvalidConfig = errors.New("invalid filter config")

// DefaultFields are watched when a Config names none.
var DefaultFields = []string{"price_usd", "price_native", "volume.h24", "liquidity"}

// Config decides which snapshot changes are worth a callback. The zero value
// watches DefaultFields and emits on any inequality.
type Config struct {
	// Disabled turns change detection off: every poll result is emitted.
	Disabled bool
	// Fields are dotted paths into the snapshot record.
	Fields []string
	// Thresholds maps a watched field to the minimum relative change
	// (|new-old|/|old|) that counts as changed.
	Thresholds map[string]float64
	// MaxUpdatesPerSecond caps emissions per key; zero means unlimited.
	MaxUpdatesPerSecond float64
}

// Validate reports configuration mistakes.
func (c Config) Validate() error {
	if c.Disabled {
		return nil
	}
	if math.IsNaN(c.MaxUpdatesPerSecond) || math.IsInf(c.MaxUpdatesPerSecond, 0) || c.MaxUpdatesPerSecond < 0 {
		return fmt.Errorf("%w: max updates per second %v", ErrInvalidConfig, c.MaxUpdatesPerSecond)
	}
	watched := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.WatchedFields() {
		if strings.TrimSpace(f) == "" || strings.Contains(f, "..") {
			return fmt.Errorf("%w: field path %q", ErrInvalidConfig, f)
		}
		watched[f] = struct{}{}
	}
	for field, t := range c.Thresholds {
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			return fmt.Errorf("%w: threshold for %s is %v", ErrInvalidConfig, field, t)
		}
		if _, ok := watched[field]; !ok {
			return fmt.Errorf("%w: threshold set for unwatched field %s", ErrInvalidConfig, field)
		}
	}
	return nil
}

// WatchedFields returns the effective field list.
func (c Config) WatchedFields() []string {
	if len(c.Fields) == 0 {
		return DefaultFields
	}
	return c.Fields
}

// Clone returns a deep copy so callers cannot mutate a stored config.
func (c Config) Clone() Config {
	out := Config{Disabled: c.Disabled, MaxUpdatesPerSecond: c.MaxUpdatesPerSecond}
	if c.Fields != nil {
		out.Fields = append([]string(nil), c.Fields...)
	}
	if c.Thresholds != nil {
		out.Thresholds = make(map[string]float64, len(c.Thresholds))
		for k, v := range c.Thresholds {
			out.Thresholds[k] = v
		}
	}
	return out
}

func (c Config) String() string {
	if c.Disabled {
		return "disabled"
	}
	parts := make([]string, 0, len(c.WatchedFields()))
	for _, f := range c.WatchedFields() {
		if t, ok := c.Thresholds[f]; ok {
			parts = append(parts, fmt.Sprintf("%s>=%g", f, t))
		} else {
			parts = append(parts, f)
		}
	}
	sort.Strings(parts)
	s := "changes(" + strings.Join(parts, ",") + ")"
	if c.MaxUpdatesPerSecond > 0 {
		s += fmt.Sprintf(" max %g/s", c.MaxUpdatesPerSecond)
	}
	return s
}

// Disabled emits every poll result.
func Disabled() Config {
	return Config{Disabled: true}
}

// SimpleChangeDetection emits when any default field changes at all.
func SimpleChangeDetection() Config {
	return Config{}
}

// SignificantPriceChanges watches only the USD price.
func SignificantPriceChanges(threshold float64) Config {
	return Config{
		Fields:     []string{"price_usd"},
		Thresholds: map[string]float64{"price_usd": threshold},
	}
}

// SignificantAllChanges watches price, volume and liquidity with a threshold each.
func SignificantAllChanges(price, volume, liquidity float64) Config {
	return Config{
		Fields: []string{"price_usd", "volume.h24", "liquidity.usd"},
		Thresholds: map[string]float64{
			"price_usd":     price,
			"volume.h24":    volume,
			"liquidity.usd": liquidity,
		},
	}
}

// RateLimited keeps default change detection but caps the emission rate.
func RateLimited(maxPerSecond float64) Config {
	return Config{MaxUpdatesPerSecond: maxPerSecond}
}

// UIFriendly suits interactive displays.
func UIFriendly() Config {
	return Config{
		Fields: []string{"price_usd", "volume.h24"},
		Thresholds: map[string]float64{
			"price_usd":  0.001,
			"volume.h24": 0.05,
		},
		MaxUpdatesPerSecond: 2,
	}
}

// Monitoring suits dashboards: large moves only, at most one update per five seconds.
func Monitoring() Config {
	cfg := SignificantAllChanges(0.01, 0.10, 0.05)
	cfg.MaxUpdatesPerSecond = 0.2
	return cfg
}

// Preset names accepted by ByName.
const (
	PresetNone        = "none"
	PresetChanges     = "changes"
	PresetPrice       = "price"
	PresetSignificant = "significant"
	PresetRateLimited = "rate-limited"
	PresetUI          = "ui"
	PresetMonitoring  = "monitoring"
)

// ByName resolves a preset with its default parameters.
func ByName(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetNone, "disabled", "off":
		return Disabled(), nil
	case "", PresetChanges, "default":
		return SimpleChangeDetection(), nil
	case PresetPrice:
		return SignificantPriceChanges(0.01), nil
	case PresetSignificant:
		return SignificantAllChanges(0.005, 0.10, 0.05), nil
	case PresetRateLimited:
		return RateLimited(1), nil
	case PresetUI:
		return UIFriendly(), nil
	case PresetMonitoring:
		return Monitoring(), nil
	}
	return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, name)
}
