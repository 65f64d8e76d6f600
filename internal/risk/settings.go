package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidSetting is wrapped by every rejection of a key or value.
var ErrInvalidSetting = errors.New("invalid setting")

// OverrideStore reads and writes the ledger's config_overrides table.
type OverrideStore interface {
	ConfigOverrides(ctx context.Context) (map[string]string, error)
	SetConfigOverride(ctx context.Context, key, value string) error
	DeleteConfigOverride(ctx context.Context, key string) error
}

// OverrideReader is the read half of OverrideStore.
type OverrideReader interface {
	ConfigOverrides(ctx context.Context) (map[string]string, error)
}

type param struct {
	key    string
	apply  func(s *Settings, raw string) error
	format func(s Settings) string
}

func floatParam(key string, field func(*Settings) *float64, lo, hi float64, loInclusive bool) param {
	return param{
		key: key,
		apply: func(s *Settings, raw string) error {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return fmt.Errorf("%s: not a number: %q", key, raw)
			}
			if v < lo || (!loInclusive && v == lo) || v > hi {
				open := "["
				if !loInclusive {
					open = "("
				}
				return fmt.Errorf("%s: %v out of range %s%v, %v]", key, v, open, lo, hi)
			}
			*field(s) = v
			return nil
		},
		format: func(s Settings) string {
			return strconv.FormatFloat(*field(&s), 'f', -1, 64)
		},
	}
}

var params = []param{
	floatParam("default_allocation", func(s *Settings) *float64 { return &s.DefaultAllocation }, 0, 1, false),
	floatParam("risk_per_trade", func(s *Settings) *float64 { return &s.RiskPerTrade }, 0, 1, false),
	floatParam("max_portfolio_exposure", func(s *Settings) *float64 { return &s.MaxPortfolioExposure }, 0, 1, false),
	floatParam("max_capital_at_risk", func(s *Settings) *float64 { return &s.MaxCapitalAtRisk }, 0, 1e12, false),
	floatParam("min_trade_usdt", func(s *Settings) *float64 { return &s.MinTradeUSDT }, 0, 1e12, true),
	floatParam("cash_buffer", func(s *Settings) *float64 { return &s.CashBuffer }, 0, 0.5, true),
	floatParam("default_stop_loss_pct", func(s *Settings) *float64 { return &s.DefaultStopLossPct }, 0, 0.99, false),
	floatParam("default_trailing_stop_pct", func(s *Settings) *float64 { return &s.DefaultTrailingStopPct }, 0, 0.99, true),
	floatParam("stop_loss_atr_multiplier", func(s *Settings) *float64 { return &s.StopLossATRMultiplier }, 0, 100, false),
	floatParam("zombie_balance_ratio", func(s *Settings) *float64 { return &s.ZombieBalanceRatio }, 0, 1, true),
	floatParam("orphan_min_value_usdt", func(s *Settings) *float64 { return &s.OrphanMinValueUSDT }, 0, 1e12, true),
	floatParam("mismatch_tolerance", func(s *Settings) *float64 { return &s.MismatchTolerance }, 0, 1, true),
	{
		key: "stop_loss_type",
		apply: func(s *Settings, raw string) error {
			switch t := StopLossType(strings.ToUpper(strings.TrimSpace(raw))); t {
			case StopLossFixed, StopLossATR:
				s.StopLossType = t
				return nil
			}
			return fmt.Errorf("stop_loss_type: want FIXED or ATR, got %q", raw)
		},
		format: func(s Settings) string { return string(s.StopLossType) },
	},
	{
		key: "atr_period",
		apply: func(s *Settings, raw string) error {
			v, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || v < 1 || v > 500 {
				return fmt.Errorf("atr_period: want integer in [1, 500], got %q", raw)
			}
			s.ATRPeriod = v
			return nil
		},
		format: func(s Settings) string { return strconv.Itoa(s.ATRPeriod) },
	},
	{
		key: "enable_trailing_stops",
		apply: func(s *Settings, raw string) error {
			switch strings.ToLower(strings.TrimSpace(raw)) {
			case "1", "true", "yes", "on":
				s.EnableTrailingStops = true
			case "0", "false", "no", "off":
				s.EnableTrailingStops = false
			default:
				return fmt.Errorf("enable_trailing_stops: want true or false, got %q", raw)
			}
			return nil
		},
		format: func(s Settings) string { return strconv.FormatBool(s.EnableTrailingStops) },
	},
}

func lookupParam(key string) (param, bool) {
	for _, p := range params {
		if p.key == key {
			return p, true
		}
	}
	return param{}, false
}

// Keys lists every overridable parameter, sorted.
func Keys() []string {
	out := make([]string, 0, len(params))
	for _, p := range params {
		out = append(out, p.key)
	}
	sort.Strings(out)
	return out
}

// Resolve applies ledger overrides over DefaultSettings. A stored value that
// no longer parses falls back to the default and is logged; unknown keys
// are ignored.
func Resolve(ctx context.Context, store OverrideReader, log *zap.Logger) (Settings, error) {
	s := DefaultSettings()
	overrides, err := store.ConfigOverrides(ctx)
	if err != nil {
		return s, fmt.Errorf("load config overrides: %w", err)
	}
	for key, raw := range overrides {
		p, ok := lookupParam(key)
		if !ok {
			continue
		}
		if err := p.apply(&s, raw); err != nil && log != nil {
			log.Warn("ignoring malformed config override", zap.String("key", key), zap.Error(err))
		}
	}
	return s, nil
}

// ConfigEntry describes one parameter for config listings.
type ConfigEntry struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Default    string `json:"default"`
	Overridden bool   `json:"overridden"`
}

// Describe returns every parameter with its effective and default value.
func Describe(ctx context.Context, store OverrideReader, log *zap.Logger) ([]ConfigEntry, error) {
	overrides, err := store.ConfigOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config overrides: %w", err)
	}
	effective, err := Resolve(ctx, store, log)
	if err != nil {
		return nil, err
	}
	defaults := DefaultSettings()
	out := make([]ConfigEntry, 0, len(params))
	for _, key := range Keys() {
		p, _ := lookupParam(key)
		_, overridden := overrides[key]
		out = append(out, ConfigEntry{
			Key:        key,
			Value:      p.format(effective),
			Default:    p.format(defaults),
			Overridden: overridden,
		})
	}
	return out, nil
}

// Normalize validates value for key and returns its canonical stored form.
func Normalize(key, value string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	p, ok := lookupParam(key)
	if !ok {
		return "", fmt.Errorf("%w: unknown config key %q (known: %s)", ErrInvalidSetting, key, strings.Join(Keys(), ", "))
	}
	s := DefaultSettings()
	if err := p.apply(&s, value); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	return p.format(s), nil
}

// SetOverride validates and stores an override.
func SetOverride(ctx context.Context, store OverrideStore, key, value string) (ConfigEntry, error) {
	canonical, err := Normalize(key, value)
	if err != nil {
		return ConfigEntry{}, err
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if err := store.SetConfigOverride(ctx, key, canonical); err != nil {
		return ConfigEntry{}, fmt.Errorf("store config override: %w", err)
	}
	p, _ := lookupParam(key)
	return ConfigEntry{Key: key, Value: canonical, Default: p.format(DefaultSettings()), Overridden: true}, nil
}

// UnsetOverride removes an override so the default applies again.
func UnsetOverride(ctx context.Context, store OverrideStore, key string) (ConfigEntry, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	p, ok := lookupParam(key)
	if !ok {
		return ConfigEntry{}, fmt.Errorf("%w: unknown config key %q", ErrInvalidSetting, key)
	}
	if err := store.DeleteConfigOverride(ctx, key); err != nil {
		return ConfigEntry{}, err
	}
	def := p.format(DefaultSettings())
	return ConfigEntry{Key: key, Value: def, Default: def}, nil
}
