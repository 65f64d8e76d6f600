package common

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adamSellers/oakley-trading/pkg/cache"
)

// ThrottleConfig sets the request budget and cache horizons of Throttled.
type ThrottleConfig struct {
	RatePerSecond   float64
	Burst           int
	PriceTTL        time.Duration
	AccountTTL      time.Duration
	CandleTTL       time.Duration
	ExchangeInfoTTL time.Duration
	StaleMaxAge     time.Duration
}

// DefaultThrottleConfig mirrors the venue's published limits with headroom.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		RatePerSecond:   10,
		Burst:           10,
		PriceTTL:        15 * time.Second,
		AccountTTL:      10 * time.Second,
		CandleTTL:       time.Minute,
		ExchangeInfoTTL: time.Hour,
		StaleMaxAge:     24 * time.Hour,
	}
}

// Throttled wraps an Exchange with a token bucket and read caches.
// Reads fall back to a stale cached value when the venue is unreachable;
// orders are never cached and are never retried.
type Throttled struct {
	inner   Exchange
	limiter *rate.Limiter
	cfg     ThrottleConfig
	log     *zap.Logger

	prices   *cache.ShardedCache[float64]
	balances *cache.ShardedCache[[]Balance]
	atr      *cache.ShardedCache[float64]
	lots     *cache.ShardedCache[LotFilter]
}

var _ Exchange = (*Throttled)(nil)

const balancesKey = "account"

// NewThrottled wraps inner.
func NewThrottled(inner Exchange, cfg ThrottleConfig, log *zap.Logger) *Throttled {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Throttled{
		inner:    inner,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:      cfg,
		log:      log.With(zap.String("component", "exchange")),
		prices:   cache.New[float64](),
		balances: cache.New[[]Balance](),
		atr:      cache.New[float64](),
		lots:     cache.New[LotFilter](),
	}
}

func cachedRead[V any](ctx context.Context, t *Throttled, c *cache.ShardedCache[V], key string, ttl time.Duration, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Fresh(key, ttl); ok {
		return v, nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		var zero V
		return zero, &NetworkError{Op: "throttle " + key, Err: err}
	}
	v, err := fetch(ctx)
	if err != nil {
		if !IsAuth(err) {
			if stale, ok := c.Stale(key, t.cfg.StaleMaxAge); ok {
				t.log.Warn("serving stale value", zap.String("key", key), zap.Error(err))
				return stale, nil
			}
		}
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// PlaceMarketOrder waits for a token and forwards the order once.
func (t *Throttled) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (Fill, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Fill{}, &NetworkError{Op: "throttle order", Err: err}
	}
	fill, err := t.inner.PlaceMarketOrder(ctx, symbol, side, quantity)
	// Any order attempt may have moved balances.
	t.balances.Delete(balancesKey)
	return fill, err
}

func (t *Throttled) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return cachedRead(ctx, t, t.prices, "price:"+symbol, t.cfg.PriceTTL, func(ctx context.Context) (float64, error) {
		return t.inner.GetPrice(ctx, symbol)
	})
}

// RecordPrice stores a streamed price so reads between ticks skip the REST call.
func (t *Throttled) RecordPrice(symbol string, price float64) {
	if price > 0 {
		t.prices.Set("price:"+symbol, price)
	}
}

func (t *Throttled) GetBalances(ctx context.Context) ([]Balance, error) {
	return cachedRead(ctx, t, t.balances, balancesKey, t.cfg.AccountTTL, t.inner.GetBalances)
}

// GetBalance answers from the cached account snapshot.
func (t *Throttled) GetBalance(ctx context.Context, asset string) (float64, error) {
	balances, err := t.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return 0, nil
}

func (t *Throttled) GetATR(ctx context.Context, symbol string, period int) (float64, error) {
	key := "atr:" + symbol + ":" + strconv.Itoa(period)
	return cachedRead(ctx, t, t.atr, key, t.cfg.CandleTTL, func(ctx context.Context) (float64, error) {
		return t.inner.GetATR(ctx, symbol, period)
	})
}

func (t *Throttled) GetLotFilter(ctx context.Context, symbol string) (LotFilter, error) {
	return cachedRead(ctx, t, t.lots, "lot:"+symbol, t.cfg.ExchangeInfoTTL, func(ctx context.Context) (LotFilter, error) {
		return t.inner.GetLotFilter(ctx, symbol)
	})
}
