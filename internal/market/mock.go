// Package market provides an in-memory exchange for local development and tests.
package market

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/pkg/exchanges/common"
)

// MockExchange fills market orders instantly at the configured price and
// keeps balances in memory. Every order attempt is recorded.
type MockExchange struct {
	mu sync.Mutex

	quote    string
	feeRate  float64
	prices   map[string]float64
	balances map[string]float64
	atr      map[string]float64
	lots     map[string]common.LotFilter

	orders   []common.Fill
	attempts int
	nextID   int64

	orderErr  error
	zeroFill  bool
	feeInBase bool
	priceErr  map[string]error
	now       func() time.Time
}

var _ common.Exchange = (*MockExchange)(nil)

// NewMockExchange creates a mock venue quoting in quote with a 0.1% fee.
func NewMockExchange(quote string) *MockExchange {
	if quote == "" {
		quote = "USDT"
	}
	return &MockExchange{
		quote:    quote,
		feeRate:  0.001,
		prices:   make(map[string]float64),
		balances: make(map[string]float64),
		atr:      make(map[string]float64),
		lots:     make(map[string]common.LotFilter),
		priceErr: make(map[string]error),
		now:      time.Now,
	}
}

// ParseBalances reads "USDT=1000,BTC=0.5" into a map.
func ParseBalances(list string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("mock balance %q: want ASSET=QTY", part)
		}
		qty, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("mock balance %q: %w", part, err)
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = qty
	}
	return out, nil
}

func (m *MockExchange) SetFeeRate(rate float64) {
	m.mu.Lock()
	m.feeRate = rate
	m.mu.Unlock()
}

func (m *MockExchange) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	m.prices[symbol] = price
	m.mu.Unlock()
}

func (m *MockExchange) SetBalance(asset string, qty float64) {
	m.mu.Lock()
	m.balances[asset] = qty
	m.mu.Unlock()
}

func (m *MockExchange) SetATR(symbol string, atr float64) {
	m.mu.Lock()
	m.atr[symbol] = atr
	m.mu.Unlock()
}

func (m *MockExchange) SetLotFilter(symbol string, f common.LotFilter) {
	m.mu.Lock()
	m.lots[symbol] = f
	m.mu.Unlock()
}

// ChargeFeeInBase takes buy commissions out of the bought asset instead of
// the quote balance, as Binance does by default.
func (m *MockExchange) ChargeFeeInBase(on bool) {
	m.mu.Lock()
	m.feeInBase = on
	m.mu.Unlock()
}

// FillNothing makes following orders come back accepted but with nothing
// executed, like an expired market order.
func (m *MockExchange) FillNothing(on bool) {
	m.mu.Lock()
	m.zeroFill = on
	m.mu.Unlock()
}

// FailOrders makes every following order attempt return err (nil clears it).
func (m *MockExchange) FailOrders(err error) {
	m.mu.Lock()
	m.orderErr = err
	m.mu.Unlock()
}

// FailPrice makes price reads for symbol return err (nil clears it).
func (m *MockExchange) FailPrice(symbol string, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.priceErr, symbol)
	} else {
		m.priceErr[symbol] = err
	}
	m.mu.Unlock()
}

// Orders returns the filled orders in submission order.
func (m *MockExchange) Orders() []common.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Fill, len(m.orders))
	copy(out, m.orders)
	return out
}

// OrderAttempts counts every PlaceMarketOrder call, failed ones included.
func (m *MockExchange) OrderAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockExchange) PlaceMarketOrder(ctx context.Context, symbol string, side common.Side, quantity float64) (common.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++

	if m.orderErr != nil {
		return common.Fill{}, m.orderErr
	}
	price, ok := m.prices[symbol]
	if !ok || price <= 0 {
		return common.Fill{}, &common.NetworkError{Op: "place order", Err: fmt.Errorf("unknown symbol %s", symbol)}
	}
	if quantity <= 0 {
		return common.Fill{}, &common.NetworkError{Op: "place order", Err: fmt.Errorf("invalid quantity %v", quantity)}
	}

	if m.zeroFill {
		m.nextID++
		return common.Fill{
			OrderID: "mock-" + strconv.FormatInt(m.nextID, 10),
			Symbol:  symbol,
			Side:    side,
			Time:    m.now().UTC(),
		}, nil
	}

	base := common.BaseAsset(symbol, m.quote)
	notional := quantity * price
	fee := notional * m.feeRate
	var baseFee float64
	switch side {
	case common.SideBuy:
		cost := notional + fee
		if m.feeInBase {
			cost = notional
			baseFee = quantity * m.feeRate
		}
		if m.balances[m.quote] < cost {
			return common.Fill{}, &common.NetworkError{Op: "place order", Err: fmt.Errorf("insufficient %s balance", m.quote)}
		}
		m.balances[m.quote] -= cost
		m.balances[base] += quantity - baseFee
	case common.SideSell:
		if m.balances[base] < quantity {
			return common.Fill{}, &common.NetworkError{Op: "place order", Err: fmt.Errorf("insufficient %s balance", base)}
		}
		m.balances[base] -= quantity
		m.balances[m.quote] += notional - fee
	}

	m.nextID++
	fill := common.Fill{
		OrderID:   "mock-" + strconv.FormatInt(m.nextID, 10),
		Symbol:    symbol,
		Side:      side,
		FillPrice: price,
		FillQty:   quantity,
		Fee:       fee,
		BaseFee:   baseFee,
		Time:      m.now().UTC(),
	}
	m.orders = append(m.orders, fill)
	return fill, nil
}

func (m *MockExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.priceErr[symbol]; err != nil {
		return 0, err
	}
	price, ok := m.prices[symbol]
	if !ok {
		return 0, &common.NetworkError{Op: "get price", Err: fmt.Errorf("unknown symbol %s", symbol)}
	}
	return price, nil
}

func (m *MockExchange) GetBalance(ctx context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[asset], nil
}

func (m *MockExchange) GetBalances(ctx context.Context) ([]common.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Balance, 0, len(m.balances))
	for asset, qty := range m.balances {
		if qty == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: asset, Free: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *MockExchange) GetATR(ctx context.Context, symbol string, period int) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.atr[symbol]
	if !ok {
		return 0, &common.NetworkError{Op: "get klines", Err: fmt.Errorf("no candles for %s", symbol)}
	}
	return v, nil
}

func (m *MockExchange) GetLotFilter(ctx context.Context, symbol string) (common.LotFilter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.lots[symbol]; ok {
		return f, nil
	}
	return common.LotFilter{StepSize: 0.00001}, nil
}

// StartRandomWalk moves every known price by up to ±step (relative) each
// interval and publishes the ticks. Used for local runs only.
func (m *MockExchange) StartRandomWalk(ctx context.Context, bus *events.Bus, step float64, interval time.Duration) {
	if step == 0 {
		step = 0.002
	}
	if interval == 0 {
		interval = time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.mu.Lock()
				ticks := make([]events.PriceTick, 0, len(m.prices))
				now := m.now().UTC()
				for sym, price := range m.prices {
					price *= 1 + (rand.Float64()*2-1)*step
					m.prices[sym] = price
					ticks = append(ticks, events.PriceTick{Symbol: sym, Price: price, Time: now})
				}
				m.mu.Unlock()
				if bus != nil {
					for _, tick := range ticks {
						bus.Publish(events.EventPriceTick, tick)
					}
				}
			}
		}
	}()
}
