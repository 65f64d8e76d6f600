// Package spot adapts the Binance spot REST API to common.Exchange.
package spot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	bncommon "github.com/adshao/go-binance/v2/common"
	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	QuoteAsset string
	Timeout    time.Duration
}

// Client is a Binance spot client.
type Client struct {
	api   *binance.Client
	quote string
	log   *zap.Logger
}

var _ common.Exchange = (*Client)(nil)

// API error codes that mean the key, IP whitelist or signature is wrong.
var authCodes = map[int64]bool{
	-1022: true, // signature invalid
	-2014: true, // API-key format invalid
	-2015: true, // invalid API-key, IP, or permissions
}

func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	api := binance.NewClient(cfg.APIKey, cfg.APISecret)
	api.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{api: api, quote: cfg.QuoteAsset, log: log.With(zap.String("component", "binance"))}
}

func classify(op string, err error) error {
	var apiErr *bncommon.APIError
	if errors.As(err, &apiErr) && authCodes[apiErr.Code] {
		return &common.AuthError{Op: op, Err: err}
	}
	return &common.NetworkError{Op: op, Err: err}
}

// PlaceMarketOrder sends a MARKET order and aggregates the fills into one
// volume-weighted fill with the commission converted to the quote asset.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side common.Side, quantity float64) (common.Fill, error) {
	lot, err := c.GetLotFilter(ctx, symbol)
	if err != nil {
		return common.Fill{}, err
	}
	bnSide := binance.SideTypeBuy
	if side == common.SideSell {
		bnSide = binance.SideTypeSell
	}

	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(bnSide).
		Type(binance.OrderTypeMarket).
		Quantity(common.FormatQuantity(quantity, lot.StepSize)).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return common.Fill{}, classify("place order", err)
	}

	executed := parseFloat(res.ExecutedQuantity)
	quoteQty := parseFloat(res.CummulativeQuoteQuantity)
	fill := common.Fill{
		OrderID: strconv.FormatInt(res.OrderID, 10),
		Symbol:  symbol,
		Side:    side,
		FillQty: executed,
		Time:    time.UnixMilli(res.TransactTime).UTC(),
	}
	if executed > 0 {
		fill.FillPrice = quoteQty / executed
	}
	fill.Fee, fill.BaseFee = c.feeInQuote(ctx, symbol, fill.FillPrice, res.Fills)

	c.log.Info("order filled",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("order_id", fill.OrderID),
		zap.Float64("qty", fill.FillQty),
		zap.Float64("price", fill.FillPrice),
		zap.Float64("fee", fill.Fee))
	return fill, nil
}

// feeInQuote converts commissions to the quote asset and also returns the
// base-asset commission in base units. Base-asset commissions use the fill
// price; anything else (BNB) goes through its quote pair. A conversion that
// fails is logged and counted as zero, since the order has already executed.
func (c *Client) feeInQuote(ctx context.Context, symbol string, fillPrice float64, fills []*binance.Fill) (float64, float64) {
	base := common.BaseAsset(symbol, c.quote)
	total, inBase := 0.0, 0.0
	for _, f := range fills {
		commission := parseFloat(f.Commission)
		if commission == 0 {
			continue
		}
		switch f.CommissionAsset {
		case c.quote:
			total += commission
		case base:
			inBase += commission
			total += commission * fillPrice
		default:
			px, err := c.GetPrice(ctx, f.CommissionAsset+c.quote)
			if err != nil {
				c.log.Warn("fee conversion failed", zap.String("asset", f.CommissionAsset), zap.Error(err))
				continue
			}
			total += commission * px
		}
	}
	return total, inBase
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify("get price", err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseFloat(p.Price), nil
		}
	}
	return 0, &common.NetworkError{Op: "get price", Err: fmt.Errorf("no price for %s", symbol)}
}

func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("get account", err)
	}
	out := make([]common.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, asset string) (float64, error) {
	balances, err := c.GetBalances(ctx)
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

// GetATR computes the average true range over daily candles.
func (c *Client) GetATR(ctx context.Context, symbol string, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr period must be positive")
	}
	klines, err := c.api.NewKlinesService().Symbol(symbol).Interval("1d").Limit(period*2 + 1).Do(ctx)
	if err != nil {
		return 0, classify("get klines", err)
	}
	if len(klines) <= period {
		return 0, fmt.Errorf("atr %s: need %d candles, got %d", symbol, period+1, len(klines))
	}
	high := make([]float64, len(klines))
	low := make([]float64, len(klines))
	closes := make([]float64, len(klines))
	for i, k := range klines {
		high[i] = parseFloat(k.High)
		low[i] = parseFloat(k.Low)
		closes[i] = parseFloat(k.Close)
	}
	atr := talib.Atr(high, low, closes, period)
	return atr[len(atr)-1], nil
}

func (c *Client) GetLotFilter(ctx context.Context, symbol string) (common.LotFilter, error) {
	info, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return common.LotFilter{}, classify("exchange info", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := s.LotSizeFilter()
		if f == nil {
			return common.LotFilter{}, nil
		}
		return common.LotFilter{
			StepSize: parseFloat(f.StepSize),
			MinQty:   parseFloat(f.MinQuantity),
			MaxQty:   parseFloat(f.MaxQuantity),
		}, nil
	}
	return common.LotFilter{}, &common.NetworkError{Op: "exchange info", Err: fmt.Errorf("unknown symbol %s", symbol)}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
