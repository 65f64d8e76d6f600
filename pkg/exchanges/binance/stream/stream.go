// Package stream reads Binance public market streams over websocket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Ticker is one last-price update from the @miniTicker stream.
type Ticker struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// Client dials combined streams. StreamURL is the host root without a path.
type Client struct {
	StreamURL string
	dialer    *websocket.Dialer
	log       *zap.Logger
}

// NewClient builds a websocket client; testnet toggles the host.
func NewClient(testnet bool, log *zap.Logger) *Client {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		StreamURL: (&url.URL{Scheme: "wss", Host: host}).String(),
		dialer:    websocket.DefaultDialer,
		log:       log,
	}
}

// SubscribeTickers opens one combined stream carrying the miniTicker of every
// symbol. The channel closes when ctx ends, stop is called or the connection
// drops; callers reconnect.
func (c *Client) SubscribeTickers(ctx context.Context, symbols []string) (<-chan Ticker, func(), error) {
	if len(symbols) == 0 {
		return nil, nil, errors.New("no symbols to subscribe")
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	u := c.StreamURL + "/stream?streams=" + strings.Join(streams, "/")

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan Ticker, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	// Unblock ReadMessage when the caller goes away.
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-done:
					return
				default:
				}
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Warn("binance ws read error", zap.Error(err))
				}
				return
			}

			t, err := parseTicker(msg)
			if err != nil {
				c.log.Debug("binance ws parse error", zap.Error(err))
				continue
			}
			select {
			case out <- t:
			case <-done:
				return
			}
		}
	}()

	return out, stop, nil
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func parseTicker(msg []byte) (Ticker, error) {
	var env combinedMessage
	if err := json.Unmarshal(msg, &env); err != nil {
		return Ticker{}, err
	}
	payload := env.Data
	if len(payload) == 0 {
		// Raw (non-combined) stream.
		payload = msg
	}
	var mt miniTicker
	if err := json.Unmarshal(payload, &mt); err != nil {
		return Ticker{}, err
	}
	if mt.Symbol == "" {
		return Ticker{}, fmt.Errorf("ticker without symbol: %s", payload)
	}
	price, err := strconv.ParseFloat(mt.Close, 64)
	if err != nil {
		return Ticker{}, fmt.Errorf("ticker %s close %q: %w", mt.Symbol, mt.Close, err)
	}
	return Ticker{
		Symbol: strings.ToUpper(mt.Symbol),
		Price:  price,
		Time:   time.UnixMilli(mt.EventTime).UTC(),
	}, nil
}
