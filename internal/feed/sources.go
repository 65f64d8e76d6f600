package feed

import (
	"context"
	"strings"

	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/pkg/exchanges/binance/stream"
)

// BinanceSource adapts the Binance miniTicker stream.
type BinanceSource struct {
	Client *stream.Client
}

func (s BinanceSource) SubscribeTickers(ctx context.Context, symbols []string) (<-chan events.PriceTick, func(), error) {
	in, stop, err := s.Client.SubscribeTickers(ctx, symbols)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan events.PriceTick, cap(in))
	go func() {
		defer close(out)
		for t := range in {
			select {
			case out <- events.PriceTick{Symbol: t.Symbol, Price: t.Price, Time: t.Time}:
			default:
			}
		}
	}()
	return out, stop, nil
}

// BusSource replays EventPriceTick from an in-process publisher such as the
// mock exchange's random walk. A Feed reading it must not republish to the
// same bus.
type BusSource struct {
	Bus *events.Bus
}

func (s BusSource) SubscribeTickers(ctx context.Context, symbols []string) (<-chan events.PriceTick, func(), error) {
	want := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		want[strings.ToUpper(sym)] = true
	}
	in, unsub := s.Bus.Subscribe(events.EventPriceTick, 100)
	out := make(chan events.PriceTick, 100)
	go func() {
		defer close(out)
		for env := range in {
			tick, ok := env.Payload.(events.PriceTick)
			if !ok || !want[tick.Symbol] {
				continue
			}
			select {
			case out <- tick:
			default:
			}
		}
	}()
	return out, unsub, nil
}
