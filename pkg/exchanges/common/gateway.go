package common

import "context"

// Exchange is the spot venue the trading core drives. Implementations return
// *NetworkError or *AuthError on failure.
type Exchange interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64) (Fill, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	// GetBalance returns the free quantity of asset.
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetATR(ctx context.Context, symbol string, period int) (float64, error)
	GetLotFilter(ctx context.Context, symbol string) (LotFilter, error)
}
