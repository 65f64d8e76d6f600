package common

import "time"

// Side denotes order side. Positions are long-only: BUY opens, SELL closes.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Fill is the outcome of a market order. Fee is the whole commission
// converted into the quote asset. BaseFee is the part charged in the base
// asset, in base units: after a buy the account holds FillQty - BaseFee.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	FillPrice float64   `json:"fill_price"`
	FillQty   float64   `json:"fill_qty"`
	Fee       float64   `json:"fee"`
	BaseFee   float64   `json:"base_fee,omitempty"`
	Time      time.Time `json:"time"`
}

// Balance is one asset line of the account.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total is free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }

// LotFilter holds the quantity constraints of a symbol.
type LotFilter struct {
	StepSize float64 `json:"step_size"`
	MinQty   float64 `json:"min_qty"`
	MaxQty   float64 `json:"max_qty"`
}
