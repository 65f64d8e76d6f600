package engine

import (
	"github.com/adamSellers/oakley-trading/internal/recovery"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/db"
)

// OpenRequest asks for a new long position. Nil fractions use the
// resolved defaults.
type OpenRequest struct {
	Symbol      string   `json:"symbol" binding:"required"`
	Allocation  *float64 `json:"allocation,omitempty"`
	StopLossPct *float64 `json:"stop_loss_pct,omitempty"`
	TrailingPct *float64 `json:"trailing_pct,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

// OrderShape is the market order an open or close places (or would place).
type OrderShape struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	Notional     float64 `json:"notional"`
	EstimatedFee float64 `json:"estimated_fee"`
}

// Sizing records how the open notional was derived.
type Sizing struct {
	QuoteFree     float64 `json:"quote_free"`
	OpenValue     float64 `json:"open_value"`
	Equity        float64 `json:"equity"`
	Allocation    float64 `json:"allocation"`
	RiskPerTrade  float64 `json:"risk_per_trade"`
	Capped        bool    `json:"capped,omitempty"`
	ExposureAfter float64 `json:"exposure_after"`
}

// OpenResult is returned by Open. Degraded means the order filled but the
// trade is not in the ledger yet: it waits in the recovery queue.
type OpenResult struct {
	Simulated bool               `json:"simulated"`
	Degraded  bool               `json:"degraded"`
	Message   string             `json:"message"`
	Order     OrderShape         `json:"order"`
	Stops     risk.StopLevels    `json:"stops"`
	Sizing    Sizing             `json:"sizing"`
	Trade     *db.Trade          `json:"trade,omitempty"`
	Recovery  *recovery.Enqueued `json:"recovery,omitempty"`
}

// CloseRequest closes the OPEN trade named by Ref: a trade id or a symbol.
type CloseRequest struct {
	Ref    string `json:"ref" binding:"required"`
	Reason string `json:"reason,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

// CloseResult is returned by Close.
type CloseResult struct {
	Simulated bool               `json:"simulated"`
	Degraded  bool               `json:"degraded"`
	Message   string             `json:"message"`
	Order     OrderShape         `json:"order"`
	Exit      db.TradeExit       `json:"exit"`
	HeldFor   string             `json:"held_for"`
	Trade     *db.Trade          `json:"trade,omitempty"`
	Recovery  *recovery.Enqueued `json:"recovery,omitempty"`
}

// PositionState is the exit state machine state of one open trade.
type PositionState string

const (
	StateWatching PositionState = "WATCHING"
	StateClosing  PositionState = "CLOSING"
	StateClosed   PositionState = "CLOSED"
)

// ExitDetail reports one trade's evaluation in an exit check.
type ExitDetail struct {
	TradeID           int64           `json:"trade_id"`
	Symbol            string          `json:"symbol"`
	State             PositionState   `json:"state"`
	Price             float64         `json:"price,omitempty"`
	StopLossPrice     float64         `json:"stop_loss_price"`
	TrailingStopPrice float64         `json:"trailing_stop_price,omitempty"`
	HighWaterMark     float64         `json:"high_water_mark,omitempty"`
	Floor             float64         `json:"floor,omitempty"`
	Reason            risk.ExitReason `json:"reason,omitempty"`
	Degraded          bool            `json:"degraded,omitempty"`
	Note              string          `json:"note,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// ExitSummary is the result of one exit check pass.
type ExitSummary struct {
	Checked int          `json:"checked"`
	Closed  int          `json:"closed"`
	Errors  int          `json:"errors"`
	Details []ExitDetail `json:"details"`
}
