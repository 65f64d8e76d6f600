package risk

// StopLossType selects how the stop-loss price is derived at entry.
type StopLossType string

const (
	StopLossFixed StopLossType = "FIXED"
	StopLossATR   StopLossType = "ATR"
)

// Settings is the resolved trading configuration for one action. It is
// built fresh from defaults plus ledger overrides and never cached.
type Settings struct {
	// Position Management
	DefaultAllocation    float64 `json:"default_allocation"`
	RiskPerTrade         float64 `json:"risk_per_trade"`
	MaxPortfolioExposure float64 `json:"max_portfolio_exposure"`
	MaxCapitalAtRisk     float64 `json:"max_capital_at_risk"`
	MinTradeUSDT         float64 `json:"min_trade_usdt"`
	CashBuffer           float64 `json:"cash_buffer"`

	// Stop Loss / Trailing
	DefaultStopLossPct     float64      `json:"default_stop_loss_pct"`
	DefaultTrailingStopPct float64      `json:"default_trailing_stop_pct"`
	StopLossType           StopLossType `json:"stop_loss_type"`
	StopLossATRMultiplier  float64      `json:"stop_loss_atr_multiplier"`
	ATRPeriod              int          `json:"atr_period"`
	EnableTrailingStops    bool         `json:"enable_trailing_stops"`

	// Reconciliation thresholds
	ZombieBalanceRatio float64 `json:"zombie_balance_ratio"`
	OrphanMinValueUSDT float64 `json:"orphan_min_value_usdt"`
	MismatchTolerance  float64 `json:"mismatch_tolerance"`
}

// DefaultSettings returns the compiled-in defaults.
func DefaultSettings() Settings {
	return Settings{
		DefaultAllocation:      0.15,
		RiskPerTrade:           0.98,
		MaxPortfolioExposure:   0.95,
		MaxCapitalAtRisk:       999999,
		MinTradeUSDT:           10,
		CashBuffer:             0.01,
		DefaultStopLossPct:     0.05,
		DefaultTrailingStopPct: 0.03,
		StopLossType:           StopLossFixed,
		StopLossATRMultiplier:  1.5,
		ATRPeriod:              14,
		EnableTrailingStops:    true,
		ZombieBalanceRatio:     0.01,
		OrphanMinValueUSDT:     1.0,
		MismatchTolerance:      0.01,
	}
}

// DryRunFeeRate estimates taker fees for simulated orders.
const DryRunFeeRate = 0.001
