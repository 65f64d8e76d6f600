// Package analytics summarises closed trades: win rate, P&L, profit factor,
// Sharpe ratio and breakdowns per asset and per exit reason. It only reads
// the ledger.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adamSellers/oakley-trading/pkg/db"
)

// DefaultPeriod is the window used when none is given.
const DefaultPeriod = "30d"

// ErrInvalidPeriod is returned for a period that is neither "all" nor a
// positive duration such as 7d or 12h.
var ErrInvalidPeriod = errors.New("invalid period")

// Store is the ledger read the analytics need.
type Store interface {
	ListClosedTrades(ctx context.Context, since time.Time, symbol string) ([]db.Trade, error)
}

// Filter selects which closed trades are summarised.
type Filter struct {
	Period string
	Symbol string
	// Now anchors the period window; zero means time.Now.
	Now time.Time
}

// TradeSummary identifies the best or worst trade of a window.
type TradeSummary struct {
	TradeID    int64   `json:"trade_id"`
	Symbol     string  `json:"symbol"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnl_percent"`
}

// Performance is the headline view over closed trades. PnL figures are net
// of fees; GrossPnL adds the fees back.
type Performance struct {
	Period          string        `json:"period"`
	Symbol          string        `json:"symbol,omitempty"`
	TotalTrades     int           `json:"total_trades"`
	Winning         int           `json:"winning"`
	Losing          int           `json:"losing"`
	WinRate         float64       `json:"win_rate"`
	GrossPnL        float64       `json:"gross_pnl"`
	TotalFees       float64       `json:"total_fees"`
	NetPnL          float64       `json:"net_pnl"`
	AvgPnL          float64       `json:"avg_pnl"`
	AvgWin          float64       `json:"avg_win"`
	AvgLoss         float64       `json:"avg_loss"`
	ProfitFactor    *float64      `json:"profit_factor"`
	AvgHoldingHours float64       `json:"avg_holding_hours"`
	Best            *TradeSummary `json:"best_trade"`
	Worst           *TradeSummary `json:"worst_trade"`
}

// AssetStats is the per-symbol breakdown.
type AssetStats struct {
	Symbol    string  `json:"symbol"`
	Trades    int     `json:"trades"`
	Winning   int     `json:"winning"`
	Losing    int     `json:"losing"`
	WinRate   float64 `json:"win_rate"`
	NetPnL    float64 `json:"net_pnl"`
	AvgPnL    float64 `json:"avg_pnl"`
	TotalFees float64 `json:"total_fees"`
}

// ExitReasonStats is the breakdown by why positions were closed.
type ExitReasonStats struct {
	Reason  string  `json:"reason"`
	Trades  int     `json:"trades"`
	WinRate float64 `json:"win_rate"`
	NetPnL  float64 `json:"net_pnl"`
	AvgPnL  float64 `json:"avg_pnl"`
}

// Report is the full analytics dashboard.
type Report struct {
	Performance Performance       `json:"performance"`
	SharpeRatio float64           `json:"sharpe_ratio"`
	Assets      []AssetStats      `json:"asset_breakdown"`
	ExitReasons []ExitReasonStats `json:"exit_reasons"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// ParsePeriod turns "all", "Nd" or a Go duration ("12h") into a lookback.
// Zero means all history.
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		s = DefaultPeriod
	case "all":
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w %q: want all, Nd or a duration like 12h", ErrInvalidPeriod, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w %q: want all, Nd or a duration like 12h", ErrInvalidPeriod, s)
	}
	return d, nil
}

// Build loads the closed trades selected by f and computes every view.
func Build(ctx context.Context, store Store, f Filter) (*Report, error) {
	if f.Period == "" {
		f.Period = DefaultPeriod
	}
	lookback, err := ParsePeriod(f.Period)
	if err != nil {
		return nil, err
	}
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	var since time.Time
	if lookback > 0 {
		since = now.Add(-lookback)
	}
	f.Symbol = strings.ToUpper(strings.TrimSpace(f.Symbol))

	trades, err := store.ListClosedTrades(ctx, since, f.Symbol)
	if err != nil {
		return nil, fmt.Errorf("load closed trades: %w", err)
	}

	perf := Summarize(trades)
	perf.Period = f.Period
	perf.Symbol = f.Symbol
	return &Report{
		Performance: perf,
		SharpeRatio: SharpeRatio(trades),
		Assets:      ByAsset(trades),
		ExitReasons: ByExitReason(trades),
		GeneratedAt: now.UTC(),
	}, nil
}

// Summarize computes the headline performance of trades. A trade with zero
// P&L counts as a loss.
func Summarize(trades []db.Trade) Performance {
	var (
		p                 Performance
		net, fees         decimal.Decimal
		wins, losses      decimal.Decimal
		held              time.Duration
		heldCount         int
		best, worst       *db.Trade
		bestPnL, worstPnL float64
	)
	for i := range trades {
		t := &trades[i]
		pnl := tradePnL(*t)
		d := decimal.NewFromFloat(pnl)
		net = net.Add(d)
		fees = fees.Add(decimal.NewFromFloat(tradeFees(*t)))
		if pnl > 0 {
			p.Winning++
			wins = wins.Add(d)
		} else {
			p.Losing++
			losses = losses.Add(d.Abs())
		}
		if t.ExitTime != nil && !t.EntryTime.IsZero() && t.ExitTime.After(t.EntryTime) {
			held += t.ExitTime.Sub(t.EntryTime)
			heldCount++
		}
		if best == nil || pnl > bestPnL {
			best, bestPnL = t, pnl
		}
		if worst == nil || pnl < worstPnL {
			worst, worstPnL = t, pnl
		}
	}

	p.TotalTrades = len(trades)
	if p.TotalTrades == 0 {
		zero := 0.0
		p.ProfitFactor = &zero
		return p
	}
	n := decimal.NewFromInt(int64(p.TotalTrades))
	p.WinRate = float64(p.Winning) / float64(p.TotalTrades) * 100
	p.NetPnL = net.InexactFloat64()
	p.TotalFees = fees.InexactFloat64()
	p.GrossPnL = net.Add(fees).InexactFloat64()
	p.AvgPnL = net.Div(n).InexactFloat64()
	if p.Winning > 0 {
		p.AvgWin = wins.Div(decimal.NewFromInt(int64(p.Winning))).InexactFloat64()
	}
	if p.Losing > 0 {
		p.AvgLoss = losses.Div(decimal.NewFromInt(int64(p.Losing))).InexactFloat64()
	}
	// Unbounded (null) when nothing was lost.
	if !losses.IsZero() {
		pf := wins.Div(losses).InexactFloat64()
		p.ProfitFactor = &pf
	} else if wins.IsZero() {
		zero := 0.0
		p.ProfitFactor = &zero
	}
	if heldCount > 0 {
		p.AvgHoldingHours = (held / time.Duration(heldCount)).Hours()
	}
	p.Best = summary(*best)
	p.Worst = summary(*worst)
	return p
}

// SharpeRatio is the mean per-trade return over its sample standard
// deviation, scaled by the square root of the trade count capped at 365.
// The risk-free rate is taken as zero; fewer than two trades or no
// dispersion gives 0.
func SharpeRatio(trades []db.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}
	returns := make([]float64, len(trades))
	var mean float64
	for i, t := range trades {
		returns[i] = pnlPercent(t)
		mean += returns[i]
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(len(returns)-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	scale := math.Sqrt(math.Min(float64(len(returns)), 365))
	return mean / std * scale
}

// ByAsset groups trades per symbol, best net P&L first.
func ByAsset(trades []db.Trade) []AssetStats {
	groups := map[string][]db.Trade{}
	for _, t := range trades {
		groups[t.Symbol] = append(groups[t.Symbol], t)
	}
	out := make([]AssetStats, 0, len(groups))
	for symbol, ts := range groups {
		p := Summarize(ts)
		out = append(out, AssetStats{
			Symbol:    symbol,
			Trades:    p.TotalTrades,
			Winning:   p.Winning,
			Losing:    p.Losing,
			WinRate:   p.WinRate,
			NetPnL:    p.NetPnL,
			AvgPnL:    p.AvgPnL,
			TotalFees: p.TotalFees,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NetPnL != out[j].NetPnL {
			return out[i].NetPnL > out[j].NetPnL
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// ByExitReason groups trades by exit reason, alphabetically. Trades without
// a recorded reason are grouped as "UNKNOWN".
func ByExitReason(trades []db.Trade) []ExitReasonStats {
	groups := map[string][]db.Trade{}
	for _, t := range trades {
		reason := "UNKNOWN"
		if t.ExitReason != nil && *t.ExitReason != "" {
			reason = *t.ExitReason
		}
		groups[reason] = append(groups[reason], t)
	}
	out := make([]ExitReasonStats, 0, len(groups))
	for reason, ts := range groups {
		p := Summarize(ts)
		out = append(out, ExitReasonStats{
			Reason:  reason,
			Trades:  p.TotalTrades,
			WinRate: p.WinRate,
			NetPnL:  p.NetPnL,
			AvgPnL:  p.AvgPnL,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reason < out[j].Reason })
	return out
}

func tradePnL(t db.Trade) float64 {
	if t.PnL == nil {
		return 0
	}
	return *t.PnL
}

func tradeFees(t db.Trade) float64 {
	if t.Fees == nil {
		return 0
	}
	return *t.Fees
}

// pnlPercent is net P&L relative to the entry notional.
func pnlPercent(t db.Trade) float64 {
	cost := t.EntryPrice * t.Quantity
	if cost <= 0 {
		return 0
	}
	return tradePnL(t) / cost * 100
}

func summary(t db.Trade) *TradeSummary {
	return &TradeSummary{
		TradeID:    t.ID,
		Symbol:     t.Symbol,
		PnL:        tradePnL(t),
		PnLPercent: pnlPercent(t),
	}
}
