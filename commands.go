package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/adamSellers/oakley-trading/internal/analytics"
	"github.com/adamSellers/oakley-trading/internal/api"
	"github.com/adamSellers/oakley-trading/internal/engine"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/config"
	"github.com/adamSellers/oakley-trading/pkg/db"
)

// newFlags returns a flag set that reports errors instead of exiting.
func newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	return fs
}

func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	return nil
}

// optionalFloat returns nil unless the flag was given.
func optionalFloat(fs *pflag.FlagSet, name string, v float64) *float64 {
	if !fs.Changed(name) {
		return nil
	}
	return &v
}

func cmdOpen(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlags("open")
	alloc := fs.Float64("alloc", 0, "fraction of available capital (default from config)")
	stopLoss := fs.Float64("stop-loss", 0, "stop-loss distance as a fraction of entry")
	trailing := fs.Float64("trailing", 0, "trailing stop distance as a fraction; 0 disables")
	reason := fs.String("reason", "", "free-text rationale stored with the trade")
	dryRun := fs.Bool("dry-run", false, "show the order without placing it")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, usagef("open takes exactly one SYMBOL")
	}

	return a.engine.Open(ctx, engine.OpenRequest{
		Symbol:      fs.Arg(0),
		Allocation:  optionalFloat(fs, "alloc", *alloc),
		StopLossPct: optionalFloat(fs, "stop-loss", *stopLoss),
		TrailingPct: optionalFloat(fs, "trailing", *trailing),
		Reason:      *reason,
		DryRun:      *dryRun,
	})
}

func cmdClose(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlags("close")
	reason := fs.String("reason", "", "exit reason (default MANUAL)")
	dryRun := fs.Bool("dry-run", false, "show the order without placing it")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, usagef("close takes exactly one SYMBOL or trade ID")
	}
	return a.engine.Close(ctx, engine.CloseRequest{Ref: fs.Arg(0), Reason: *reason, DryRun: *dryRun})
}

func cmdCheckExits(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlags("check-exits")
	symbols := fs.StringSlice("symbol", nil, "limit the pass to these symbols")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	return a.engine.CheckExits(ctx, append(*symbols, fs.Args()...)...)
}

func cmdHalt(ctx context.Context, a *app, args []string) (any, error) {
	return risk.Halt(ctx, a.db, a.bus)
}

func cmdResume(ctx context.Context, a *app, args []string) (any, error) {
	return risk.Resume(ctx, a.db, a.bus)
}

func cmdRisk(ctx context.Context, a *app, args []string) (any, error) {
	return risk.BuildReport(ctx, a.db, a.ex, a.cfg.QuoteAsset, a.log)
}

func cmdPerformance(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlags("performance")
	period := fs.String("period", analytics.DefaultPeriod, "lookback: all, Nd or a duration such as 12h")
	symbol := fs.String("symbol", "", "only this symbol")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, usagef("unexpected argument %q", fs.Arg(0))
	}
	rep, err := analytics.Build(ctx, a.db, analytics.Filter{Period: *period, Symbol: *symbol})
	if errors.Is(err, analytics.ErrInvalidPeriod) {
		return nil, usagef("%v", err)
	}
	return rep, err
}

func cmdReconcile(ctx context.Context, a *app, args []string) (any, error) {
	return a.reconciler.Reconcile(ctx)
}

func cmdTrades(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlags("trades")
	status := fs.String("status", "all", "open, closed or all")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := parse(fs, args); err != nil {
		return nil, err
	}

	if fs.NArg() == 1 {
		id, err := strconv.ParseInt(strings.TrimPrefix(fs.Arg(0), "#"), 10, 64)
		if err != nil {
			return nil, usagef("trade ID must be an integer, got %q", fs.Arg(0))
		}
		return a.engine.GetTrade(ctx, id)
	}

	st, err := db.ParseTradeStatus(*status)
	if err != nil {
		return nil, usagef("%v", err)
	}
	trades, err := a.engine.ListTrades(ctx, st, *limit)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	return trades, nil
}

func cmdRecovery(ctx context.Context, a *app, args []string) (any, error) {
	if len(args) == 0 {
		return nil, usagef("recovery needs a subcommand")
	}
	switch args[0] {
	case "list":
		items, err := a.queue.List(ctx)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []db.RecoveryItem{}
		}
		return items, nil
	case "retry":
		return a.queue.Retry(ctx)
	case "clear":
		if len(args) != 2 {
			return nil, usagef("recovery clear takes exactly one ID")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, usagef("recovery ID must be an integer, got %q", args[1])
		}
		if err := a.queue.Clear(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "cleared": true}, nil
	}
	return nil, usagef("unknown recovery subcommand %q", args[0])
}

func cmdConfig(ctx context.Context, a *app, args []string) (any, error) {
	if len(args) == 0 {
		return nil, usagef("config needs a subcommand")
	}
	switch args[0] {
	case "list":
		return risk.Describe(ctx, a.db, a.log)
	case "set":
		if len(args) != 3 {
			return nil, usagef("config set takes KEY VALUE")
		}
		return risk.SetOverride(ctx, a.db, args[1], args[2])
	case "unset":
		if len(args) != 2 {
			return nil, usagef("config unset takes KEY")
		}
		return risk.UnsetOverride(ctx, a.db, args[1])
	}
	return nil, usagef("unknown config subcommand %q", args[0])
}

func cmdToken(ctx context.Context, cfg *config.Config, args []string, _ io.Reader) (any, error) {
	fs := newFlags("token")
	subject := fs.String("subject", cfg.OperatorUser, "operator name embedded in the token")
	ttl := fs.Duration("ttl", cfg.TokenTTL, "token lifetime")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if *ttl <= 0 {
		return nil, usagef("--ttl must be positive")
	}
	expiresAt := time.Now().Add(*ttl)
	token, err := api.GenerateToken(*subject, cfg.JWTSecret, expiresAt)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"token":      token,
		"subject":    *subject,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	}, nil
}

// cmdHashPassword reads one line from stdin so the password stays out of
// shell history and the process list.
func cmdHashPassword(ctx context.Context, cfg *config.Config, args []string, stdin io.Reader) (any, error) {
	if stdin == nil {
		return nil, errors.New("no stdin")
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return nil, usagef("empty password")
	}
	hash, err := api.HashPassword(password)
	if err != nil {
		return nil, err
	}
	return map[string]string{"operator_password_hash": hash}, nil
}
