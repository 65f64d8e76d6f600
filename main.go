// Command oakley runs the spot position manager: one-shot commands that
// print JSON, or `serve` for the HTTP API with scheduled exit checks and
// reconciliation.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/engine"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/config"
	"github.com/adamSellers/oakley-trading/pkg/db"
	"github.com/adamSellers/oakley-trading/pkg/logger"
)

// command runs against a wired app and returns the value to print.
type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) (any, error)
	// standalone commands do not open the ledger or the exchange.
	standalone func(ctx context.Context, cfg *config.Config, args []string, stdin io.Reader) (any, error)
}

var commands = map[string]command{
	"serve":         {usage: "serve [--port PORT]", run: cmdServe},
	"open":          {usage: "open SYMBOL [--alloc F] [--stop-loss F] [--trailing F] [--reason TEXT] [--dry-run]", run: cmdOpen},
	"close":         {usage: "close SYMBOL|ID [--reason TEXT] [--dry-run]", run: cmdClose},
	"check-exits":   {usage: "check-exits [--symbol SYMBOL]...", run: cmdCheckExits},
	"halt":          {usage: "halt", run: cmdHalt},
	"resume":        {usage: "resume", run: cmdResume},
	"risk":          {usage: "risk", run: cmdRisk},
	"performance":   {usage: "performance [--period 30d|all] [--symbol SYMBOL]", run: cmdPerformance},
	"reconcile":     {usage: "reconcile", run: cmdReconcile},
	"trades":        {usage: "trades [ID] [--status open|closed|all] [--limit N]", run: cmdTrades},
	"recovery":      {usage: "recovery list | retry | clear ID", run: cmdRecovery},
	"config":        {usage: "config list | set KEY VALUE | unset KEY", run: cmdConfig},
	"token":         {usage: "token [--subject NAME] [--ttl DURATION]", standalone: cmdToken},
	"hash-password": {usage: "hash-password < password", standalone: cmdHashPassword},
}

// usageError is reported with exit code 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stdin))
}

func run(ctx context.Context, args []string, stdout io.Writer, stdin io.Reader) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(stdout)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		writeError(stdout, usagef("unknown command %q", name))
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		writeError(stdout, fmt.Errorf("load config: %w", err))
		return 1
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		writeError(stdout, err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	var out any
	if cmd.standalone != nil {
		out, err = cmd.standalone(ctx, cfg, args[1:], stdin)
	} else {
		var a *app
		a, err = newApp(ctx, cfg, log)
		if err == nil {
			out, err = cmd.run(ctx, a, args[1:])
			a.Close()
		}
	}

	if err != nil {
		var ue *usageError
		if errors.As(err, &ue) {
			writeError(stdout, fmt.Errorf("%s (usage: oakley %s)", ue.msg, cmd.usage))
			return 2
		}
		log.Debug("command failed", zap.String("command", name), zap.Error(err))
		writeError(stdout, err)
		return 1
	}
	if err := writeJSON(stdout, out); err != nil {
		log.Error("write output", zap.Error(err))
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeError(w io.Writer, err error) {
	body := map[string]any{"code": errorCode(err), "error": err.Error()}
	var pe *engine.PreconditionError
	if errors.As(err, &pe) {
		body["rule"] = pe.Rule
	}
	_ = writeJSON(w, body)
}

// errorCode mirrors the API's error codes so scripts can branch on either surface.
func errorCode(err error) string {
	var (
		pe *engine.PreconditionError
		nf *engine.NotFoundError
		lc *engine.LockContentionError
		ee *engine.ExchangeError
		ue *usageError
	)
	switch {
	case errors.As(err, &ue):
		return "USAGE"
	case errors.As(err, &pe):
		return "PRECONDITION_FAILED"
	case errors.As(err, &nf), errors.Is(err, db.ErrNotFound):
		return "NOT_FOUND"
	case errors.As(err, &lc):
		return "LOCK_CONTENTION"
	case errors.As(err, &ee):
		return "EXCHANGE_ERROR"
	case errors.Is(err, engine.ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, risk.ErrInvalidSetting):
		return "INVALID_CONFIG"
	default:
		return "INTERNAL_ERROR"
	}
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("usage: oakley <command> [flags]\n\ncommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s\n", commands[name].usage)
	}
	_, _ = io.WriteString(w, b.String())
}
