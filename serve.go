package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adamSellers/oakley-trading/internal/api"
	"github.com/adamSellers/oakley-trading/internal/feed"
	"github.com/adamSellers/oakley-trading/internal/monitor"
	"github.com/adamSellers/oakley-trading/pkg/config"
	"github.com/adamSellers/oakley-trading/pkg/exchanges/binance/stream"
)

const shutdownGrace = 15 * time.Second

func cmdServe(ctx context.Context, a *app, args []string) (any, error) {
	fs := newFlags("serve")
	port := fs.String("port", a.cfg.Port, "HTTP listen port")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	if err := checkServeSecret(a.cfg); err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon := &monitor.Monitor{Bus: a.bus, Sink: monitor.LogSink{Log: a.log}, Log: a.log}
	mon.Start(ctx)
	a.reconciler.Start(ctx)
	a.startExitLoop(ctx)
	a.startFeed(ctx)

	server := api.NewServer(api.Deps{
		Bus:        a.bus,
		DB:         a.db,
		Engine:     a.engine,
		Recovery:   a.queue,
		Reconciler: a.reconciler,
		Exchange:   a.ex,
		Log:        a.log,
	}, api.Options{
		QuoteAsset:           a.cfg.QuoteAsset,
		RequestTimeout:       30 * time.Second,
		CORSOrigins:          a.cfg.CORSOrigins,
		RatePerSecond:        rate.Limit(20),
		RateBurst:            50,
		JWTSecret:            a.cfg.JWTSecret,
		TokenTTL:             a.cfg.TokenTTL,
		OperatorUser:         a.cfg.OperatorUser,
		OperatorPasswordHash: a.cfg.OperatorPasswordHash,
	})

	httpServer := &http.Server{
		Addr:              ":" + *port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", zap.Error(err))
		}
	}()

	a.log.Info("api listening",
		zap.String("addr", httpServer.Addr),
		zap.Bool("mock_exchange", a.mock != nil),
		zap.String("lease_backend", a.cfg.LeaseBackend))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return nil, err
	}
	return map[string]string{"status": "stopped"}, nil
}

// checkServeSecret refuses to put a live account behind tokens anyone can mint.
func checkServeSecret(cfg *config.Config) error {
	if cfg.UseMockExchange {
		return nil
	}
	if cfg.JWTSecret == "" || cfg.JWTSecret == config.DefaultJWTSecret {
		return errors.New("refusing to serve a live exchange with the default JWT_SECRET; set a private JWT_SECRET")
	}
	return nil
}

// startExitLoop runs an exit check every ExitCheckInterval. Each pass is an
// independent unit of work; a slow pass delays the next tick, it never overlaps.
func (a *app) startExitLoop(ctx context.Context) {
	interval := a.cfg.ExitCheckInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				summary, err := a.engine.CheckExits(ctx)
				if err != nil {
					a.log.Error("scheduled exit check failed", zap.Error(err))
					continue
				}
				a.log.Debug("scheduled exit check",
					zap.Int("checked", summary.Checked),
					zap.Int("closed", summary.Closed))
			}
		}
	}()
	a.log.Info("exit checks scheduled", zap.Duration("interval", interval))
}

// startFeed drives tick-level exit checks. With the mock exchange the random
// walk is the source and already publishes on the bus.
func (a *app) startFeed(ctx context.Context) {
	if !a.cfg.PriceFeedEnabled {
		if a.mock != nil {
			a.mock.StartRandomWalk(ctx, a.bus, 0, 0)
		}
		return
	}
	f := &feed.Feed{
		Trades:   a.db,
		Exits:    a.engine,
		Prices:   a.throttled,
		Log:      a.log.With(zap.String("component", "feed")),
		Debounce: a.cfg.FeedDebounce,
	}
	if a.mock != nil {
		a.mock.StartRandomWalk(ctx, a.bus, 0, 0)
		f.Source = feed.BusSource{Bus: a.bus}
	} else {
		f.Source = feed.BinanceSource{Client: stream.NewClient(a.cfg.BinanceTestnet, a.log)}
		f.Bus = a.bus
	}
	f.Start(ctx)
}
