// Package api exposes the trading engine over HTTP and a websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adamSellers/oakley-trading/internal/engine"
	"github.com/adamSellers/oakley-trading/internal/events"
	"github.com/adamSellers/oakley-trading/internal/reconciliation"
	"github.com/adamSellers/oakley-trading/internal/recovery"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/db"
)

// Options are the HTTP-layer knobs.
type Options struct {
	QuoteAsset     string
	RequestTimeout time.Duration
	CORSOrigins    []string
	RatePerSecond  rate.Limit
	RateBurst      int

	JWTSecret            string
	TokenTTL             time.Duration
	OperatorUser         string
	OperatorPasswordHash string
}

// Deps are the services the handlers drive.
type Deps struct {
	Bus        *events.Bus
	DB         *db.Database
	Engine     engine.Service
	Recovery   *recovery.Queue
	Reconciler *reconciliation.Service
	Exchange   risk.AccountReader
	Log        *zap.Logger
}

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router *gin.Engine
	Deps
	opts     Options
	limiters *ipLimiters
}

func NewServer(deps Deps, opts Options) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	deps.Log = deps.Log.With(zap.String("component", "api"))
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDT"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond, opts.RateBurst = 20, 50
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 72 * time.Hour
	}

	s := &Server{
		Router:   gin.New(),
		Deps:     deps,
		opts:     opts,
		limiters: newIPLimiters(opts.RatePerSecond, opts.RateBurst),
	}

	// Middleware order matters: recovery first, CORS last before routes.
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(s.Log))
	s.Router.Use(s.RateLimitMiddleware())
	s.Router.Use(TimeoutMiddleware(opts.RequestTimeout, s.Log))
	s.Router.Use(CORSMiddleware(opts.CORSOrigins))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.opts.JWTSecret))
		{
			protected.POST("/trades/open", s.openTrade)
			protected.POST("/trades/close", s.closeTrade)
			protected.GET("/trades", s.listTrades)
			protected.GET("/trades/:id", s.getTrade)
			protected.POST("/exits/check", s.checkExits)

			protected.POST("/halt", s.halt)
			protected.POST("/resume", s.resume)
			protected.GET("/risk", s.getRisk)
			protected.GET("/performance", s.getPerformance)
			protected.GET("/reconcile", s.reconcile)

			protected.GET("/recovery", s.listRecovery)
			protected.POST("/recovery/retry", s.retryRecovery)
			protected.DELETE("/recovery/:id", s.clearRecovery)

			protected.GET("/config", s.listConfig)
			protected.PUT("/config/:key", s.setConfig)
			protected.DELETE("/config/:key", s.unsetConfig)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
