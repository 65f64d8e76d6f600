package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/analytics"
	"github.com/adamSellers/oakley-trading/internal/engine"
	"github.com/adamSellers/oakley-trading/internal/risk"
	"github.com/adamSellers/oakley-trading/pkg/db"
)

type listTradesQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

func (q *listTradesQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type performanceQuery struct {
	Period string `form:"period"`
	Symbol string `form:"symbol"`
}

type checkExitsRequest struct {
	Symbols []string `json:"symbols"`
}

type setConfigRequest struct {
	Value string `json:"value" binding:"required"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	var (
		pe *engine.PreconditionError
		nf *engine.NotFoundError
		lc *engine.LockContentionError
		ee *engine.ExchangeError
	)
	switch {
	case errors.As(err, &pe):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":  "PRECONDITION_FAILED",
			"rule":  pe.Rule,
			"error": pe.Detail,
		})
	case errors.As(err, &nf), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.As(err, &lc):
		respondError(c, http.StatusConflict, "LOCK_CONTENTION", err.Error())
	case errors.As(err, &ee):
		respondError(c, http.StatusBadGateway, "EXCHANGE_ERROR", err.Error())
	case errors.Is(err, engine.ErrInvalidRequest):
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		s.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) openTrade(c *gin.Context) {
	var req engine.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "api:" + CurrentOperator(c)
	}
	res, err := s.Engine.Open(c.Request.Context(), req)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Simulated {
		status = http.StatusOK
	} else if res.Degraded {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (s *Server) closeTrade(c *gin.Context) {
	var req engine.CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	res, err := s.Engine.Close(c.Request.Context(), req)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	status := http.StatusOK
	if res.Degraded {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (s *Server) listTrades(c *gin.Context) {
	var q listTradesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	status, err := db.ParseTradeStatus(q.Status)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	trades, err := s.Engine.ListTrades(c.Request.Context(), status, q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getTrade(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "trade id must be a positive integer")
		return
	}
	t, err := s.Engine.GetTrade(c.Request.Context(), id)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// checkExits runs one enforcement pass. Symbols come from the body or
// repeated ?symbol= parameters; none means every open trade.
func (s *Server) checkExits(c *gin.Context) {
	var req checkExitsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
			return
		}
	}
	symbols := append(req.Symbols, c.QueryArray("symbol")...)
	summary, err := s.Engine.CheckExits(c.Request.Context(), symbols...)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) halt(c *gin.Context) {
	st, err := risk.Halt(c.Request.Context(), s.DB, s.Bus)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	s.Log.Warn("trading halted", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, st)
}

func (s *Server) resume(c *gin.Context) {
	st, err := risk.Resume(c.Request.Context(), s.DB, s.Bus)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	s.Log.Info("trading resumed", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, st)
}

func (s *Server) getRisk(c *gin.Context) {
	report, err := risk.BuildReport(c.Request.Context(), s.DB, s.Exchange, s.opts.QuoteAsset, s.Log)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getPerformance(c *gin.Context) {
	var q performanceQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	report, err := analytics.Build(c.Request.Context(), s.DB, analytics.Filter{Period: q.Period, Symbol: q.Symbol})
	if errors.Is(err, analytics.ErrInvalidPeriod) {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) reconcile(c *gin.Context) {
	if s.Reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "reconciliation not configured")
		return
	}
	report, err := s.Reconciler.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusBadGateway, "RECONCILE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listRecovery(c *gin.Context) {
	items, err := s.Recovery.List(c.Request.Context())
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	if items == nil {
		items = []db.RecoveryItem{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) retryRecovery(c *gin.Context) {
	report, err := s.Recovery.Retry(c.Request.Context())
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) clearRecovery(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "recovery id must be a positive integer")
		return
	}
	if err := s.Recovery.Clear(c.Request.Context(), id); err != nil {
		s.respondEngineError(c, err)
		return
	}
	s.Log.Warn("recovery item cleared by operator",
		zap.Int64("recovery_id", id),
		zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, gin.H{"id": id, "cleared": true})
}

func (s *Server) listConfig(c *gin.Context) {
	entries, err := risk.Describe(c.Request.Context(), s.DB, s.Log)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) setConfig(c *gin.Context) {
	var req setConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	entry, err := risk.SetOverride(c.Request.Context(), s.DB, c.Param("key"), req.Value)
	if err != nil {
		s.respondConfigError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) unsetConfig(c *gin.Context) {
	entry, err := risk.UnsetOverride(c.Request.Context(), s.DB, c.Param("key"))
	if err != nil {
		s.respondConfigError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) respondConfigError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_OVERRIDDEN", "no override set for "+strings.ToLower(c.Param("key")))
	case errors.Is(err, risk.ErrInvalidSetting):
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
	default:
		s.respondEngineError(c, err)
	}
}
