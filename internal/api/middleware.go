package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adamSellers/oakley-trading/pkg/cache"
)

const (
	requestIDKey      = "RequestID"
	limiterMaxAge     = 10 * time.Minute
	limiterSweepEvery = 5 * time.Minute
)

// ipLimiters hands out one token bucket per client IP. Buckets are dropped
// after limiterMaxAge so the map does not grow with every address seen.
type ipLimiters struct {
	mu        sync.Mutex
	buckets   *cache.ShardedCache[*rate.Limiter]
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

func newIPLimiters(limit rate.Limit, burst int) *ipLimiters {
	return &ipLimiters{
		buckets:   cache.New[*rate.Limiter](),
		limit:     limit,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	if lim, ok := l.buckets.Fresh(ip, limiterMaxAge); ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Check again in case another request created it.
	if lim, ok := l.buckets.Fresh(ip, limiterMaxAge); ok {
		return lim
	}
	if time.Since(l.lastSweep) > limiterSweepEvery {
		l.buckets.Cleanup(limiterMaxAge)
		l.lastSweep = time.Now()
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Set(ip, lim)
	return lim
}

// CORSMiddleware allows the listed origins; "*" allows any origin without credentials.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	cfg.ExposeHeaders = []string{"Content-Length", "X-Request-ID"}

	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware prevents API abuse with per-IP rate limiting
func (s *Server) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !s.limiters.get(ip).Allow() {
			s.Log.Warn("rate limit exceeded", zap.String("ip", ip))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context. Handlers pass it to the
// engine, which stops before the exchange call once it expires; work after
// a confirmed fill runs detached and is not cut short.
func TimeoutMiddleware(timeout time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("request timeout",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path))
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
					"code":  "TIMEOUT",
					"error": "request took too long to process",
				})
			}
		}
	}
}

// RequestLogger logs all API requests with timing and status.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		switch {
		case status >= 500:
			log.Error("api request", fields...)
		case status >= 400:
			log.Warn("api request", fields...)
		default:
			log.Debug("api request", fields...)
		}
	}
}
