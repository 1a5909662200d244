package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Orbo/config"
	"github.com/Gopher0727/Orbo/internal/pkg/workerpool"
	"github.com/Gopher0727/Orbo/middleware/jwt"
	logger "github.com/Gopher0727/Orbo/middleware/log"
	"github.com/Gopher0727/Orbo/utils/ratelimit"
)

// Context keys set by JWTAuth.
const (
	ContextUserID     = "user_id"
	ContextTelegramID = "telegram_id"
)

type MiddlewareManager struct {
	tokenManager *jwt.TokenManager
	rateLimiter  ratelimit.Limiter
	pool         *workerpool.Pool
	logger       *logger.Logger
	rateLimitCfg config.RateLimitConfig
}

// NewMiddlewareManager wires the shared middleware. limiter and pool may be
// nil, which disables rate limiting and async dispatch.
func NewMiddlewareManager(
	tokenManager *jwt.TokenManager,
	limiter ratelimit.Limiter,
	pool *workerpool.Pool,
	log *logger.Logger,
	rateLimitCfg config.RateLimitConfig,
) *MiddlewareManager {
	return &MiddlewareManager{
		tokenManager: tokenManager,
		rateLimiter:  limiter,
		pool:         pool,
		logger:       log.Named("http"),
		rateLimitCfg: rateLimitCfg,
	}
}

func (m *MiddlewareManager) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := m.tokenManager.ParseToken(parts[1])
		if err != nil {
			m.logger.WarnContext(c.Request.Context(), "token validation failed",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)

			message := "invalid token"
			switch {
			case errors.Is(err, jwt.ErrExpiredToken):
				message = "token has expired"
			case errors.Is(err, jwt.ErrTokenNotYetValid):
				message = "token not yet valid"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextTelegramID, claims.TelegramID)
		c.Next()
	}
}

// RateLimitByEndpoint applies the budget of one endpoint class. Callers are
// keyed by user when authenticated and by client IP otherwise.
func (m *MiddlewareManager) RateLimitByEndpoint(class string) gin.HandlerFunc {
	rule := ratelimit.RuleFor(class, m.rateLimitCfg)

	return func(c *gin.Context) {
		if m.rateLimiter == nil {
			c.Next()
			return
		}

		var key string
		if userID := c.GetString(ContextUserID); userID != "" {
			key = fmt.Sprintf("%s:user:%s", class, userID)
		} else {
			key = fmt.Sprintf("%s:ip:%s", class, c.ClientIP())
		}

		ctx := c.Request.Context()
		allowed, err := m.rateLimiter.Allow(ctx, key, rule)
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit check failed", zap.String("key", key), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
			return
		}
		if !allowed {
			c.Header("Retry-After", fmt.Sprint(int(rule.Window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int(rule.Window.Seconds()),
			})
			return
		}
		c.Next()
	}
}

func (m *MiddlewareManager) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if userID := c.GetString(ContextUserID); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			m.logger.ErrorContext(ctx, "server error", fields...)
		case status >= 400:
			m.logger.WarnContext(ctx, "client error", fields...)
		default:
			m.logger.InfoContext(ctx, "request completed", fields...)
		}
	}
}

func (m *MiddlewareManager) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (m *MiddlewareManager) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.ErrorContext(c.Request.Context(), "panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// Async runs the rest of the handler chain on the worker pool so that
// concurrent database-heavy requests are bounded by the pool size. The
// request goroutine blocks until the job finishes, so c is never used by two
// goroutines at once.
func (m *MiddlewareManager) Async() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.pool == nil {
			c.Next()
			return
		}

		done := make(chan struct{})
		var panicked any
		err := m.pool.SubmitContext(c.Request.Context(), func() {
			defer close(done)
			defer func() { panicked = recover() }()
			c.Next()
		})
		if err != nil {
			m.logger.WarnContext(c.Request.Context(), "request not scheduled", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
			return
		}
		<-done
		if panicked != nil {
			// re-raise on the request goroutine so Recovery sees it
			panic(panicked)
		}
	}
}
