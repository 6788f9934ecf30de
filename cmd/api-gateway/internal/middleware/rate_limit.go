package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/edgelink/fleet/internal/cache"
	"github.com/edgelink/fleet/internal/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateCounter 固定窗口计数器，由 cache.RedisClient 实现
type RateCounter interface {
	IncrementRateLimit(ctx context.Context, identifier string, limit int64, window time.Duration) (int64, error)
}

// RateLimiter 激活接口速率限制，按IP和用户分别计数，防止激活码被暴力枚举
type RateLimiter struct {
	counter RateCounter
	limit   int64
	window  time.Duration
	logger  *zap.Logger
}

// NewRateLimiter 创建速率限制中间件
func NewRateLimiter(cfg *config.Config, counter *cache.RedisClient, logger *zap.Logger) *RateLimiter {
	return NewCounterRateLimiter(counter, int64(cfg.Auth.ActivationRateLimit), cfg.Auth.ActivationRateWindow, logger)
}

// NewCounterRateLimiter 使用任意计数器创建速率限制中间件
func NewCounterRateLimiter(counter RateCounter, limit int64, window time.Duration, logger *zap.Logger) *RateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		counter: counter,
		limit:   limit,
		window:  window,
		logger:  logger.Named("rate_limit"),
	}
}

// Middleware 依次检查IP和用户计数，需放在 UserAuth 之后
func (r *RateLimiter) Middleware(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := []struct{ kind, key string }{
			{"ip", fmt.Sprintf("%s:ip:%s", endpoint, c.ClientIP())},
		}
		if userID := c.GetString(UserIDKey); userID != "" {
			keys = append(keys, struct{ kind, key string }{"user", fmt.Sprintf("%s:user:%s", endpoint, userID)})
		}

		remaining := r.limit
		for _, k := range keys {
			count, err := r.counter.IncrementRateLimit(c.Request.Context(), k.key, r.limit, r.window)
			if errors.Is(err, cache.ErrRateLimitExceeded) {
				r.handleRateLimitExceeded(c, k.kind)
				return
			}
			if err != nil {
				// 计数器不可用时放行，激活本身仍有条件写保护
				r.logger.Warn("Rate limit counter unavailable", zap.String("key", k.key), zap.Error(err))
				continue
			}
			if left := r.limit - count; left < remaining {
				remaining = left
			}
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(r.limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Next()
	}
}

// handleRateLimitExceeded 处理速率限制超出
func (r *RateLimiter) handleRateLimitExceeded(c *gin.Context, limitType string) {
	retryAfter := int(r.window.Seconds())

	c.Header("X-RateLimit-Limit", strconv.FormatInt(r.limit, 10))
	c.Header("X-RateLimit-Remaining", "0")
	c.Header("Retry-After", strconv.Itoa(retryAfter))

	r.logger.Info("Rate limit exceeded",
		zap.String("type", limitType),
		zap.String("client_ip", c.ClientIP()),
	)

	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limit_exceeded",
		"message":     fmt.Sprintf("Rate limit exceeded for %s. Limit: %d requests per %v.", limitType, r.limit, r.window),
		"retry_after": retryAfter,
	})
}
