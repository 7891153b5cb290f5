package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vendsync/config"
)

// RateLimiter is a fixed-window counter per business and client IP, kept in
// the engine's redis. Without redis every request passes.
type RateLimiter struct {
	limit  int64
	window time.Duration
}

func NewRateLimiter(limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window}
}

// rateLimiterFromEnv reads RATE_LIMIT_ENABLED, RATE_LIMIT_MAX_REQUESTS (600)
// and RATE_LIMIT_WINDOW_SECONDS (60).
func rateLimiterFromEnv() *RateLimiter {
	if !config.EnvBoolDefault("RATE_LIMIT_ENABLED", false) {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return NewRateLimiter(limit, time.Duration(windowSec)*time.Second)
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl := s.limiter
		e := s.eng()
		if rl == nil || e == nil || e.Cache == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		key := "vendsync:ratelimit:" + c.Param("businessId") + ":" + c.ClientIP()

		count, err := e.Cache.Incr(ctx, key).Result()
		if err != nil {
			// fail open
			config.LogError(s.logger, "api", "rateLimitMiddleware", "incr", key, err)
			c.Next()
			return
		}
		if count == 1 {
			if err := e.Cache.Expire(ctx, key, rl.window).Err(); err != nil {
				config.LogError(s.logger, "api", "rateLimitMiddleware", "expire", key, err)
			}
		}
		if count > rl.limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
