package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/ratelimit"
)

// RedisRateLimit limits each client IP to maxRequests per window using a
// shared Redis counter, so several instances enforce one budget. A Redis
// failure lets the request through.
func RedisRateLimit(client *redis.Client, maxRequests int, window time.Duration) gin.HandlerFunc {
	if client == nil {
		panic("Redis client cannot be nil for RedisRateLimit")
	}
	if maxRequests <= 0 || window <= 0 {
		panic("maxRequests and window must be positive for RedisRateLimit")
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := "roomchat:ratelimit:" + c.ClientIP()

		pipe := client.Pipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			logrus.WithError(err).Warn("RateLimit: Redis pipeline failed, allowing request")
			c.Next()
			return
		}

		if incr.Val() > int64(maxRequests) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}

// MemoryRateLimit is the single-instance counterpart of RedisRateLimit.
func MemoryRateLimit(maxRequests int, window time.Duration) gin.HandlerFunc {
	limiter := ratelimit.NewKeyed(maxRequests, window)

	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}

// AccessLog logs one line per request at a level chosen by status code.
func AccessLog(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path += "?" + c.Request.URL.RawQuery
		}
		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"status_code": status,
			"latency_ms":  time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			entry.Error(msg)
			return
		}
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("Server error")
		case status >= http.StatusBadRequest:
			entry.Warn("Client error")
		default:
			entry.Debug("Request handled")
		}
	}
}
