package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paivaedu632/ema-sub000/libs/auth"
)

// Middleware rejects requests over the limit with 429 and a Retry-After
// header. Authenticated requests are keyed by user id, anonymous ones by
// client address. Limiter errors fail open so a redis outage does not take
// the API down with it.
func Middleware(limiter Limiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID, ok := auth.UserIDFromContext(c); ok {
			key = userID.String()
		}

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key, time.Now())
		if err != nil {
			logger.Error("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			seconds := int(retryAfter/time.Second) + 1
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests",
			})
			return
		}
		c.Next()
	}
}
