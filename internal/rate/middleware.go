package rate

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Shijas786/p2p-kerala/libs/auth"
	"github.com/gin-gonic/gin"
	"log/slog"
)

// Middleware throttles a route group per authenticated user, falling back to
// the client IP before auth has run. Limiter errors fail open.
func Middleware(limiter Limiter, scope string, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		key := scope + ":" + c.ClientIP()
		if val, ok := c.Get(auth.ContextUserIDKey); ok {
			if userID, ok := val.(string); ok && userID != "" {
				key = scope + ":" + userID
			}
		}

		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), key, time.Now())
		if err != nil {
			logger.Warn("rate limiter unavailable", "scope", scope, "error", err)
			c.Next()
			return
		}
		if !allowed {
			seconds := int(retryAfter / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "RATE_LIMITED", "message": "too many requests"})
			return
		}
		c.Next()
	}
}
