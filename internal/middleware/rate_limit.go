package middleware

import (
	"github.com/gin-gonic/gin"

	"fulfillment/pkg/limiter"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// Rate limit dimensions.
const (
	DimensionIP   = "ip"
	DimensionUser = "user"
)

// RateLimit checks the client IP and, once authenticated, the user against
// l. Limiter errors let the request through.
func RateLimit(l *limiter.MultiDimensionLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := GetUserID(c)
		dimensions := map[string]string{
			DimensionIP:   c.ClientIP(),
			DimensionUser: userID,
		}

		allowed, dimension, err := l.Allow(c.Request.Context(), dimensions)
		if err != nil {
			log.WithError(err).WithField("dimension", dimension).Warn("Rate limiter unavailable")
			c.Next()
			return
		}

		if !allowed {
			log.WithFields(log.Fields{
				"dimension": dimension,
				"key":       dimensions[dimension],
				"path":      c.FullPath(),
				"method":    c.Request.Method,
			}).Warn("Rate limit exceeded")

			c.Header("Retry-After", "1")
			utils.Error(c, utils.CodeRateLimit, "too many requests, please try again later")
			c.Abort()
			return
		}

		c.Next()
	}
}
