package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"fulfillment/pkg/degrade"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// Degrade turns requests away while scope is switched off. A switch that
// cannot be read counts as off.
func Degrade(sw *degrade.Switch, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		strategy, err := sw.Check(c.Request.Context(), scope)
		if err != nil {
			log.WithError(err).WithField("scope", scope).Warn("Degrade switch unavailable")
			c.Next()
			return
		}
		if strategy == nil {
			c.Next()
			return
		}

		if strategy.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(strategy.RetryAfter))
		}
		utils.Error(c, utils.CodeDegraded, strategy.Message)
		c.Abort()
	}
}
