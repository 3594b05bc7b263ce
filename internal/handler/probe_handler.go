package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fulfillment/internal/database"
	"fulfillment/pkg/breaker"
)

const probeTimeout = 2 * time.Second

// Pinger is anything that answers a health ping: the store, the bus.
type Pinger interface {
	Health(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Health calls f.
func (f PingFunc) Health(ctx context.Context) error {
	return f(ctx)
}

// ProbeHandler serves the kubernetes style probes
type ProbeHandler struct {
	checks   map[string]Pinger
	breakers *breaker.Manager
	started  atomic.Bool
	version  string
}

// NewProbeHandler creates a probe handler. db may be nil when no database is used.
func NewProbeHandler(redisPing, bus Pinger, db *gorm.DB, breakers *breaker.Manager, version string) *ProbeHandler {
	checks := map[string]Pinger{
		"redis": redisPing,
		"bus":   bus,
	}
	if db != nil {
		checks["database"] = PingFunc(func(ctx context.Context) error {
			return database.Health(ctx, db)
		})
	}
	return &ProbeHandler{checks: checks, breakers: breakers, version: version}
}

// MarkStarted flips the startup probe once the process finished wiring.
func (h *ProbeHandler) MarkStarted() {
	h.started.Store(true)
}

// Liveness answers as long as the process serves HTTP
func (h *ProbeHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// Startup answers once MarkStarted has been called
func (h *ProbeHandler) Startup(c *gin.Context) {
	if !h.started.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// Readiness checks every dependency. Open breakers are reported but do not
// fail the probe; they recover on their own.
func (h *ProbeHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	healthy := true
	services := make(map[string]interface{}, len(h.checks))
	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			healthy = false
			services[name] = map[string]interface{}{
				"healthy": false,
				"error":   err.Error(),
			}
			continue
		}
		services[name] = map[string]interface{}{
			"healthy": true,
			"status":  "connected",
		}
	}

	breakers := make(map[string]string)
	if h.breakers != nil {
		for name, state := range h.breakers.States() {
			breakers[name] = state.String()
		}
	}

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   h.version,
		"services":  services,
		"breakers":  breakers,
	}
	if !healthy {
		health["status"] = "error"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}
	c.JSON(http.StatusOK, health)
}
