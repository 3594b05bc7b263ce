package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/middleware"
	"fulfillment/pkg/breaker"
	"fulfillment/pkg/degrade"
	"fulfillment/pkg/log"
	"fulfillment/pkg/utils"
)

// Degrade scopes the gateway checks.
const (
	ScopeOrders  = "orders"
	ScopeBilling = "billing"
)

var knownScopes = map[string]bool{ScopeOrders: true, ScopeBilling: true}

// AdminHandler serves operator switches
type AdminHandler struct {
	degrade  *degrade.Switch
	breakers *breaker.Manager
}

// NewAdminHandler creates an admin handler
func NewAdminHandler(sw *degrade.Switch, breakers *breaker.Manager) *AdminHandler {
	return &AdminHandler{degrade: sw, breakers: breakers}
}

// DegradeRequest enable degrade request
type DegradeRequest struct {
	Message    string `json:"message" binding:"max=200"`
	RetryAfter int    `json:"retry_after" binding:"nonnegative"`
	TTLSeconds int    `json:"ttl_seconds" binding:"nonnegative"` // 0 keeps it until disabled
}

// ListDegrade lists the degraded scopes
func (h *AdminHandler) ListDegrade(c *gin.Context) {
	switches, err := h.degrade.List(c.Request.Context())
	if err != nil {
		utils.ErrorFrom(c, utils.WrapError(err, utils.CodeRedisError, "failed to read degrade switches"))
		return
	}
	utils.SuccessResponse(c, switches)
}

// EnableDegrade turns a scope away until disabled or the ttl passes
func (h *AdminHandler) EnableDegrade(c *gin.Context) {
	scope := c.Param("scope")
	if !knownScopes[scope] {
		utils.Error(c, utils.CodeInvalidParam, "unknown scope: "+scope)
		return
	}

	var req DegradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorFrom(c, utils.BindError(err))
		return
	}

	strategy := degrade.Strategy{Message: req.Message, RetryAfter: req.RetryAfter}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.degrade.Enable(c.Request.Context(), scope, strategy, ttl); err != nil {
		utils.ErrorFrom(c, utils.WrapError(err, utils.CodeRedisError, "failed to enable degrade"))
		return
	}

	admin, _ := middleware.GetUserID(c)
	log.WithFields(log.Fields{
		"scope": scope,
		"ttl":   ttl,
		"by":    admin,
	}).Warn("Degrade enabled")
	utils.SuccessResponse(c, nil)
}

// DisableDegrade restores a scope
func (h *AdminHandler) DisableDegrade(c *gin.Context) {
	scope := c.Param("scope")
	if !knownScopes[scope] {
		utils.Error(c, utils.CodeInvalidParam, "unknown scope: "+scope)
		return
	}

	if err := h.degrade.Disable(c.Request.Context(), scope); err != nil {
		utils.ErrorFrom(c, utils.WrapError(err, utils.CodeRedisError, "failed to disable degrade"))
		return
	}
	log.WithField("scope", scope).Info("Degrade disabled")
	utils.SuccessResponse(c, nil)
}

// Breakers reports the state of every publish breaker
func (h *AdminHandler) Breakers(c *gin.Context) {
	states := make(map[string]string)
	for name, state := range h.breakers.States() {
		states[name] = state.String()
	}
	utils.SuccessResponse(c, states)
}
