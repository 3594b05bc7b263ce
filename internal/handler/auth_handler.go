package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/middleware"
	"fulfillment/internal/service/auth"
	"fulfillment/pkg/utils"
)

// AuthHandler authentication handler
type AuthHandler struct {
	authService auth.AuthService
}

// NewAuthHandler creates an authentication handler
func NewAuthHandler(authService auth.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// Login issues a token, registering the login on first use
func (h *AuthHandler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorFrom(c, utils.BindError(err))
		return
	}

	tokenResp, err := h.authService.Login(c.Request.Context(), &req)
	switch {
	case err == nil:
		utils.SuccessResponse(c, tokenResp)
	case errors.Is(err, auth.ErrInvalidCredentials):
		utils.ErrorFrom(c, utils.WrapError(err, utils.CodeUnauthorized, err.Error()))
	case errors.Is(err, auth.ErrTooManyAttempts):
		utils.ErrorFrom(c, utils.WrapError(err, utils.CodeTooManyAttempts, err.Error()))
	default:
		utils.ErrorFrom(c, utils.WrapError(err, utils.CodeRedisError, "login failed"))
	}
}

// Logout revokes the caller's token
func (h *AuthHandler) Logout(c *gin.Context) {
	token, ok := middleware.GetToken(c)
	if !ok {
		utils.Error(c, utils.CodeUnauthorized, "missing token")
		return
	}

	if err := h.authService.Logout(c.Request.Context(), token); err != nil {
		utils.ErrorFrom(c, utils.WrapError(err, utils.CodeRedisError, "logout failed"))
		return
	}
	utils.SuccessResponse(c, nil)
}
