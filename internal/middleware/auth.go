package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"fulfillment/internal/utils"
	"fulfillment/pkg/log"
	resp "fulfillment/pkg/utils"
)

const (
	// AuthorizationHeader authorization header name
	AuthorizationHeader = "Authorization"
	// BearerPrefix bearer prefix
	BearerPrefix = "Bearer "
	// UserIDKey context key of the authenticated login
	UserIDKey = "auth_user_id"
	// UserRoleKey context key of the authenticated role
	UserRoleKey = "auth_user_role"
	// TokenKey context key of the raw token
	TokenKey = "auth_token"
)

// TokenValidator checks a bearer token. The auth service implements it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error)
}

// Auth requires a valid bearer token and stores its claims on the context.
func Auth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			resp.Error(c, resp.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			resp.Error(c, resp.CodeUnauthorized, "invalid authorization header format")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, BearerPrefix))
		if token == "" {
			resp.Error(c, resp.CodeUnauthorized, "missing token")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			log.WithError(err).WithField("path", c.FullPath()).Debug("Token rejected")
			resp.Error(c, resp.CodeUnauthorized, "invalid token")
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UserRoleKey, claims.Role)
		c.Set(TokenKey, token)
		c.Next()
	}
}

// RequireRole only lets tokens of role through. It must run after Auth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if r, _ := GetUserRole(c); r != role {
			resp.Error(c, resp.CodeForbidden, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireOwner only lets a user act on the path's user_id, unless the
// token is an admin's. It must run after Auth.
func RequireOwner(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := GetUserRole(c); role == utils.RoleAdmin {
			c.Next()
			return
		}
		if id, _ := GetUserID(c); id == "" || id != c.Param(param) {
			resp.Error(c, resp.CodeForbidden, "cannot access another user's orders")
			c.Abort()
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated login
func GetUserID(c *gin.Context) (string, bool) {
	id := c.GetString(UserIDKey)
	return id, id != ""
}

// GetUserRole returns the authenticated role
func GetUserRole(c *gin.Context) (string, bool) {
	role := c.GetString(UserRoleKey)
	return role, role != ""
}

// GetToken returns the raw bearer token
func GetToken(c *gin.Context) (string, bool) {
	token := c.GetString(TokenKey)
	return token, token != ""
}
