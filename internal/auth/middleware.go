package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys for tenant data.
const (
	ContextKeyTenantID = "tenant_id"
	ContextKeyIsAdmin  = "tenant_is_admin"
	ContextKeyClaims   = "tenant_claims"
)

// Middleware authenticates every request and pins the tenant identity on
// the context.
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "invalid authorization header format",
			})
			return
		}

		claims, err := jwtManager.Validate(parts[1])
		if err != nil {
			message := "invalid token"
			if err == ErrTokenExpired {
				message = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": message,
			})
			return
		}

		c.Set(ContextKeyTenantID, claims.TenantID)
		c.Set(ContextKeyIsAdmin, claims.IsAdmin)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAdmin gates the admin-only endpoints.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdmin, exists := c.Get(ContextKeyIsAdmin)
		if !exists || !isAdmin.(bool) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "FORBIDDEN",
				"message": "admin access required",
			})
			return
		}
		c.Next()
	}
}

// TenantID extracts the authenticated tenant from the Gin context.
func TenantID(c *gin.Context) string {
	if id, exists := c.Get(ContextKeyTenantID); exists {
		return id.(string)
	}
	return ""
}

// GetClaims extracts the full tenant claims from the Gin context.
func GetClaims(c *gin.Context) *TenantClaims {
	if claims, exists := c.Get(ContextKeyClaims); exists {
		return claims.(*TenantClaims)
	}
	return nil
}
