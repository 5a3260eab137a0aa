package auth

import (
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by the middleware.
const (
	CtxAccountPublicID = "account_public_id"
	CtxAccountRole     = "account_role"
)

// JWTAuthMiddleware validates bearer tokens on every request and injects the
// caller's identity into the gin context.
func JWTAuthMiddleware(key *rsa.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		claims, err := ValidateJWT(parts[1], key)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(CtxAccountPublicID, claims.AccountPublicID)
		c.Set(CtxAccountRole, claims.Role)
		c.Next()
	}
}

// RequireRoles rejects callers whose role is not on the allow-list. It must
// run after JWTAuthMiddleware.
func RequireRoles(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(c *gin.Context) {
		role := c.GetString(CtxAccountRole)
		if !allowed[role] {
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient role"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CallerID returns the authenticated account's public id from the context.
func CallerID(c *gin.Context) string {
	return c.GetString(CtxAccountPublicID)
}
