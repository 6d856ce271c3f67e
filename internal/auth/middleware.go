// Package auth resolves caller identity for the HTTP surface.
//
// Identity model:
//   - The bot gateway authenticates end users and forwards their id in X-User-ID.
//   - When a gateway token is configured, the gateway must also present
//     "Authorization: Bearer <token>"; without it X-User-ID is ignored.
//   - Admin and moderator routes additionally require X-Admin-Secret.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/p2pdesk/settlement/internal/ledger"
)

const (
	// ContextKeyUserID is the key for the authenticated user id in gin context
	ContextKeyUserID = "authUserID"

	HeaderUserID      = "X-User-ID"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware trusts X-User-ID when the gateway token matches (or none is
// configured) and stores it in the gin and request contexts.
func Middleware(gatewayToken string) gin.HandlerFunc {
	want := hashKey(gatewayToken)
	return func(c *gin.Context) {
		if gatewayToken != "" {
			got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare(hashKey(got), want) != 1 {
				c.Next()
				return
			}
		}

		if user := strings.TrimSpace(c.GetHeader(HeaderUserID)); user != "" {
			c.Set(ContextKeyUserID, user)
			ctx := ledger.WithActor(c.Request.Context(), "user", user)
			ctx = ledger.WithAuditIP(ctx, c.ClientIP())
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// RequireUser rejects requests without an authenticated user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header from an authenticated gateway is required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// An empty secret disables the routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := hashKey(secret)
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminSecret)
		if secret == "" || subtle.ConstantTimeCompare(hashKey(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin credentials required.",
			})
			return
		}
		if user := UserID(c); user != "" {
			c.Request = c.Request.WithContext(ledger.WithActor(c.Request.Context(), "admin", user))
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func hashKey(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return h[:]
}
