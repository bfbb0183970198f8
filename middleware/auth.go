package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/cache"
	"github.com/kasuganosora/mailsystem/config"
)

const (
	AccountIDKey = "account_id"
	CharIDKey    = "char_id"

	sessionPrefix = "session:"
)

// SessionKey is the cache key that keeps a login token valid.
func SessionKey(token string) string { return sessionPrefix + token }

// BearerToken returns the token from the Authorization header, or from the
// token query parameter for WebSocket and EventSource clients that cannot
// set headers.
func BearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

// Auth validates the JWT and checks that its session has not been revoked.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := BearerToken(ctx)
		if token == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := ParseToken(token, sec.JWTSecret)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		cacheCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
		defer cancel()
		ok, err := c.Exists(cacheCtx, SessionKey(token))
		if err != nil || !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}

		ctx.Set(AccountIDKey, claims.AccountID)
		ctx.Next()
	}
}

// GetAccountID retrieves the authenticated account ID from the Gin context.
func GetAccountID(c *gin.Context) int64 {
	if v, ok := c.Get(AccountIDKey); ok {
		return v.(int64)
	}
	return 0
}

// OwnerFunc reports whether accountID owns charID.
type OwnerFunc func(ctx context.Context, accountID, charID int64) (bool, error)

// CharacterOwner resolves the :id path parameter to a character and rejects
// the request unless the authenticated account owns it. Must run after Auth.
func CharacterOwner(owns OwnerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		charID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || charID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
			return
		}
		ok, err := owns(c.Request.Context(), GetAccountID(c), charID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set(CharIDKey, charID)
		c.Next()
	}
}

// GetCharID retrieves the character resolved by CharacterOwner.
func GetCharID(c *gin.Context) int64 {
	if v, ok := c.Get(CharIDKey); ok {
		return v.(int64)
	}
	return 0
}
