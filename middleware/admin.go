package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader carries the operator key on admin routes.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth checks the X-Admin-Key header against key, which is either the
// plain key or its bcrypt hash. With an empty key every admin route answers
// 503 so an unprotected deployment cannot expose them.
func AdminAuth(key string) gin.HandlerFunc {
	hashed := strings.HasPrefix(key, "$2")
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		got := c.GetHeader(AdminKeyHeader)
		var ok bool
		if hashed {
			ok = got != "" && bcrypt.CompareHashAndPassword([]byte(key), []byte(got)) == nil
		} else {
			ok = subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
