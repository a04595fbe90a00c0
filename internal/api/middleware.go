package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// authMiddleware validates the Bearer token in the Authorization header.
// An empty adminToken disables the check.
func authMiddleware(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		if auth == "" {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header")
			return
		}

		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid Authorization header format")
			return
		}

		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(adminToken)) != 1 {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}
		c.Next()
	}
}
