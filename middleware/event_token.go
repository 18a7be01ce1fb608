package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

// EventToken requires "Authorization: Bearer <token>", the header MinIO
// sends for a webhook notification target with auth_token set. An empty
// token disables the check.
func EventToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		scheme, got, _ := strings.Cut(c.GetHeader("Authorization"), " ")
		if !strings.EqualFold(scheme, "Bearer") || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			logger.Warn(c.Request.Context(), "storage event rejected", "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid event token"})
			return
		}
		c.Next()
	}
}
