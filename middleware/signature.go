package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/v1nometrics/docusign-ura/pkg/logger"
	"github.com/v1nometrics/docusign-ura/pkg/metrics"
)

// signatureHeaderPrefix is followed by 1..maxSignatureHeaders. The provider
// sends one header per active key so secrets can be rotated.
const (
	signatureHeaderPrefix = "X-DocuSign-Signature-"
	maxSignatureHeaders   = 5
	maxWebhookBody        = 1 << 20
)

// SignBody returns the base64 HMAC-SHA256 of body under secret
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyConnectSignature rejects webhook requests whose body does not match
// any X-DocuSign-Signature-N header. An empty secret disables the check.
func VerifyConnectSignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(secret) == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil || len(body) > maxWebhookBody {
			metrics.WebhookEvents.WithLabelValues("invalid").Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		expected, _ := base64.StdEncoding.DecodeString(SignBody(secret, body))
		for i := 1; i <= maxSignatureHeaders; i++ {
			provided, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.GetHeader(signatureHeaderPrefix + strconv.Itoa(i))))
			if err == nil && len(provided) > 0 && hmac.Equal(expected, provided) {
				c.Next()
				return
			}
		}

		logger.Warn(c.Request.Context(), "webhook signature mismatch", "client_ip", c.ClientIP())
		metrics.WebhookEvents.WithLabelValues("invalid").Inc()
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
	}
}
