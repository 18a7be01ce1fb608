package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func signatureRouter(secret string, gotBody *string) *gin.Engine {
	router := gin.New()
	router.POST("/webhook", VerifyConnectSignature(secret), func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		*gotBody = string(b)
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	return router
}

func TestVerifyConnectSignature(t *testing.T) {
	const secret = "connect-key"
	const body = `{"event":"envelope-completed"}`

	tests := []struct {
		name           string
		headers        map[string]string
		expectedStatus int
	}{
		{"first header", map[string]string{"X-DocuSign-Signature-1": SignBody(secret, []byte(body))}, http.StatusOK},
		{"rotated key in second header", map[string]string{
			"X-DocuSign-Signature-1": SignBody("old-key", []byte(body)),
			"X-DocuSign-Signature-2": SignBody(secret, []byte(body)),
		}, http.StatusOK},
		{"missing", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-DocuSign-Signature-1": SignBody("other", []byte(body))}, http.StatusUnauthorized},
		{"not base64", map[string]string{"X-DocuSign-Signature-1": "%%%"}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			router := signatureRouter(secret, &got)

			req := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedStatus == http.StatusOK && got != body {
				t.Errorf("Expected handler to read the original body, got %q", got)
			}
		})
	}
}

func TestVerifyConnectSignatureDisabled(t *testing.T) {
	var got string
	router := signatureRouter("", &got)

	req := httptest.NewRequest("POST", "/webhook", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected unsigned request to pass without a secret, got %d", w.Code)
	}
}
