package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestEventToken(t *testing.T) {
	router := gin.New()
	router.POST("/events", EventToken("minio-token"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{"valid token", "Bearer minio-token", http.StatusOK},
		{"lowercase scheme", "bearer minio-token", http.StatusOK},
		{"wrong token", "Bearer other", http.StatusUnauthorized},
		{"token prefix", "Bearer minio", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"bare token", "minio-token", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/events", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestEventTokenDisabled(t *testing.T) {
	router := gin.New()
	router.POST("/events", EventToken(""), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}
