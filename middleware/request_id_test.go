package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

func TestRequestID(t *testing.T) {
	var fromGin, fromCtx string
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		fromGin = GetRequestID(c)
		fromCtx, _ = c.Request.Context().Value(logger.RequestIDKey).(string)
		c.Status(http.StatusNoContent)
	})

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

		id := w.Header().Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("Expected a generated UUID, got %q", id)
		}
		if fromGin != id || fromCtx != id {
			t.Errorf("Expected %q on gin and request context, got %q / %q", id, fromGin, fromCtx)
		}
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set(RequestIDHeader, "existing-request-id-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get(RequestIDHeader); got != "existing-request-id-123" {
			t.Errorf("Expected caller's request ID, got %q", got)
		}
	})
}

func TestGetRequestIDEmpty(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if id := GetRequestID(c); id != "" {
		t.Errorf("Expected empty string, got '%s'", id)
	}
}
