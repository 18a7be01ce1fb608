package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/v1nometrics/docusign-ura/config"
	"github.com/v1nometrics/docusign-ura/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{JWTSecret: "test-secret", TokenExpireHours: 24},
		Users: []config.User{
			{Username: "operator", Password: "testpass"},
		},
	}
}

func postJSON(router http.Handler, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthHandlerLogin(t *testing.T) {
	handler := NewAuthHandler(testConfig())
	router := gin.New()
	router.POST("/login", handler.Login)

	tests := []struct {
		name           string
		body           map[string]string
		expectedStatus int
	}{
		{"valid login", map[string]string{"username": "operator", "password": "testpass"}, http.StatusOK},
		{"invalid username", map[string]string{"username": "someone", "password": "testpass"}, http.StatusUnauthorized},
		{"invalid password", map[string]string{"username": "operator", "password": "wrong"}, http.StatusUnauthorized},
		{"missing fields", map[string]string{"username": "operator"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(router, "/login", tt.body)
			if w.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var resp LoginResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if resp.Token == "" || resp.Username != "operator" || resp.ExpiresAt == "" {
				t.Errorf("Unexpected login response: %+v", resp)
			}
		})
	}
}

func TestAuthHandlerMe(t *testing.T) {
	cfg := testConfig()
	handler := NewAuthHandler(cfg)
	router := gin.New()
	router.POST("/login", handler.Login)
	router.GET("/me", middleware.OperatorAuth(&cfg.Auth), handler.Me)

	w := postJSON(router, "/login", map[string]string{"username": "operator", "password": "testpass"})
	var login LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatalf("Failed to parse login: %v", err)
	}

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var me map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &me)
	if me["username"] != "operator" {
		t.Errorf("Expected operator, got %v", me)
	}
}
