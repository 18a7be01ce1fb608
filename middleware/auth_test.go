package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/v1nometrics/docusign-ura/config"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testAuth = &config.AuthConfig{JWTSecret: "test-secret-key", TokenExpireHours: 24}

func signed(t *testing.T, claims Claims, method jwt.SigningMethod, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return s
}

func TestGenerateToken(t *testing.T) {
	token, expiresAt, err := GenerateToken("operator", testAuth)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Expected non-empty token")
	}

	expectedExpiry := time.Now().Add(24 * time.Hour)
	if expiresAt.Before(expectedExpiry.Add(-time.Minute)) || expiresAt.After(expectedExpiry.Add(time.Minute)) {
		t.Errorf("Expiry time %v is not within expected range of %v", expiresAt, expectedExpiry)
	}
}

func TestOperatorAuth(t *testing.T) {
	valid, _, err := GenerateToken("operator", testAuth)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	now := time.Now()
	expired := signed(t, Claims{
		Username: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
	}, jwt.SigningMethodHS256, []byte(testAuth.JWTSecret))
	noExpiry := signed(t, Claims{
		Username:         "operator",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer},
	}, jwt.SigningMethodHS256, []byte(testAuth.JWTSecret))
	otherIssuer := signed(t, Claims{
		Username: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}, jwt.SigningMethodHS256, []byte(testAuth.JWTSecret))
	wrongSecret := signed(t, Claims{
		Username: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}, jwt.SigningMethodHS256, []byte("other-secret"))

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"missing scheme", valid, http.StatusUnauthorized},
		{"garbage token", "Bearer invalid.token.here", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"no expiry", "Bearer " + noExpiry, http.StatusUnauthorized},
		{"other issuer", "Bearer " + otherIssuer, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen, fromCtx string
			router := gin.New()
			router.Use(OperatorAuth(testAuth))
			router.GET("/test", func(c *gin.Context) {
				seen = GetUsername(c)
				fromCtx, _ = c.Request.Context().Value(logger.UsernameKey).(string)
				c.JSON(http.StatusOK, gin.H{"message": "ok"})
			})

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedStatus == http.StatusOK && (seen != "operator" || fromCtx != "operator") {
				t.Errorf("Expected username on gin and request context, got %q / %q", seen, fromCtx)
			}
		})
	}
}

func TestGetUsername(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if GetUsername(c) != "" {
		t.Error("Expected empty string for unset username")
	}
	c.Set("username", "operator")
	if GetUsername(c) != "operator" {
		t.Errorf("Expected 'operator', got '%s'", GetUsername(c))
	}
}
