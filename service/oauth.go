package service

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// tokenResponse is the OAuth token endpoint reply
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// httpError carries a non-2xx reply so callers can classify it
type httpError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// jwtBearerSource exchanges a signed RS256 assertion for an access token
// and caches it until shortly before expiry.
type jwtBearerSource struct {
	client   *resty.Client
	tokenURL string
	key      *rsa.PrivateKey
	claims   func(now time.Time) jwt.MapClaims
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func (s *jwtBearerSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expiry) {
		return s.token, nil
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, s.claims(now)).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}

	var out tokenResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type": jwtBearerGrant,
			"assertion":  assertion,
		}).
		SetResult(&out).
		Post(s.tokenURL)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &httpError{Op: "token", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("token response without access_token")
	}

	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	s.token = out.AccessToken
	// refreshed one minute before the provider expiry
	s.expiry = now.Add(ttl - time.Minute)
	return s.token, nil
}

// Invalidate forces the next Token call to fetch a new token
func (s *jwtBearerSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}
