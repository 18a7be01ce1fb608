package service

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/v1nometrics/docusign-ura/config"
	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

const docuSignScopes = "signature impersonation"

// Anchor strings searched in the document for the signature field
var signHereAnchors = []string{"/sn1/", "**assinatura**", "**signature**", "/assinatura/"}

// DocuSignClient creates envelopes through the eSignature REST API using
// the JWT grant with an impersonated user.
type DocuSignClient struct {
	cfg      *config.DocuSignConfig
	authURL  string
	http     *resty.Client
	tokens   *jwtBearerSource
	limiter  *rate.Limiter
	clientID func() string

	mu      sync.Mutex
	account *accountInfo

	// envelopes created whose recipient view has not been obtained yet
	pendingMu sync.Mutex
	pending   map[string]createdEnvelope
}

type createdEnvelope struct {
	id           string
	clientUserID string
}

type accountInfo struct {
	AccountID string `json:"account_id"`
	IsDefault bool   `json:"is_default"`
	BaseURI   string `json:"base_uri"`
}

type userInfo struct {
	Accounts []accountInfo `json:"accounts"`
}

// Envelope definition payloads
type (
	envelopeDefinition struct {
		EmailSubject string     `json:"emailSubject"`
		Documents    []document `json:"documents"`
		Recipients   recipients `json:"recipients"`
		Status       string     `json:"status"`
	}
	document struct {
		DocumentBase64 string `json:"documentBase64"`
		Name           string `json:"name"`
		FileExtension  string `json:"fileExtension"`
		DocumentID     string `json:"documentId"`
	}
	recipients struct {
		Signers []signer `json:"signers"`
	}
	signer struct {
		Email        string `json:"email"`
		Name         string `json:"name"`
		RecipientID  string `json:"recipientId"`
		RoutingOrder string `json:"routingOrder"`
		ClientUserID string `json:"clientUserId"`
		Tabs         tabs   `json:"tabs"`
	}
	tabs struct {
		SignHereTabs []signHere `json:"signHereTabs"`
	}
	signHere struct {
		AnchorString             string `json:"anchorString"`
		AnchorUnits              string `json:"anchorUnits"`
		AnchorXOffset            string `json:"anchorXOffset"`
		AnchorYOffset            string `json:"anchorYOffset"`
		AnchorIgnoreIfNotPresent string `json:"anchorIgnoreIfNotPresent"`
	}
	envelopeSummary struct {
		EnvelopeID string `json:"envelopeId"`
		Status     string `json:"status"`
	}
	recipientViewRequest struct {
		AuthenticationMethod string `json:"authenticationMethod"`
		ClientUserID         string `json:"clientUserId"`
		RecipientID          string `json:"recipientId"`
		ReturnURL            string `json:"returnUrl"`
		UserName             string `json:"userName"`
		Email                string `json:"email"`
	}
	viewURL struct {
		URL string `json:"url"`
	}
)

// NewDocuSignClient reads the RSA private key and prepares the client.
// No network call is made until the first envelope.
func NewDocuSignClient(cfg *config.DocuSignConfig) (*DocuSignClient, error) {
	pemBytes, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newDocuSignClient(cfg, key), nil
}

func newDocuSignClient(cfg *config.DocuSignConfig, key *rsa.PrivateKey) *DocuSignClient {
	authURL := cfg.AuthServer
	if !strings.Contains(authURL, "://") {
		authURL = "https://" + authURL
	}
	authURL = strings.TrimSuffix(authURL, "/")
	audience := strings.TrimPrefix(strings.TrimPrefix(authURL, "https://"), "http://")

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &DocuSignClient{
		cfg:     cfg,
		authURL: authURL,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		tokens: &jwtBearerSource{
			client:   client,
			tokenURL: authURL + "/oauth/token",
			key:      key,
			now:      time.Now,
			claims: func(now time.Time) jwt.MapClaims {
				return jwt.MapClaims{
					"iss":   cfg.ClientID,
					"sub":   cfg.ImpersonatedUser,
					"aud":   audience,
					"iat":   now.Unix(),
					"exp":   now.Add(time.Hour).Unix(),
					"scope": docuSignScopes,
				}
			},
		},
		clientID: uuid.NewString,
		pending:  make(map[string]createdEnvelope),
	}
}

// ConsentURL is the page where an administrator grants the application
// consent to impersonate the configured user.
func (c *DocuSignClient) ConsentURL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("scope", docuSignScopes)
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.ConsentRedirect)
	return c.authURL + "/oauth/auth?" + q.Encode()
}

// CreateEnvelope sends the document to a single embedded signer and
// returns the envelope id with the signer's recipient view URL.
func (c *DocuSignClient) CreateEnvelope(ctx context.Context, req model.EnvelopeRequest) (model.Envelope, error) {
	token, err := c.token(ctx)
	if err != nil {
		return model.Envelope{}, err
	}
	account, err := c.accountInfo(ctx, token)
	if err != nil {
		return model.Envelope{}, err
	}
	base := fmt.Sprintf("%s/restapi/v2.1/accounts/%s", strings.TrimSuffix(account.BaseURI, "/"), account.AccountID)

	// a retry after a failed recipient view reuses the created envelope
	pk := pendingKey(req)
	created, ok := c.pendingEnvelope(pk)
	if ok {
		logger.Info(ctx, "reusing envelope from an earlier attempt", "envelope_id", created.id)
	} else {
		created.clientUserID = c.clientID()
		def := c.envelopeDefinition(req, created.clientUserID)

		var summary envelopeSummary
		if err := c.post(ctx, "create envelope", token, base+"/envelopes", def, &summary); err != nil {
			return model.Envelope{}, err
		}
		if summary.EnvelopeID == "" {
			return model.Envelope{}, &model.EnvelopeError{Kind: model.ErrTransient, Message: "create envelope: empty envelope id"}
		}
		logger.Info(ctx, "envelope created", "envelope_id", summary.EnvelopeID, "status", summary.Status)
		created.id = summary.EnvelopeID
		c.setPending(pk, created)
	}

	var view viewURL
	viewReq := recipientViewRequest{
		AuthenticationMethod: "none",
		ClientUserID:         created.clientUserID,
		RecipientID:          "1",
		ReturnURL:            c.cfg.ReturnURL,
		UserName:             req.SignerName,
		Email:                req.SignerEmail,
	}
	if err := c.post(ctx, "recipient view", token, base+"/envelopes/"+created.id+"/views/recipient", viewReq, &view); err != nil {
		return model.Envelope{}, err
	}
	c.clearPending(pk)

	return model.Envelope{EnvelopeID: created.id, SigningURL: view.URL}, nil
}

func pendingKey(req model.EnvelopeRequest) string {
	h := sha256.New()
	h.Write(req.Document)
	for _, f := range []string{req.DocumentFilename, req.SignerName, req.SignerEmail} {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *DocuSignClient) pendingEnvelope(key string) (createdEnvelope, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	env, ok := c.pending[key]
	return env, ok
}

func (c *DocuSignClient) setPending(key string, env createdEnvelope) {
	c.pendingMu.Lock()
	c.pending[key] = env
	c.pendingMu.Unlock()
}

func (c *DocuSignClient) clearPending(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

func (c *DocuSignClient) envelopeDefinition(req model.EnvelopeRequest, clientUserID string) envelopeDefinition {
	name := req.DocumentFilename
	if name == "" {
		name = "contrato.pdf"
	}
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if ext == "" {
		ext = "pdf"
	}

	var tabsList []signHere
	for _, anchor := range signHereAnchors {
		tabsList = append(tabsList, signHere{
			AnchorString:             anchor,
			AnchorUnits:              "pixels",
			AnchorXOffset:            "20",
			AnchorYOffset:            "10",
			AnchorIgnoreIfNotPresent: "true",
		})
	}

	return envelopeDefinition{
		EmailSubject: c.cfg.EmailSubject,
		Documents: []document{{
			DocumentBase64: base64.StdEncoding.EncodeToString(req.Document),
			Name:           name,
			FileExtension:  strings.ToLower(ext),
			DocumentID:     "1",
		}},
		Recipients: recipients{Signers: []signer{{
			Email:        req.SignerEmail,
			Name:         req.SignerName,
			RecipientID:  "1",
			RoutingOrder: "1",
			ClientUserID: clientUserID,
			Tabs:         tabs{SignHereTabs: tabsList},
		}}},
		Status: "sent",
	}
}

func (c *DocuSignClient) token(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &model.EnvelopeError{Kind: model.ErrTransient, Message: err.Error(), Err: err}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", c.classify("token", err)
	}
	return token, nil
}

func (c *DocuSignClient) accountInfo(ctx context.Context, token string) (*accountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.account != nil {
		return c.account, nil
	}

	var info userInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&info).
		Get(c.authURL + "/oauth/userinfo")
	if err != nil {
		return nil, c.classify("userinfo", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.classify("userinfo", &httpError{Op: "userinfo", StatusCode: resp.StatusCode(), Body: resp.String()})
	}
	if len(info.Accounts) == 0 {
		return nil, &model.EnvelopeError{Kind: model.ErrValidation, Message: "userinfo: user has no accounts"}
	}

	account := info.Accounts[0]
	for _, a := range info.Accounts {
		if a.IsDefault {
			account = a
			break
		}
	}
	c.account = &account
	return c.account, nil
}

func (c *DocuSignClient) post(ctx context.Context, op, token, endpoint string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &model.EnvelopeError{Kind: model.ErrTransient, Message: err.Error(), Err: err}
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(out).
		Post(endpoint)
	if err != nil {
		return c.classify(op, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return c.classify(op, &httpError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()})
	}
	return nil
}

// classify maps transport and API failures onto the error taxonomy
func (c *DocuSignClient) classify(op string, err error) error {
	var httpErr *httpError
	if !errors.As(err, &httpErr) {
		return &model.EnvelopeError{Kind: model.ErrTransient, Message: fmt.Sprintf("%s: %v", op, err), Err: err}
	}

	envErr := &model.EnvelopeError{
		Message:    fmt.Sprintf("%s: %s", op, httpErr.Body),
		StatusCode: httpErr.StatusCode,
		Err:        err,
	}
	switch {
	case strings.Contains(httpErr.Body, "consent_required"):
		envErr.Kind = model.ErrConsentRequired
		envErr.ConsentURL = c.ConsentURL()
	case httpErr.StatusCode == http.StatusUnauthorized:
		c.tokens.Invalidate()
		envErr.Kind = model.ErrTransient
	case httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500:
		envErr.Kind = model.ErrTransient
	case httpErr.StatusCode >= 400:
		envErr.Kind = model.ErrValidation
	default:
		envErr.Kind = model.ErrTransient
	}
	return envErr
}
