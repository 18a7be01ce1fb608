package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/v1nometrics/docusign-ura/config"
	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

const (
	sheetsScope      = "https://www.googleapis.com/auth/spreadsheets"
	defaultTokenURI  = "https://oauth2.googleapis.com/token"
	defaultWorksheet = "Sheet1"
	sheetsTimeFormat = "2006-01-02 15:04:05"
)

type tokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// serviceAccount is the subset of a Google service account key file in use
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

type valueRange struct {
	Range  string     `json:"range,omitempty"`
	Values [][]string `json:"values"`
}

type batchUpdateRequest struct {
	ValueInputOption string       `json:"valueInputOption"`
	Data             []valueRange `json:"data"`
}

// SheetsTracker keeps one row per signer in a Google Sheets worksheet.
// Columns are located by header name, so their order in the sheet is free.
type SheetsTracker struct {
	http      *resty.Client
	tokens    tokenProvider
	baseURL   string
	sheetID   string
	worksheet string
	columns   config.SheetsColumns
	now       func() time.Time
}

func NewSheetsTracker(cfg *config.SheetsConfig) (*SheetsTracker, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheets credentials: %w", err)
	}
	var sa serviceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("failed to parse sheets credentials: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sheets private key: %w", err)
	}
	tokenURI := sa.TokenURI
	if tokenURI == "" {
		tokenURI = defaultTokenURI
	}

	client := resty.New().SetTimeout(30 * time.Second)
	tokens := &jwtBearerSource{
		client:   client,
		tokenURL: tokenURI,
		key:      key,
		now:      time.Now,
		claims: func(now time.Time) jwt.MapClaims {
			return jwt.MapClaims{
				"iss":   sa.ClientEmail,
				"scope": sheetsScope,
				"aud":   tokenURI,
				"iat":   now.Unix(),
				"exp":   now.Add(time.Hour).Unix(),
			}
		},
	}
	return newSheetsTracker(cfg, client, tokens), nil
}

func newSheetsTracker(cfg *config.SheetsConfig, client *resty.Client, tokens tokenProvider) *SheetsTracker {
	worksheet := cfg.Worksheet
	if worksheet == "" {
		worksheet = defaultWorksheet
	}
	return &SheetsTracker{
		http:      client,
		tokens:    tokens,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		sheetID:   cfg.SpreadsheetID,
		worksheet: worksheet,
		columns:   cfg.Columns,
		now:       time.Now,
	}
}

// sheet is one read of the worksheet with its header mapped
type sheet struct {
	rows    [][]string
	columns map[string]int // lower-cased header -> zero based column
}

func (s *sheet) col(name string) (int, bool) {
	i, ok := s.columns[strings.ToLower(strings.TrimSpace(name))]
	return i, ok
}

func (s *sheet) cell(row, col int) string {
	if row >= len(s.rows) || col >= len(s.rows[row]) {
		return ""
	}
	return s.rows[row][col]
}

// find returns the zero based index into rows of the first data row whose
// name and email match, ignoring case and surrounding space.
func (s *sheet) find(nameCol, emailCol string, name, email string) (int, bool) {
	nc, ok1 := s.col(nameCol)
	ec, ok2 := s.col(emailCol)
	if !ok1 || !ok2 {
		return 0, false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	email = strings.ToLower(strings.TrimSpace(email))
	for i := 1; i < len(s.rows); i++ {
		if strings.ToLower(strings.TrimSpace(s.cell(i, nc))) == name &&
			strings.ToLower(strings.TrimSpace(s.cell(i, ec))) == email {
			return i, true
		}
	}
	return 0, false
}

// UpdateStatus writes status into the signed column of the row matching
// name and email. It returns false when no row matches.
func (t *SheetsTracker) UpdateStatus(ctx context.Context, name, email, status string) (bool, error) {
	sh, err := t.read(ctx)
	if err != nil {
		return false, err
	}
	row, ok := sh.find(t.columns.Name, t.columns.Email, name, email)
	if !ok {
		logger.Warn(ctx, "no tracking row for signer", "name", name, "email", email)
		return false, nil
	}
	col, ok := sh.col(t.columns.Signed)
	if !ok {
		return false, fmt.Errorf("column %q not found in worksheet", t.columns.Signed)
	}

	if err := t.batchUpdate(ctx, []valueRange{t.cellRange(row, col, status)}); err != nil {
		return false, err
	}
	logger.Info(ctx, "tracking status updated", "name", name, "email", email, "status", status, "row", row+1)
	return true, nil
}

// Upsert stores the signing link on the signer's row, creating the row when
// none matches.
func (t *SheetsTracker) Upsert(ctx context.Context, rec model.TrackingRecord) error {
	sh, err := t.read(ctx)
	if err != nil {
		return err
	}
	linkCol, ok := sh.col(t.columns.SigningURL)
	if !ok {
		return fmt.Errorf("column %q not found in worksheet", t.columns.SigningURL)
	}
	timestamp := t.now().Format(sheetsTimeFormat)

	if row, found := sh.find(t.columns.Name, t.columns.Email, rec.Name, rec.Email); found {
		updates := []valueRange{t.cellRange(row, linkCol, rec.SigningURL)}
		if c, ok := sh.col(t.columns.CreatedAt); ok && strings.TrimSpace(sh.cell(row, c)) == "" {
			updates = append(updates, t.cellRange(row, c, timestamp))
		}
		if c, ok := sh.col(t.columns.Status); ok && rec.Status != "" {
			updates = append(updates, t.cellRange(row, c, rec.Status))
		}
		return t.batchUpdate(ctx, updates)
	}

	width := 0
	for _, c := range sh.columns {
		if c+1 > width {
			width = c + 1
		}
	}
	values := make([]string, width)
	set := func(name, v string) {
		if c, ok := sh.col(name); ok {
			values[c] = v
		}
	}
	set(t.columns.Name, rec.Name)
	set(t.columns.Email, rec.Email)
	set(t.columns.Contract, rec.ContractFilename)
	set(t.columns.SigningURL, rec.SigningURL)
	set(t.columns.CreatedAt, timestamp)
	set(t.columns.Status, rec.Status)
	set(t.columns.Signed, model.TrackingStatusAwaiting)

	return t.append(ctx, values)
}

func (t *SheetsTracker) valuesURL(rng string) string {
	return fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s", t.baseURL, url.PathEscape(t.sheetID), url.PathEscape(rng))
}

func (t *SheetsTracker) quoted() string {
	return "'" + strings.ReplaceAll(t.worksheet, "'", "''") + "'"
}

func (t *SheetsTracker) cellRange(row, col int, v string) valueRange {
	return valueRange{
		Range:  fmt.Sprintf("%s!%s%d", t.quoted(), columnLetter(col), row+1),
		Values: [][]string{{v}},
	}
}

func (t *SheetsTracker) read(ctx context.Context) (*sheet, error) {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sheets token: %w", err)
	}
	var out valueRange
	resp, err := t.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get(t.valuesURL(t.quoted()))
	if err != nil {
		return nil, fmt.Errorf("failed to read worksheet: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &httpError{Op: "read worksheet", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	sh := &sheet{rows: out.Values, columns: map[string]int{}}
	if len(out.Values) > 0 {
		for i, h := range out.Values[0] {
			h = strings.ToLower(strings.TrimSpace(h))
			if _, dup := sh.columns[h]; h != "" && !dup {
				sh.columns[h] = i
			}
		}
	}
	return sh, nil
}

func (t *SheetsTracker) batchUpdate(ctx context.Context, data []valueRange) error {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get sheets token: %w", err)
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(batchUpdateRequest{ValueInputOption: "RAW", Data: data}).
		Post(fmt.Sprintf("%s/v4/spreadsheets/%s/values:batchUpdate", t.baseURL, url.PathEscape(t.sheetID)))
	if err != nil {
		return fmt.Errorf("failed to update worksheet: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &httpError{Op: "update worksheet", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

func (t *SheetsTracker) append(ctx context.Context, values []string) error {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get sheets token: %w", err)
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetQueryParams(map[string]string{
			"valueInputOption": "RAW",
			"insertDataOption": "INSERT_ROWS",
		}).
		SetBody(valueRange{Values: [][]string{values}}).
		Post(t.valuesURL(t.quoted()) + ":append")
	if err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return &httpError{Op: "append row", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// columnLetter converts a zero based column index to A1 notation
func columnLetter(col int) string {
	var b []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}
