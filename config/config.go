package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	DocuSign DocuSignConfig `yaml:"docusign"`
	Sheets   SheetsConfig   `yaml:"sheets"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Cache    CacheConfig    `yaml:"cache"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Users    []User         `yaml:"users"`
}

type ServerConfig struct {
	Port      int `yaml:"port"`
	RateLimit int `yaml:"rate_limit"` // requests per minute per client
}

// StorageConfig selects where contracts are listed from: an S3 compatible
// bucket, or a local directory when LocalDir is set.
type StorageConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	UseSSL          bool   `yaml:"use_ssl"`
	ContractsPrefix string `yaml:"contracts_prefix"`
	LocalDir        string `yaml:"local_dir"`
	Watch           bool   `yaml:"watch"`
}

type DocuSignConfig struct {
	AuthServer        string  `yaml:"auth_server"`
	ClientID          string  `yaml:"client_id"`
	ImpersonatedUser  string  `yaml:"impersonated_user_id"`
	PrivateKeyFile    string  `yaml:"private_key_file"`
	ReturnURL         string  `yaml:"return_url"`
	ConsentRedirect   string  `yaml:"consent_redirect_uri"`
	EmailSubject      string  `yaml:"email_subject"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
}

type SheetsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SpreadsheetID   string        `yaml:"spreadsheet_id"`
	Worksheet       string        `yaml:"worksheet"`
	CredentialsFile string        `yaml:"credentials_file"`
	BaseURL         string        `yaml:"base_url"`
	Columns         SheetsColumns `yaml:"columns"`
}

// SheetsColumns maps tracking fields to worksheet header names
type SheetsColumns struct {
	Name       string `yaml:"name"`
	Email      string `yaml:"email"`
	Contract   string `yaml:"contract"`
	SigningURL string `yaml:"signing_url"`
	CreatedAt  string `yaml:"created_at"`
	Status     string `yaml:"status"`
	Signed     string `yaml:"signed"`
}

type MonitorConfig struct {
	FastInterval   time.Duration `yaml:"fast_interval"`
	NormalInterval time.Duration `yaml:"normal_interval"`
	SlowInterval   time.Duration `yaml:"slow_interval"`
	IntervalJitter float64       `yaml:"interval_jitter"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ProcessedDir   string        `yaml:"processed_dir"`
	AuditToBucket  bool          `yaml:"audit_to_bucket"`
	AuditHistory   bool          `yaml:"audit_history"`
}

type CacheConfig struct {
	Backend  string        `yaml:"backend"` // file | redis
	File     string        `yaml:"file"`
	Redis    RedisConfig   `yaml:"redis"`
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type WebhookConfig struct {
	HMACSecret        string `yaml:"hmac_secret"`
	StorageEventToken string `yaml:"storage_event_token"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads the YAML file at path, expanding ${VAR} references from the
// environment before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 100
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Storage.ContractsPrefix == "" {
		c.Storage.ContractsPrefix = "contratos-gerados/"
	}
	if !strings.HasSuffix(c.Storage.ContractsPrefix, "/") {
		c.Storage.ContractsPrefix += "/"
	}
	if c.DocuSign.AuthServer == "" {
		c.DocuSign.AuthServer = "account-d.docusign.com"
	}
	if c.DocuSign.ReturnURL == "" {
		c.DocuSign.ReturnURL = "https://www.docusign.com"
	}
	if c.DocuSign.ConsentRedirect == "" {
		c.DocuSign.ConsentRedirect = "https://developers.docusign.com/platform/auth/consent"
	}
	if c.DocuSign.EmailSubject == "" {
		c.DocuSign.EmailSubject = "Por favor, assine este contrato"
	}
	if c.DocuSign.RequestsPerSecond == 0 {
		c.DocuSign.RequestsPerSecond = 5
	}
	if c.DocuSign.TimeoutSeconds == 0 {
		c.DocuSign.TimeoutSeconds = 60
	}
	if c.Sheets.BaseURL == "" {
		c.Sheets.BaseURL = "https://sheets.googleapis.com"
	}
	c.Sheets.Columns.applyDefaults()
	if c.Monitor.FastInterval == 0 {
		c.Monitor.FastInterval = 5 * time.Second
	}
	if c.Monitor.NormalInterval == 0 {
		c.Monitor.NormalInterval = 30 * time.Second
	}
	if c.Monitor.SlowInterval == 0 {
		c.Monitor.SlowInterval = 120 * time.Second
	}
	if c.Monitor.MaxRetries == 0 {
		c.Monitor.MaxRetries = 3
	}
	if c.Monitor.RetryDelay == 0 {
		c.Monitor.RetryDelay = 5 * time.Second
	}
	if c.Monitor.ProcessedDir == "" {
		c.Monitor.ProcessedDir = "processed_contracts"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "file"
	}
	if c.Cache.File == "" {
		c.Cache.File = "contrato_cache.json"
	}
	if c.Cache.Redis.KeyPrefix == "" {
		c.Cache.Redis.KeyPrefix = "docusign-ura"
	}
	if c.Cache.ClaimTTL == 0 {
		c.Cache.ClaimTTL = 10 * time.Minute
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (s *SheetsColumns) applyDefaults() {
	if s.Name == "" {
		s.Name = "cliente_nome"
	}
	if s.Email == "" {
		s.Email = "email"
	}
	if s.Contract == "" {
		s.Contract = "contrato"
	}
	if s.SigningURL == "" {
		s.SigningURL = "link_contrato"
	}
	if s.CreatedAt == "" {
		s.CreatedAt = "data_criacao"
	}
	if s.Status == "" {
		s.Status = "status"
	}
	if s.Signed == "" {
		s.Signed = "contrato_assinado"
	}
}

// Validate checks the settings every command needs: a storage source and
// a cache backend.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.LocalDir == "" {
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.endpoint or storage.local_dir is required"))
		}
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required"))
		}
	}
	switch c.Cache.Backend {
	case "file":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Monitor.MaxRetries < 1 {
		errs = append(errs, errors.New("monitor.max_retries must be at least 1"))
	}
	return errors.Join(errs...)
}

// ValidateSigning checks the settings needed to create envelopes
func (c *Config) ValidateSigning() error {
	var errs []error
	if c.DocuSign.ClientID == "" {
		errs = append(errs, errors.New("docusign.client_id is required"))
	}
	if c.DocuSign.ImpersonatedUser == "" {
		errs = append(errs, errors.New("docusign.impersonated_user_id is required"))
	}
	if c.DocuSign.PrivateKeyFile == "" {
		errs = append(errs, errors.New("docusign.private_key_file is required"))
	}
	return errors.Join(errs...)
}

// FindUser finds an operator by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
