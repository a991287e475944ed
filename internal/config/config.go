// Package config loads server configuration from environment variables and an
// optional config file. Secrets (client secret, API keys) are never logged or
// exposed to tool responses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthMode selects how the server authenticates to Azure SQL.
type AuthMode string

const (
	// AuthAccessToken acquires an Azure AD access token and embeds it in the
	// connection. This is the default mode.
	AuthAccessToken AuthMode = "access-token"
	// AuthServicePrincipal embeds the client id/secret/tenant in the
	// connection; the driver performs its own token exchange (fedauth).
	AuthServicePrincipal AuthMode = "service-principal-secret"
)

// Env var names. The AZURE_* family matches the identity material expected by
// the Azure SDK; the MSSQL_*/MCP_* family configures server behavior.
const (
	EnvServer   = "AZURE_SQL_SERVER"
	EnvDatabase = "AZURE_SQL_DATABASE"
	EnvPort     = "AZURE_SQL_PORT"

	EnvTenantID     = "AZURE_TENANT_ID"
	EnvClientID     = "AZURE_CLIENT_ID"
	EnvClientSecret = "AZURE_CLIENT_SECRET"

	EnvAuthMode        = "MSSQL_AUTH_MODE"
	EnvDisableFallback = "MSSQL_DISABLE_FALLBACK"
	EnvConnectTimeout  = "MSSQL_CONNECT_TIMEOUT"
	EnvReadOnly        = "MSSQL_READONLY"
	EnvTrustServerCert = "MSSQL_TRUST_SERVER_CERT"

	EnvHTTPPort          = "MCP_HTTP_PORT"
	EnvAPIKeys           = "MCP_HTTP_API_KEYS"
	EnvPreFlight         = "MCP_PREFLIGHT"
	EnvPreFlightContinue = "MCP_PREFLIGHT_CONTINUE"
	EnvLogLevel          = "MCP_LOG_LEVEL"
	EnvLogFormat         = "MCP_LOG_FORMAT"
)

// DefaultConfigDir is the directory for the optional config file.
// Config file path: ~/.mssql-mcp/config.yaml
const DefaultConfigDir = ".mssql-mcp"
const ConfigFileName = "config.yaml"

const (
	defaultPort    = 1433
	defaultTimeout = 30 * time.Second
)

// Config holds the immutable process configuration, read once at startup.
type Config struct {
	Server   string
	Port     int
	Database string

	TenantID     string
	ClientID     string
	clientSecret string

	AuthMode        AuthMode
	DisableFallback bool

	ConnectionTimeout      time.Duration
	ReadOnly               bool
	TrustServerCertificate bool

	HTTPPort int
	apiKeys  []string

	PreFlight         bool
	PreFlightContinue bool

	LogLevel  string
	LogFormat string
}

// fileFormat is the YAML shape of ~/.mssql-mcp/config.yaml. Env vars override
// every field.
type fileFormat struct {
	Server          string   `yaml:"server"`
	Port            int      `yaml:"port"`
	Database        string   `yaml:"database"`
	TenantID        string   `yaml:"tenant_id"`
	ClientID        string   `yaml:"client_id"`
	ClientSecret    string   `yaml:"client_secret"`
	AuthMode        string   `yaml:"auth_mode"`
	DisableFallback bool     `yaml:"disable_fallback"`
	ConnectTimeout  string   `yaml:"connect_timeout"`
	ReadOnly        bool     `yaml:"readonly"`
	TrustServerCert bool     `yaml:"trust_server_certificate"`
	HTTPPort        int      `yaml:"http_port"`
	APIKeys         []string `yaml:"api_keys"`
	PreFlight       bool     `yaml:"preflight"`
	PreFlightCont   bool     `yaml:"preflight_continue"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
}

// Load reads configuration from the environment and, if present,
// ~/.mssql-mcp/config.yaml. Env vars override file values.
func Load() (*Config, error) {
	c := &Config{
		Port:              defaultPort,
		AuthMode:          AuthAccessToken,
		ConnectionTimeout: defaultTimeout,
	}

	path, err := configFilePath()
	if err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := c.loadEnv(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func configFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	p := filepath.Join(home, DefaultConfigDir, ConfigFileName)
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.Server != "" {
		c.Server = f.Server
	}
	if f.Port != 0 {
		c.Port = f.Port
	}
	if f.Database != "" {
		c.Database = f.Database
	}
	if f.TenantID != "" {
		c.TenantID = f.TenantID
	}
	if f.ClientID != "" {
		c.ClientID = f.ClientID
	}
	if f.ClientSecret != "" {
		c.clientSecret = f.ClientSecret
	}
	if f.AuthMode != "" {
		c.AuthMode = AuthMode(f.AuthMode)
	}
	if f.ConnectTimeout != "" {
		d, err := parseTimeout(f.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("connect_timeout: %w", err)
		}
		c.ConnectionTimeout = d
	}
	c.DisableFallback = f.DisableFallback
	c.ReadOnly = f.ReadOnly
	c.TrustServerCertificate = f.TrustServerCert
	if f.HTTPPort != 0 {
		c.HTTPPort = f.HTTPPort
	}
	if len(f.APIKeys) > 0 {
		c.apiKeys = f.APIKeys
	}
	c.PreFlight = f.PreFlight
	c.PreFlightContinue = f.PreFlightCont
	if f.LogLevel != "" {
		c.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		c.LogFormat = f.LogFormat
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(EnvServer); v != "" {
		c.Server = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		c.Port = p
	}
	if v := os.Getenv(EnvTenantID); v != "" {
		c.TenantID = v
	}
	if v := os.Getenv(EnvClientID); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.clientSecret = v
	}
	if v := os.Getenv(EnvAuthMode); v != "" {
		c.AuthMode = AuthMode(v)
	}
	if v := os.Getenv(EnvConnectTimeout); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConnectTimeout, err)
		}
		c.ConnectionTimeout = d
	}
	if v := os.Getenv(EnvDisableFallback); v != "" {
		c.DisableFallback = Truthy(v)
	}
	if v := os.Getenv(EnvReadOnly); v != "" {
		c.ReadOnly = Truthy(v)
	}
	if v := os.Getenv(EnvTrustServerCert); v != "" {
		c.TrustServerCertificate = Truthy(v)
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 0 {
			return fmt.Errorf("%s: invalid port %q", EnvHTTPPort, v)
		}
		c.HTTPPort = p
	}
	if v := os.Getenv(EnvAPIKeys); v != "" {
		c.apiKeys = splitKeys(v)
	}
	if v := os.Getenv(EnvPreFlight); v != "" {
		c.PreFlight = Truthy(v)
	}
	if v := os.Getenv(EnvPreFlightContinue); v != "" {
		c.PreFlightContinue = Truthy(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.LogFormat = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server == "" {
		return fmt.Errorf("%s is required", EnvServer)
	}
	if c.Database == "" {
		return fmt.Errorf("%s is required", EnvDatabase)
	}
	switch c.AuthMode {
	case AuthAccessToken, AuthServicePrincipal:
	default:
		return fmt.Errorf("%s: unknown auth mode %q (want %q or %q)",
			EnvAuthMode, c.AuthMode, AuthAccessToken, AuthServicePrincipal)
	}
	if c.AuthMode == AuthServicePrincipal && !c.HasServicePrincipal() {
		return fmt.Errorf("auth mode %q requires %s, %s and %s",
			AuthServicePrincipal, EnvTenantID, EnvClientID, EnvClientSecret)
	}
	return nil
}

// parseTimeout accepts a Go duration ("45s") or a bare number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid timeout %q", v)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	return d, nil
}

func splitKeys(v string) []string {
	var keys []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Truthy reports whether an env value means "enabled": 1, true, yes, on.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// HasServicePrincipal reports whether the full service-principal identity
// triple is configured. Required for secret-mode auth and for the fallback
// connection attempt.
func (c *Config) HasServicePrincipal() bool {
	return c.TenantID != "" && c.ClientID != "" && c.clientSecret != ""
}

// ClientSecret returns the service-principal secret. For use only by the auth
// and db layers; never log the result.
func (c *Config) ClientSecret() string {
	return c.clientSecret
}

// APIKeys returns the configured HTTP bridge API keys. Empty disables bridge
// authentication. Never log the result.
func (c *Config) APIKeys() []string {
	return c.apiKeys
}

// WithSecrets returns a copy of c with the unexported secret fields set.
// Intended for tests, which cannot set them directly from other packages.
func (c Config) WithSecrets(clientSecret string, apiKeys []string) *Config {
	c.clientSecret = clientSecret
	c.apiKeys = apiKeys
	return &c
}
