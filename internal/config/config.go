package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Representation modes for what the session stores to re-derive an identity.
const (
	ModeToken  = "token"
	ModeUserID = "user_id"
)

// Login methods.
const (
	LoginOAuth = "oauth"
	LoginAPI   = "api"
)

// Session store backends.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	IdP     IdPConfig     `yaml:"idp"`
	Session SessionConfig `yaml:"session"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	TLS     TLSConfig     `yaml:"tls"`
	Log     LogConfig     `yaml:"log"`
}

// ListenConfig defines where the web application listens
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., ":8000")
}

// IdPConfig defines how to reach FusionAuth and which application we are
type IdPConfig struct {
	BaseURL       string   `yaml:"base_url"`       // e.g. http://localhost:9011
	Issuer        string   `yaml:"issuer"`         // optional; enables OIDC discovery + id_token verification
	APIKey        string   `yaml:"api_key"`        // FusionAuth API key
	ClientID      string   `yaml:"client_id"`      // OAuth client id (FusionAuth application id)
	ClientSecret  string   `yaml:"client_secret"`  // OAuth client secret
	ApplicationID string   `yaml:"application_id"` // defaults to client_id
	RedirectURI   string   `yaml:"redirect_uri"`   // must match the IdP registration exactly
	Scopes        []string `yaml:"scopes"`
	Timeout       int      `yaml:"timeout"` // per-call timeout in seconds
}

// SessionConfig defines session persistence and the session cookie
type SessionConfig struct {
	Store         string `yaml:"store"`          // file or redis
	Dir           string `yaml:"dir"`            // file store directory
	CookieName    string `yaml:"cookie_name"`    // session id cookie name
	ExpirySeconds int    `yaml:"expiry_seconds"` // session lifetime
	SameSite      string `yaml:"same_site"`      // lax, strict, none
	HTTPSOnly     bool   `yaml:"https_only"`     // Secure cookie attribute
	SecretKey     string `yaml:"secret_key"`     // signs the session id cookie
}

// RedisConfig defines the redis session store connection
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AuthConfig defines authentication behavior
type AuthConfig struct {
	Mode            string `yaml:"mode"`             // token or user_id
	Login           string `yaml:"login"`            // oauth or api
	DeactivatedRole string `yaml:"deactivated_role"` // registration role that denies access
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadEnv builds a configuration from defaults and environment variables only.
// It is used when no configuration file exists.
func LoadEnv() (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: ":8000",
		},
		IdP: IdPConfig{
			BaseURL: "http://localhost:9011",
			Scopes:  []string{"openid", "offline_access"},
			Timeout: 10,
		},
		Session: SessionConfig{
			Store:         StoreFile,
			Dir:           ".sessions",
			CookieName:    "session_id",
			ExpirySeconds: 14 * 24 * 3600, // two weeks
			SameSite:      "lax",
			HTTPSOnly:     false,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "webauth:session:",
		},
		Auth: AuthConfig{
			Mode:            ModeToken,
			Login:           LoginOAuth,
			DeactivatedRole: "deactivated",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	str("WEBAUTH_LISTEN_HTTP", &c.Listen.HTTP)

	// IdP overrides
	str("WEBAUTH_IDP_BASE_URL", &c.IdP.BaseURL)
	str("WEBAUTH_IDP_ISSUER", &c.IdP.Issuer)
	str("WEBAUTH_API_KEY", &c.IdP.APIKey)
	str("WEBAUTH_CLIENT_ID", &c.IdP.ClientID)
	str("WEBAUTH_CLIENT_SECRET", &c.IdP.ClientSecret)
	str("WEBAUTH_APPLICATION_ID", &c.IdP.ApplicationID)
	str("WEBAUTH_REDIRECT_URI", &c.IdP.RedirectURI)

	// FusionAuth is usually addressed as host + port in local setups
	host, port := os.Getenv("WEBAUTH_IDP_HOST"), os.Getenv("WEBAUTH_IDP_PORT")
	if host != "" {
		if port != "" {
			host = host + ":" + port
		}
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		c.IdP.BaseURL = host
	}

	// Session overrides
	str("WEBAUTH_SESSION_STORE", &c.Session.Store)
	str("WEBAUTH_SESSION_DIR", &c.Session.Dir)
	str("WEBAUTH_SESSION_COOKIE", &c.Session.CookieName)
	str("WEBAUTH_SAME_SITE", &c.Session.SameSite)
	str("WEBAUTH_SECRET_KEY", &c.Session.SecretKey)
	if v := os.Getenv("WEBAUTH_SESSION_EXPIRY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.ExpirySeconds = n
		}
	}
	if v := os.Getenv("WEBAUTH_HTTPS_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Session.HTTPSOnly = b
		}
	}

	str("WEBAUTH_REDIS_ADDR", &c.Redis.Addr)
	str("WEBAUTH_REDIS_PASSWORD", &c.Redis.Password)

	// Mode flags
	str("WEBAUTH_MODE", &c.Auth.Mode)
	str("WEBAUTH_LOGIN", &c.Auth.Login)

	// Log overrides
	str("WEBAUTH_LOG_LEVEL", &c.Log.Level)
	str("WEBAUTH_LOG_FORMAT", &c.Log.Format)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	// Validate IdP config
	if err := validHTTPURL(c.IdP.BaseURL); err != nil {
		return fmt.Errorf("idp.base_url %w", err)
	}
	if c.IdP.Issuer != "" {
		if err := validHTTPURL(c.IdP.Issuer); err != nil {
			return fmt.Errorf("idp.issuer %w", err)
		}
	}
	if c.IdP.ClientID == "" {
		return fmt.Errorf("idp.client_id is required")
	}
	if c.IdP.ApplicationID == "" {
		c.IdP.ApplicationID = c.IdP.ClientID
	}
	if c.IdP.APIKey == "" {
		return fmt.Errorf("idp.api_key is required")
	}
	if c.IdP.Timeout <= 0 {
		return fmt.Errorf("idp.timeout must be positive")
	}

	switch c.Auth.Login {
	case LoginOAuth:
		if c.IdP.RedirectURI == "" {
			return fmt.Errorf("idp.redirect_uri is required for oauth login")
		}
		if err := validHTTPURL(c.IdP.RedirectURI); err != nil {
			return fmt.Errorf("idp.redirect_uri %w", err)
		}
	case LoginAPI:
	default:
		return fmt.Errorf("auth.login must be one of: oauth, api")
	}

	switch c.Auth.Mode {
	case ModeToken, ModeUserID:
	default:
		return fmt.Errorf("auth.mode must be one of: token, user_id")
	}
	if c.Auth.Mode == ModeToken && c.IdP.ClientSecret == "" {
		return fmt.Errorf("idp.client_secret is required in token mode")
	}

	// Validate session config
	switch c.Session.Store {
	case StoreFile:
		if c.Session.Dir == "" {
			return fmt.Errorf("session.dir is required for the file store")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("session.store must be one of: file, redis")
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Session.ExpirySeconds <= 0 {
		return fmt.Errorf("session.expiry_seconds must be positive")
	}
	if len(c.Session.SecretKey) < 16 {
		return fmt.Errorf("session.secret_key must be at least 16 characters")
	}
	switch strings.ToLower(c.Session.SameSite) {
	case "lax", "strict":
	case "none":
		if !c.Session.HTTPSOnly {
			return fmt.Errorf("session.same_site none requires session.https_only")
		}
	default:
		return fmt.Errorf("session.same_site must be one of: lax, strict, none")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	return nil
}

func validHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be a valid HTTP(S) URL")
	}
	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.IdP.Scopes != nil {
		redacted.IdP.Scopes = make([]string, len(c.IdP.Scopes))
		copy(redacted.IdP.Scopes, c.IdP.Scopes)
	}
	for _, s := range []*string{
		&redacted.IdP.ClientSecret,
		&redacted.IdP.APIKey,
		&redacted.Session.SecretKey,
		&redacted.Redis.Password,
	} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	return &redacted
}
