// Package config provides configuration loading for the hostbridge binaries.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workspace/hostbridge/internal/identity"
)

// Config holds all configuration values for hostcall and the dev host.
type Config struct {
	// Host connection
	HostURL      string
	APIVersion   string
	CallTimeout  time.Duration
	DialTimeout  time.Duration
	StartTimeout time.Duration

	// Functions backend
	FunctionsEndpoint string
	HeaderPrefix      string
	DefaultPermission string

	// Identity
	ClientID           string
	TenantID           string
	AuthorityHost      string
	IdentityConfigFile string
	TokenCachePath     string

	// Dev host server settings
	Port           int
	Host           string
	AllowedOrigins []string
	Issuer         string
	Audience       string
	JWKSURL        string
	TokenTTL       time.Duration
	RequireConsent bool
	RateLimit      int
	DevTenantID    string
	DevUserID      string

	// HTTP server timeouts
	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPIdleTimeout     time.Duration
	HTTPShutdownTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSWriteTimeout    time.Duration
}

// Load reads configuration from environment variables. Required fields are
// checked by ValidateClient and ValidateDevHost since each binary needs a
// different subset.
func Load() (*Config, error) {
	cfg := &Config{
		HostURL:      getEnv("HOST_URL", "ws://127.0.0.1:8090/bridge"),
		APIVersion:   getEnv("API_VERSION", "2.0.0"),
		CallTimeout:  getEnvDuration("CALL_TIMEOUT", 10*time.Second),
		DialTimeout:  getEnvDuration("DIAL_TIMEOUT", 10*time.Second),
		StartTimeout: getEnvDuration("START_TIMEOUT", 30*time.Second),

		FunctionsEndpoint: getEnv("FUNCTIONS_ENDPOINT", "http://127.0.0.1:8090"),
		HeaderPrefix:      getEnv("HEADER_PREFIX", "x-host"),
		DefaultPermission: getEnv("DEFAULT_PERMISSION", "access_as_user"),

		ClientID:           getEnv("CLIENT_ID", ""),
		TenantID:           getEnv("TENANT_ID", ""),
		AuthorityHost:      getEnv("AUTHORITY_HOST", identity.DefaultAuthority),
		IdentityConfigFile: getEnv("IDENTITY_CONFIG_FILE", ""),
		TokenCachePath:     getEnv("TOKEN_CACHE_PATH", ""),

		Port:           getEnvInt("DEVHOST_PORT", 8090),
		Host:           getEnv("DEVHOST_HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),
		Issuer:         getEnv("DEVHOST_ISSUER", "hostbridge-devhost"),
		Audience:       getEnv("DEVHOST_AUDIENCE", ""),
		JWKSURL:        getEnv("DEVHOST_JWKS_URL", ""),
		TokenTTL:       getEnvDuration("DEVHOST_TOKEN_TTL", time.Hour),
		RequireConsent: getEnvBool("DEVHOST_REQUIRE_CONSENT", false),
		RateLimit:      getEnvInt("DEVHOST_RATE_LIMIT", 120),
		DevTenantID:    getEnv("DEVHOST_TENANT_ID", "dev-tenant"),
		DevUserID:      getEnv("DEVHOST_USER_ID", "dev-user"),

		HTTPReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSWriteTimeout:    getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
	}

	if cfg.Audience == "" && cfg.ClientID != "" {
		cfg.Audience = "api://" + cfg.ClientID
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = deriveAllowedOrigins(cfg.Host, cfg.Port)
	}
	if cfg.CallTimeout <= 0 {
		return nil, fmt.Errorf("CALL_TIMEOUT must be positive, got %s", cfg.CallTimeout)
	}

	return cfg, nil
}

// ValidateClient checks the fields hostcall needs.
func (c *Config) ValidateClient() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("CLIENT_ID is required"))
	}
	if err := checkURL("HOST_URL", c.HostURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("FUNCTIONS_ENDPOINT", c.FunctionsEndpoint, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateDevHost checks the fields the dev host needs.
func (c *Config) ValidateDevHost() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("CLIENT_ID is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("DEVHOST_PORT %d out of range", c.Port))
	}
	if c.Issuer == "" {
		errs = append(errs, errors.New("DEVHOST_ISSUER must not be empty"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DEVHOST_RATE_LIMIT must be positive, got %d", c.RateLimit))
	}
	return errors.Join(errs...)
}

// Identity returns the identity configuration: the YAML file named by
// IDENTITY_CONFIG_FILE when set, otherwise nil so the session falls back to
// its default configuration.
func (c *Config) Identity() (*identity.Config, error) {
	if c.IdentityConfigFile == "" {
		return nil, nil
	}
	return LoadIdentityFile(c.IdentityConfigFile)
}

// LoadIdentityFile reads an identity configuration from a YAML file.
func LoadIdentityFile(path string) (*identity.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity config: %w", err)
	}
	var cfg identity.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse identity config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("identity config %s: %w", path, err)
	}
	return &cfg, nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be one of %s, got %q", name, strings.Join(schemes, ", "), u.Scheme)
}

// deriveAllowedOrigins allows local pages served on the dev host's port.
func deriveAllowedOrigins(host string, port int) []string {
	origins := []string{
		fmt.Sprintf("http://localhost:%d", port),
		fmt.Sprintf("http://127.0.0.1:%d", port),
	}
	if host != "" && host != "0.0.0.0" && host != "127.0.0.1" && host != "localhost" {
		origins = append(origins, fmt.Sprintf("http://%s:%d", host, port))
	}
	return origins
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
