// Package config provides configuration parsing and validation for the
// proxy daemon: listener addresses and limits, SOCKS5/HTTP credential
// stores, the fixed reverse-proxy target, and logging/metrics settings.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy daemon configuration.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	SOCKS5       SOCKS5Config       `yaml:"socks5"`
	HTTPProxy    HTTPProxyConfig    `yaml:"http_proxy"`
	ReverseProxy ReverseProxyConfig `yaml:"reverse_proxy"`
}

// LoggingConfig controls the process-wide structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. "127.0.0.1:9090", mounted at /metrics
}

// RateLimitConfig controls the shared accept-rate limiter applied to
// every listener (0 means unlimited).
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// SOCKS5Config defines the SOCKS5 listener.
type SOCKS5Config struct {
	Enabled        bool             `yaml:"enabled"`
	Address        string           `yaml:"address"`
	MaxConnections int              `yaml:"max_connections"`
	ConnectTimeout time.Duration    `yaml:"connect_timeout"`
	IdleTimeout    time.Duration    `yaml:"idle_timeout"`
	Auth           SOCKS5AuthConfig `yaml:"auth"`
}

// SOCKS5AuthConfig defines username/password sub-negotiation settings.
type SOCKS5AuthConfig struct {
	// Enabled advertises USERNAME_PASSWORD (0x02) as an acceptable method.
	Enabled bool `yaml:"enabled"`
	// Required, when true, does not also advertise NO_AUTH (0x00).
	Required bool               `yaml:"required"`
	Users    []SOCKS5UserConfig `yaml:"users"`
}

// SOCKS5UserConfig defines a single SOCKS5 credential.
type SOCKS5UserConfig struct {
	Username string `yaml:"username"`
	// Password is the plaintext password (deprecated, use PasswordHash).
	Password string `yaml:"password,omitempty"`
	// PasswordHash is the bcrypt hash of the password (recommended).
	// Generate with the hash-password subcommand.
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// HTTPProxyConfig defines the HTTP forward proxy listener.
type HTTPProxyConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	MaxConnections int           `yaml:"max_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	// Auth gates the Proxy-Authorization Basic handshake; the same
	// credential shape as SOCKS5's, reused across both proxy dialects.
	Auth SOCKS5AuthConfig `yaml:"auth"`
}

// ReverseProxyConfig defines the fixed-target TCP reverse proxy
// listeners, one per entry.
type ReverseProxyConfig struct {
	Listeners []ReverseProxyListenerConfig `yaml:"listeners"`
}

// ReverseProxyListenerConfig is one fixed-target reverse proxy binding.
type ReverseProxyListenerConfig struct {
	Address        string        `yaml:"address"`
	Upstream       string        `yaml:"upstream"`
	MaxConnections int           `yaml:"max_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
		RateLimit: RateLimitConfig{
			RatePerSecond: 0, // 0 = unlimited
			Burst:         0,
		},
		SOCKS5: SOCKS5Config{
			Enabled:        false,
			Address:        "127.0.0.1:1080",
			MaxConnections: 1000,
			ConnectTimeout: 30 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		HTTPProxy: HTTPProxyConfig{
			Enabled:        false,
			Address:        "127.0.0.1:8080",
			MaxConnections: 1000,
			ConnectTimeout: 30 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if c.RateLimit.RatePerSecond < 0 {
		errs = append(errs, "rate_limit.rate_per_second must not be negative")
	}

	if c.SOCKS5.Enabled {
		if c.SOCKS5.Address == "" {
			errs = append(errs, "socks5.address is required when enabled")
		}
		if err := validateAuthUsers(c.SOCKS5.Auth); err != nil {
			errs = append(errs, fmt.Sprintf("socks5.auth: %v", err))
		}
	}

	if c.HTTPProxy.Enabled {
		if c.HTTPProxy.Address == "" {
			errs = append(errs, "http_proxy.address is required when enabled")
		}
		if err := validateAuthUsers(c.HTTPProxy.Auth); err != nil {
			errs = append(errs, fmt.Sprintf("http_proxy.auth: %v", err))
		}
	}

	for i, l := range c.ReverseProxy.Listeners {
		if l.Address == "" {
			errs = append(errs, fmt.Sprintf("reverse_proxy.listeners[%d]: address is required", i))
		}
		if l.Upstream == "" {
			errs = append(errs, fmt.Sprintf("reverse_proxy.listeners[%d]: upstream is required", i))
		} else if _, _, err := net.SplitHostPort(l.Upstream); err != nil {
			errs = append(errs, fmt.Sprintf("reverse_proxy.listeners[%d]: invalid upstream %q: %v", i, l.Upstream, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateAuthUsers(auth SOCKS5AuthConfig) error {
	if !auth.Enabled {
		return nil
	}
	for i, u := range auth.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if u.Password == "" && u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: password or password_hash is required", i)
		}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	redactUsers(redacted.SOCKS5.Auth.Users)
	redactUsers(redacted.HTTPProxy.Auth.Users)

	return redacted
}

func redactUsers(users []SOCKS5UserConfig) {
	for i := range users {
		if users[i].Password != "" {
			users[i].Password = redactedValue
		}
		if users[i].PasswordHash != "" {
			users[i].PasswordHash = redactedValue
		}
	}
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	for _, u := range c.SOCKS5.Auth.Users {
		if u.Password != "" || u.PasswordHash != "" {
			return true
		}
	}
	for _, u := range c.HTTPProxy.Auth.Users {
		if u.Password != "" || u.PasswordHash != "" {
			return true
		}
	}
	return false
}
