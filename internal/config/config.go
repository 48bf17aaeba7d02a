// Package config provides configuration parsing and validation for the
// SOCKS5 proxy.
package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evasilence/socks5d/internal/socks5"
)

// Config represents the complete proxy configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Listen    ListenConfig    `yaml:"listen"`
	Auth      AuthConfig      `yaml:"auth"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	KeepAlive KeepAliveConfig `yaml:"keepalive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ListenConfig configures the plain TCP SOCKS5 listener.
type ListenConfig struct {
	Address        string `yaml:"address"`
	MaxConnections int    `yaml:"max_connections"`
}

// AuthConfig configures RFC 1929 username/password authentication. Leaving
// Users empty runs the proxy in NoAuth mode.
type AuthConfig struct {
	Users []UserConfig `yaml:"users"`
}

// UserConfig is one SOCKS5 user/password-hash pair.
type UserConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is the bcrypt hash of the password, generated with the
	// proxy's own "hash-password" CLI command.
	PasswordHash string `yaml:"password_hash"`
}

// TimeoutsConfig configures the handshake timeout.
type TimeoutsConfig struct {
	Handshake time.Duration `yaml:"handshake"`
}

// KeepAliveConfig configures TCP keepalive tuning on accepted sockets.
type KeepAliveConfig struct {
	Idle     time.Duration `yaml:"idle"`
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// WebSocketConfig configures the optional WebSocket ingress transport.
type WebSocketConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	PlainText bool   `yaml:"plaintext"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
}

// Default returns a Config with the proxy's default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Listen: ListenConfig{
			Address:        "127.0.0.1:1080",
			MaxConnections: 1000,
		},
		Timeouts: TimeoutsConfig{Handshake: 10 * time.Second},
		KeepAlive: KeepAliveConfig{
			Idle:     60 * time.Second,
			Interval: 10 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: false, Address: "127.0.0.1:9090"},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Path:    "/socks5",
		},
	}
}

// Load reads and parses configuration from a YAML file on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default() and
// overlaying whatever the document sets, then validates the result.
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

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default}, and $VAR references with
// environment values, so credentials never need to live in the file itself.
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

// Validate checks the configuration for errors, collecting all of them
// before returning so a user fixes every problem in one pass.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level invalid: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("log.format invalid: %s (must be text or json)", c.Log.Format))
	}
	if c.Listen.Address == "" {
		errs = append(errs, "listen.address is required")
	}

	seen := make(map[string]struct{}, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d].username is required", i))
			continue
		}
		if u.PasswordHash == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d].password_hash is required", i))
		}
		if _, dup := seen[u.Username]; dup {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: duplicate username %q", i, u.Username))
		}
		seen[u.Username] = struct{}{}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if c.WebSocket.Enabled {
		if c.WebSocket.Address == "" {
			errs = append(errs, "websocket.address is required when websocket.enabled is true")
		}
		if !c.WebSocket.PlainText && (c.WebSocket.CertFile == "" || c.WebSocket.KeyFile == "") {
			errs = append(errs, "websocket.cert_file and websocket.key_file are required unless websocket.plaintext is true")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

// Credentials builds the socks5.CredentialStore for this configuration, or
// nil if no users are configured (NoAuth mode).
func (c *Config) Credentials() socks5.CredentialStore {
	if len(c.Auth.Users) == 0 {
		return nil
	}
	creds := make(socks5.HashedCredentials, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		creds[u.Username] = u.PasswordHash
	}
	return creds
}

// ToServerConfig builds a socks5.ServerConfig from this configuration. The
// caller supplies the logger and metrics sink, since those are shared
// process-wide resources rather than something config.Config constructs.
func (c *Config) ToServerConfig(logger *slog.Logger, metrics socks5.Metrics) socks5.ServerConfig {
	return socks5.ServerConfig{
		BindAddr:          c.Listen.Address,
		Credentials:       c.Credentials(),
		HandshakeTimeout:  c.Timeouts.Handshake,
		KeepAliveIdle:     c.KeepAlive.Idle,
		KeepAliveInterval: c.KeepAlive.Interval,
		MaxConnections:    c.Listen.MaxConnections,
		Logger:            logger,
		Metrics:           metrics,
	}
}

// ToWebSocketConfig builds a socks5.WebSocketConfig from this
// configuration's websocket section. tlsConfig is nil when running in
// plaintext mode.
func (c *Config) ToWebSocketConfig(tlsConfig *tls.Config) socks5.WebSocketConfig {
	return socks5.WebSocketConfig{
		Address:   c.WebSocket.Address,
		Path:      c.WebSocket.Path,
		TLSConfig: tlsConfig,
		PlainText: c.WebSocket.PlainText,
	}
}
