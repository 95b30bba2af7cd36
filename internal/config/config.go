// Package config provides configuration parsing and validation for the proxy client.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrProxyDisabled is returned when an operation needs a proxy but none is configured.
// Callers at interception sites treat it as "pass through untouched".
var ErrProxyDisabled = errors.New("proxy disabled: no host configured")

// DefaultProxyPort is the IANA-assigned SOCKS port.
const DefaultProxyPort = 1080

// Config represents the complete client configuration.
type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
	Health  HealthConfig  `yaml:"health"`
}

// ProxyConfig is the SOCKS5 proxy target. It is loaded once and never mutated.
type ProxyConfig struct {
	Host             string        `yaml:"host"` // empty disables the subsystem
	Port             int           `yaml:"port"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SocketMark       int           `yaml:"socket_mark"` // SO_MARK on Linux, 0 = off
}

// RelayConfig tunes UDP relay workers.
type RelayConfig struct {
	MaxWorkers      int     `yaml:"max_workers"`       // 0 = unlimited
	MaxDatagramSize string  `yaml:"max_datagram_size"` // e.g. "64KiB"
	SendRate        float64 `yaml:"send_rate"`         // datagrams per second, 0 = unpaced
	SendBurst       int     `yaml:"send_burst"`

	// IdleTimeout closes workers with no traffic for this long (0 = never).
	// Lost workers are exempt; they stay until their endpoint closes.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines the health/metrics HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values. The proxy host is empty,
// so the default configuration is inert.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Port:             DefaultProxyPort,
			DialTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			MaxWorkers:      256,
			MaxDatagramSize: "64KiB",
			SendBurst:       32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9180",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
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

	cfg.Proxy.Host = strings.TrimSpace(cfg.Proxy.Host)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Unknown variables without a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1:]
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		}

		if varName, def, ok := strings.Cut(name, ":-"); ok {
			if val, found := os.LookupEnv(varName); found {
				return val
			}
			return def
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Enabled reports whether a proxy host is configured.
func (p ProxyConfig) Enabled() bool {
	return p.Host != ""
}

// Address returns host:port of the proxy.
func (p ProxyConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// HasCredentials reports whether username/password auth should be offered.
func (p ProxyConfig) HasCredentials() bool {
	return p.Username != ""
}

// DatagramBufferSize returns the parsed relay.max_datagram_size in bytes.
func (r RelayConfig) DatagramBufferSize() (int, error) {
	n, err := ParseSize(r.MaxDatagramSize)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Validate checks the configuration for errors. Proxy fields are only
// checked when the proxy is enabled; an inert config is always valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Proxy.Enabled() {
		if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
			errs = append(errs, fmt.Sprintf("proxy.port must be between 1 and 65535, got %d", c.Proxy.Port))
		}
		if len(c.Proxy.Username) > 255 {
			errs = append(errs, "proxy.username must be at most 255 bytes")
		}
		if len(c.Proxy.Password) > 255 {
			errs = append(errs, "proxy.password must be at most 255 bytes")
		}
		if c.Proxy.Password != "" && c.Proxy.Username == "" {
			errs = append(errs, "proxy.password requires proxy.username")
		}
		if c.Proxy.DialTimeout < 0 || c.Proxy.HandshakeTimeout < 0 {
			errs = append(errs, "proxy timeouts must not be negative")
		}
		if c.Proxy.SocketMark < 0 {
			errs = append(errs, "proxy.socket_mark must not be negative")
		}
	}

	if c.Relay.MaxWorkers < 0 {
		errs = append(errs, "relay.max_workers must not be negative")
	}
	if size, err := c.Relay.DatagramBufferSize(); err != nil {
		errs = append(errs, fmt.Sprintf("relay.max_datagram_size: %v", err))
	} else if size < 512 || size > 1<<20 {
		errs = append(errs, "relay.max_datagram_size must be between 512B and 1MiB")
	}
	if c.Relay.IdleTimeout < 0 {
		errs = append(errs, "relay.idle_timeout must not be negative")
	}
	if c.Relay.SendRate < 0 {
		errs = append(errs, "relay.send_rate must not be negative")
	}
	if c.Relay.SendRate > 0 && c.Relay.SendBurst < 1 {
		errs = append(errs, "relay.send_burst must be positive when send_rate is set")
	}

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

// String returns a YAML representation with the proxy password redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Proxy.Password != "" {
		redacted.Proxy.Password = redactedValue
	}
	return &redacted
}
