// Package config provides configuration parsing and validation for socksgate.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	SOCKS5    SOCKS5Config    `yaml:"socks5"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	DNS       DNSConfig       `yaml:"dns"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SOCKS5Config defines the TCP SOCKS5 listener settings.
type SOCKS5Config struct {
	// Address to listen on (e.g., "0.0.0.0:1080")
	Address string `yaml:"address"`

	// BufferSize is the per-direction relay buffer capacity in bytes.
	BufferSize int `yaml:"buffer_size"`

	// MaxConnections limits concurrent sessions (0 = unlimited). Only TCP
	// accepts are refused at the limit; WebSocket sessions are not.
	MaxConnections int `yaml:"max_connections"`

	// ConnectTimeout bounds the outbound dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// RateLimit caps relay throughput per direction in bytes per second
	// (0 = unlimited).
	RateLimit int64 `yaml:"rate_limit"`
}

// WebSocketConfig defines the optional SOCKS5-over-WebSocket listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`

	// Cert and Key enable TLS termination. When both are empty the
	// listener runs plaintext, for use behind a TLS-terminating reverse
	// proxy.
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// DNSConfig defines upstream resolution settings.
type DNSConfig struct {
	// Servers lists upstream DNS servers ("host:port"). Empty means the
	// system resolver.
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig defines the health/metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultBufferSize is the relay buffer capacity used when none is configured.
const DefaultBufferSize = 8192

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		SOCKS5: SOCKS5Config{
			Address:        "0.0.0.0:1080",
			BufferSize:     DefaultBufferSize,
			MaxConnections: 0,
			ConnectTimeout: 30 * time.Second,
			RateLimit:      0,
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Address: "127.0.0.1:8443",
			Path:    "/socks5",
		},
		DNS: DNSConfig{
			Servers: []string{},
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9633",
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

// Parse parses configuration from YAML bytes, applying defaults and
// validating the result.
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
// ${VAR:-default} falls back to default when VAR is unset.
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

	if err := validateHostPort(c.SOCKS5.Address); err != nil {
		errs = append(errs, fmt.Sprintf("socks5.address: %v", err))
	}
	if c.SOCKS5.BufferSize <= 0 {
		errs = append(errs, fmt.Sprintf("socks5.buffer_size: %d is not positive", c.SOCKS5.BufferSize))
	}
	if c.SOCKS5.MaxConnections < 0 {
		errs = append(errs, "socks5.max_connections: must not be negative")
	}
	if c.SOCKS5.RateLimit < 0 {
		errs = append(errs, "socks5.rate_limit: must not be negative")
	}

	if c.WebSocket.Enabled {
		if err := validateHostPort(c.WebSocket.Address); err != nil {
			errs = append(errs, fmt.Sprintf("websocket.address: %v", err))
		}
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			errs = append(errs, fmt.Sprintf("websocket.path: %q must start with /", c.WebSocket.Path))
		}
		if (c.WebSocket.Cert == "") != (c.WebSocket.Key == "") {
			errs = append(errs, "websocket: cert and key must be set together")
		}
	}

	for i, server := range c.DNS.Servers {
		if err := validateHostPort(server); err != nil {
			errs = append(errs, fmt.Sprintf("dns.servers[%d]: %v", i, err))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: %q (must be debug, info, warn, or error)", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: %q (must be text or json)", c.Log.Format))
	}

	if c.Metrics.Enabled {
		if err := validateHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// validateHostPort checks a "host:port" address with a numeric port.
func validateHostPort(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q in %q", port, address)
	}
	if host != "" && net.ParseIP(host) == nil {
		// Hostnames are allowed for DNS servers; reject only obviously
		// malformed values.
		if strings.ContainsAny(host, " /") {
			return fmt.Errorf("invalid host %q in %q", host, address)
		}
	}
	return nil
}
