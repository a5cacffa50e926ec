package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the presence gateway.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Client     ClientConfig     `yaml:"client"`
}

// GatewayConfig contains the WebSocket listener settings.
type GatewayConfig struct {
	ListenAddress      string        `yaml:"listen_address"`
	Path               string        `yaml:"path"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	AllowMissingOrigin bool          `yaml:"allow_missing_origin"`
	IdentityKey        string        `yaml:"identity_key"`
	MaxIdentityLength  int           `yaml:"max_identity_length"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	MaxMessageSize     int64         `yaml:"max_message_size"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	TLS                TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig contains connection admission settings.
type SecurityConfig struct {
	AdminToken          string          `yaml:"admin_token"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains handshake rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	RingSize   int    `yaml:"ring_size"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics and admin API settings. Both are served
// on the health listener.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	AdminEnabled    bool   `yaml:"admin_enabled"`
}

// ClientConfig is used by the session binder (the watch command).
type ClientConfig struct {
	BackendURL       string        `yaml:"backend_url"`
	Origin           string        `yaml:"origin"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddress:     ":5000",
			Path:              "/socket",
			AllowedOrigins:    []string{"http://localhost:5173", "http://localhost:3000"},
			IdentityKey:       "userId",
			MaxIdentityLength: 256,
			DrainTimeout:      30 * time.Second,
			MaxMessageSize:    65536, // 64KB
			PingInterval:      25 * time.Second,
			PongTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Security: SecurityConfig{
			MaxConnections:      10000,
			MaxConnectionsPerIP: 50,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 120,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			RingSize:   1000,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
			AdminEnabled:    true,
		},
		Client: ClientConfig{
			BackendURL:       "http://localhost:5000",
			Origin:           "http://localhost:5173",
			DialTimeout:      10 * time.Second,
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'presencegw setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Gateway.ListenAddress == "" {
		return fmt.Errorf("gateway.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Gateway.ListenAddress); err != nil {
		return fmt.Errorf("gateway.listen_address is invalid: %w", err)
	}
	if !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("gateway.path must start with /")
	}
	if c.Gateway.Path == "/api/status" {
		return fmt.Errorf("gateway.path must not shadow /api/status")
	}
	if len(c.Gateway.AllowedOrigins) == 0 && !c.Gateway.AllowMissingOrigin {
		return fmt.Errorf("gateway.allowed_origins must list at least one origin (use \"*\" to allow any)")
	}
	for _, o := range c.Gateway.AllowedOrigins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("gateway.allowed_origins entry %q must be scheme://host[:port]", o)
		}
	}
	if c.Gateway.IdentityKey == "" {
		return fmt.Errorf("gateway.identity_key is required")
	}
	if c.Gateway.MaxIdentityLength <= 0 {
		return fmt.Errorf("gateway.max_identity_length must be positive")
	}
	if c.Gateway.MaxMessageSize <= 0 {
		return fmt.Errorf("gateway.max_message_size must be positive")
	}
	if c.Gateway.DrainTimeout <= 0 {
		return fmt.Errorf("gateway.drain_timeout must be positive")
	}
	if c.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway.write_timeout must be positive")
	}
	if c.Gateway.PingInterval < 0 {
		return fmt.Errorf("gateway.ping_interval must not be negative (0 disables keepalive)")
	}
	if c.Gateway.PingInterval > 0 && c.Gateway.PongTimeout <= 0 {
		return fmt.Errorf("gateway.pong_timeout must be positive when keepalive is enabled")
	}

	// Upper bounds
	if c.Gateway.MaxMessageSize > 16777216 {
		return fmt.Errorf("gateway.max_message_size must not exceed 16777216 (16MB)")
	}
	if c.Gateway.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("gateway.drain_timeout must not exceed 5m")
	}
	if c.Gateway.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("gateway.write_timeout must not exceed 5m")
	}

	if c.Gateway.TLS.Enabled {
		if c.Gateway.TLS.CertFile == "" {
			return fmt.Errorf("gateway.tls.cert_file is required when TLS is enabled")
		}
		if c.Gateway.TLS.KeyFile == "" {
			return fmt.Errorf("gateway.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 1000000 {
		return fmt.Errorf("security.max_connections must not exceed 1000000")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.RingSize < 0 {
		return fmt.Errorf("logging.ring_size must not be negative")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		host, _, err := net.SplitHostPort(c.Health.ListenAddress)
		if err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics and the admin API")
		}
		if c.Gateway.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("gateway.listen_address and health.listen_address must be different")
		}
	}

	if c.Client.BackendURL != "" {
		if u, err := url.Parse(c.Client.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("client.backend_url must use http:// or https:// scheme")
		}
	}
	if c.Client.ReconnectInitial <= 0 {
		return fmt.Errorf("client.reconnect_initial must be positive")
	}
	if c.Client.ReconnectMax < c.Client.ReconnectInitial {
		return fmt.Errorf("client.reconnect_max must not be less than client.reconnect_initial")
	}

	return nil
}

// applyEnvOverrides applies environment variables. PORT, ALLOWED_ORIGINS and
// BACKEND_URL are honored for compatibility with the chat app's deployment;
// PRESENCEGW_ prefixed names follow the nesting of the YAML keys.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"PORT":            func(v string) { cfg.Gateway.ListenAddress = withPort(cfg.Gateway.ListenAddress, v) },
		"ALLOWED_ORIGINS": func(v string) { cfg.Gateway.AllowedOrigins = splitList(v) },
		"BACKEND_URL":     func(v string) { cfg.Client.BackendURL = v },

		"PRESENCEGW_GATEWAY_LISTEN_ADDRESS":      func(v string) { cfg.Gateway.ListenAddress = v },
		"PRESENCEGW_GATEWAY_PATH":                func(v string) { cfg.Gateway.Path = v },
		"PRESENCEGW_GATEWAY_ALLOWED_ORIGINS":     func(v string) { cfg.Gateway.AllowedOrigins = splitList(v) },
		"PRESENCEGW_GATEWAY_ALLOW_MISSING_ORIGIN": func(v string) {
			cfg.Gateway.AllowMissingOrigin = parseBool(v, cfg.Gateway.AllowMissingOrigin)
		},
		"PRESENCEGW_GATEWAY_IDENTITY_KEY":   func(v string) { cfg.Gateway.IdentityKey = v },
		"PRESENCEGW_GATEWAY_DRAIN_TIMEOUT":  func(v string) { cfg.Gateway.DrainTimeout = parseDuration(v, cfg.Gateway.DrainTimeout) },
		"PRESENCEGW_GATEWAY_PING_INTERVAL":  func(v string) { cfg.Gateway.PingInterval = parseDuration(v, cfg.Gateway.PingInterval) },
		"PRESENCEGW_GATEWAY_PONG_TIMEOUT":   func(v string) { cfg.Gateway.PongTimeout = parseDuration(v, cfg.Gateway.PongTimeout) },
		"PRESENCEGW_GATEWAY_WRITE_TIMEOUT":  func(v string) { cfg.Gateway.WriteTimeout = parseDuration(v, cfg.Gateway.WriteTimeout) },
		"PRESENCEGW_GATEWAY_MAX_MESSAGE_SIZE": func(v string) {
			cfg.Gateway.MaxMessageSize = parseInt64(v, cfg.Gateway.MaxMessageSize)
		},
		"PRESENCEGW_SECURITY_ADMIN_TOKEN":     func(v string) { cfg.Security.AdminToken = v },
		"PRESENCEGW_SECURITY_MAX_CONNECTIONS": func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"PRESENCEGW_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"PRESENCEGW_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"PRESENCEGW_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"PRESENCEGW_LOGGING_LEVEL":          func(v string) { cfg.Logging.Level = v },
		"PRESENCEGW_LOGGING_FORMAT":         func(v string) { cfg.Logging.Format = v },
		"PRESENCEGW_LOGGING_FILE":           func(v string) { cfg.Logging.File = v },
		"PRESENCEGW_HEALTH_ENABLED":         func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"PRESENCEGW_HEALTH_LISTEN_ADDRESS":  func(v string) { cfg.Health.ListenAddress = v },
		"PRESENCEGW_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
		"PRESENCEGW_CLIENT_BACKEND_URL": func(v string) { cfg.Client.BackendURL = v },
		"PRESENCEGW_CLIENT_ORIGIN":      func(v string) { cfg.Client.Origin = v },
	}

	// Prefixed names are applied after the plain ones so they win.
	for _, pass := range []bool{false, true} {
		for env, setter := range envMap {
			if strings.HasPrefix(env, "PRESENCEGW_") != pass {
				continue
			}
			if v := os.Getenv(env); v != "" {
				setter(v)
			}
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, path, tls, identity key.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Gateway.AllowedOrigins = append([]string(nil), newCfg.Gateway.AllowedOrigins...)
	updated.Gateway.AllowMissingOrigin = newCfg.Gateway.AllowMissingOrigin
	updated.Gateway.MaxMessageSize = newCfg.Gateway.MaxMessageSize
	updated.Gateway.WriteTimeout = newCfg.Gateway.WriteTimeout
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AdminToken = newCfg.Security.AdminToken
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	return &updated
}

// IsReloadSafe returns a warning for every changed field that needs a restart.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Gateway.ListenAddress != new.Gateway.ListenAddress {
		warnings = append(warnings, "gateway.listen_address requires restart")
	}
	if old.Gateway.Path != new.Gateway.Path {
		warnings = append(warnings, "gateway.path requires restart")
	}
	if old.Gateway.IdentityKey != new.Gateway.IdentityKey {
		warnings = append(warnings, "gateway.identity_key requires restart")
	}
	if !reflect.DeepEqual(old.Gateway.TLS, new.Gateway.TLS) {
		warnings = append(warnings, "gateway.tls requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

// withPort replaces the port of a host:port address, keeping the host.
func withPort(addr, port string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strings.TrimPrefix(port, ":"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
