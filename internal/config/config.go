// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/forward-proxy/config.toml",
	"configs/config.toml",
}

// RateLimitWindow is the sliding window of the per-caller rate limiter.
const RateLimitWindow = time.Minute

// Auth modes.
const (
	AuthModeBasic  = "basic"
	AuthModeAPIKey = "api_key"
)

// Auth challenge schemes.
const (
	SchemeOrigin = "origin"
	SchemeProxy  = "proxy"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Username string `kong:"help='Proxy Basic-auth username (overrides config).',env='PROXY_USERNAME'"`
	Password string `kong:"help='Proxy Basic-auth password (overrides config).',env='PROXY_PASSWORD'"`
	APIKey   string `kong:"help='Shared API key (overrides config).',env='PROXY_API_KEY'"`
	RPM      int    `kong:"name='rpm',help='Requests per minute per caller (overrides config).',env='RATE_LIMIT_RPM'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`

	// TrustedProxies lists CIDRs or addresses whose X-Forwarded-For is
	// believed. Empty means the client IP is always the peer address.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// RateLimitConfig controls the coarse per-IP flood guard in front of every route.
// Per-caller quotas on the proxy route are configured in ProxyConfig.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AuthConfig selects how callers authenticate to the proxy.
type AuthConfig struct {
	Mode   string `toml:"mode"`   // "basic" or "api_key"
	Scheme string `toml:"scheme"` // "origin" (401) or "proxy" (407)
	Realm  string `toml:"realm"`

	Username string `toml:"username"`
	Password string `toml:"password"`
	APIKey   string `toml:"api_key"`

	// AllowAnonymous must be set to run basic mode without credentials.
	AllowAnonymous bool `toml:"allow_anonymous"`
}

// ProxyConfig holds per-request proxy policy.
type ProxyConfig struct {
	RequestsPerMinute int      `toml:"requests_per_minute"`
	AllowHosts        []string `toml:"allow_hosts"`
	ResolveHosts      *bool    `toml:"resolve_hosts"`
	JSONBodyMaxBytes  int64    `toml:"json_body_max_bytes"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/forward-proxy/config.toml then configs/config.toml. If neither exists
// the proxy runs from defaults plus flags and environment.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Username != "" {
		c.Auth.Username = cli.Username
	}
	if cli.Password != "" {
		c.Auth.Password = cli.Password
	}
	if cli.APIKey != "" {
		c.Auth.APIKey = cli.APIKey
	}
	if cli.RPM != 0 {
		c.Proxy.RequestsPerMinute = cli.RPM
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := c.Auth.validate(); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	for _, p := range c.Server.TrustedProxies {
		if !validProxyAddr(p) {
			return fmt.Errorf("server.trusted_proxies: %q is not a CIDR or IP address", p)
		}
	}
	if c.Proxy.RequestsPerMinute < 0 {
		return fmt.Errorf("proxy.requests_per_minute must be non-negative; got %d", c.Proxy.RequestsPerMinute)
	}
	if c.Proxy.JSONBodyMaxBytes < 0 {
		return fmt.Errorf("proxy.json_body_max_bytes must be non-negative; got %d", c.Proxy.JSONBodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		if p == "/proxy" || strings.HasPrefix(p, "/proxy/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/proxy")
		}
	}

	return nil
}

func (a *AuthConfig) validate() error {
	switch strings.ToLower(a.Mode) {
	case AuthModeBasic, "":
		if a.Username == "" && a.Password == "" && !a.AllowAnonymous {
			return fmt.Errorf("auth: basic mode without username/password requires auth.allow_anonymous = true")
		}
		if (a.Username == "") != (a.Password == "") {
			return fmt.Errorf("auth: username and password must be set together")
		}
		if strings.Contains(a.Username, ":") {
			return fmt.Errorf("auth.username must not contain ':'")
		}
	case AuthModeAPIKey:
		// An empty key is allowed and rejects every request.
	default:
		return fmt.Errorf("auth.mode must be one of: basic, api_key; got %q", a.Mode)
	}

	switch strings.ToLower(a.Scheme) {
	case SchemeOrigin, SchemeProxy, "":
		// valid
	default:
		return fmt.Errorf("auth.scheme must be one of: origin, proxy; got %q", a.Scheme)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeBasic
	}
	c.Auth.Scheme = strings.ToLower(c.Auth.Scheme)
	if c.Auth.Scheme == "" {
		c.Auth.Scheme = SchemeOrigin
	}
	if c.Auth.Realm == "" {
		c.Auth.Realm = "Login Required"
	}
	if c.Proxy.RequestsPerMinute == 0 {
		c.Proxy.RequestsPerMinute = 30
	}
	if c.Proxy.ResolveHosts == nil {
		resolve := true
		c.Proxy.ResolveHosts = &resolve
	}
	if c.Proxy.JSONBodyMaxBytes == 0 {
		c.Proxy.JSONBodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Window returns the trailing interval requests_per_minute is counted over.
func (*ProxyConfig) Window() time.Duration {
	return RateLimitWindow
}

func validProxyAddr(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// ShouldResolveHosts reports whether hostnames are resolved before the safety check.
func (c *ProxyConfig) ShouldResolveHosts() bool {
	return c.ResolveHosts == nil || *c.ResolveHosts
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnAuthPolicy logs the consequences of the configured auth policy at startup.
func (c *Config) WarnAuthPolicy(logger *slog.Logger) {
	switch c.Auth.Mode {
	case AuthModeBasic:
		if c.Auth.Username == "" && c.Auth.Password == "" {
			logger.Warn("authentication disabled: running as an open proxy (auth.allow_anonymous = true)")
		}
	case AuthModeAPIKey:
		if c.Auth.APIKey == "" {
			logger.Warn("auth.api_key is empty: every proxy request will be rejected")
		}
	}
}
