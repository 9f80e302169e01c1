// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// DefaultUpstreamURL is the in-cluster Request Manager service address.
const DefaultUpstreamURL = "http://self-service-agent-request-manager"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/webclient/config.toml",
	"configs/config.toml",
}

// reservedRoutes cannot be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/api", "/health", "/proxy/status", "/index.html", "/main.js", "/styles.css"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL     string `kong:"name='upstream-url',help='Request Manager base URL (overrides config).',env='REQUEST_MANAGER_URL'"`
	UpstreamTimeout int    `kong:"name='upstream-timeout',help='Upstream timeout in seconds (overrides config).',env='UPSTREAM_TIMEOUT_SECONDS'"`
	StaticDir       string `kong:"help='Serve web assets from this directory instead of the embedded copies.',env='STATIC_DIR'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat       string `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	StaticDir    string `toml:"static_dir"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
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

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/webclient/config.toml then configs/config.toml, and falls back to
// defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

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
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.UpstreamTimeout != 0 {
		c.Upstream.TimeoutSeconds = cli.UpstreamTimeout
	}
	if cli.StaticDir != "" {
		c.Server.StaticDir = cli.StaticDir
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

// validate reports every problem found, not just the first.
func (c *Config) validate() error {
	var errs error

	u, err := url.Parse(c.Upstream.BaseURL)
	switch {
	case err != nil:
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url is not a valid URL: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL))
	case u.Host == "":
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL))
	case u.RawQuery != "" || u.Fragment != "":
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port))
	}
	if c.Server.BodyMaxBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}
	if c.Upstream.TimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds))
	}
	if c.Upstream.IdleConnections < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.Server.StaticDir != "" {
		if info, err := os.Stat(c.Server.StaticDir); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("server.static_dir: %w", err))
		} else if !info.IsDir() {
			errs = multierr.Append(errs, fmt.Errorf("server.static_dir %q is not a directory", c.Server.StaticDir))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	if c.Metrics.Enabled {
		errs = multierr.Append(errs, validateMetricsPath(c.Metrics.Path))
	}

	return errs
}

func validateMetricsPath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", p)
	}
	if p == "/" {
		return errors.New(`metrics.path "/" conflicts with the index page`)
	}
	for _, reserved := range reservedRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.TimeoutSeconds == 0 {
		// The Request Manager may chain several LLM calls before answering.
		c.Upstream.TimeoutSeconds = 300
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

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
