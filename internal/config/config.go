// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/wm-api/config.toml",
	"configs/config.toml",
}

// reservedRoutes are route prefixes the metrics path may not shadow.
var reservedRoutes = []string{"/wolfapi", "/healthz", "/api/v1", "/openapi.json", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config              string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	BindAddr            string `kong:"help='Listen address host:port (overrides config).',env='WM_BIND_ADDR'"`
	SocketPath          string `kong:"help='Wolf socket path (overrides config).',env='WM_WOLF_SOCK_PATH'"`
	ConnectTimeoutMS    int64  `kong:"name='connect-timeout-ms',help='Per-attempt dial timeout in ms (overrides config).',env='WM_WOLF_PROXY_CONNECT_TIMEOUT_MS'"`
	ReadTimeoutMS       int64  `kong:"name='read-timeout-ms',help='Upstream read timeout in ms (overrides config).',env='WM_WOLF_PROXY_READ_TIMEOUT_MS'"`
	RetryAttempts       int    `kong:"help='Dial attempts before failing (overrides config).',env='WM_WOLF_PROXY_RETRY_ATTEMPTS'"`
	RetryDelayMS        *int64 `kong:"name='retry-delay-ms',help='Base delay for linear dial backoff in ms; 0 retries immediately (overrides config).',env='WM_WOLF_PROXY_RETRY_DELAY_MS'"`
	PublicURL           string `kong:"help='Public origin always allowed by CORS (overrides config).',env='WM_PUBLIC_URL'"`
	AllowPrivateOrigins bool   `kong:"help='Allow RFC1918 browser origins.',env='WM_ALLOW_PRIVATE_ORIGINS'"`
	DatabasePath        string `kong:"help='SQLite database path (overrides config).',env='DATABASE_PATH'"`
	LogLevel            string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Wolf     WolfConfig     `toml:"wolf"`
	CORS     CORSConfig     `toml:"cors"`
	Database DatabaseConfig `toml:"database"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	BindAddr     string `toml:"bind_addr"`
	BodyMaxBytes int64  `toml:"body_max_bytes"` // 0 means no limit
}

// WolfConfig holds the upstream socket and proxy timing settings.
type WolfConfig struct {
	SocketPath       string `toml:"socket_path"`
	ConnectTimeoutMS int64  `toml:"connect_timeout_ms"`
	ReadTimeoutMS    int64  `toml:"read_timeout_ms"`
	RetryAttempts    int    `toml:"retry_attempts"`
	RetryDelayMS     int64  `toml:"retry_delay_ms"`
	ForwardedProto   string `toml:"forwarded_proto"`
}

// CORSConfig holds the browser origin policy.
type CORSConfig struct {
	PublicURL           string `toml:"public_url"`
	AllowPrivateOrigins bool   `toml:"allow_private_origins"`
}

// DatabaseConfig holds the local SQLite store settings.
type DatabaseConfig struct {
	Path string `toml:"path"`
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

// defaultRetryDelayMS is seeded before decoding because an explicit
// retry_delay_ms = 0 is a valid setting.
const defaultRetryDelayMS = 500

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := Config{Wolf: WolfConfig{RetryDelayMS: defaultRetryDelayMS}}
	cfg.setDefaults()
	return &cfg
}

// Load reads the TOML config file and applies CLI overrides. The file is
// optional: when no explicit path is given (via --config or CONFIG_PATH)
// and none of /etc/wm-api/config.toml or configs/config.toml exist, the
// defaults plus CLI/environment overrides are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	cfg := Config{Wolf: WolfConfig{RetryDelayMS: defaultRetryDelayMS}}
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
	if cli.BindAddr != "" {
		c.Server.BindAddr = cli.BindAddr
	}
	if cli.SocketPath != "" {
		c.Wolf.SocketPath = cli.SocketPath
	}
	if cli.ConnectTimeoutMS != 0 {
		c.Wolf.ConnectTimeoutMS = cli.ConnectTimeoutMS
	}
	if cli.ReadTimeoutMS != 0 {
		c.Wolf.ReadTimeoutMS = cli.ReadTimeoutMS
	}
	if cli.RetryAttempts != 0 {
		c.Wolf.RetryAttempts = cli.RetryAttempts
	}
	if cli.RetryDelayMS != nil {
		c.Wolf.RetryDelayMS = *cli.RetryDelayMS
	}
	if cli.PublicURL != "" {
		c.CORS.PublicURL = cli.PublicURL
	}
	if cli.AllowPrivateOrigins {
		c.CORS.AllowPrivateOrigins = true
	}
	if cli.DatabasePath != "" {
		c.Database.Path = cli.DatabasePath
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// setDefaults fills zero-valued fields with the documented defaults.
// TOML cannot distinguish an explicit 0 from an omitted key, so a zero
// timeout or attempt count means "use the default". The retry delay is
// the exception: its default is seeded before decoding, so 0 is kept.
// Negative values are rejected by validate.
func (c *Config) setDefaults() {
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = "0.0.0.0:8080"
	}
	if c.Wolf.SocketPath == "" {
		c.Wolf.SocketPath = "/var/run/wolf/wolf.sock"
	}
	if c.Wolf.ConnectTimeoutMS == 0 {
		c.Wolf.ConnectTimeoutMS = 2000
	}
	if c.Wolf.ReadTimeoutMS == 0 {
		c.Wolf.ReadTimeoutMS = 10000
	}
	if c.Wolf.RetryAttempts == 0 {
		c.Wolf.RetryAttempts = 3
	}
	if c.Wolf.ForwardedProto == "" {
		c.Wolf.ForwardedProto = "http"
	}
	if c.Database.Path == "" {
		c.Database.Path = "wm.db"
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

func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.Server.BindAddr); err != nil {
		return fmt.Errorf("server.bind_addr must be host:port; got %q: %w", c.Server.BindAddr, err)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}

	// Upstream socket and timing.
	if !filepath.IsAbs(c.Wolf.SocketPath) {
		return fmt.Errorf("wolf.socket_path must be an absolute path; got %q", c.Wolf.SocketPath)
	}
	if c.Wolf.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("wolf.connect_timeout_ms must be > 0; got %d", c.Wolf.ConnectTimeoutMS)
	}
	if c.Wolf.ReadTimeoutMS <= 0 {
		return fmt.Errorf("wolf.read_timeout_ms must be > 0; got %d", c.Wolf.ReadTimeoutMS)
	}
	if c.Wolf.RetryAttempts < 1 {
		return fmt.Errorf("wolf.retry_attempts must be >= 1; got %d", c.Wolf.RetryAttempts)
	}
	if c.Wolf.RetryDelayMS < 0 {
		return fmt.Errorf("wolf.retry_delay_ms must be non-negative; got %d", c.Wolf.RetryDelayMS)
	}
	switch c.Wolf.ForwardedProto {
	case "http", "https":
		// valid
	default:
		return fmt.Errorf("wolf.forwarded_proto must be http or https; got %q", c.Wolf.ForwardedProto)
	}

	if c.CORS.PublicURL != "" {
		u, err := url.Parse(c.CORS.PublicURL)
		if err != nil {
			return fmt.Errorf("cors.public_url is not a valid URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("cors.public_url must be an absolute URL; got %q", c.CORS.PublicURL)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
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
	return c.BindAddr
}

// ConnectTimeout is the per-attempt dial timeout.
func (w *WolfConfig) ConnectTimeout() time.Duration {
	return time.Duration(w.ConnectTimeoutMS) * time.Millisecond
}

// ReadTimeout bounds the wait for response headers, and separately the
// wait for the response body.
func (w *WolfConfig) ReadTimeout() time.Duration {
	return time.Duration(w.ReadTimeoutMS) * time.Millisecond
}

// RetryDelay is the base of the linear dial backoff.
func (w *WolfConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMS) * time.Millisecond
}

// FilePath returns the config file that was loaded, or empty when running
// on defaults.
func (c *Config) FilePath() string {
	return c.filePath
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
