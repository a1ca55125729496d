// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/hls-proxy/config.toml",
	"configs/config.toml",
}

// Rewrite policies for relative playlist entries.
const (
	RewriteMedia = "media"
	RewriteAll   = "all"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicHost string `kong:"help='Host written into rewritten playlist URLs (overrides config).',env='PUBLIC_HOST'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	SentryDSN  string `kong:"name='sentry-dsn',help='Sentry DSN for error reporting (overrides config).',env='SENTRY_DSN'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Identity IdentityConfig `toml:"identity"`
	Access   AccessConfig   `toml:"access"`
	Playlist PlaylistConfig `toml:"playlist"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Sentry   SentryConfig   `toml:"sentry"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"` // 0 derives the bucket size from requests_per_second
}

// UpstreamConfig describes the fixed upstream candidate set and how to reach it.
type UpstreamConfig struct {
	// Domains is the candidate set. The first entry is the fallback target.
	Domains         []string `toml:"domains"`
	LiveDomain      string   `toml:"live_domain"`
	LivePathMarker  string   `toml:"live_path_marker"`
	TargetHeader    string   `toml:"target_header"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
	MaxRedirects    int      `toml:"max_redirects"`
	// InsecureSkipVerify disables TLS verification for upstream connections.
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// IdentityConfig is the browser identity presented to upstreams.
type IdentityConfig struct {
	Origin         string            `toml:"origin"`
	Referer        string            `toml:"referer"`
	UserAgent      string            `toml:"user_agent"`
	Accept         string            `toml:"accept"`
	AcceptEncoding string            `toml:"accept_encoding"`
	AcceptLanguage string            `toml:"accept_language"`
	ExtraHeaders   map[string]string `toml:"extra_headers"`
}

// AccessConfig holds the caller allowlist.
type AccessConfig struct {
	AllowedDomains []string `toml:"allowed_domains"`
	// DevHosts skips the Referer/Origin check when the proxy's own hostname
	// contains one of these substrings.
	DevHosts []string `toml:"dev_hosts"`
}

// PlaylistConfig controls playlist rewriting.
type PlaylistConfig struct {
	RewritePolicy   string   `toml:"rewrite_policy"`
	MediaExtensions []string `toml:"media_extensions"`
	PublicHost      string   `toml:"public_host"`
	MaxBytes        int64    `toml:"max_bytes"`
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

// SentryConfig controls error reporting. An empty DSN disables it.
type SentryConfig struct {
	DSN         string  `toml:"dsn"`
	Environment string  `toml:"environment"`
	SampleRate  float64 `toml:"sample_rate"` // 0 sends every event
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/hls-proxy/config.toml then configs/config.toml. If neither exists the
// built-in defaults are used.
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicHost != "" {
		c.Playlist.PublicHost = cli.PublicHost
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.SentryDSN != "" {
		c.Sentry.DSN = cli.SentryDSN
	}
}

func (c *Config) validate() error {
	if err := c.validateUpstream(); err != nil {
		return err
	}

	for _, d := range c.Access.AllowedDomains {
		if d == "" || strings.ContainsAny(d, "/:") {
			return fmt.Errorf("access.allowed_domains entries must be bare hostnames; got %q", d)
		}
	}

	switch c.Playlist.RewritePolicy {
	case RewriteMedia, RewriteAll:
	default:
		return fmt.Errorf("playlist.rewrite_policy must be one of: media, all; got %q", c.Playlist.RewritePolicy)
	}
	if strings.ContainsAny(c.Playlist.PublicHost, "/?#") {
		return fmt.Errorf("playlist.public_host must be a host[:port]; got %q", c.Playlist.PublicHost)
	}
	if c.Playlist.MaxBytes < 0 {
		return fmt.Errorf("playlist.max_bytes must be non-negative; got %d", c.Playlist.MaxBytes)
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
	if c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be >= 0; got %d", c.Server.RateLimit.Burst)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/api/proxy", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if r := c.Sentry.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("sentry.sample_rate must be within [0, 1]; got %v", r)
	}

	return nil
}

func (c *Config) validateUpstream() error {
	u := c.Upstream
	if len(u.Domains) == 0 {
		return errors.New("upstream.domains must list at least one host")
	}
	for _, d := range u.Domains {
		if d == "" || strings.ContainsAny(d, "/?#@ ") {
			return fmt.Errorf("upstream.domains entries must be host[:port]; got %q", d)
		}
	}
	if !c.IsUpstream(u.LiveDomain) {
		return fmt.Errorf("upstream.live_domain %q is not listed in upstream.domains", u.LiveDomain)
	}
	if u.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", u.TimeoutSeconds)
	}
	if u.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", u.IdleConnections)
	}
	if u.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", u.MaxRedirects)
	}
	return nil
}

// IsUpstream reports whether host is a member of the upstream candidate set.
func (c *Config) IsUpstream(host string) bool {
	if host == "" {
		return false
	}
	for _, d := range c.Upstream.Domains {
		if d == host {
			return true
		}
	}
	return false
}

// setDefaults fills zero-valued fields with the built-in values.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}

	if len(c.Upstream.Domains) == 0 {
		c.Upstream.Domains = []string{
			"pl20.chinefore.com",
			"pl10.chinefore.com",
			"pl22.chinefore.com",
			"pl23.chinefore.com",
			"pl24.chinefore.com",
			"pl25.chinefore.com",
		}
	}
	if c.Upstream.LiveDomain == "" {
		c.Upstream.LiveDomain = "pl20.chinefore.com"
	}
	if c.Upstream.LivePathMarker == "" {
		c.Upstream.LivePathMarker = "/live/"
	}
	if c.Upstream.TargetHeader == "" {
		c.Upstream.TargetHeader = "X-Target-Domain"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}

	c.Identity.setDefaults()

	if len(c.Access.AllowedDomains) == 0 {
		c.Access.AllowedDomains = []string{
			"957001.tv",
			"play.957001.tv",
			"librani.govoet.my.id",
			"hls.govoet.my.id",
			"kilatpink.blogspot.com",
			"librani0.blogspot.com",
			"list-govoet.blogspot.com",
		}
	}

	if c.Playlist.RewritePolicy == "" {
		c.Playlist.RewritePolicy = RewriteMedia
	}
	if len(c.Playlist.MediaExtensions) == 0 {
		c.Playlist.MediaExtensions = []string{".ts", ".m4s", ".m3u8", ".mp4"}
	}
	if c.Playlist.MaxBytes == 0 {
		c.Playlist.MaxBytes = 8 * 1024 * 1024 // 8 MB
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
	if c.Sentry.Environment == "" {
		c.Sentry.Environment = "production"
	}
}

func (i *IdentityConfig) setDefaults() {
	if i.Origin == "" {
		i.Origin = "https://play.957001.tv"
	}
	if i.Referer == "" {
		i.Referer = "https://play.957001.tv/"
	}
	if i.UserAgent == "" {
		i.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36 Edg/138.0.0.0"
	}
	if i.Accept == "" {
		i.Accept = "*/*"
	}
	if i.AcceptEncoding == "" {
		i.AcceptEncoding = "gzip, deflate, br, zstd"
	}
	if i.AcceptLanguage == "" {
		i.AcceptLanguage = "en-US,en;q=0.9,id;q=0.8"
	}
	if i.ExtraHeaders == nil {
		i.ExtraHeaders = map[string]string{
			"Sec-CH-UA":          `"Not)A;Brand";v="8", "Chromium";v="138", "Microsoft Edge";v="138"`,
			"Sec-CH-UA-Mobile":   "?0",
			"Sec-CH-UA-Platform": `"Windows"`,
			"Sec-Fetch-Dest":     "empty",
			"Sec-Fetch-Mode":     "cors",
			"Sec-Fetch-Site":     "cross-site",
		}
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
