package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000

[upstream]
domains = ["a.example.com", "b.example.com"]
live_domain = "b.example.com"
timeout_seconds = 30

[identity]
origin = "https://player.example.com"
referer = "https://player.example.com/"

[access]
allowed_domains = ["example.org"]

[playlist]
rewrite_policy = "all"
public_host = "proxy.example.org"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if len(cfg.Upstream.Domains) != 2 || cfg.Upstream.Domains[0] != "a.example.com" {
		t.Errorf("Upstream.Domains = %v", cfg.Upstream.Domains)
	}
	if cfg.Upstream.LiveDomain != "b.example.com" {
		t.Errorf("Upstream.LiveDomain = %q, want %q", cfg.Upstream.LiveDomain, "b.example.com")
	}
	if cfg.Upstream.TimeoutSeconds != 30 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 30)
	}
	if cfg.Identity.Origin != "https://player.example.com" {
		t.Errorf("Identity.Origin = %q", cfg.Identity.Origin)
	}
	if cfg.Identity.UserAgent == "" {
		t.Error("Identity.UserAgent should default when unset")
	}
	if cfg.Playlist.RewritePolicy != RewriteAll {
		t.Errorf("Playlist.RewritePolicy = %q, want %q", cfg.Playlist.RewritePolicy, RewriteAll)
	}
	if cfg.Playlist.PublicHost != "proxy.example.org" {
		t.Errorf("Playlist.PublicHost = %q", cfg.Playlist.PublicHost)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if got := cfg.Upstream.Domains[0]; got != "pl20.chinefore.com" {
		t.Errorf("Upstream.Domains[0] = %q, want %q", got, "pl20.chinefore.com")
	}
	if len(cfg.Upstream.Domains) != 6 {
		t.Errorf("len(Upstream.Domains) = %d, want 6", len(cfg.Upstream.Domains))
	}
	if cfg.Upstream.LiveDomain != "pl20.chinefore.com" {
		t.Errorf("Upstream.LiveDomain = %q", cfg.Upstream.LiveDomain)
	}
	if cfg.Upstream.LivePathMarker != "/live/" {
		t.Errorf("Upstream.LivePathMarker = %q", cfg.Upstream.LivePathMarker)
	}
	if cfg.Upstream.TargetHeader != "X-Target-Domain" {
		t.Errorf("Upstream.TargetHeader = %q", cfg.Upstream.TargetHeader)
	}
	if cfg.Upstream.MaxRedirects != 10 {
		t.Errorf("Upstream.MaxRedirects = %d, want 10", cfg.Upstream.MaxRedirects)
	}
	if cfg.Identity.Referer != "https://play.957001.tv/" {
		t.Errorf("Identity.Referer = %q", cfg.Identity.Referer)
	}
	if cfg.Identity.ExtraHeaders["Sec-Fetch-Mode"] != "cors" {
		t.Errorf("Identity.ExtraHeaders[Sec-Fetch-Mode] = %q", cfg.Identity.ExtraHeaders["Sec-Fetch-Mode"])
	}
	if len(cfg.Access.AllowedDomains) != 7 {
		t.Errorf("len(Access.AllowedDomains) = %d, want 7", len(cfg.Access.AllowedDomains))
	}
	if cfg.Playlist.RewritePolicy != RewriteMedia {
		t.Errorf("Playlist.RewritePolicy = %q, want %q", cfg.Playlist.RewritePolicy, RewriteMedia)
	}
	if len(cfg.Playlist.MediaExtensions) != 4 {
		t.Errorf("Playlist.MediaExtensions = %v", cfg.Playlist.MediaExtensions)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("Default().validate() error = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, "[server\nport = ")

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected parse error, got nil")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("error = %q, want mention of parse", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[log]
level = "info"
`)

	cli := &CLI{
		Config:     path,
		Host:       "127.0.0.1",
		Port:       3000,
		PublicHost: "cdn.example.org",
		LogLevel:   "debug",
		SentryDSN:  "https://key@sentry.example.org/1",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 3000)
	}
	if cfg.Playlist.PublicHost != "cdn.example.org" {
		t.Errorf("Playlist.PublicHost = %q, want %q", cfg.Playlist.PublicHost, "cdn.example.org")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Sentry.DSN != "https://key@sentry.example.org/1" {
		t.Errorf("Sentry.DSN = %q", cfg.Sentry.DSN)
	}
}

func TestLoad_SentryConfig(t *testing.T) {
	path := writeConfig(t, `
[sentry]
dsn = "https://key@sentry.example.org/2"
environment = "staging"
sample_rate = 0.25
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sentry.DSN != "https://key@sentry.example.org/2" {
		t.Errorf("Sentry.DSN = %q", cfg.Sentry.DSN)
	}
	if cfg.Sentry.Environment != "staging" {
		t.Errorf("Sentry.Environment = %q, want %q", cfg.Sentry.Environment, "staging")
	}
	if cfg.Sentry.SampleRate != 0.25 {
		t.Errorf("Sentry.SampleRate = %v, want 0.25", cfg.Sentry.SampleRate)
	}

	if Default().Sentry.Environment != "production" {
		t.Errorf("default Sentry.Environment = %q, want production", Default().Sentry.Environment)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name: "live domain outside candidate set",
			data: `
[upstream]
domains = ["a.example.com"]
live_domain = "evil.example.com"
`,
			wantErr: "upstream.live_domain",
		},
		{
			name: "upstream domain with scheme",
			data: `
[upstream]
domains = ["https://a.example.com"]
live_domain = "https://a.example.com"
`,
			wantErr: "upstream.domains",
		},
		{
			name: "allowed domain with path",
			data: `
[access]
allowed_domains = ["example.org/path"]
`,
			wantErr: "access.allowed_domains",
		},
		{
			name: "unknown rewrite policy",
			data: `
[playlist]
rewrite_policy = "sometimes"
`,
			wantErr: "playlist.rewrite_policy",
		},
		{
			name: "public host with path",
			data: `
[playlist]
public_host = "proxy.example.org/x"
`,
			wantErr: "playlist.public_host",
		},
		{
			name: "negative port",
			data: `
[server]
port = -1
`,
			wantErr: "server.port",
		},
		{
			name: "negative body max bytes",
			data: `
[server]
body_max_bytes = -100
`,
			wantErr: "server.body_max_bytes",
		},
		{
			name: "negative timeout",
			data: `
[upstream]
timeout_seconds = -5
`,
			wantErr: "upstream.timeout_seconds",
		},
		{
			name: "negative redirects",
			data: `
[upstream]
max_redirects = -1
`,
			wantErr: "upstream.max_redirects",
		},
		{
			name: "invalid log level",
			data: `
[log]
level = "verbose"
`,
			wantErr: "log.level",
		},
		{
			name: "invalid log format",
			data: `
[log]
format = "xml"
`,
			wantErr: "log.format",
		},
		{
			name: "rate limit without rps",
			data: `
[server.rate_limit]
enabled = true
requests_per_second = 0
`,
			wantErr: "requests_per_second",
		},
		{
			name: "negative burst",
			data: `
[server.rate_limit]
enabled = true
requests_per_second = 10
burst = -1
`,
			wantErr: "burst",
		},
		{
			name: "sentry sample rate out of range",
			data: `
[sentry]
sample_rate = 1.5
`,
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatalf("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.5
burst = 100
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.5 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.5", cfg.Server.RateLimit.RequestsPerSecond)
	}
	if cfg.Server.RateLimit.Burst != 100 {
		t.Errorf("RateLimit.Burst = %d, want 100", cfg.Server.RateLimit.Burst)
	}
}

func TestIsUpstream(t *testing.T) {
	cfg := Default()

	tests := []struct {
		host string
		want bool
	}{
		{"pl20.chinefore.com", true},
		{"pl25.chinefore.com", true},
		{"PL20.chinefore.com", false},
		{"pl20.chinefore.com.evil.com", false},
		{"evil.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := cfg.IsUpstream(tt.host); got != tt.want {
			t.Errorf("IsUpstream(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permissions not enforced on Windows")
	}
	path := writeConfig(t, "")
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cfg := &Config{filePath: path}
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permissions not enforced on Windows")
	}
	path := writeConfig(t, "")

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cfg := &Config{filePath: path}
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600, got %q", buf.String())
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.toml")
	second := filepath.Join(dir, "second.toml")
	for _, p := range []string{first, second} {
		if err := os.WriteFile(p, nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if got := findConfigInPaths([]string{first, second}); got != first {
		t.Errorf("findConfigInPaths() = %q, want %q", got, first)
	}
	if got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml"), second}); got != second {
		t.Errorf("findConfigInPaths() = %q, want %q", got, second)
	}
	if got := findConfigInPaths([]string{filepath.Join(dir, "missing.toml")}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, `
[metrics]
enabled = true
path = "metrics"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"api/proxy exact", "/api/proxy"},
		{"api/proxy sub", "/api/proxy/metrics"},
		{"healthz", "/healthz"},
		{"proxy/status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, `
[metrics]
enabled = true
path = "`+tt.path+`"
`)

			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, `
[metrics]
enabled = false
path = "bad-no-slash"
`)

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
