// Package config provides configuration types and defaults for screenqueue.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/screenqueue/internal/driver"
	"github.com/zjrosen/screenqueue/internal/engine"
	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/queuestate"
	"github.com/zjrosen/screenqueue/internal/session"
	"github.com/zjrosen/screenqueue/internal/touchlink"
	"github.com/zjrosen/screenqueue/internal/tracing"
)

// Config holds all configuration options for screenqueue.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	Driver    DriverConfig    `mapstructure:"driver"`
	Session   SessionConfig   `mapstructure:"session"`
	TouchLink TouchLinkConfig `mapstructure:"touch_link"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	UI        UIConfig        `mapstructure:"ui"`
}

// APIConfig locates the screen queue server.
type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Platform string        `mapstructure:"platform"` // sent as the platform query parameter
	Version  string        `mapstructure:"version"`  // client version query parameter
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EndpointsConfig holds the server paths. Empty values use the defaults.
type EndpointsConfig struct {
	Peek          string `mapstructure:"peek"`
	Pop           string `mapstructure:"pop"`
	Trace         string `mapstructure:"trace"`
	MergeToken    string `mapstructure:"merge_token"`
	Checkout      string `mapstructure:"checkout"`
	TouchLink     string `mapstructure:"touch_link"`
	TouchLinkInfo string `mapstructure:"touch_link_info"`
}

// DriverConfig tunes the render loop.
type DriverConfig struct {
	// SkipLimit is how many unknown screens may be popped in a row before
	// the driver gives up.
	SkipLimit int `mapstructure:"skip_limit"`
}

// SessionConfig locates the credentials file.
type SessionConfig struct {
	CredentialsPath string        `mapstructure:"credentials_path"`
	ExpiryBuffer    time.Duration `mapstructure:"expiry_buffer"`
}

// TouchLinkConfig tunes touch-link resolution.
type TouchLinkConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// RetryConfig is the backoff policy for side-channel lookups.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// StorageConfig locates the SQLite state database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active (default: false)
	Enabled bool `mapstructure:"enabled"`

	// Exporter specifies the trace export backend: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output path for file exporter
	// Default: ~/.config/screenqueue/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the OTLP collector endpoint
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate is the sampling rate (0.0-1.0)
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// UIConfig holds user interface configuration options.
type UIConfig struct {
	MarkdownStyle string `mapstructure:"markdown_style"` // "dark" (default) or "light"
}

// Dir returns ~/.config/screenqueue, or empty string if the home dir is
// unavailable.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "screenqueue")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// DefaultCredentialsPath returns where login stores tokens.
func DefaultCredentialsPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "credentials.json")
}

// DefaultStoragePath returns ~/.screenqueue/state.db or empty string if the
// home dir is unavailable.
func DefaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".screenqueue", "state.db")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	ep := queuestate.DefaultEndpoints()
	backoff := protocol.DefaultBackoff()
	return Config{
		API: APIConfig{
			Platform: "cli",
			Timeout:  10 * time.Second,
		},
		Endpoints: EndpointsConfig{
			Peek:          ep.Peek,
			Pop:           ep.Pop,
			Trace:         ep.Trace,
			MergeToken:    ep.MergeToken,
			Checkout:      ep.Checkout,
			TouchLink:     ep.TouchLink,
			TouchLinkInfo: touchlink.DefaultInfoPath,
		},
		Driver: DriverConfig{
			SkipLimit: driver.DefaultSkipLimit,
		},
		Session: SessionConfig{
			CredentialsPath: DefaultCredentialsPath(),
			ExpiryBuffer:    session.DefaultExpiryBuffer,
		},
		TouchLink: TouchLinkConfig{
			StaleAfter: 2 * time.Hour,
			CacheTTL:   10 * time.Minute,
		},
		Retry: RetryConfig{
			BaseDelay:   backoff.Base,
			MaxDelay:    backoff.Max,
			MaxAttempts: backoff.MaxAttempts,
			Jitter:      backoff.Jitter,
		},
		Storage: StorageConfig{
			Path: DefaultStoragePath(),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     tracing.ExporterFile,
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		UI: UIConfig{
			MarkdownStyle: "dark",
		},
	}
}

// Validate runs every section validator.
func (c Config) Validate() error {
	for _, err := range []error{
		ValidateAPI(c.API),
		ValidateDriver(c.Driver),
		ValidateRetry(c.Retry),
		ValidateStorage(c.Storage),
		ValidateTracing(c.Tracing),
		ValidateUI(c.UI),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidateAPI checks that the server is reachable by URL.
func ValidateAPI(api APIConfig) error {
	if api.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(api.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL, got %q", api.BaseURL)
	}
	if api.Timeout < 0 {
		return fmt.Errorf("api.timeout must not be negative, got %v", api.Timeout)
	}
	return nil
}

// ValidateDriver checks the skip bound.
func ValidateDriver(d DriverConfig) error {
	if d.SkipLimit < 1 {
		return fmt.Errorf("driver.skip_limit must be at least 1, got %d", d.SkipLimit)
	}
	return nil
}

// ValidateRetry checks the backoff policy.
func ValidateRetry(r RetryConfig) error {
	if r.BaseDelay < 0 || r.MaxDelay < 0 || r.Jitter < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("retry.base_delay (%v) exceeds retry.max_delay (%v)", r.BaseDelay, r.MaxDelay)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	return nil
}

// ValidateStorage requires an absolute database path. ":memory:" is
// accepted for throwaway runs.
func ValidateStorage(s StorageConfig) error {
	if s.Path == ":memory:" {
		return nil
	}
	if !filepath.IsAbs(s.Path) {
		return fmt.Errorf("storage.path must be absolute, got %q", s.Path)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t TracingConfig) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case tracing.ExporterNone, tracing.ExporterFile, tracing.ExporterStdout, tracing.ExporterOTLP:
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	// OTLPEndpoint is required when Exporter is "otlp"
	if t.Enabled && t.Exporter == tracing.ExporterOTLP && t.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}

// ValidateUI checks UI options.
func ValidateUI(ui UIConfig) error {
	switch ui.MarkdownStyle {
	case "", "dark", "light":
		return nil
	default:
		return fmt.Errorf("ui.markdown_style must be \"dark\" or \"light\", got %q", ui.MarkdownStyle)
	}
}

// ProtocolConfig converts the api section for the protocol client.
func (c Config) ProtocolConfig() protocol.Config {
	return protocol.Config{
		BaseURL:  c.API.BaseURL,
		Platform: c.API.Platform,
		Version:  c.API.Version,
		Timeout:  c.API.Timeout,
	}
}

// Backoff converts the retry section.
func (c Config) Backoff() protocol.Backoff {
	return protocol.Backoff{
		Base:        c.Retry.BaseDelay,
		Max:         c.Retry.MaxDelay,
		Jitter:      c.Retry.Jitter,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

// EngineConfig builds the machine and driver configuration. Empty
// endpoints fall back to the defaults.
func (c Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	ep := &cfg.Queue.Endpoints
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&ep.Peek, c.Endpoints.Peek)
	override(&ep.Pop, c.Endpoints.Pop)
	override(&ep.Trace, c.Endpoints.Trace)
	override(&ep.MergeToken, c.Endpoints.MergeToken)
	override(&ep.Checkout, c.Endpoints.Checkout)
	override(&ep.TouchLink, c.Endpoints.TouchLink)
	if c.Session.ExpiryBuffer > 0 {
		cfg.Queue.ExpiryBuffer = c.Session.ExpiryBuffer
	}
	cfg.Driver.SkipLimit = c.Driver.SkipLimit
	return cfg
}

// TouchLinkConfig converts the touch_link and retry sections.
func (c Config) TouchLinkConfig() touchlink.Config {
	cfg := touchlink.DefaultConfig()
	if c.Endpoints.TouchLinkInfo != "" {
		cfg.InfoPath = c.Endpoints.TouchLinkInfo
	}
	if c.TouchLink.StaleAfter > 0 {
		cfg.StaleAfter = c.TouchLink.StaleAfter
	}
	if c.TouchLink.CacheTTL > 0 {
		cfg.CacheTTL = c.TouchLink.CacheTTL
	}
	cfg.Backoff = c.Backoff()
	return cfg
}

// TracingConfig converts the tracing section, filling the file path from
// the config dir when unset.
func (c Config) TracingConfig() tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.Enabled = c.Tracing.Enabled
	if c.Tracing.Exporter != "" {
		cfg.Exporter = c.Tracing.Exporter
	}
	cfg.FilePath = c.Tracing.FilePath
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultTracesFilePath()
	}
	if c.Tracing.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.Tracing.OTLPEndpoint
	}
	cfg.SampleRate = c.Tracing.SampleRate
	return cfg
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# screenqueue configuration

# Screen queue server
api:
  base_url: https://api.example.com   # required
  platform: cli                       # platform query parameter
  # version: 1.0.0                    # client version query parameter
  timeout: 10s

# Server paths (defaults shown)
# endpoints:
#   peek: /api/1/users/me/screens/peek
#   pop: /api/1/users/me/screens/pop
#   trace: /api/1/users/me/screens/trace
#   merge_token: /api/1/users/me/screens/empty_with_merge_token
#   checkout: /api/1/users/me/screens/empty_with_checkout_uid
#   touch_link: /api/1/users/me/screens/apply_touch_link
#   touch_link_info: /api/1/notifications/complete

driver:
  skip_limit: 10    # unknown screens popped in a row before giving up

session:
  # credentials_path: ~/.config/screenqueue/credentials.json
  expiry_buffer: 5m # stop using an id token this close to expiry

touch_link:
  stale_after: 2h   # stored links older than this yield to a new URL
  cache_ttl: 10m    # reuse side-channel answers for this long

# Backoff for the logged-out side channel
retry:
  base_delay: 1s
  max_delay: 30s
  max_attempts: 3
  jitter: 250ms

# storage:
#   path: ~/.screenqueue/state.db  # must be absolute

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/screenqueue/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)

ui:
  markdown_style: dark  # "dark" (default) or "light"
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
