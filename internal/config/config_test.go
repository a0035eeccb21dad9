package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/screenqueue/internal/protocol"
	"github.com/zjrosen/screenqueue/internal/tracing"
)

func loadConfigFromYAML(t *testing.T, yaml string) Config {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte(yaml), 0644)
	require.NoError(t, err)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func validConfig() Config {
	cfg := Defaults()
	cfg.API.BaseURL = "https://api.example.com"
	cfg.Storage.Path = "/var/lib/screenqueue/state.db"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, "cli", cfg.API.Platform)
	require.Equal(t, 10*time.Second, cfg.API.Timeout)
	require.Equal(t, 10, cfg.Driver.SkipLimit)
	require.Equal(t, 5*time.Minute, cfg.Session.ExpiryBuffer)
	require.Equal(t, 2*time.Hour, cfg.TouchLink.StaleAfter)
	require.Equal(t, 10*time.Minute, cfg.TouchLink.CacheTTL)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
	require.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.Jitter)
	require.Equal(t, "dark", cfg.UI.MarkdownStyle)
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, "/api/1/users/me/screens/peek", cfg.Endpoints.Peek)
}

func TestValidate_Valid(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty base url", func(c *Config) { c.API.BaseURL = "" }, "api.base_url is required"},
		{"relative base url", func(c *Config) { c.API.BaseURL = "api.example.com" }, "absolute URL"},
		{"skip limit zero", func(c *Config) { c.Driver.SkipLimit = 0 }, "driver.skip_limit"},
		{"sample rate high", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "sample_rate"},
		{"sample rate negative", func(c *Config) { c.Tracing.SampleRate = -0.1 }, "sample_rate"},
		{"unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "tracing.exporter"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = tracing.ExporterOTLP
			c.Tracing.OTLPEndpoint = ""
		}, "otlp_endpoint"},
		{"relative storage path", func(c *Config) { c.Storage.Path = "state.db" }, "storage.path must be absolute"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"base over max", func(c *Config) { c.Retry.BaseDelay = time.Minute }, "exceeds"},
		{"markdown style", func(c *Config) { c.UI.MarkdownStyle = "neon" }, "markdown_style"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateStorage_Memory(t *testing.T) {
	require.NoError(t, ValidateStorage(StorageConfig{Path: ":memory:"}))
}

func TestLoad_OverridesDefaults(t *testing.T) {
	cfg := loadConfigFromYAML(t, `
api:
  base_url: https://queue.test
  version: 2.1.0
  timeout: 3s
endpoints:
  peek: /custom/peek
driver:
  skip_limit: 4
retry:
  base_delay: 500ms
touch_link:
  stale_after: 30m
tracing:
  enabled: true
  exporter: stdout
  sample_rate: 0.25
`)
	require.Equal(t, "https://queue.test", cfg.API.BaseURL)
	require.Equal(t, "2.1.0", cfg.API.Version)
	require.Equal(t, "cli", cfg.API.Platform, "default survives")
	require.Equal(t, 3*time.Second, cfg.API.Timeout)
	require.Equal(t, "/custom/peek", cfg.Endpoints.Peek)
	require.Equal(t, "/api/1/users/me/screens/pop", cfg.Endpoints.Pop)
	require.Equal(t, 4, cfg.Driver.SkipLimit)
	require.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, 30*time.Minute, cfg.TouchLink.StaleAfter)
	require.True(t, cfg.Tracing.Enabled)
	require.Equal(t, "stdout", cfg.Tracing.Exporter)
	require.InDelta(t, 0.25, cfg.Tracing.SampleRate, 1e-9)
}

func TestConversions(t *testing.T) {
	cfg := validConfig()
	cfg.API.Version = "1.2.3"
	cfg.Endpoints.Pop = "/v2/pop"
	cfg.Endpoints.Trace = ""
	cfg.Endpoints.TouchLinkInfo = "/v2/info"
	cfg.Driver.SkipLimit = 7
	cfg.Retry = RetryConfig{BaseDelay: time.Second, MaxDelay: 8 * time.Second, MaxAttempts: 5}

	require.Equal(t, protocol.Config{
		BaseURL:  "https://api.example.com",
		Platform: "cli",
		Version:  "1.2.3",
		Timeout:  10 * time.Second,
	}, cfg.ProtocolConfig())

	ec := cfg.EngineConfig()
	require.Equal(t, "/v2/pop", ec.Queue.Endpoints.Pop)
	require.Equal(t, "/api/1/users/me/screens/trace", ec.Queue.Endpoints.Trace, "empty falls back")
	require.Equal(t, 7, ec.Driver.SkipLimit)

	tl := cfg.TouchLinkConfig()
	require.Equal(t, "/v2/info", tl.InfoPath)
	require.Equal(t, 5, tl.Backoff.MaxAttempts)
	require.Equal(t, 8*time.Second, tl.Backoff.Max)

	tc := cfg.TracingConfig()
	require.Equal(t, tracing.ExporterFile, tc.Exporter)
	require.Equal(t, DefaultTracesFilePath(), tc.FilePath)
}

func TestDefaultConfigTemplate_Loads(t *testing.T) {
	cfg := loadConfigFromYAML(t, DefaultConfigTemplate())
	require.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	require.Equal(t, 10, cfg.Driver.SkipLimit)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.Jitter)
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfigTemplate(), string(data))
}
