package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults registers every default with v so env vars and flags bound
// to these keys resolve even when the file omits them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("api.platform", d.API.Platform)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("endpoints.peek", d.Endpoints.Peek)
	v.SetDefault("endpoints.pop", d.Endpoints.Pop)
	v.SetDefault("endpoints.trace", d.Endpoints.Trace)
	v.SetDefault("endpoints.merge_token", d.Endpoints.MergeToken)
	v.SetDefault("endpoints.checkout", d.Endpoints.Checkout)
	v.SetDefault("endpoints.touch_link", d.Endpoints.TouchLink)
	v.SetDefault("endpoints.touch_link_info", d.Endpoints.TouchLinkInfo)
	v.SetDefault("driver.skip_limit", d.Driver.SkipLimit)
	v.SetDefault("session.credentials_path", d.Session.CredentialsPath)
	v.SetDefault("session.expiry_buffer", d.Session.ExpiryBuffer)
	v.SetDefault("touch_link.stale_after", d.TouchLink.StaleAfter)
	v.SetDefault("touch_link.cache_ttl", d.TouchLink.CacheTTL)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("ui.markdown_style", d.UI.MarkdownStyle)
}

// Load unmarshals v into a Config. Defaults must already be registered.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
