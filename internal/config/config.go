package config

import (
	"time"

	"github.com/quantmind-br/reposheet-go/internal/domain"
)

// Config represents the application configuration
type Config struct {
	Source      SourceConfig      `mapstructure:"source" yaml:"source"`
	Proxy       ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency" yaml:"concurrency"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Local       LocalConfig       `mapstructure:"local" yaml:"local"`
	Remote      RemoteConfig      `mapstructure:"remote" yaml:"remote"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// SourceConfig contains settings for the scraped source hosts
type SourceConfig struct {
	// GitHubToken raises the API rate limit tier when present
	GitHubToken string `mapstructure:"github_token" yaml:"github_token"`
	// GitHubAPIBaseURL is overridable for tests
	GitHubAPIBaseURL string `mapstructure:"github_api_base_url" yaml:"github_api_base_url"`
	UserAgent        string `mapstructure:"user_agent" yaml:"user_agent"`
}

// ProxyConfig contains optional proxy routing settings
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
}

// ConcurrencyConfig contains concurrency settings
type ConcurrencyConfig struct {
	Workers int           `mapstructure:"workers" yaml:"workers"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RetryConfig contains fetch retry/backoff settings
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// CacheConfig contains fetched-response cache settings
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Directory string        `mapstructure:"directory" yaml:"directory"`
}

// LocalConfig contains local spreadsheet store settings
type LocalConfig struct {
	Path           string `mapstructure:"path" yaml:"path"`
	SideBufferPath string `mapstructure:"side_buffer_path" yaml:"side_buffer_path"`
}

// RemoteConfig contains remote collaboration store settings
type RemoteConfig struct {
	// AutoSync writes every upsert to the remote store as well
	AutoSync          bool    `mapstructure:"auto_sync" yaml:"auto_sync"`
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url"`
	AppID             string  `mapstructure:"app_id" yaml:"app_id"`
	AppSecret         string  `mapstructure:"app_secret" yaml:"app_secret"`
	SpreadsheetToken  string  `mapstructure:"spreadsheet_token" yaml:"spreadsheet_token"`
	RepositorySheetID string  `mapstructure:"repository_sheet_id" yaml:"repository_sheet_id"`
	PageSheetID       string  `mapstructure:"page_sheet_id" yaml:"page_sheet_id"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate normalizes out-of-range values and checks required fields
func (c *Config) Validate() error {
	if c.Concurrency.Workers < 1 {
		c.Concurrency.Workers = DefaultWorkers
	}
	if c.Concurrency.Timeout < time.Second {
		c.Concurrency.Timeout = DefaultTimeout
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = DefaultInitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = DefaultMaxInterval
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = DefaultMultiplier
	}
	if c.Cache.TTL < time.Minute {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Local.Path == "" {
		c.Local.Path = DefaultLocalPath
	}
	if c.Remote.RequestsPerSecond <= 0 {
		c.Remote.RequestsPerSecond = DefaultRemoteRPS
	}
	if c.Remote.Burst < 1 {
		c.Remote.Burst = DefaultRemoteBurst
	}
	if c.Proxy.Enabled && c.Proxy.URL == "" {
		return domain.NewValidationError("proxy.url", "required when proxy is enabled")
	}
	return nil
}

// RemoteConfigured reports whether the remote store has the credentials
// and table identifiers it needs
func (c *Config) RemoteConfigured() bool {
	r := c.Remote
	return r.AppID != "" && r.AppSecret != "" && r.SpreadsheetToken != "" &&
		r.RepositorySheetID != "" && r.PageSheetID != ""
}
