package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default values
const (
	DefaultWorkers = 5
	DefaultTimeout = 30 * time.Second

	DefaultMaxRetries      = 3
	DefaultInitialInterval = 1 * time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0

	DefaultCacheEnabled = true
	DefaultCacheTTL     = 1 * time.Hour

	DefaultLocalPath = "./data/reposheet.xlsx"

	DefaultGitHubAPIBaseURL = "https://api.github.com"

	DefaultRemoteBaseURL = "https://open.feishu.cn/open-apis"
	DefaultRemoteRPS     = 2.0
	DefaultRemoteBurst   = 1

	DefaultLogLevel  = "info"
	DefaultLogFormat = "pretty"
)

// ConfigDir returns the config directory path
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reposheet"
	}
	return filepath.Join(home, ".reposheet")
}

// CacheDir returns the cache directory path
func CacheDir() string {
	return filepath.Join(ConfigDir(), "cache")
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			GitHubAPIBaseURL: DefaultGitHubAPIBaseURL,
		},
		Concurrency: ConcurrencyConfig{
			Workers: DefaultWorkers,
			Timeout: DefaultTimeout,
		},
		Retry: RetryConfig{
			MaxRetries:      DefaultMaxRetries,
			InitialInterval: DefaultInitialInterval,
			MaxInterval:     DefaultMaxInterval,
			Multiplier:      DefaultMultiplier,
		},
		Cache: CacheConfig{
			Enabled:   DefaultCacheEnabled,
			TTL:       DefaultCacheTTL,
			Directory: CacheDir(),
		},
		Local: LocalConfig{
			Path: DefaultLocalPath,
		},
		Remote: RemoteConfig{
			BaseURL:           DefaultRemoteBaseURL,
			RequestsPerSecond: DefaultRemoteRPS,
			Burst:             DefaultRemoteBurst,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
