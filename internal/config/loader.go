package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from file, environment, and defaults.
// Uses the global viper instance so cobra flag bindings take effect.
func Load() (*Config, error) {
	return load(viper.GetViper())
}

// LoadFrom loads configuration through the given viper instance
func LoadFrom(v *viper.Viper) (*Config, error) {
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(ConfigDir())
	v.AddConfigPath(".")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.SetEnvPrefix("REPOSHEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.github_token", "")
	v.SetDefault("source.github_api_base_url", DefaultGitHubAPIBaseURL)
	v.SetDefault("source.user_agent", "")

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.url", "")

	v.SetDefault("concurrency.workers", DefaultWorkers)
	v.SetDefault("concurrency.timeout", DefaultTimeout)

	v.SetDefault("retry.max_retries", DefaultMaxRetries)
	v.SetDefault("retry.initial_interval", DefaultInitialInterval)
	v.SetDefault("retry.max_interval", DefaultMaxInterval)
	v.SetDefault("retry.multiplier", DefaultMultiplier)

	v.SetDefault("cache.enabled", DefaultCacheEnabled)
	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("cache.directory", CacheDir())

	v.SetDefault("local.path", DefaultLocalPath)
	v.SetDefault("local.side_buffer_path", "")

	v.SetDefault("remote.auto_sync", false)
	v.SetDefault("remote.base_url", DefaultRemoteBaseURL)
	v.SetDefault("remote.requests_per_second", DefaultRemoteRPS)
	v.SetDefault("remote.burst", DefaultRemoteBurst)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
}
