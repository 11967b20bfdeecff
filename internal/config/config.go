package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. RPCGATE_UPSTREAM_TIMEOUT.
const EnvPrefix = "RPCGATE"

// legacyKeyVars is how many numbered ALCHEMY_API_KEY_n variables are scanned.
const legacyKeyVars = 10

// Load reads the configuration file at path (JSON or YAML, by extension),
// applies environment overrides and validates the result.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return finish(v, os.Getenv)
}

// LoadFromReader is Load for an in-memory document of the given type ("json", "yaml").
func LoadFromReader(r io.Reader, configType string) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return finish(v, os.Getenv)
}

// Default returns the built-in configuration with the given credential keys.
// The environment is not consulted and the result is not validated.
func Default(keys ...string) *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// decoding registered defaults cannot fail
	_ = v.Unmarshal(cfg)
	cfg.Credentials.Keys = keys
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so that AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("logLevel", DefaultLogLevel)
	v.SetDefault("logFormat", DefaultLogFormat)
	v.SetDefault("maxBodySize", DefaultMaxBodySize)
	v.SetDefault("callerTimeout", DefaultCallerTimeout)
	v.SetDefault("statsLogInterval", DefaultStatsLogInterval)
	v.SetDefault("maxInboundRps", 0)
	v.SetDefault("corsOrigin", DefaultCORSOrigin)
	v.SetDefault("blockedMethods", DefaultBlockedMethods())

	v.SetDefault("credentials.keys", []string{})
	v.SetDefault("credentials.rotationInterval", DefaultRotationInterval)
	v.SetDefault("credentials.errorThreshold", DefaultErrorThreshold)
	v.SetDefault("credentials.errorCooldown", DefaultErrorCooldown)

	v.SetDefault("upstream.endpointTemplate", DefaultEndpointTemplate)
	v.SetDefault("upstream.timeout", DefaultUpstreamTimeout)
	v.SetDefault("upstream.maxTimeout", DefaultUpstreamMaxTimeout)
	v.SetDefault("upstream.maxRps", 0)
	v.SetDefault("upstream.maxConcurrent", DefaultMaxConcurrent)
	v.SetDefault("upstream.maxIdleConns", DefaultMaxIdleConns)

	v.SetDefault("cache.enabled", DefaultCacheEnabled)
	v.SetDefault("cache.size", DefaultCacheSize)
	v.SetDefault("cache.sweepInterval", DefaultCacheSweepInterval)
	v.SetDefault("cache.ttl", ttlRows(DefaultTTL()))

	v.SetDefault("batch.enabled", DefaultBatchEnabled)
	v.SetDefault("batch.windowDelay", DefaultBatchWindowDelay)
	v.SetDefault("batch.maxSize", DefaultBatchMaxSize)
	v.SetDefault("batch.excludedMethods", []string{"eth_getLogs"})

	v.SetDefault("rateLimit.maxSubjects", DefaultMaxSubjects)
	v.SetDefault("rateLimit.client.limit", DefaultClientLimit)
	v.SetDefault("rateLimit.client.window", DefaultClientWindow)
	v.SetDefault("rateLimit.client.policy", string(DefaultClientPolicy))
	v.SetDefault("rateLimit.credential.limit", DefaultCredentialLimit)
	v.SetDefault("rateLimit.credential.window", DefaultCredentialWindow)
	v.SetDefault("rateLimit.credential.policy", string(DefaultCredentialPolicy))

	v.SetDefault("queue.agingInterval", DefaultAgingInterval)
	v.SetDefault("queue.maxOutstanding", DefaultMaxOutstanding)

	v.SetDefault("retry.maxAttempts", DefaultRetryMaxAttempts)
	v.SetDefault("retry.baseDelay", DefaultRetryBaseDelay)
	v.SetDefault("retry.maxDelay", DefaultRetryMaxDelay)
	v.SetDefault("retry.multiplier", DefaultRetryMultiplier)
}

// ttlRows converts the table to the generic shape a config file would produce.
func ttlRows(rows []MethodTTL) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]interface{}{"method": r.Method, "ttl": r.TTL})
	}
	return out
}

func finish(v *viper.Viper, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Credentials.Keys = mergeKeys(cfg.Credentials.Keys, envKeys(getenv))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKeys collects keys from RPCGATE_KEYS and the legacy ALCHEMY_* variables.
func envKeys(getenv func(string) string) []string {
	var keys []string
	for _, k := range strings.Split(getenv(EnvPrefix+"_KEYS"), ",") {
		keys = append(keys, k)
	}
	for i := 1; i <= legacyKeyVars; i++ {
		keys = append(keys, getenv(fmt.Sprintf("ALCHEMY_API_KEY_%d", i)))
	}
	keys = append(keys, getenv("ALCHEMY_KEY"))
	return keys
}

// mergeKeys concatenates key lists, dropping blanks and duplicates, keeping first-seen order.
func mergeKeys(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, k := range list {
			k = strings.TrimSpace(k)
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Credentials.Keys) == 0 {
		return errors.New("at least one credential key is required")
	}
	if !strings.Contains(cfg.Upstream.EndpointTemplate, "{key}") {
		return errors.New("upstream.endpointTemplate must contain {key}")
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("logFormat must be console or json")
	}

	if cfg.CallerTimeout <= 0 {
		return fmt.Errorf("callerTimeout must be positive")
	}
	if cfg.Credentials.RotationInterval <= 0 {
		return fmt.Errorf("credentials.rotationInterval must be positive")
	}
	if cfg.Credentials.ErrorThreshold < 0 || cfg.Credentials.ErrorCooldown < 0 {
		return fmt.Errorf("credentials.errorThreshold and errorCooldown must be non-negative")
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.Upstream.MaxTimeout < cfg.Upstream.Timeout {
		return fmt.Errorf("upstream.maxTimeout must not be less than upstream.timeout")
	}
	if cfg.Upstream.MaxConcurrent <= 0 {
		return fmt.Errorf("upstream.maxConcurrent must be positive")
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
		for i, row := range cfg.Cache.TTL {
			if row.Method == "" || row.TTL <= 0 {
				return fmt.Errorf("cache.ttl[%d]: method and positive ttl are required", i)
			}
		}
	}

	if cfg.Batch.Enabled {
		if cfg.Batch.WindowDelay <= 0 {
			return fmt.Errorf("batch.windowDelay must be positive when batching is enabled")
		}
		if cfg.Batch.MaxSize < 1 {
			return fmt.Errorf("batch.maxSize must be at least 1")
		}
	}

	for name, l := range map[string]LimitConfig{
		"rateLimit.client":     cfg.RateLimit.Client,
		"rateLimit.credential": cfg.RateLimit.Credential,
	} {
		if l.Limit < 0 || l.Window < 0 {
			return fmt.Errorf("%s: limit and window must be non-negative", name)
		}
		if l.Limit > 0 && l.Window == 0 {
			return fmt.Errorf("%s: window is required when limit is set", name)
		}
		if l.Policy != PolicyReject && l.Policy != PolicyDefer {
			return fmt.Errorf("%s: policy must be reject or defer", name)
		}
	}
	// a single flushed batch must fit in one credential window
	if cfg.Batch.Enabled && cfg.RateLimit.Credential.Limit > 0 &&
		int64(cfg.Batch.MaxSize) > cfg.RateLimit.Credential.Limit {
		return fmt.Errorf("batch.maxSize must not exceed rateLimit.credential.limit")
	}
	if cfg.RateLimit.MaxSubjects <= 0 {
		return fmt.Errorf("rateLimit.maxSubjects must be positive")
	}

	if cfg.Queue.AgingInterval < 0 {
		return fmt.Errorf("queue.agingInterval must be non-negative")
	}
	if cfg.Queue.MaxOutstanding <= 0 {
		return fmt.Errorf("queue.maxOutstanding must be positive")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1")
	}
	if cfg.Retry.BaseDelay < 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.baseDelay must be non-negative and not exceed retry.maxDelay")
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}

	return nil
}
