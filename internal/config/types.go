package config

import "time"

// OverPolicy decides what a limiter does with a request over budget.
type OverPolicy string

const (
	PolicyReject OverPolicy = "reject"
	PolicyDefer  OverPolicy = "defer"
)

// Config is the gateway configuration. Durations are milliseconds.
type Config struct {
	Host             string   `mapstructure:"host"`
	Port             int      `mapstructure:"port"`
	LogLevel         string   `mapstructure:"logLevel"`
	LogFormat        string   `mapstructure:"logFormat"`
	MaxBodySize      int64    `mapstructure:"maxBodySize"`
	CallerTimeout    int      `mapstructure:"callerTimeout"`
	StatsLogInterval int      `mapstructure:"statsLogInterval"`
	MaxInboundRPS    int64    `mapstructure:"maxInboundRps"`
	CORSOrigin       string   `mapstructure:"corsOrigin"`
	BlockedMethods   []string `mapstructure:"blockedMethods"`

	Credentials CredentialConfig `mapstructure:"credentials"`
	Upstream    UpstreamConfig   `mapstructure:"upstream"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Batch       BatchConfig      `mapstructure:"batch"`
	RateLimit   RateLimitConfig  `mapstructure:"rateLimit"`
	Queue       QueueConfig      `mapstructure:"queue"`
	Retry       RetryConfig      `mapstructure:"retry"`
}

// CredentialConfig describes the provider keys and how they rotate.
type CredentialConfig struct {
	Keys             []string `mapstructure:"keys"`
	RotationInterval int      `mapstructure:"rotationInterval"`
	ErrorThreshold   int      `mapstructure:"errorThreshold"`
	ErrorCooldown    int      `mapstructure:"errorCooldown"`
}

// UpstreamConfig describes the provider endpoint.
// EndpointTemplate must contain {key}.
type UpstreamConfig struct {
	EndpointTemplate string  `mapstructure:"endpointTemplate"`
	Timeout          int     `mapstructure:"timeout"`
	MaxTimeout       int     `mapstructure:"maxTimeout"`
	MaxRPS           float64 `mapstructure:"maxRps"`
	MaxConcurrent    int64   `mapstructure:"maxConcurrent"`
	MaxIdleConns     int     `mapstructure:"maxIdleConns"`
}

// CacheConfig holds the cache size and the per-method TTL table.
// Methods absent from TTL are never cached.
type CacheConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	Size          int         `mapstructure:"size"`
	SweepInterval int         `mapstructure:"sweepInterval"`
	TTL           []MethodTTL `mapstructure:"ttl"`
}

// MethodTTL is one row of the TTL table. A list is used because viper folds map keys to lower case.
type MethodTTL struct {
	Method string `mapstructure:"method"`
	TTL    int    `mapstructure:"ttl"`
}

// BatchConfig controls coalescing of independent calls.
type BatchConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	WindowDelay     int      `mapstructure:"windowDelay"`
	MaxSize         int      `mapstructure:"maxSize"`
	ExcludedMethods []string `mapstructure:"excludedMethods"`
}

// LimitConfig is a sliding-window budget.
type LimitConfig struct {
	Limit  int64      `mapstructure:"limit"`
	Window int        `mapstructure:"window"`
	Policy OverPolicy `mapstructure:"policy"`
}

// RateLimitConfig holds the caller and credential budgets.
type RateLimitConfig struct {
	MaxSubjects int         `mapstructure:"maxSubjects"`
	Client      LimitConfig `mapstructure:"client"`
	Credential  LimitConfig `mapstructure:"credential"`
}

// QueueConfig controls dispatch ordering.
type QueueConfig struct {
	AgingInterval  int   `mapstructure:"agingInterval"`
	MaxOutstanding int64 `mapstructure:"maxOutstanding"`
}

// RetryConfig controls the retry controller.
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"maxAttempts"`
	BaseDelay   int     `mapstructure:"baseDelay"`
	MaxDelay    int     `mapstructure:"maxDelay"`
	Multiplier  float64 `mapstructure:"multiplier"`
}

// Default values
const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8545
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "console"
	DefaultMaxBodySize      = int64(1 << 20)
	DefaultCallerTimeout    = 30000 // ms
	DefaultStatsLogInterval = 60000 // ms
	DefaultCORSOrigin       = "*"

	DefaultEndpointTemplate   = "https://eth-mainnet.g.alchemy.com/v2/{key}"
	DefaultUpstreamTimeout    = 10000 // ms
	DefaultUpstreamMaxTimeout = 30000 // ms
	DefaultMaxConcurrent      = 64
	DefaultMaxIdleConns       = 100

	DefaultRotationInterval = 10000 // ms
	DefaultErrorThreshold   = 3
	DefaultErrorCooldown    = 60000 // ms

	DefaultCacheEnabled       = true
	DefaultCacheSize          = 10000
	DefaultCacheSweepInterval = 30000 // ms

	DefaultBatchEnabled     = true
	DefaultBatchWindowDelay = 50 // ms
	DefaultBatchMaxSize     = 50

	DefaultMaxSubjects      = 10000
	DefaultClientLimit      = 100
	DefaultClientWindow     = 60000 // ms
	DefaultClientPolicy     = PolicyReject
	DefaultCredentialLimit  = 300
	DefaultCredentialWindow = 1000 // ms
	DefaultCredentialPolicy = PolicyDefer

	DefaultAgingInterval  = 1000 // ms
	DefaultMaxOutstanding = 512

	DefaultRetryMaxAttempts = 3
	DefaultRetryBaseDelay   = 100  // ms
	DefaultRetryMaxDelay    = 1000 // ms
	DefaultRetryMultiplier  = 5.0
)

// DefaultTTL is the method TTL table used when none is configured.
func DefaultTTL() []MethodTTL {
	return []MethodTTL{
		{Method: "eth_chainId", TTL: 86400000},
		{Method: "net_version", TTL: 86400000},
		{Method: "eth_blockNumber", TTL: 3000},
		{Method: "eth_getBalance", TTL: 30000},
		{Method: "eth_getCode", TTL: 300000},
		{Method: "eth_call", TTL: 10000},
		{Method: "eth_getTransactionReceipt", TTL: 86400000},
		{Method: "eth_getTransactionByHash", TTL: 86400000},
		{Method: "eth_getBlockByHash", TTL: 86400000},
		{Method: "eth_getLogs", TTL: 10000},
	}
}

// DefaultBlockedMethods lists calls that need a signer and are refused.
func DefaultBlockedMethods() []string {
	return []string{
		"eth_sendTransaction",
		"eth_sign",
		"eth_signTransaction",
		"eth_signTypedData",
		"eth_accounts",
		"personal_sign",
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// GetCallerTimeoutDuration returns the per-caller deadline
func (c *Config) GetCallerTimeoutDuration() time.Duration {
	return ms(c.CallerTimeout)
}

// GetStatsLogIntervalDuration returns stats log interval as time.Duration
func (c *Config) GetStatsLogIntervalDuration() time.Duration {
	return ms(c.StatsLogInterval)
}

func (c *CredentialConfig) GetRotationIntervalDuration() time.Duration {
	return ms(c.RotationInterval)
}

func (c *CredentialConfig) GetErrorCooldownDuration() time.Duration {
	return ms(c.ErrorCooldown)
}

func (c *UpstreamConfig) GetTimeoutDuration() time.Duration {
	return ms(c.Timeout)
}

func (c *UpstreamConfig) GetMaxTimeoutDuration() time.Duration {
	return ms(c.MaxTimeout)
}

func (c *CacheConfig) GetSweepIntervalDuration() time.Duration {
	return ms(c.SweepInterval)
}

// TTLTable returns the TTL rows keyed by method.
func (c *CacheConfig) TTLTable() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.TTL))
	for _, row := range c.TTL {
		out[row.Method] = ms(row.TTL)
	}
	return out
}

func (c *BatchConfig) GetWindowDelayDuration() time.Duration {
	return ms(c.WindowDelay)
}

func (c *LimitConfig) GetWindowDuration() time.Duration {
	return ms(c.Window)
}

func (c *QueueConfig) GetAgingIntervalDuration() time.Duration {
	return ms(c.AgingInterval)
}

func (c *RetryConfig) GetBaseDelayDuration() time.Duration {
	return ms(c.BaseDelay)
}

func (c *RetryConfig) GetMaxDelayDuration() time.Duration {
	return ms(c.MaxDelay)
}
