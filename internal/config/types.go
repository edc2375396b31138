package config

import "time"

// Config represents the main gateway configuration structure
type Config struct {
	Host           string                       `json:"host"`
	HTTPPort       int                          `json:"httpPort"`
	WSPort         int                          `json:"wsPort"`
	LogLevel       string                       `json:"logLevel"`
	UpstreamURL    string                       `json:"upstreamUrl"`
	RequestTimeout int                          `json:"requestTimeout"` // ms - timeout for one upstream batch call
	Cache          *CacheConfig                 `json:"cache,omitempty"`
	Methods        map[string]BatchMethodConfig `json:"methods"`
}

// CacheConfig represents result cache configuration
type CacheConfig struct {
	Enabled bool `json:"enabled"`
	TTL     int  `json:"ttl"`  // seconds
	Size    int  `json:"size"` // number of entries
}

// BatchMethodConfig configures batching for a single RPC method
type BatchMethodConfig struct {
	MaxBatchSize      int   `json:"maxBatchSize"`      // 0 means unbounded
	QueuingDelay      int   `json:"queuingDelay"`      // ms
	QueuingThresholds []int `json:"queuingThresholds"` // queue length per active-batch count
}

// Default values
const (
	DefaultHost           = "localhost"
	DefaultHTTPPort       = 8545
	DefaultWSPort         = 8546
	DefaultLogLevel       = "info"
	DefaultRequestTimeout = 5000 // ms
	DefaultCacheTTL       = 30   // seconds
	DefaultCacheSize      = 10000
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// IsCacheEnabled returns true if the result cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// GetTTLDuration returns the cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetQueuingDelayDuration returns the queuing delay as time.Duration
func (m *BatchMethodConfig) GetQueuingDelayDuration() time.Duration {
	return time.Duration(m.QueuingDelay) * time.Millisecond
}
