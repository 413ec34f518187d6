package config

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"regexp"
	"strings"
	"time"
)

type Config struct {
	Quoteflow      QuoteflowConfig         `yaml:"quoteflow"`
	Markets        map[string]MarketConfig `yaml:"markets"`
	DefaultMarket  string                  `yaml:"default_market"`
	Vendors        map[string]VendorConfig `yaml:"vendors"`
	Cache          CacheConfig             `yaml:"cache"`
	Database       DatabaseConfig          `yaml:"database"`
	Balancer       BalancerConfig          `yaml:"balancer"`
	CircuitBreaker CircuitBreakerConfig    `yaml:"circuit_breaker"`
	Dashboard      DashboardConfig         `yaml:"dashboard"`
	Archive        ArchiveConfig           `yaml:"archive"`
	Storage        StorageConfig           `yaml:"storage"`
	Metrics        MetricsConfig           `yaml:"metrics"`
	Logging        LoggingConfig           `yaml:"logging"`
}

type QuoteflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// MarketConfig describes one market: its trading session, the rules that
// route symbols to it and the vendor tiers that serve it.
type MarketConfig struct {
	Timezone       string        `yaml:"timezone"`
	SessionOpen    string        `yaml:"session_open"`
	SessionClose   string        `yaml:"session_close"`
	Holidays       []string      `yaml:"holidays"`
	SymbolPatterns []string      `yaml:"symbol_patterns"`
	Vendors        MarketVendors `yaml:"vendors"`
}

// MarketVendors lists the vendor tiers for a market. Primaries are queried
// in parallel with list order as precedence; fallback and last_resort are
// tried sequentially when primaries leave symbols unresolved.
type MarketVendors struct {
	Primaries  []string `yaml:"primaries"`
	Fallback   string   `yaml:"fallback"`
	LastResort string   `yaml:"last_resort"`
}

type VendorConfig struct {
	URL          string             `yaml:"url"`
	APIKey       string             `yaml:"api_key"`
	TimeoutMs    int                `yaml:"timeout_ms"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	BulkSnapshot BulkSnapshotConfig `yaml:"bulk_snapshot"`
}

func (v VendorConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutMs) * time.Millisecond
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// BulkSnapshotConfig enables the full-market dump wrapper for vendors that
// only expose bulk endpoints. The TTL is independent of quote cache TTLs.
type BulkSnapshotConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

func (b BulkSnapshotConfig) TTL() time.Duration {
	return time.Duration(b.TTLSeconds) * time.Second
}

type CacheConfig struct {
	MemoryTTLSeconds  int `yaml:"memory_ttl_seconds"`
	PersistTTLSeconds int `yaml:"persist_ttl_seconds"`
	FlushIntervalMs   int `yaml:"flush_interval_ms"`
}

func (c CacheConfig) MemoryTTL() time.Duration {
	return time.Duration(c.MemoryTTLSeconds) * time.Second
}

func (c CacheConfig) PersistTTL() time.Duration {
	return time.Duration(c.PersistTTLSeconds) * time.Second
}

func (c CacheConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

type DatabaseConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Database         string `yaml:"database"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	SSLMode          string `yaml:"ssl_mode"`
	MaxConns         int32  `yaml:"max_conns"`
	MinConns         int32  `yaml:"min_conns"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
}

func (d DatabaseConfig) ConnectTimeout() time.Duration {
	return time.Duration(d.ConnectTimeoutMs) * time.Millisecond
}

type BalancerConfig struct {
	MaxConcurrent int         `yaml:"max_concurrent"`
	Retry         RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	DelayMs     int `yaml:"delay_ms"`
}

func (r RetryConfig) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

type CircuitBreakerConfig struct {
	FailureThreshold     int `yaml:"failure_threshold"`
	FailureWindowSeconds int `yaml:"failure_window_seconds"`
	CooldownSeconds      int `yaml:"cooldown_seconds"`
}

func (c CircuitBreakerConfig) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowSeconds) * time.Second
}

func (c CircuitBreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

type DashboardConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Address           string `yaml:"address"`
	RefreshIntervalMs int    `yaml:"refresh_interval_ms"`
	LogHistory        int    `yaml:"log_history"`
	MetricsHistory    int    `yaml:"metrics_history"`
}

func (d DashboardConfig) RefreshInterval() time.Duration {
	return time.Duration(d.RefreshIntervalMs) * time.Millisecond
}

type ArchiveConfig struct {
	Enabled              bool   `yaml:"enabled"`
	CheckIntervalMinutes int    `yaml:"check_interval_minutes"`
	Compression          string `yaml:"compression"`
}

func (a ArchiveConfig) CheckInterval() time.Duration {
	return time.Duration(a.CheckIntervalMinutes) * time.Minute
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
}

type LoggingConfig struct {
	Level                 string                 `yaml:"level"`
	Format                string                 `yaml:"format"`
	Output                string                 `yaml:"output"`
	MaxAge                int                    `yaml:"max_age"`
	Fields                map[string]interface{} `yaml:"fields"`
	DashboardName         string                 `yaml:"dashboard_name"`
	ReportIntervalSeconds int                    `yaml:"report_interval_seconds"`
}

func (l LoggingConfig) ReportInterval() time.Duration {
	return time.Duration(l.ReportIntervalSeconds) * time.Second
}

const (
	defaultMemoryTTLSeconds      = 60
	defaultPersistTTLSeconds     = 300
	defaultFlushIntervalMs       = 2000
	defaultVendorTimeoutMs       = 5000
	defaultRequestsPerSecond     = 5
	defaultBurstSize             = 1
	defaultBulkTTLSeconds        = 180
	defaultFailureThreshold      = 5
	defaultFailureWindowSeconds  = 60
	defaultCooldownSeconds       = 60
	defaultMaxConcurrent         = 8
	defaultMaxAttempts           = 3
	defaultRetryDelayMs          = 200
	defaultDBPort                = 5432
	defaultDBSSLMode             = "prefer"
	defaultDBMaxConns            = 8
	defaultDBConnectTimeoutMs    = 5000
	defaultArchiveCheckMinutes   = 30
	defaultReportIntervalSeconds = 60
)

func applyDefaults(cfg *Config) {
	if cfg.DefaultMarket == "" && len(cfg.Markets) == 1 {
		for name := range cfg.Markets {
			cfg.DefaultMarket = name
		}
	}
	if cfg.Cache.MemoryTTLSeconds == 0 {
		cfg.Cache.MemoryTTLSeconds = defaultMemoryTTLSeconds
	}
	if cfg.Cache.PersistTTLSeconds == 0 {
		cfg.Cache.PersistTTLSeconds = defaultPersistTTLSeconds
	}
	if cfg.Cache.FlushIntervalMs == 0 {
		cfg.Cache.FlushIntervalMs = defaultFlushIntervalMs
	}
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = defaultFailureThreshold
	}
	if cfg.CircuitBreaker.FailureWindowSeconds == 0 {
		cfg.CircuitBreaker.FailureWindowSeconds = defaultFailureWindowSeconds
	}
	if cfg.CircuitBreaker.CooldownSeconds == 0 {
		cfg.CircuitBreaker.CooldownSeconds = defaultCooldownSeconds
	}
	if cfg.Balancer.MaxConcurrent == 0 {
		cfg.Balancer.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Balancer.Retry.MaxAttempts == 0 {
		cfg.Balancer.Retry.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Balancer.Retry.DelayMs == 0 {
		cfg.Balancer.Retry.DelayMs = defaultRetryDelayMs
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = defaultDBPort
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = defaultDBSSLMode
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = defaultDBMaxConns
	}
	if cfg.Database.ConnectTimeoutMs == 0 {
		cfg.Database.ConnectTimeoutMs = defaultDBConnectTimeoutMs
	}
	if cfg.Archive.CheckIntervalMinutes == 0 {
		cfg.Archive.CheckIntervalMinutes = defaultArchiveCheckMinutes
	}
	if cfg.Logging.ReportIntervalSeconds == 0 {
		cfg.Logging.ReportIntervalSeconds = defaultReportIntervalSeconds
	}

	for name, vendor := range cfg.Vendors {
		if vendor.TimeoutMs == 0 {
			vendor.TimeoutMs = defaultVendorTimeoutMs
		}
		if vendor.RateLimit.RequestsPerSecond == 0 {
			vendor.RateLimit.RequestsPerSecond = defaultRequestsPerSecond
		}
		if vendor.RateLimit.BurstSize == 0 {
			vendor.RateLimit.BurstSize = defaultBurstSize
		}
		if vendor.BulkSnapshot.Enabled && vendor.BulkSnapshot.TTLSeconds == 0 {
			vendor.BulkSnapshot.TTLSeconds = defaultBulkTTLSeconds
		}
		cfg.Vendors[name] = vendor
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv("QUOTEFLOW_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	} else if v := os.Getenv("PGPASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	for name, vendor := range cfg.Vendors {
		envKey := "QUOTEFLOW_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			vendor.APIKey = strings.TrimSpace(v)
			cfg.Vendors[name] = vendor
		}
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

const sessionTimeLayout = "15:04"

func validateConfig(cfg *Config) error {
	if cfg.Quoteflow.Name == "" {
		return fmt.Errorf("quoteflow.name is required")
	}
	if cfg.Quoteflow.Version == "" {
		return fmt.Errorf("quoteflow.version is required")
	}

	if len(cfg.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	if len(cfg.Vendors) == 0 {
		return fmt.Errorf("at least one vendor must be configured")
	}

	for name, market := range cfg.Markets {
		if err := validateMarket(name, market, cfg.Vendors); err != nil {
			return err
		}
	}

	if cfg.DefaultMarket == "" {
		return fmt.Errorf("default_market is required when more than one market is configured")
	}
	if _, ok := cfg.Markets[cfg.DefaultMarket]; !ok {
		return fmt.Errorf("default_market '%s' is not a configured market", cfg.DefaultMarket)
	}

	for name, vendor := range cfg.Vendors {
		if vendor.URL == "" {
			return fmt.Errorf("vendors.%s.url is required", name)
		}
		if vendor.TimeoutMs <= 0 {
			return fmt.Errorf("vendors.%s.timeout_ms must be greater than 0", name)
		}
		if vendor.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("vendors.%s.rate_limit.requests_per_second must be greater than 0", name)
		}
	}

	if cfg.Cache.MemoryTTLSeconds <= 0 {
		return fmt.Errorf("cache.memory_ttl_seconds must be greater than 0")
	}
	if cfg.Cache.PersistTTLSeconds <= 0 {
		return fmt.Errorf("cache.persist_ttl_seconds must be greater than 0")
	}
	if cfg.Cache.FlushIntervalMs <= 0 {
		return fmt.Errorf("cache.flush_interval_ms must be greater than 0")
	}
	if cfg.Cache.MemoryTTLSeconds > cfg.Cache.PersistTTLSeconds {
		return fmt.Errorf("cache.memory_ttl_seconds must not exceed cache.persist_ttl_seconds")
	}

	if cfg.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if cfg.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if cfg.Balancer.MaxConcurrent <= 0 {
		return fmt.Errorf("balancer.max_concurrent must be greater than 0")
	}
	if cfg.Balancer.Retry.MaxAttempts < 1 {
		return fmt.Errorf("balancer.retry.max_attempts must be at least 1")
	}

	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be greater than 0")
	}
	if cfg.CircuitBreaker.FailureWindowSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.failure_window_seconds must be greater than 0")
	}
	if cfg.CircuitBreaker.CooldownSeconds <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown_seconds must be greater than 0")
	}

	if cfg.Archive.Enabled && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("archive.enabled requires storage.s3.enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

func validateMarket(name string, market MarketConfig, vendors map[string]VendorConfig) error {
	if market.Timezone == "" {
		return fmt.Errorf("markets.%s.timezone is required", name)
	}
	if _, err := time.LoadLocation(market.Timezone); err != nil {
		return fmt.Errorf("markets.%s.timezone '%s' is invalid: %w", name, market.Timezone, err)
	}

	openAt, err := time.Parse(sessionTimeLayout, market.SessionOpen)
	if err != nil {
		return fmt.Errorf("markets.%s.session_open '%s' is not HH:MM", name, market.SessionOpen)
	}
	closeAt, err := time.Parse(sessionTimeLayout, market.SessionClose)
	if err != nil {
		return fmt.Errorf("markets.%s.session_close '%s' is not HH:MM", name, market.SessionClose)
	}
	if !openAt.Before(closeAt) {
		return fmt.Errorf("markets.%s session_open must precede session_close", name)
	}

	for _, holiday := range market.Holidays {
		if _, err := time.Parse("2006-01-02", holiday); err != nil {
			return fmt.Errorf("markets.%s holiday '%s' is not YYYY-MM-DD", name, holiday)
		}
	}

	for _, pattern := range market.SymbolPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("markets.%s symbol pattern '%s' does not compile: %w", name, pattern, err)
		}
	}

	if len(market.Vendors.Primaries) == 0 {
		return fmt.Errorf("markets.%s.vendors.primaries must list at least one vendor", name)
	}
	for _, vendor := range market.Vendors.Primaries {
		if _, ok := vendors[vendor]; !ok {
			return fmt.Errorf("markets.%s references unknown primary vendor '%s'", name, vendor)
		}
	}
	if market.Vendors.Fallback != "" {
		if _, ok := vendors[market.Vendors.Fallback]; !ok {
			return fmt.Errorf("markets.%s references unknown fallback vendor '%s'", name, market.Vendors.Fallback)
		}
	}
	if market.Vendors.LastResort != "" {
		if _, ok := vendors[market.Vendors.LastResort]; !ok {
			return fmt.Errorf("markets.%s references unknown last_resort vendor '%s'", name, market.Vendors.LastResort)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
