package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blocksyncd/blocksyncd/internal/common"
	"github.com/blocksyncd/blocksyncd/internal/logger"
)

// Hard limits that are not configurable.
const (
	// MaxBatchSize is the hard cap on the fetch/commit batch width.
	MaxBatchSize = 1000

	// MaxPollInterval bounds the tail-loop sleep.
	MaxPollInterval = 60 * time.Second

	// DefaultConfirmationDepth is the safety margin used when no depth is
	// configured.
	DefaultConfirmationDepth = uint64(12)
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Config is the complete configuration for blocksyncd.
type Config struct {
	// RPCURLs are the chain endpoints, tried in round-robin order on failure
	RPCURLs []string `yaml:"rpc_urls" json:"rpc_urls" toml:"rpc_urls"`

	// DatabaseURL is the store connection string (SQLite path or file: URL)
	DatabaseURL string `yaml:"database_url" json:"database_url" toml:"database_url"`

	// PollInterval is the tail-loop sleep between head polls
	PollInterval common.Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`

	// BatchSize is the fetch/commit batch width (1-100)
	BatchSize uint64 `yaml:"batch_size" json:"batch_size" toml:"batch_size"`

	// Concurrency is the number of parallel block fetches per batch
	Concurrency int `yaml:"concurrency" json:"concurrency" toml:"concurrency"`

	// ConfirmationDepth is the safety margin subtracted from the chain head.
	// A pointer so an explicit 0 (index unconfirmed blocks) is distinguishable
	// from "not set", which defaults to DefaultConfirmationDepth.
	ConfirmationDepth *uint64 `yaml:"confirmation_depth,omitempty" json:"confirmation_depth,omitempty" toml:"confirmation_depth,omitempty"` //nolint:lll

	// RPCTimeout is the per-call timeout for chain client requests
	RPCTimeout common.Duration `yaml:"rpc_timeout" json:"rpc_timeout" toml:"rpc_timeout"`

	// MaxRetries is the number of retry attempts for transient failures
	MaxRetries int `yaml:"max_retries" json:"max_retries" toml:"max_retries"`

	// RateLimit throttles chain client calls
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit" toml:"rate_limit"`

	// TokenContractAddress enables Transfer log ingestion for that address
	// when set. Empty disables log fetching.
	TokenContractAddress string `yaml:"token_contract_address,omitempty" json:"token_contract_address,omitempty" toml:"token_contract_address,omitempty"` //nolint:lll

	// StartBlock is the initial sync floor
	StartBlock uint64 `yaml:"start_block" json:"start_block" toml:"start_block"`

	// InstanceID identifies this process in the advisory lock table.
	// Auto-generated UUID when empty.
	InstanceID string `yaml:"instance_id,omitempty" json:"instance_id,omitempty" toml:"instance_id,omitempty"`

	// HealthCheckPort is the port for the health/metrics HTTP server
	HealthCheckPort int `yaml:"health_check_port" json:"health_check_port" toml:"health_check_port"`

	// APIPort is the port for the read API server (0 disables it)
	APIPort int `yaml:"api_port" json:"api_port" toml:"api_port"`

	// DB contains SQLite tuning options
	DB DatabaseConfig `yaml:"db" json:"db" toml:"db"`

	// Lock controls the single-writer advisory lock
	Lock LockConfig `yaml:"lock" json:"lock" toml:"lock"`

	// DrainTimeout bounds how long shutdown waits for the in-flight batch
	DrainTimeout common.Duration `yaml:"drain_timeout" json:"drain_timeout" toml:"drain_timeout"`

	// Logging contains logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging" toml:"logging"`

	// API contains read API server options
	API APIConfig `yaml:"api" json:"api" toml:"api"`
}

// RateLimitConfig parameterises the token bucket in front of the chain client.
type RateLimitConfig struct {
	// TokensPerInterval is the refill amount per interval
	TokensPerInterval int64 `yaml:"tokens_per_interval" json:"tokens_per_interval" toml:"tokens_per_interval"`

	// Interval is the refill period
	Interval common.Duration `yaml:"interval" json:"interval" toml:"interval"`

	// MaxBurst is the bucket capacity
	MaxBurst int64 `yaml:"max_burst" json:"max_burst" toml:"max_burst"`
}

// ApplyDefaults sets default values for rate limit configuration.
func (r *RateLimitConfig) ApplyDefaults() {
	if r.TokensPerInterval == 0 {
		r.TokensPerInterval = 50
	}
	if r.Interval.Duration == 0 {
		r.Interval = common.NewDuration(time.Second)
	}
	if r.MaxBurst == 0 {
		r.MaxBurst = r.TokensPerInterval
	}
}

// DatabaseConfig represents SQLite tuning options.
type DatabaseConfig struct {
	// JournalMode sets the SQLite journal mode; WAL is required in production
	// for concurrent readers during sync
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// CacheSize is the size of the page cache (negative = KB, positive = pages)
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`

	// ConnMaxIdleTime closes connections idle longer than this
	ConnMaxIdleTime common.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" toml:"conn_max_idle_time"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 20
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
	if d.ConnMaxIdleTime.Duration == 0 {
		d.ConnMaxIdleTime = common.NewDuration(30 * time.Second)
	}
}

// LockConfig controls the single-writer advisory lock.
type LockConfig struct {
	// Name is the lock row name
	Name string `yaml:"name" json:"name" toml:"name"`

	// TTL is the lock expiry; the supervisor renews at TTL/3
	TTL common.Duration `yaml:"ttl" json:"ttl" toml:"ttl"`
}

// ApplyDefaults sets default values for lock configuration.
func (l *LockConfig) ApplyDefaults() {
	if l.Name == "" {
		l.Name = "block-sync"
	}
	if l.TTL.Duration == 0 {
		l.TTL = common.NewDuration(30 * time.Second)
	}
}

// LoggingConfig configures logging behavior with per-component log levels.
type LoggingConfig struct {
	// DefaultLevel is the default log level for all components
	DefaultLevel string `yaml:"default_level" json:"default_level" toml:"default_level"`

	// Development enables development mode (stack traces, console encoder)
	Development bool `yaml:"development" json:"development" toml:"development"`

	// ComponentLevels sets log levels for specific components
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks if the logging configuration is valid.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: trace, debug, info, warn, error, fatal")
		}
	}

	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: trace, debug, info, warn, error, fatal", component)
		}
	}

	return nil
}

// GetComponentLevel returns the log level for a specific component,
// falling back to DefaultLevel.
func (l *LoggingConfig) GetComponentLevel(component string) string {
	if level, ok := l.ComponentLevels[component]; ok {
		return common.ToLowerWithTrim(level)
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// APIConfig configures the read-only HTTP API.
type APIConfig struct {
	// ReadTimeout, WriteTimeout, IdleTimeout are standard http.Server timeouts
	ReadTimeout  common.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	WriteTimeout common.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
	IdleTimeout  common.Duration `yaml:"idle_timeout" json:"idle_timeout" toml:"idle_timeout"`

	// CORSEnabled toggles the CORS middleware
	CORSEnabled bool `yaml:"cors_enabled" json:"cors_enabled" toml:"cors_enabled"`

	// CORSAllowedOrigins lists allowed origins when CORS is enabled
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins,omitempty" json:"cors_allowed_origins,omitempty" toml:"cors_allowed_origins,omitempty"` //nolint:lll
}

// ApplyDefaults sets default values for API configuration.
func (a *APIConfig) ApplyDefaults() {
	if a.ReadTimeout.Duration == 0 {
		a.ReadTimeout = common.NewDuration(10 * time.Second)
	}
	if a.WriteTimeout.Duration == 0 {
		a.WriteTimeout = common.NewDuration(30 * time.Second)
	}
	if a.IdleTimeout.Duration == 0 {
		a.IdleTimeout = common.NewDuration(60 * time.Second)
	}
}

// ApplyDefaults sets default values for optional configuration fields.
func (c *Config) ApplyDefaults() {
	if c.PollInterval.Duration == 0 {
		c.PollInterval = common.NewDuration(2 * time.Second)
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Concurrency == 0 {
		c.Concurrency = 10
	}
	if c.RPCTimeout.Duration == 0 {
		c.RPCTimeout = common.NewDuration(30 * time.Second)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ConfirmationDepth == nil {
		depth := DefaultConfirmationDepth
		c.ConfirmationDepth = &depth
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.HealthCheckPort == 0 {
		c.HealthCheckPort = 8081
	}
	if c.DrainTimeout.Duration == 0 {
		c.DrainTimeout = common.NewDuration(15 * time.Second)
	}

	c.RateLimit.ApplyDefaults()
	c.DB.ApplyDefaults()
	c.Lock.ApplyDefaults()
	c.Logging.ApplyDefaults()
	c.API.ApplyDefaults()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("rpc_urls is required (env RPC_URL)")
	}
	for _, u := range c.RPCURLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("rpc_urls contains an empty endpoint")
		}
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (env DATABASE_URL)")
	}

	if c.PollInterval.Duration <= 0 || c.PollInterval.Duration > MaxPollInterval {
		return fmt.Errorf("poll_interval must be positive and at most %s, got %s",
			MaxPollInterval, c.PollInterval.Duration)
	}

	if c.BatchSize < 1 || c.BatchSize > 100 {
		return fmt.Errorf("batch_size must be between 1 and 100, got %d", c.BatchSize)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}

	if c.RPCTimeout.Duration <= 0 {
		return fmt.Errorf("rpc_timeout must be positive, got %s", c.RPCTimeout.Duration)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.MaxRetries)
	}

	if c.RateLimit.TokensPerInterval <= 0 {
		return fmt.Errorf("rate_limit.tokens_per_interval must be positive, got %d",
			c.RateLimit.TokensPerInterval)
	}
	if c.RateLimit.Interval.Duration <= 0 {
		return fmt.Errorf("rate_limit.interval must be positive, got %s",
			c.RateLimit.Interval.Duration)
	}
	if c.RateLimit.MaxBurst < c.RateLimit.TokensPerInterval {
		return fmt.Errorf("rate_limit.max_burst must be at least tokens_per_interval (%d), got %d",
			c.RateLimit.TokensPerInterval, c.RateLimit.MaxBurst)
	}

	if c.TokenContractAddress != "" && !addressRe.MatchString(c.TokenContractAddress) {
		return fmt.Errorf("token_contract_address must be a 0x-prefixed 20-byte hex address, got %q",
			c.TokenContractAddress)
	}

	if c.HealthCheckPort < 1 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("health_check_port must be between 1 and 65535, got %d", c.HealthCheckPort)
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port must be between 0 and 65535, got %d", c.APIPort)
	}

	if c.Lock.TTL.Duration <= 0 {
		return fmt.Errorf("lock.ttl must be positive, got %s", c.Lock.TTL.Duration)
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	return nil
}

// FetchLogsEnabled reports whether Transfer log ingestion is configured.
func (c *Config) FetchLogsEnabled() bool {
	return c.TokenContractAddress != ""
}
