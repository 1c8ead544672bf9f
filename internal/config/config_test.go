package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blocksyncd/blocksyncd/internal/common"
)

func validConfig() *Config {
	cfg := &Config{
		RPCURLs:     []string{"https://rpc.example.io"},
		DatabaseURL: "blocksync.db",
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 2*time.Second, cfg.PollInterval.Duration)
	assert.Equal(t, uint64(100), cfg.BatchSize)
	assert.Equal(t, 10, cfg.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.RPCTimeout.Duration)
	assert.Equal(t, 3, cfg.MaxRetries)
	require.NotNil(t, cfg.ConfirmationDepth)
	assert.Equal(t, uint64(12), *cfg.ConfirmationDepth)
	assert.Equal(t, 8081, cfg.HealthCheckPort)
	assert.Equal(t, 15*time.Second, cfg.DrainTimeout.Duration)
	assert.NotEmpty(t, cfg.InstanceID, "instance id is auto-generated")

	assert.Equal(t, int64(50), cfg.RateLimit.TokensPerInterval)
	assert.Equal(t, time.Second, cfg.RateLimit.Interval.Duration)
	assert.Equal(t, int64(50), cfg.RateLimit.MaxBurst)

	assert.Equal(t, "WAL", cfg.DB.JournalMode)
	assert.Equal(t, "block-sync", cfg.Lock.Name)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL.Duration)
	assert.Equal(t, "info", cfg.Logging.DefaultLevel)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()

	depth := uint64(0)
	cfg := &Config{
		BatchSize:         25,
		InstanceID:        "indexer-1",
		ConfirmationDepth: &depth,
	}
	cfg.ApplyDefaults()

	assert.Equal(t, uint64(25), cfg.BatchSize)
	assert.Equal(t, "indexer-1", cfg.InstanceID)

	// An explicit zero depth means index unconfirmed blocks; it must survive
	// defaulting.
	require.NotNil(t, cfg.ConfirmationDepth)
	assert.Equal(t, uint64(0), *cfg.ConfirmationDepth)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config passes",
			mutate: func(*Config) {},
		},
		{
			name:    "missing rpc urls",
			mutate:  func(c *Config) { c.RPCURLs = nil },
			wantErr: "rpc_urls is required",
		},
		{
			name:    "blank rpc url",
			mutate:  func(c *Config) { c.RPCURLs = []string{"  "} },
			wantErr: "empty endpoint",
		},
		{
			name:    "missing database url",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: "database_url is required",
		},
		{
			name:    "poll interval too large",
			mutate:  func(c *Config) { c.PollInterval = common.NewDuration(5 * time.Minute) },
			wantErr: "poll_interval",
		},
		{
			name:    "batch size above cap",
			mutate:  func(c *Config) { c.BatchSize = 101 },
			wantErr: "batch_size",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Concurrency = -1 },
			wantErr: "concurrency",
		},
		{
			name:    "burst below refill rate",
			mutate:  func(c *Config) { c.RateLimit.MaxBurst = 10 },
			wantErr: "max_burst",
		},
		{
			name:    "malformed token address",
			mutate:  func(c *Config) { c.TokenContractAddress = "0x123" },
			wantErr: "token_contract_address",
		},
		{
			name:    "checksum token address passes",
			mutate:  func(c *Config) { c.TokenContractAddress = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48" },
		},
		{
			name:    "health port out of range",
			mutate:  func(c *Config) { c.HealthCheckPort = 70000 },
			wantErr: "health_check_port",
		},
		{
			name:    "negative api port",
			mutate:  func(c *Config) { c.APIPort = -1 },
			wantErr: "api_port",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.DefaultLevel = "loud" },
			wantErr: "logging.default_level",
		},
		{
			name: "unknown component in levels",
			mutate: func(c *Config) {
				c.Logging.ComponentLevels = map[string]string{"telemetry": "debug"}
			},
			wantErr: "unknown component",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetComponentLevel(t *testing.T) {
	t.Parallel()

	l := LoggingConfig{
		DefaultLevel:    "info",
		ComponentLevels: map[string]string{common.ComponentEngine: "DEBUG"},
	}

	assert.Equal(t, "debug", l.GetComponentLevel(common.ComponentEngine))
	assert.Equal(t, "info", l.GetComponentLevel(common.ComponentBlockStore))
}

func TestFetchLogsEnabled(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	assert.False(t, cfg.FetchLogsEnabled())

	cfg.TokenContractAddress = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	assert.True(t, cfg.FetchLogsEnabled())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
rpc_urls:
  - https://rpc.example.io
database_url: blocksync.db
poll_interval: 500ms
batch_size: 50
confirmation_depth: 6
rate_limit:
  tokens_per_interval: 20
  interval: 1s
  max_burst: 40
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://rpc.example.io"}, cfg.RPCURLs)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval.Duration)
	assert.Equal(t, uint64(50), cfg.BatchSize)
	require.NotNil(t, cfg.ConfirmationDepth)
	assert.Equal(t, uint64(6), *cfg.ConfirmationDepth)
	assert.Equal(t, int64(20), cfg.RateLimit.TokensPerInterval)
	assert.Equal(t, int64(40), cfg.RateLimit.MaxBurst)

	// Untouched fields still get defaults.
	assert.Equal(t, 10, cfg.Concurrency)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
rpc_urls = ["https://rpc.example.io"]
database_url = "blocksync.db"
batch_size = 10

[lock]
name = "custom-lock"
ttl = "45s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(10), cfg.BatchSize)
	assert.Equal(t, "custom-lock", cfg.Lock.Name)
	assert.Equal(t, 45*time.Second, cfg.Lock.TTL.Duration)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "rpc_urls": ["https://rpc.example.io"],
  "database_url": "blocksync.db",
  "rpc_timeout": "20s"
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.RPCTimeout.Duration)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "config.ini", "rpc_urls=x")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
rpc_urls:
  - https://file.example.io
database_url: file.db
batch_size: 50
`)

	t.Setenv("RPC_URL", "https://env-a.example.io, https://env-b.example.io")
	t.Setenv("DATABASE_URL", "env.db")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("POLL_INTERVAL_MS", "750")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://env-a.example.io", "https://env-b.example.io"}, cfg.RPCURLs)
	assert.Equal(t, "env.db", cfg.DatabaseURL)
	assert.Equal(t, uint64(25), cfg.BatchSize)
	assert.Equal(t, 750*time.Millisecond, cfg.PollInterval.Duration)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.io")
	t.Setenv("DATABASE_URL", "env.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.DatabaseURL)
}

func TestLoad_ExplicitZeroConfirmationDepth(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.io")
	t.Setenv("DATABASE_URL", "env.db")
	t.Setenv("CONFIRMATION_DEPTH", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg.ConfirmationDepth)
	assert.Equal(t, uint64(0), *cfg.ConfirmationDepth)
}

func TestLoad_MalformedEnvIsError(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.io")
	t.Setenv("DATABASE_URL", "env.db")
	t.Setenv("BATCH_SIZE", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_SIZE")
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.io")
	t.Setenv("DATABASE_URL", "env.db")
	t.Setenv("BATCH_SIZE", "500")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
