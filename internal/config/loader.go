package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/blocksyncd/blocksyncd/internal/common"
)

// Load builds the configuration from an optional file plus the environment.
// Environment variables always win over file values. Pass an empty path to
// configure from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		loaded, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a file, auto-detecting the format by
// extension. Supported formats: .yaml, .yml, .json, .toml
func loadFromFile(path string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var cfg Config
	switch ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json, .toml)", ext)
	}

	return &cfg, nil
}

// applyEnv overlays recognised environment variables onto cfg.
// A set-but-malformed variable is a startup error, never silently ignored.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("RPC_URL"); ok {
		urls := make([]string, 0)
		for _, u := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(u); trimmed != "" {
				urls = append(urls, trimmed)
			}
		}
		cfg.RPCURLs = urls
	}

	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		cfg.DatabaseURL = v
	}

	if err := envDurationMS("POLL_INTERVAL_MS", &cfg.PollInterval); err != nil {
		return err
	}
	if err := envUint64("BATCH_SIZE", &cfg.BatchSize); err != nil {
		return err
	}
	if err := envInt("CONCURRENCY", &cfg.Concurrency); err != nil {
		return err
	}
	if err := envUint64Ptr("CONFIRMATION_DEPTH", &cfg.ConfirmationDepth); err != nil {
		return err
	}
	if err := envDurationMS("RPC_TIMEOUT_MS", &cfg.RPCTimeout); err != nil {
		return err
	}
	if err := envInt("MAX_RETRIES", &cfg.MaxRetries); err != nil {
		return err
	}
	if err := envInt64("RATE_LIMIT_TOKENS", &cfg.RateLimit.TokensPerInterval); err != nil {
		return err
	}
	if err := envDurationMS("RATE_LIMIT_INTERVAL_MS", &cfg.RateLimit.Interval); err != nil {
		return err
	}
	if err := envInt64("RATE_LIMIT_BURST", &cfg.RateLimit.MaxBurst); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("TOKEN_CONTRACT_ADDRESS"); ok {
		cfg.TokenContractAddress = strings.TrimSpace(v)
	}

	if err := envUint64("START_BLOCK", &cfg.StartBlock); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("INSTANCE_ID"); ok {
		cfg.InstanceID = strings.TrimSpace(v)
	}

	if err := envInt("HEALTH_CHECK_PORT", &cfg.HealthCheckPort); err != nil {
		return err
	}
	if err := envInt("API_PORT", &cfg.APIPort); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Logging.DefaultLevel = common.ToLowerWithTrim(v)
	}

	return nil
}

func envUint64(name string, dst *uint64) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("%s: expected unsigned integer, got %q", name, v)
	}
	*dst = parsed
	return nil
}

func envUint64Ptr(name string, dst **uint64) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("%s: expected unsigned integer, got %q", name, v)
	}
	*dst = &parsed
	return nil
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: expected integer, got %q", name, v)
	}
	*dst = parsed
	return nil
}

func envInt64(name string, dst *int64) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("%s: expected integer, got %q", name, v)
	}
	*dst = parsed
	return nil
}

func envDurationMS(name string, dst *common.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms <= 0 {
		return fmt.Errorf("%s: expected positive integer milliseconds, got %q", name, v)
	}
	*dst = common.NewDuration(time.Duration(ms) * time.Millisecond)
	return nil
}
