package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable override.
const EnvPrefix = "CONDUCTOR_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention CONDUCTOR_SECTION_FIELD (e.g., CONDUCTOR_ROUTING_OUTPUT_MARGIN).
// A .env file next to the configuration file is loaded first if present;
// variables already set in the process environment win over the .env file.
//
// The loading sequence is:
// 1. Load .env (optional)
// 2. Load YAML from file and apply defaults
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %q: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Registry overrides
	envString("REGISTRY_SOURCE", &cfg.Registry.Source)
	envString("REGISTRY_FILE_PATH", &cfg.Registry.FilePath)
	envBool("REGISTRY_WATCH", &cfg.Registry.Watch)
	envString("REGISTRY_POSTGRES_DSN", &cfg.Registry.Postgres.DSN)
	envString("REGISTRY_POSTGRES_TABLE", &cfg.Registry.Postgres.Table)

	// Policy overrides
	envString("POLICY_FILE_PATH", &cfg.Policy.FilePath)
	envBool("POLICY_WATCH", &cfg.Policy.Watch)

	// Routing overrides
	if val := os.Getenv(EnvPrefix + "ROUTING_OUTPUT_MARGIN"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Routing.OutputMargin = f
		}
	}
	envString("ROUTING_DEFAULT_REGION", &cfg.Routing.DefaultRegion)

	// Recovery overrides
	envInt("RECOVERY_FAILURE_THRESHOLD", &cfg.Recovery.FailureThreshold)
	envDuration("RECOVERY_COOLDOWN", &cfg.Recovery.Cooldown)
	envDuration("RECOVERY_MAX_COOLDOWN", &cfg.Recovery.MaxCooldown)
	envInt("RECOVERY_TIMEOUT_RETRIES", &cfg.Recovery.TimeoutRetries)
	envDuration("RECOVERY_ATTEMPT_TIMEOUT", &cfg.Recovery.AttemptTimeout)

	// Workflow overrides
	envDuration("WORKFLOW_REQUEST_TIMEOUT", &cfg.Workflow.RequestTimeout)

	// Quota overrides
	envBool("QUOTA_ENABLED", &cfg.Quota.Enabled)
	envString("QUOTA_BACKEND", &cfg.Quota.Backend)
	envString("QUOTA_REDIS_ADDRESS", &cfg.Quota.Redis.Address)
	envString("QUOTA_REDIS_PASSWORD", &cfg.Quota.Redis.Password)

	// Adapter overrides for every configured vendor
	for name := range cfg.Adapters {
		applyAdapterEnvOverrides(cfg, name)
	}

	// Evidence overrides
	envBool("EVIDENCE_ENABLED", &cfg.Evidence.Enabled)
	envString("EVIDENCE_BACKEND", &cfg.Evidence.Backend)
	envString("EVIDENCE_SQLITE_PATH", &cfg.Evidence.SQLite.Path)
	envInt("EVIDENCE_RETENTION_DAYS", &cfg.Evidence.Retention.Days)

	// State overrides
	envBool("STATE_ENABLED", &cfg.State.Enabled)
	envString("STATE_PATH", &cfg.State.Path)

	// Server overrides
	envBool("SERVER_ENABLED", &cfg.Server.Enabled)
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}
}

// applyAdapterEnvOverrides applies environment variable overrides for one adapter.
// Adapter variables follow the format CONDUCTOR_ADAPTERS_<NAME>_<FIELD>
// where NAME is the uppercase vendor name.
func applyAdapterEnvOverrides(cfg *Config, name string) {
	adapter := cfg.Adapters[name]
	prefix := fmt.Sprintf("ADAPTERS_%s_", strings.ToUpper(name))

	envString(prefix+"BASE_URL", &adapter.BaseURL)
	envString(prefix+"API_KEY", &adapter.APIKey)
	envDuration(prefix+"TIMEOUT", &adapter.Timeout)

	cfg.Adapters[name] = adapter
}

func envString(key string, dst *string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
