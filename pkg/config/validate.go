package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "recovery.cooldown").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateRegistry(&cfg.Registry)...)
	errs = append(errs, validatePolicy(&cfg.Policy)...)
	errs = append(errs, validateRouting(&cfg.Routing)...)
	errs = append(errs, validateRecovery(&cfg.Recovery)...)
	errs = append(errs, validateWorkflow(&cfg.Workflow, &cfg.Recovery)...)
	errs = append(errs, validateQuota(&cfg.Quota)...)
	errs = append(errs, validateAdapters(cfg.Adapters)...)
	errs = append(errs, validateEvidence(&cfg.Evidence)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateRegistry(cfg *RegistryConfig) []FieldError {
	var errs []FieldError

	switch cfg.Source {
	case "file":
		if cfg.FilePath == "" {
			errs = append(errs, FieldError{
				Field:   "registry.file_path",
				Message: "file path is required when source is 'file'",
			})
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			errs = append(errs, FieldError{
				Field:   "registry.postgres.dsn",
				Message: "dsn is required when source is 'postgres'",
			})
		}
		if cfg.RefreshInterval < 0 {
			errs = append(errs, FieldError{
				Field:   "registry.refresh_interval",
				Message: "refresh interval must be non-negative",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "registry.source",
			Message: fmt.Sprintf("invalid registry source %q: must be 'file' or 'postgres'", cfg.Source),
		})
	}

	return errs
}

func validatePolicy(cfg *PolicyConfig) []FieldError {
	var errs []FieldError

	if cfg.FilePath == "" {
		errs = append(errs, FieldError{
			Field:   "policy.file_path",
			Message: "policy file path is required",
		})
	}
	if cfg.DebounceDelay < 0 {
		errs = append(errs, FieldError{
			Field:   "policy.debounce_delay",
			Message: "debounce delay must be non-negative",
		})
	}

	return errs
}

func validateRouting(cfg *RoutingConfig) []FieldError {
	var errs []FieldError

	if cfg.OutputMargin < 0 || cfg.OutputMargin > 10 {
		errs = append(errs, FieldError{
			Field:   "routing.output_margin",
			Message: "output margin must be between 0 and 10",
		})
	}
	if cfg.FallbackChainLength < 0 {
		errs = append(errs, FieldError{
			Field:   "routing.fallback_chain_length",
			Message: "fallback chain length must be non-negative",
		})
	}

	return errs
}

func validateRecovery(cfg *RecoveryConfig) []FieldError {
	var errs []FieldError

	if cfg.FailureThreshold < 1 {
		errs = append(errs, FieldError{
			Field:   "recovery.failure_threshold",
			Message: "failure threshold must be at least 1",
		})
	}
	if cfg.Cooldown <= 0 {
		errs = append(errs, FieldError{
			Field:   "recovery.cooldown",
			Message: "cooldown must be positive",
		})
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		errs = append(errs, FieldError{
			Field:   "recovery.max_cooldown",
			Message: "max cooldown must be greater than or equal to cooldown",
		})
	}
	if cfg.TimeoutRetries < 0 {
		errs = append(errs, FieldError{
			Field:   "recovery.timeout_retries",
			Message: "timeout retries must be non-negative",
		})
	}
	if cfg.UnknownRetries < 0 {
		errs = append(errs, FieldError{
			Field:   "recovery.unknown_retries",
			Message: "unknown retries must be non-negative",
		})
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffMax < cfg.BackoffBase {
		errs = append(errs, FieldError{
			Field:   "recovery.backoff_base",
			Message: "backoff base must be positive and not exceed backoff max",
		})
	}
	if cfg.MaxFallbacks < 0 {
		errs = append(errs, FieldError{
			Field:   "recovery.max_fallbacks",
			Message: "max fallbacks must be non-negative",
		})
	}
	if cfg.AttemptTimeout <= 0 {
		errs = append(errs, FieldError{
			Field:   "recovery.attempt_timeout",
			Message: "attempt timeout must be positive",
		})
	}

	return errs
}

func validateWorkflow(cfg *WorkflowConfig, recovery *RecoveryConfig) []FieldError {
	var errs []FieldError

	if cfg.RequestTimeout <= 0 {
		errs = append(errs, FieldError{
			Field:   "workflow.request_timeout",
			Message: "request timeout must be positive",
		})
	} else if cfg.RequestTimeout < recovery.AttemptTimeout {
		errs = append(errs, FieldError{
			Field:   "workflow.request_timeout",
			Message: "request timeout must not be shorter than recovery.attempt_timeout",
		})
	}
	if cfg.MaxInstances < 1 {
		errs = append(errs, FieldError{
			Field:   "workflow.max_instances",
			Message: "max instances must be at least 1",
		})
	}

	return errs
}

func validateQuota(cfg *QuotaConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			errs = append(errs, FieldError{
				Field:   "quota.redis.address",
				Message: "address is required when backend is 'redis'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "quota.backend",
			Message: fmt.Sprintf("invalid quota backend %q: must be 'memory' or 'redis'", cfg.Backend),
		})
	}

	return errs
}

func validateAdapters(adapters map[string]AdapterConfig) []FieldError {
	var errs []FieldError

	for name, adapter := range adapters {
		prefix := fmt.Sprintf("adapters.%s", name)
		if adapter.BaseURL == "" {
			errs = append(errs, FieldError{
				Field:   prefix + ".base_url",
				Message: "base URL is required",
			})
		} else if u, err := url.Parse(adapter.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, FieldError{
				Field:   prefix + ".base_url",
				Message: fmt.Sprintf("invalid base URL %q", adapter.BaseURL),
			})
		}
		if adapter.Timeout < 0 {
			errs = append(errs, FieldError{
				Field:   prefix + ".timeout",
				Message: "timeout must be non-negative",
			})
		}
	}

	return errs
}

func validateEvidence(cfg *EvidenceConfig) []FieldError {
	var errs []FieldError

	if !cfg.Enabled {
		return errs
	}

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "evidence.sqlite.path",
				Message: "path is required when backend is 'sqlite'",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "evidence.backend",
			Message: fmt.Sprintf("invalid evidence backend %q: must be 'sqlite' or 'memory'", cfg.Backend),
		})
	}

	if cfg.Recorder.AsyncBuffer < 1 {
		errs = append(errs, FieldError{
			Field:   "evidence.recorder.async_buffer",
			Message: "async buffer must be at least 1",
		})
	}
	if cfg.Retention.Days < 0 {
		errs = append(errs, FieldError{
			Field:   "evidence.retention.days",
			Message: "retention days must be non-negative",
		})
	}
	if _, err := cron.ParseStandard(cfg.Retention.PruneSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "evidence.retention.prune_schedule",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}

	return errs
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.Enabled && cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required when the server is enabled",
		})
	}
	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.read_timeout",
			Message: "timeouts must be non-negative",
		})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with '/'",
		})
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	validSamplers := map[string]bool{"always": true, "never": true, "ratio": true}
	if !validSamplers[cfg.Tracing.Sampler] {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("invalid sampler %q: must be 'always', 'never', or 'ratio'", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	return errs
}
