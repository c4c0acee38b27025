package config

import "time"

// Default values for configuration fields.
const (
	// Registry defaults
	DefaultRegistrySource          = "file"
	DefaultRegistryFilePath        = "./backends.yaml"
	DefaultRegistryRefreshInterval = time.Minute
	DefaultRegistryPostgresTable   = "models"
	DefaultRegistryPostgresConns   = int32(4)

	// Policy defaults
	DefaultPolicyFilePath      = "./policies.yaml"
	DefaultPolicyDebounceDelay = 100 * time.Millisecond

	// Routing defaults
	DefaultRoutingOutputMargin        = 0.2
	DefaultRoutingFallbackChainLength = 2

	// Recovery defaults
	DefaultRecoveryFailureThreshold = 3
	DefaultRecoveryCooldown         = 60 * time.Second
	DefaultRecoveryMaxCooldown      = 15 * time.Minute
	DefaultRecoveryTimeoutRetries   = 3
	DefaultRecoveryUnknownRetries   = 1
	DefaultRecoveryBackoffBase      = time.Second
	DefaultRecoveryBackoffMax       = 30 * time.Second
	DefaultRecoveryMaxFallbacks     = 3
	DefaultRecoveryAttemptTimeout   = 60 * time.Second

	// Workflow defaults
	DefaultWorkflowRequestTimeout = 180 * time.Second
	DefaultWorkflowRetention      = time.Hour
	DefaultWorkflowMaxInstances   = 10000

	// Quota defaults
	DefaultQuotaEnabled        = true
	DefaultQuotaBackend        = "memory"
	DefaultQuotaRedisAddress   = "localhost:6379"
	DefaultQuotaRedisKeyPrefix = "conductor:quota:"

	// Adapter defaults
	DefaultAdapterTimeout = 60 * time.Second

	// Evidence defaults
	DefaultEvidenceEnabled              = true
	DefaultEvidenceBackend              = "sqlite"
	DefaultEvidenceSQLitePath           = "data/audit.db"
	DefaultEvidenceSQLiteMaxOpenConns   = 10
	DefaultEvidenceSQLiteMaxIdleConns   = 5
	DefaultEvidenceSQLiteWALMode        = true
	DefaultEvidenceSQLiteBusyTimeout    = 5 * time.Second
	DefaultEvidenceRecorderAsyncBuffer  = 1000
	DefaultEvidenceRecorderWriteTimeout = 5 * time.Second
	DefaultEvidenceRetentionDays        = 90
	DefaultEvidenceRetentionSchedule    = "0 3 * * *"

	// State defaults
	DefaultStatePath               = "data/state.db"
	DefaultStateBusyTimeout        = 5 * time.Second
	DefaultStateCheckpointInterval = 5 * time.Minute

	// Server defaults
	DefaultServerEnabled         = true
	DefaultServerListenAddress   = "127.0.0.1:9090"
	DefaultServerReadTimeout     = 10 * time.Second
	DefaultServerWriteTimeout    = 10 * time.Second
	DefaultServerShutdownTimeout = 15 * time.Second

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultMetricsEnabled     = true
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "mercator"
	DefaultMetricsSubsystem   = "conductor"
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingServiceName = "mercator-conductor"
	DefaultTracingInsecure    = true
	DefaultTracingTimeout     = 10 * time.Second
)

// DefaultDurationBuckets are the histogram buckets used when none are configured.
var DefaultDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}

// DefaultConfig returns a Config with every default applied, including the
// boolean defaults that ApplyDefaults cannot distinguish from an explicit false.
// LoadConfig decodes YAML on top of this value so absent keys keep their defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Evidence.Enabled = DefaultEvidenceEnabled
	cfg.Evidence.SQLite.WALMode = DefaultEvidenceSQLiteWALMode
	cfg.Quota.Enabled = DefaultQuotaEnabled
	cfg.Server.Enabled = DefaultServerEnabled
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.Insecure = DefaultTracingInsecure
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Registry defaults
	if cfg.Registry.Source == "" {
		cfg.Registry.Source = DefaultRegistrySource
	}
	if cfg.Registry.FilePath == "" {
		cfg.Registry.FilePath = DefaultRegistryFilePath
	}
	if cfg.Registry.RefreshInterval == 0 {
		cfg.Registry.RefreshInterval = DefaultRegistryRefreshInterval
	}
	if cfg.Registry.Postgres.Table == "" {
		cfg.Registry.Postgres.Table = DefaultRegistryPostgresTable
	}
	if cfg.Registry.Postgres.MaxConns == 0 {
		cfg.Registry.Postgres.MaxConns = DefaultRegistryPostgresConns
	}

	// Policy defaults
	if cfg.Policy.FilePath == "" {
		cfg.Policy.FilePath = DefaultPolicyFilePath
	}
	if cfg.Policy.DebounceDelay == 0 {
		cfg.Policy.DebounceDelay = DefaultPolicyDebounceDelay
	}

	// Routing defaults
	if cfg.Routing.OutputMargin == 0 {
		cfg.Routing.OutputMargin = DefaultRoutingOutputMargin
	}
	if cfg.Routing.FallbackChainLength == 0 {
		cfg.Routing.FallbackChainLength = DefaultRoutingFallbackChainLength
	}

	applyRecoveryDefaults(&cfg.Recovery)

	// Workflow defaults
	if cfg.Workflow.RequestTimeout == 0 {
		cfg.Workflow.RequestTimeout = DefaultWorkflowRequestTimeout
	}
	if cfg.Workflow.Retention == 0 {
		cfg.Workflow.Retention = DefaultWorkflowRetention
	}
	if cfg.Workflow.MaxInstances == 0 {
		cfg.Workflow.MaxInstances = DefaultWorkflowMaxInstances
	}

	// Quota defaults
	if cfg.Quota.Backend == "" {
		cfg.Quota.Backend = DefaultQuotaBackend
	}
	if cfg.Quota.Redis.Address == "" {
		cfg.Quota.Redis.Address = DefaultQuotaRedisAddress
	}
	if cfg.Quota.Redis.KeyPrefix == "" {
		cfg.Quota.Redis.KeyPrefix = DefaultQuotaRedisKeyPrefix
	}

	// Adapter defaults - applied to each adapter
	for name, adapter := range cfg.Adapters {
		if adapter.Timeout == 0 {
			adapter.Timeout = DefaultAdapterTimeout
		}
		cfg.Adapters[name] = adapter
	}

	applyEvidenceDefaults(&cfg.Evidence)

	// State defaults
	if cfg.State.Path == "" {
		cfg.State.Path = DefaultStatePath
	}
	if cfg.State.BusyTimeout == 0 {
		cfg.State.BusyTimeout = DefaultStateBusyTimeout
	}
	if cfg.State.CheckpointInterval == 0 {
		cfg.State.CheckpointInterval = DefaultStateCheckpointInterval
	}

	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultServerListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultServerShutdownTimeout
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyRecoveryDefaults(cfg *RecoveryConfig) {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultRecoveryFailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultRecoveryCooldown
	}
	if cfg.MaxCooldown == 0 {
		cfg.MaxCooldown = DefaultRecoveryMaxCooldown
	}
	if cfg.TimeoutRetries == 0 {
		cfg.TimeoutRetries = DefaultRecoveryTimeoutRetries
	}
	if cfg.UnknownRetries == 0 {
		cfg.UnknownRetries = DefaultRecoveryUnknownRetries
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultRecoveryBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = DefaultRecoveryBackoffMax
	}
	if cfg.MaxFallbacks == 0 {
		cfg.MaxFallbacks = DefaultRecoveryMaxFallbacks
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = DefaultRecoveryAttemptTimeout
	}
}

func applyEvidenceDefaults(cfg *EvidenceConfig) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultEvidenceBackend
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = DefaultEvidenceSQLitePath
	}
	if cfg.SQLite.MaxOpenConns == 0 {
		cfg.SQLite.MaxOpenConns = DefaultEvidenceSQLiteMaxOpenConns
	}
	if cfg.SQLite.MaxIdleConns == 0 {
		cfg.SQLite.MaxIdleConns = DefaultEvidenceSQLiteMaxIdleConns
	}
	if cfg.SQLite.BusyTimeout == 0 {
		cfg.SQLite.BusyTimeout = DefaultEvidenceSQLiteBusyTimeout
	}
	if cfg.Recorder.AsyncBuffer == 0 {
		cfg.Recorder.AsyncBuffer = DefaultEvidenceRecorderAsyncBuffer
	}
	if cfg.Recorder.WriteTimeout == 0 {
		cfg.Recorder.WriteTimeout = DefaultEvidenceRecorderWriteTimeout
	}
	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = DefaultEvidenceRetentionDays
	}
	if cfg.Retention.PruneSchedule == "" {
		cfg.Retention.PruneSchedule = DefaultEvidenceRetentionSchedule
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Metrics.Subsystem == "" {
		cfg.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if len(cfg.Metrics.DurationBuckets) == 0 {
		cfg.Metrics.DurationBuckets = append([]float64(nil), DefaultDurationBuckets...)
	}
	if cfg.Tracing.Sampler == "" {
		cfg.Tracing.Sampler = DefaultTracingSampler
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultTracingServiceName
	}
	if cfg.Tracing.Timeout == 0 {
		cfg.Tracing.Timeout = DefaultTracingTimeout
	}
}
