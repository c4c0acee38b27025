// Package config provides configuration management for Conductor.
//
// Configuration is read from a YAML file, defaulted, optionally overridden
// from the environment, and validated before use:
//
//	cfg, err := config.LoadConfig("config.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("config.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention CONDUCTOR_SECTION_FIELD:
//
//   - CONDUCTOR_ROUTING_OUTPUT_MARGIN overrides routing.output_margin
//   - CONDUCTOR_RECOVERY_COOLDOWN overrides recovery.cooldown
//   - CONDUCTOR_ADAPTERS_OPENAI_API_KEY overrides adapters.openai.api_key
//
// A .env file in the configuration file's directory is loaded before the
// overrides are applied. Values already present in the environment win.
//
// # Precedence
//
//  1. Default values (defaults.go)
//  2. Values from the YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast with a *ValidationError listing every problem)
//
// # Singleton
//
// Initialize, GetConfig and MustGetConfig expose a process-wide instance for
// the CLI. Library code takes a *Config (or a sub-section) explicitly.
package config
