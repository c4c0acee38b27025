package cli

import (
	"context"
	"errors"
	"fmt"

	"mercator-hq/conductor/pkg/config"
	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/providers"
	"mercator-hq/conductor/pkg/routing"
	"mercator-hq/conductor/pkg/workflow"
)

// Process exit codes. Request outcomes get distinct codes so scripts can
// tell a policy block from a routing dead end from a broken system.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitConfig      = 2
	ExitBlocked     = 3
	ExitNoCandidate = 4
	ExitExecution   = 5
	ExitDefect      = 70
	ExitCancelled   = 130
)

// ConfigError represents an error in configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// ExitCode maps an error returned by a command to the process exit code.
// Defects are checked first since they may wrap any other error.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var cfgErr *ConfigError
	var validationErr *config.ValidationError

	switch {
	case workflow.IsDefect(err):
		return ExitDefect
	case errors.As(err, &cfgErr), errors.As(err, &validationErr):
		return ExitConfig
	case errors.Is(err, policy.ErrPolicyBlocked):
		return ExitBlocked
	case errors.Is(err, routing.ErrNoCandidate):
		return ExitNoCandidate
	case errors.Is(err, workflow.ErrCancelled), errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, providers.ErrExecutionFailure), errors.Is(err, workflow.ErrRequestTimeout):
		return ExitExecution
	default:
		return ExitError
	}
}
