package cli

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mercator-hq/conductor/pkg/config"
	"mercator-hq/conductor/pkg/policy"
	"mercator-hq/conductor/pkg/providers"
	"mercator-hq/conductor/pkg/routing"
	"mercator-hq/conductor/pkg/workflow"
)

func TestConfigError(t *testing.T) {
	err := &ConfigError{
		Field:   "server.listen_address",
		Message: "missing required field",
	}

	expected := "config error in server.listen_address: missing required field"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	if err.Field != "field" {
		t.Errorf("Field = %q, want %q", err.Field, "field")
	}
	if err.Message != "message" {
		t.Errorf("Message = %q, want %q", err.Message, "message")
	}
}

func TestCommandError(t *testing.T) {
	underlyingErr := errors.New("underlying error")
	err := &CommandError{
		Command: "run",
		Err:     underlyingErr,
	}

	expected := "command run failed: underlying error"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestCommandErrorUnwrap(t *testing.T) {
	underlyingErr := errors.New("underlying error")
	err := &CommandError{
		Command: "run",
		Err:     underlyingErr,
	}

	unwrapped := err.Unwrap()
	if unwrapped != underlyingErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlyingErr)
	}

	// Test with errors.Is
	if !errors.Is(err, underlyingErr) {
		t.Error("errors.Is() should work with CommandError.Unwrap()")
	}
}

func TestNewCommandError(t *testing.T) {
	underlyingErr := errors.New("test")
	err := NewCommandError("command", underlyingErr)

	if err.Command != "command" {
		t.Errorf("Command = %q, want %q", err.Command, "command")
	}
	if err.Err != underlyingErr {
		t.Errorf("Err = %v, want %v", err.Err, underlyingErr)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitError},
		{"config error", NewConfigError("output", "bad"), ExitConfig},
		{"validation error", fmt.Errorf("load: %w", &config.ValidationError{}), ExitConfig},
		{"blocked", fmt.Errorf("run: %w", policy.ErrPolicyBlocked), ExitBlocked},
		{"no candidate", NewCommandError("route", routing.ErrNoCandidate), ExitNoCandidate},
		{"execution", fmt.Errorf("run: %w", providers.ErrExecutionFailure), ExitExecution},
		{"request timeout", workflow.ErrRequestTimeout, ExitExecution},
		{"cancelled", workflow.ErrCancelled, ExitCancelled},
		{"context cancelled", context.Canceled, ExitCancelled},
		{"defect wins", &workflow.DefectError{Err: providers.ErrExecutionFailure}, ExitDefect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
