package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigurationError indicates a bad request or plan. It is fatal and never retried.
type ConfigurationError struct {
	Field   string // Offending field (optional)
	Message string // Human-readable error message
}

// NewConfigurationError creates a ConfigurationError for the given field.
func NewConfigurationError(field, msg string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: msg}
}

// Error implements the error interface for ConfigurationError.
func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// CapabilityErrorKind classifies capability failures.
type CapabilityErrorKind string

const (
	CapabilityTimeout   CapabilityErrorKind = "timeout"
	CapabilityMalformed CapabilityErrorKind = "malformed_output"
	CapabilityRefused   CapabilityErrorKind = "refused"
)

// CapabilityError represents a failure of an Architect, Builder or QA capability.
type CapabilityError struct {
	Capability string              // Capability name (architect, builder, qa)
	Kind       CapabilityErrorKind // Failure classification
	Message    string              // Human-readable error message
	Err        error               // Underlying error (optional)
}

// NewCapabilityError creates a new CapabilityError.
func NewCapabilityError(capability string, kind CapabilityErrorKind, msg string, err error) *CapabilityError {
	return &CapabilityError{Capability: capability, Kind: kind, Message: msg, Err: err}
}

// Error implements the error interface for CapabilityError.
func (e *CapabilityError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("capability %s (%s): %s", e.Capability, e.Kind, e.Message))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// VerificationStage names the verification step that failed.
type VerificationStage string

const (
	StageLint   VerificationStage = "lint"
	StageTest   VerificationStage = "test"
	StageReview VerificationStage = "review" // QA capability rejected the artifact
)

// VerificationFailure represents a lint, test or review failure. Retried up to the
// run's iteration budget.
type VerificationFailure struct {
	Stage     VerificationStage
	Iteration int
	ExitCode  int
	TimedOut  bool
	Detail    string // Truncated diagnostic
}

// Error implements the error interface for VerificationFailure.
func (e *VerificationFailure) Error() string {
	status := fmt.Sprintf("exit code %d", e.ExitCode)
	if e.TimedOut {
		status = "timed out"
	}
	return fmt.Sprintf("%s failed on iteration %d (%s)", e.Stage, e.Iteration, status)
}

// LogEntry renders the failure as an error log entry: a header line followed
// by the truncated diagnostic.
func (e *VerificationFailure) LogEntry() string {
	if e.Detail == "" {
		return e.Error()
	}
	return e.Error() + "\n" + e.Detail
}

// SandboxInfraError represents a failure of the execution environment itself.
// Retried up to a small fixed budget, then fatal.
type SandboxInfraError struct {
	Op        string    // Sandbox operation (prepare, exec, release)
	Backend   string    // Sandbox backend name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// NewSandboxInfraError creates a SandboxInfraError with the current timestamp.
func NewSandboxInfraError(op, backend string, err error) *SandboxInfraError {
	return &SandboxInfraError{Op: op, Backend: backend, Err: err, Timestamp: time.Now()}
}

// Error implements the error interface for SandboxInfraError.
func (e *SandboxInfraError) Error() string {
	return fmt.Sprintf("sandbox %s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *SandboxInfraError) Unwrap() error {
	return e.Err
}

// SnapshotError represents an escalation storage failure. It is recorded in the
// run's error log but never blocks the needs_human outcome.
type SnapshotError struct {
	RunID string
	Op    string
	Err   error
}

// Error implements the error interface for SnapshotError.
func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot for run %s: %s: %v", e.RunID, e.Op, e.Err)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// IsConfigurationError checks if the error is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsCapabilityError checks if the error is or wraps a CapabilityError.
func IsCapabilityError(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}

// IsVerificationFailure checks if the error is or wraps a VerificationFailure.
func IsVerificationFailure(err error) bool {
	var vf *VerificationFailure
	return errors.As(err, &vf)
}

// IsSandboxInfraError checks if the error is or wraps a SandboxInfraError.
func IsSandboxInfraError(err error) bool {
	var se *SandboxInfraError
	return errors.As(err, &se)
}

// IsSnapshotError checks if the error is or wraps a SnapshotError.
func IsSnapshotError(err error) bool {
	var se *SnapshotError
	return errors.As(err, &se)
}

// IsTimeout checks if the error is a capability timeout or wraps context.DeadlineExceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ce *CapabilityError
	if errors.As(err, &ce) && ce.Kind == CapabilityTimeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
