// Package sandbox runs verification commands against a workspace inside an
// execution environment that is reproducible across hosts.
//
// Two backends implement [Sandbox]. [DockerSandbox] is the isolated backend:
// every handle is an ephemeral container with the workspace bind-mounted at
// /workspace, removed on release, so nothing outside the workspace survives a
// run. [ProcessSandbox] is the fallback: commands run directly on the host in
// the workspace directory. It gives up the no-residue guarantee for
// availability, reports [AssuranceFallback], and must be selected explicitly.
//
// Command outcomes are returned as [models.ExecutionResult] values, never as
// errors. Failures of the environment itself are carried in the result's
// InfraErr field as a *models.SandboxInfraError so callers can tell a broken
// sandbox from failing code.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harrison/foundry/internal/models"
)

// Assurance describes the isolation level a backend provides.
type Assurance string

const (
	// AssuranceIsolated means commands cannot affect state outside the workspace.
	AssuranceIsolated Assurance = "isolated"
	// AssuranceFallback means commands run on the host with no isolation boundary.
	AssuranceFallback Assurance = "fallback"
)

// ErrReleased is wrapped by infra errors for calls against a released handle.
var ErrReleased = errors.New("sandbox handle already released")

// Sandbox is the execution contract used by the pipeline's verification stage.
type Sandbox interface {
	// Name returns the backend name (docker, process).
	Name() string

	// Assurance reports the isolation level of the backend.
	Assurance() Assurance

	// Prepare materializes the environment for workspace and runs its install
	// steps. Returns a *models.SandboxInfraError if the environment cannot be
	// constructed within timeout.
	Prepare(ctx context.Context, workspace string, env Environment, timeout time.Duration) (*Handle, error)

	// RunLinter runs the environment's lint command.
	RunLinter(ctx context.Context, h *Handle, timeout time.Duration) models.ExecutionResult

	// RunTests runs the environment's test command, narrowed to pattern when non-empty.
	RunTests(ctx context.Context, h *Handle, pattern string, timeout time.Duration) models.ExecutionResult

	// RunCommand runs argv inside the prepared environment.
	RunCommand(ctx context.Context, h *Handle, argv []string, timeout time.Duration) models.ExecutionResult

	// Release discards the environment. A released handle is never reused.
	Release(ctx context.Context, h *Handle) error
}

// Handle identifies a prepared environment.
type Handle struct {
	ID        string
	Backend   string
	Workspace string
	Env       Environment
	ImageID   string // Resolved image id (isolated backend only)
	CreatedAt time.Time

	homeDir string // Per-handle HOME (fallback backend only)

	mu       sync.Mutex
	released bool
}

func (h *Handle) markReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.released = true
	return true
}

// Released reports whether the handle has been discarded.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// ExecOutput is the raw outcome of one process execution.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	// StartErr is set when the process could not be started or waited on.
	StartErr error
}

// runWithTimeout executes fn under a child context bounded by timeout and
// translates the outcome into an ExecutionResult. Parent cancellation is
// reported as an infrastructure failure; expiry of timeout as a timed-out
// command result.
func runWithTimeout(ctx context.Context, backend, sandboxID string, timeout time.Duration, fn func(ctx context.Context) ExecOutput) models.ExecutionResult {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := fn(runCtx)
	result := models.ExecutionResult{
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  out.ExitCode,
		Duration:  out.Duration,
		SandboxID: sandboxID,
	}

	switch {
	case ctx.Err() != nil:
		result.ExitCode = -1
		result.InfraErr = models.NewSandboxInfraError("exec", backend, ctx.Err())
	case out.TimedOut || runCtx.Err() != nil:
		result.ExitCode = -1
		result.TimedOut = true
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("command timed out after %v", timeout))
	case out.StartErr != nil:
		result.ExitCode = -1
		result.InfraErr = models.NewSandboxInfraError("exec", backend, out.StartErr)
	default:
		result.Success = out.ExitCode == 0
	}
	return result
}

func releasedResult(backend string, h *Handle) models.ExecutionResult {
	return models.ExecutionResult{
		ExitCode:  -1,
		SandboxID: h.ID,
		InfraErr:  models.NewSandboxInfraError("exec", backend, fmt.Errorf("%w: %s", ErrReleased, h.ID)),
	}
}

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	if strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
