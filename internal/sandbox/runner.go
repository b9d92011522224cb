package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// ExecSpec describes one process execution.
type ExecSpec struct {
	Name string
	Args []string
	Dir  string   // Working directory (empty = current dir)
	Env  []string // Full environment; nil inherits the host environment
}

// Runner executes processes. Backends take a Runner so tests can substitute a
// fake container engine.
type Runner interface {
	Run(ctx context.Context, spec ExecSpec) ExecOutput
}

// OSRunner executes real processes via os/exec.
type OSRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the process
	// is killed on context expiry.
	WaitDelay time.Duration
}

// NewOSRunner creates a Runner that executes real processes.
func NewOSRunner() *OSRunner {
	return &OSRunner{WaitDelay: 2 * time.Second}
}

// Run executes spec, capturing stdout and stderr separately.
func (r *OSRunner) Run(ctx context.Context, spec ExecSpec) ExecOutput {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = r.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := ExecOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		out.TimedOut = true
		out.ExitCode = -1
		return out
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.ExitCode = 0
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		out.ExitCode = -1
		out.StartErr = err
	}
	return out
}
