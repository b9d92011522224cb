package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/foundry/internal/models"
)

const processBackend = "process"

// ErrFallbackNotAllowed is returned when the fallback backend is constructed
// without an explicit opt-in.
var ErrFallbackNotAllowed = errors.New("process sandbox is lower-assurance and must be selected explicitly")

// ProcessSandbox is the fallback backend. Commands run directly on the host in
// the workspace directory with a scrubbed environment. Commands can write
// anywhere the host user can, so results carry no isolation guarantee.
type ProcessSandbox struct {
	runner Runner
	logger Logger
	path   string
}

// ProcessOptions configures a ProcessSandbox.
type ProcessOptions struct {
	// AllowFallback must be true; it records that the caller chose the
	// lower-assurance backend deliberately.
	AllowFallback bool

	// Runner executes processes (default OSRunner).
	Runner Runner

	// Logger receives the lower-assurance warning and lifecycle messages.
	Logger Logger
}

// NewProcessSandbox creates the fallback backend and logs a lower-assurance
// warning. Returns ErrFallbackNotAllowed unless opts.AllowFallback is set.
func NewProcessSandbox(opts ProcessOptions) (*ProcessSandbox, error) {
	if !opts.AllowFallback {
		return nil, ErrFallbackNotAllowed
	}
	runner := opts.Runner
	if runner == nil {
		runner = NewOSRunner()
	}
	logger := loggerOrNop(opts.Logger)
	logger.LogWarn("using process sandbox: verification runs on the host without isolation (lower assurance)")

	return &ProcessSandbox{
		runner: runner,
		logger: logger,
		path:   os.Getenv("PATH"),
	}, nil
}

// Name returns "process".
func (p *ProcessSandbox) Name() string { return processBackend }

// Assurance returns AssuranceFallback.
func (p *ProcessSandbox) Assurance() Assurance { return AssuranceFallback }

// Prepare checks the workspace exists, creates a private HOME outside it and
// runs the install steps on the host.
func (p *ProcessSandbox) Prepare(ctx context.Context, workspace string, env Environment, timeout time.Duration) (*Handle, error) {
	if err := env.Validate(); err != nil {
		return nil, models.NewSandboxInfraError("prepare", processBackend, err)
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, models.NewSandboxInfraError("prepare", processBackend, fmt.Errorf("resolve workspace: %w", err))
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, models.NewSandboxInfraError("prepare", processBackend, fmt.Errorf("workspace %s is not a directory", abs))
	}

	home, err := os.MkdirTemp("", "foundry-home-*")
	if err != nil {
		return nil, models.NewSandboxInfraError("prepare", processBackend, fmt.Errorf("create home: %w", err))
	}

	h := &Handle{
		ID:        "proc-" + uuid.New().String()[:12],
		Backend:   processBackend,
		Workspace: abs,
		Env:       env,
		CreatedAt: time.Now().UTC(),
		homeDir:   home,
	}

	prepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		prepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for _, step := range env.InstallSteps {
		out := p.runner.Run(prepCtx, ExecSpec{Name: "sh", Args: []string{"-c", step}, Dir: abs, Env: p.environ(h)})
		var stepErr error
		switch {
		case out.TimedOut || prepCtx.Err() != nil:
			stepErr = fmt.Errorf("environment not ready within %v: %w", timeout, context.DeadlineExceeded)
		case out.StartErr != nil:
			stepErr = out.StartErr
		case out.ExitCode != 0:
			stepErr = fmt.Errorf("exited %d: %s", out.ExitCode, out.Stderr)
		}
		if stepErr != nil {
			_ = p.Release(context.Background(), h)
			return nil, models.NewSandboxInfraError("prepare", processBackend, fmt.Errorf("install step %q: %w", step, stepErr))
		}
	}

	p.logger.LogDebug(fmt.Sprintf("sandbox %s prepared for %s", h.ID, abs))
	return h, nil
}

// RunLinter runs env.LintCommand in the workspace.
func (p *ProcessSandbox) RunLinter(ctx context.Context, h *Handle, timeout time.Duration) models.ExecutionResult {
	return p.RunCommand(ctx, h, h.Env.LintCommand, timeout)
}

// RunTests runs env.TestCommand in the workspace.
func (p *ProcessSandbox) RunTests(ctx context.Context, h *Handle, pattern string, timeout time.Duration) models.ExecutionResult {
	return p.RunCommand(ctx, h, h.Env.TestArgv(pattern), timeout)
}

// RunCommand runs argv directly on the host.
func (p *ProcessSandbox) RunCommand(ctx context.Context, h *Handle, argv []string, timeout time.Duration) models.ExecutionResult {
	if h.Released() {
		return releasedResult(processBackend, h)
	}
	if len(argv) == 0 {
		return models.ExecutionResult{ExitCode: -1, SandboxID: h.ID, Stderr: "empty command"}
	}
	return runWithTimeout(ctx, processBackend, h.ID, timeout, func(runCtx context.Context) ExecOutput {
		return p.runner.Run(runCtx, ExecSpec{Name: argv[0], Args: argv[1:], Dir: h.Workspace, Env: p.environ(h)})
	})
}

// Release removes the handle's private HOME.
func (p *ProcessSandbox) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.markReleased() {
		return nil
	}
	if h.homeDir != "" {
		if err := os.RemoveAll(h.homeDir); err != nil {
			return models.NewSandboxInfraError("release", processBackend, err)
		}
	}
	return nil
}

// environ builds a minimal deterministic environment: PATH and HOME from the
// sandbox plus the declared variables in sorted order.
func (p *ProcessSandbox) environ(h *Handle) []string {
	env := []string{
		"PATH=" + p.path,
		"HOME=" + h.homeDir,
		"TMPDIR=" + h.homeDir,
	}
	keys := make([]string, 0, len(h.Env.Env))
	for k := range h.Env.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+h.Env.Env[k])
	}
	return env
}
