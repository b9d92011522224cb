package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/foundry/internal/models"
)

const (
	dockerBackend       = "docker"
	containerWorkspace  = "/workspace"
	containerLabel      = "foundry.sandbox=1"
	dockerDaemonErrExit = 125
)

// ErrEngineUnavailable indicates the container engine cannot be used.
var ErrEngineUnavailable = errors.New("container engine unavailable")

// DockerSandbox is the isolated backend. Each handle is a dedicated container
// removed on Release; the workspace is the only host path it can write.
type DockerSandbox struct {
	dockerBin string
	runner    Runner
	logger    Logger
}

// DockerOptions configures a DockerSandbox.
type DockerOptions struct {
	// DockerBin is the docker CLI binary (default "docker").
	DockerBin string

	// Runner executes docker commands (default OSRunner).
	Runner Runner

	// Logger receives lifecycle messages (optional).
	Logger Logger
}

// NewDockerSandbox creates the isolated backend. Returns ErrEngineUnavailable
// when the docker CLI cannot be found; it never falls back on its own.
func NewDockerSandbox(opts DockerOptions) (*DockerSandbox, error) {
	bin := strings.TrimSpace(opts.DockerBin)
	if bin == "" {
		bin = "docker"
	}
	runner := opts.Runner
	if runner == nil {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%w: docker binary not found: %v", ErrEngineUnavailable, err)
		}
		runner = NewOSRunner()
	}
	return &DockerSandbox{
		dockerBin: bin,
		runner:    runner,
		logger:    loggerOrNop(opts.Logger),
	}, nil
}

// Name returns "docker".
func (d *DockerSandbox) Name() string { return dockerBackend }

// Assurance returns AssuranceIsolated.
func (d *DockerSandbox) Assurance() Assurance { return AssuranceIsolated }

// Prepare starts a container from env.BaseImage with workspace bind-mounted
// and runs the install steps inside it.
func (d *DockerSandbox) Prepare(ctx context.Context, workspace string, env Environment, timeout time.Duration) (*Handle, error) {
	if err := env.Validate(); err != nil {
		return nil, models.NewSandboxInfraError("prepare", dockerBackend, err)
	}
	if strings.TrimSpace(env.BaseImage) == "" {
		return nil, models.NewSandboxInfraError("prepare", dockerBackend, errors.New("base image is required"))
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, models.NewSandboxInfraError("prepare", dockerBackend, fmt.Errorf("resolve workspace: %w", err))
	}

	prepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		prepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	h := &Handle{
		ID:        "foundry-" + uuid.New().String()[:12],
		Backend:   dockerBackend,
		Workspace: abs,
		Env:       env,
		CreatedAt: time.Now().UTC(),
	}

	imageID, err := d.resolveImageID(prepCtx, env.BaseImage)
	if err != nil {
		return nil, d.prepareError(prepCtx, timeout, err)
	}
	h.ImageID = imageID

	out := d.docker(prepCtx, d.runArgs(h)...)
	runErr := dockerFailure(out)
	if runErr == nil && out.ExitCode != 0 {
		runErr = fmt.Errorf("exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	if runErr != nil {
		d.discard(h)
		return nil, d.prepareError(prepCtx, timeout, fmt.Errorf("docker run: %w", runErr))
	}

	d.logger.LogDebug(fmt.Sprintf("sandbox %s started from %s", h.ID, env.BaseImage))

	for _, step := range env.InstallSteps {
		stepOut := d.docker(prepCtx, "exec", "--workdir", containerWorkspace, h.ID, "sh", "-c", step)
		stepErr := dockerFailure(stepOut)
		if stepErr == nil && stepOut.ExitCode != 0 {
			stepErr = fmt.Errorf("exited %d: %s", stepOut.ExitCode, strings.TrimSpace(stepOut.Stderr))
		}
		if stepErr != nil {
			d.discard(h)
			return nil, d.prepareError(prepCtx, timeout, fmt.Errorf("install step %q: %w", step, stepErr))
		}
	}

	if network := installNetwork(env); network != "none" {
		discOut := d.docker(prepCtx, "network", "disconnect", network, h.ID)
		if err := dockerFailure(discOut); err != nil || discOut.ExitCode != 0 {
			d.discard(h)
			return nil, d.prepareError(prepCtx, timeout, fmt.Errorf("disconnect network %s: %s", network, strings.TrimSpace(discOut.Stderr)))
		}
	}

	return h, nil
}

func (d *DockerSandbox) runArgs(h *Handle) []string {
	args := []string{
		"run", "--detach",
		"--name", h.ID,
		"--label", containerLabel,
		"--network", installNetwork(h.Env),
		"--volume", h.Workspace + ":" + containerWorkspace,
		"--workdir", containerWorkspace,
		"--tmpfs", "/tmp",
	}

	keys := make([]string, 0, len(h.Env.Env))
	for k := range h.Env.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+h.Env.Env[k])
	}

	return append(args, h.Env.BaseImage, "sleep", "infinity")
}

func installNetwork(env Environment) string {
	if env.InstallNetwork == "" || len(env.InstallSteps) == 0 {
		return "none"
	}
	return env.InstallNetwork
}

// RunLinter runs env.LintCommand in the container.
func (d *DockerSandbox) RunLinter(ctx context.Context, h *Handle, timeout time.Duration) models.ExecutionResult {
	return d.RunCommand(ctx, h, h.Env.LintCommand, timeout)
}

// RunTests runs env.TestCommand in the container.
func (d *DockerSandbox) RunTests(ctx context.Context, h *Handle, pattern string, timeout time.Duration) models.ExecutionResult {
	return d.RunCommand(ctx, h, h.Env.TestArgv(pattern), timeout)
}

// RunCommand runs argv via docker exec.
func (d *DockerSandbox) RunCommand(ctx context.Context, h *Handle, argv []string, timeout time.Duration) models.ExecutionResult {
	if h.Released() {
		return releasedResult(dockerBackend, h)
	}
	if len(argv) == 0 {
		return models.ExecutionResult{ExitCode: -1, SandboxID: h.ID, Stderr: "empty command"}
	}

	return runWithTimeout(ctx, dockerBackend, h.ID, timeout, func(runCtx context.Context) ExecOutput {
		args := append([]string{"exec", "--workdir", containerWorkspace, h.ID}, argv...)
		out := d.docker(runCtx, args...)
		if out.TimedOut {
			// The exec is abandoned; the container itself is discarded on release.
			return out
		}
		if err := dockerFailure(out); err != nil {
			out.StartErr = err
		}
		return out
	})
}

// Release force-removes the container. Safe to call more than once.
func (d *DockerSandbox) Release(ctx context.Context, h *Handle) error {
	if h == nil || !h.markReleased() {
		return nil
	}
	out := d.docker(ctx, "rm", "--force", "--volumes", h.ID)
	if err := dockerFailure(out); err != nil {
		return models.NewSandboxInfraError("release", dockerBackend, err)
	}
	return nil
}

// resolveImageID pins the base image to its id so the descriptor and later
// runs refer to the exact same image.
func (d *DockerSandbox) resolveImageID(ctx context.Context, imageRef string) (string, error) {
	out := d.docker(ctx, "image", "inspect", "--format", "{{.Id}}", imageRef)
	if err := dockerFailure(out); err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		pull := d.docker(ctx, "pull", "--quiet", imageRef)
		if err := dockerFailure(pull); err != nil {
			return "", err
		}
		if pull.ExitCode != 0 {
			return "", fmt.Errorf("pull %s: %s", imageRef, strings.TrimSpace(pull.Stderr))
		}
		out = d.docker(ctx, "image", "inspect", "--format", "{{.Id}}", imageRef)
		if err := dockerFailure(out); err != nil {
			return "", err
		}
	}
	fields := strings.Fields(out.Stdout)
	if out.ExitCode != 0 || len(fields) == 0 {
		return "", fmt.Errorf("image %s: empty image id", imageRef)
	}
	return fields[0], nil
}

func (d *DockerSandbox) docker(ctx context.Context, args ...string) ExecOutput {
	return d.runner.Run(ctx, ExecSpec{Name: d.dockerBin, Args: args})
}

// discard removes a half-built container without blocking on the caller's
// possibly expired context.
func (d *DockerSandbox) discard(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Release(ctx, h); err != nil {
		d.logger.LogWarn(fmt.Sprintf("failed to discard sandbox %s: %v", h.ID, err))
	}
}

func (d *DockerSandbox) prepareError(ctx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		err = fmt.Errorf("environment not ready within %v: %w", timeout, context.DeadlineExceeded)
	}
	return models.NewSandboxInfraError("prepare", dockerBackend, err)
}

// dockerFailure classifies engine-level failures: the CLI could not start,
// the daemon is unreachable, or the daemon itself reported an error such as a
// missing container. Nil means the exit code and output belong to the command
// that ran inside the container, whatever its exit code.
func dockerFailure(out ExecOutput) error {
	if out.StartErr != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, out.StartErr)
	}
	stderr := strings.ToLower(strings.TrimSpace(out.Stderr))
	switch {
	case strings.Contains(stderr, "cannot connect to the docker daemon"),
		strings.Contains(stderr, "is the docker daemon running"):
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, strings.TrimSpace(out.Stderr))
	case !fromDockerCLI(stderr):
		return nil
	case strings.Contains(stderr, "no such container"),
		strings.Contains(stderr, "is not running"):
		return fmt.Errorf("container gone: %s", strings.TrimSpace(out.Stderr))
	case out.ExitCode == dockerDaemonErrExit:
		return fmt.Errorf("docker error: %s", strings.TrimSpace(out.Stderr))
	}
	return nil
}

// fromDockerCLI reports whether stderr starts the way the docker CLI prefixes
// its own errors.
func fromDockerCLI(stderr string) bool {
	return strings.HasPrefix(stderr, "error response from daemon") ||
		strings.HasPrefix(stderr, "docker: ")
}
