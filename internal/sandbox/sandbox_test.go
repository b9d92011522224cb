package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foundry/internal/models"
)

// fakeDocker interprets the docker CLI subset DockerSandbox uses. Commands
// passed to "docker exec" run on the host in the container's mounted workspace.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]string // name -> host workspace
	calls      [][]string
	daemonDown bool
	failStep   string
	host       *OSRunner
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]string), host: NewOSRunner()}
}

func (f *fakeDocker) Run(ctx context.Context, spec ExecSpec) ExecOutput {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{spec.Name}, spec.Args...))
	f.mu.Unlock()

	if f.daemonDown {
		return ExecOutput{ExitCode: 1, Stderr: "Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?"}
	}

	args := spec.Args
	switch {
	case args[0] == "image" && args[1] == "inspect":
		return ExecOutput{Stdout: "sha256:0123456789abcdef\n"}
	case args[0] == "run":
		var name, volume string
		for i := 0; i < len(args)-1; i++ {
			switch args[i] {
			case "--name":
				name = args[i+1]
			case "--volume":
				volume = args[i+1]
			}
		}
		f.mu.Lock()
		f.containers[name] = strings.TrimSuffix(volume, ":"+containerWorkspace)
		f.mu.Unlock()
		return ExecOutput{Stdout: name + "\n"}
	case args[0] == "exec":
		name, argv := args[3], args[4:]
		f.mu.Lock()
		ws, ok := f.containers[name]
		f.mu.Unlock()
		if !ok {
			return ExecOutput{ExitCode: 1, Stderr: "Error response from daemon: No such container: " + name}
		}
		if f.failStep != "" && len(argv) == 3 && argv[2] == f.failStep {
			return ExecOutput{ExitCode: 2, Stderr: "step failed"}
		}
		return f.host.Run(ctx, ExecSpec{Name: argv[0], Args: argv[1:], Dir: ws})
	case args[0] == "network":
		return ExecOutput{}
	case args[0] == "rm":
		name := args[len(args)-1]
		f.mu.Lock()
		delete(f.containers, name)
		f.mu.Unlock()
		return ExecOutput{}
	}
	return ExecOutput{ExitCode: 125, Stderr: "unknown command"}
}

func (f *fakeDocker) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func testEnvironment() Environment {
	return Environment{
		Name:            "contract",
		BaseImage:       "alpine:3.20",
		LintCommand:     []string{"sh", "-c", "test -f main.txt"},
		TestCommand:     []string{"sh", "-c", `grep -q PASS main.txt && { [ -z "$1" ] || grep -q "$1" main.txt; }`, "sh"},
		TestPatternArgs: []string{PatternPlaceholder},
		Env:             map[string]string{"FOUNDRY_TEST": "1"},
	}
}

func backends(t *testing.T) map[string]Sandbox {
	t.Helper()
	docker, err := NewDockerSandbox(DockerOptions{Runner: newFakeDocker()})
	require.NoError(t, err)
	process, err := NewProcessSandbox(ProcessOptions{AllowFallback: true})
	require.NoError(t, err)
	return map[string]Sandbox{"docker": docker, "process": process}
}

func writeWorkspace(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.txt"), []byte(content), 0644))
	return dir
}

func TestSandboxContract(t *testing.T) {
	for name, sb := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("clean workspace passes lint and tests", func(t *testing.T) {
				h, err := sb.Prepare(ctx, writeWorkspace(t, "PASS health"), testEnvironment(), time.Minute)
				require.NoError(t, err)
				defer sb.Release(ctx, h)

				lint := sb.RunLinter(ctx, h, 10*time.Second)
				assert.True(t, lint.Success, lint.Stderr)
				assert.Equal(t, h.ID, lint.SandboxID)

				tests := sb.RunTests(ctx, h, "", 10*time.Second)
				assert.True(t, tests.Success, tests.Stderr)
				assert.Nil(t, tests.InfraErr)
			})

			t.Run("failing tests are not infra failures", func(t *testing.T) {
				h, err := sb.Prepare(ctx, writeWorkspace(t, "FAIL"), testEnvironment(), time.Minute)
				require.NoError(t, err)
				defer sb.Release(ctx, h)

				res := sb.RunTests(ctx, h, "", 10*time.Second)
				assert.False(t, res.Success)
				assert.NotZero(t, res.ExitCode)
				assert.False(t, res.IsInfraFailure())
			})

			t.Run("run tests is idempotent", func(t *testing.T) {
				h, err := sb.Prepare(ctx, writeWorkspace(t, "PASS"), testEnvironment(), time.Minute)
				require.NoError(t, err)
				defer sb.Release(ctx, h)

				first := sb.RunTests(ctx, h, "health", 10*time.Second)
				second := sb.RunTests(ctx, h, "health", 10*time.Second)
				assert.Equal(t, first.Success, second.Success)
				assert.False(t, first.Success, "pattern narrows the test selection")
			})

			t.Run("timeout returns a failed result", func(t *testing.T) {
				h, err := sb.Prepare(ctx, writeWorkspace(t, "PASS"), testEnvironment(), time.Minute)
				require.NoError(t, err)
				defer sb.Release(ctx, h)

				res := sb.RunCommand(ctx, h, []string{"sleep", "5"}, 100*time.Millisecond)
				assert.False(t, res.Success)
				assert.True(t, res.TimedOut)
				assert.Contains(t, res.Diagnostic(0), "timed out")
			})

			t.Run("released handle is never reused", func(t *testing.T) {
				h, err := sb.Prepare(ctx, writeWorkspace(t, "PASS"), testEnvironment(), time.Minute)
				require.NoError(t, err)
				require.NoError(t, sb.Release(ctx, h))
				require.NoError(t, sb.Release(ctx, h))

				res := sb.RunLinter(ctx, h, time.Second)
				assert.False(t, res.Success)
				require.True(t, res.IsInfraFailure())
				assert.ErrorIs(t, res.InfraErr, ErrReleased)
			})

			t.Run("cancelled parent context is an infra failure", func(t *testing.T) {
				h, err := sb.Prepare(ctx, writeWorkspace(t, "PASS"), testEnvironment(), time.Minute)
				require.NoError(t, err)
				defer sb.Release(ctx, h)

				cancelled, cancel := context.WithCancel(ctx)
				cancel()
				res := sb.RunTests(cancelled, h, "", time.Second)
				assert.False(t, res.Success)
				assert.True(t, models.IsSandboxInfraError(res.InfraErr))
			})
		})
	}
}

func TestDockerSandboxEngineUnavailable(t *testing.T) {
	fake := newFakeDocker()
	fake.daemonDown = true
	sb, err := NewDockerSandbox(DockerOptions{Runner: fake})
	require.NoError(t, err)

	_, err = sb.Prepare(context.Background(), t.TempDir(), testEnvironment(), time.Second)
	require.Error(t, err)
	assert.True(t, models.IsSandboxInfraError(err))
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestDockerSandboxInstallFailureDiscardsContainer(t *testing.T) {
	fake := newFakeDocker()
	fake.failStep = "apk add make"
	sb, err := NewDockerSandbox(DockerOptions{Runner: fake})
	require.NoError(t, err)

	env := testEnvironment()
	env.InstallSteps = []string{"apk add make"}
	env.InstallNetwork = "bridge"

	_, err = sb.Prepare(context.Background(), t.TempDir(), env, time.Minute)
	require.Error(t, err)
	assert.True(t, models.IsSandboxInfraError(err))
	assert.Contains(t, err.Error(), "apk add make")
	assert.Equal(t, 0, fake.containerCount())
}

func TestDockerSandboxRunArgs(t *testing.T) {
	fake := newFakeDocker()
	sb, err := NewDockerSandbox(DockerOptions{Runner: fake})
	require.NoError(t, err)

	ws := t.TempDir()
	h, err := sb.Prepare(context.Background(), ws, testEnvironment(), time.Minute)
	require.NoError(t, err)
	defer sb.Release(context.Background(), h)

	assert.Equal(t, "sha256:0123456789abcdef", h.ImageID)

	var runCall []string
	for _, c := range fake.calls {
		if len(c) > 1 && c[1] == "run" {
			runCall = c
		}
	}
	require.NotNil(t, runCall)
	joined := strings.Join(runCall, " ")
	assert.Contains(t, joined, "--network none", "no install steps means no network at all")
	assert.Contains(t, joined, "--volume "+ws+":/workspace")
	assert.Contains(t, joined, "--env FOUNDRY_TEST=1")
	assert.True(t, strings.HasSuffix(joined, "alpine:3.20 sleep infinity"))
}

func TestDockerSandboxContainerGoneIsInfra(t *testing.T) {
	fake := newFakeDocker()
	sb, err := NewDockerSandbox(DockerOptions{Runner: fake})
	require.NoError(t, err)

	h, err := sb.Prepare(context.Background(), writeWorkspace(t, "PASS"), testEnvironment(), time.Minute)
	require.NoError(t, err)

	fake.mu.Lock()
	delete(fake.containers, h.ID)
	fake.mu.Unlock()

	res := sb.RunLinter(context.Background(), h, time.Second)
	assert.True(t, res.IsInfraFailure())
}

func TestProcessSandboxRequiresExplicitOptIn(t *testing.T) {
	_, err := NewProcessSandbox(ProcessOptions{})
	assert.ErrorIs(t, err, ErrFallbackNotAllowed)

	_, err = New(Options{Backend: "process"})
	assert.ErrorIs(t, err, ErrFallbackNotAllowed)

	_, err = New(Options{Backend: "vm"})
	assert.Error(t, err)
}

type recordingLogger struct {
	warnings []string
}

func (r *recordingLogger) LogDebug(string) {}
func (r *recordingLogger) LogWarn(msg string) { r.warnings = append(r.warnings, msg) }

func TestProcessSandboxFlagsLowerAssurance(t *testing.T) {
	logger := &recordingLogger{}
	sb, err := NewProcessSandbox(ProcessOptions{AllowFallback: true, Logger: logger})
	require.NoError(t, err)

	assert.Equal(t, AssuranceFallback, sb.Assurance())
	require.Len(t, logger.warnings, 1)
	assert.Contains(t, logger.warnings[0], "lower assurance")
}

func TestProcessSandboxScrubsEnvironment(t *testing.T) {
	t.Setenv("FOUNDRY_SECRET", "leak")
	sb, err := NewProcessSandbox(ProcessOptions{AllowFallback: true})
	require.NoError(t, err)

	ctx := context.Background()
	h, err := sb.Prepare(ctx, t.TempDir(), testEnvironment(), time.Minute)
	require.NoError(t, err)
	defer sb.Release(ctx, h)

	res := sb.RunCommand(ctx, h, []string{"env"}, 5*time.Second)
	require.True(t, res.Success, res.Stderr)
	assert.NotContains(t, res.Stdout, "FOUNDRY_SECRET")
	assert.Contains(t, res.Stdout, "FOUNDRY_TEST=1")
}

func TestProcessSandboxPrepareTimeout(t *testing.T) {
	sb, err := NewProcessSandbox(ProcessOptions{AllowFallback: true})
	require.NoError(t, err)

	env := testEnvironment()
	env.InstallSteps = []string{"sleep 5"}

	_, err = sb.Prepare(context.Background(), t.TempDir(), env, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, models.IsSandboxInfraError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnvironmentTestArgv(t *testing.T) {
	env := DefaultEnvironment()
	assert.Equal(t, []string{"go", "test", "./..."}, env.TestArgv(""))
	assert.Equal(t, []string{"go", "test", "./...", "-run", "TestHealth"}, env.TestArgv("TestHealth"))
}

func TestLoadEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: node
base_image: node:22
install_steps: ["npm ci"]
lint_command: ["npx", "eslint", "."]
test_command: ["npm", "test"]
test_pattern_args: ["--", "-t", "{pattern}"]
`), 0644))

	env, err := LoadEnvironment(path)
	require.NoError(t, err)
	assert.Equal(t, "node:22", env.BaseImage)
	assert.Equal(t, []string{"npm", "test", "--", "-t", "health"}, env.TestArgv("health"))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("lint_command: []\n"), 0644))
	_, err = LoadEnvironment(bad)
	assert.Error(t, err)
}

func TestDockerSandboxCommandExit125IsNotInfra(t *testing.T) {
	sb, err := NewDockerSandbox(DockerOptions{Runner: newFakeDocker()})
	require.NoError(t, err)

	env := testEnvironment()
	env.LintCommand = []string{"sh", "-c", "echo 'lint: internal error' >&2; exit 125"}
	h, err := sb.Prepare(context.Background(), writeWorkspace(t, "PASS"), env, time.Minute)
	require.NoError(t, err)
	defer sb.Release(context.Background(), h)

	res := sb.RunLinter(context.Background(), h, 10*time.Second)
	assert.False(t, res.Success)
	assert.False(t, res.IsInfraFailure(), "a tool exiting 125 is a verification failure")
	assert.Equal(t, 125, res.ExitCode)
	assert.Contains(t, res.Stderr, "lint: internal error")
}

func TestDockerFailure(t *testing.T) {
	tests := []struct {
		name    string
		out     ExecOutput
		wantErr string
	}{
		{name: "command failed", out: ExecOutput{ExitCode: 1, Stderr: "FAIL: TestHealthz"}},
		{name: "command exits 125", out: ExecOutput{ExitCode: 125, Stderr: "error: boom"}},
		{name: "command mentions a stopped server", out: ExecOutput{ExitCode: 1, Stderr: "server is not running"}},
		{
			name:    "daemon error with 125",
			out:     ExecOutput{ExitCode: 125, Stderr: "docker: Error response from daemon: invalid mount config."},
			wantErr: "docker error",
		},
		{
			name:    "container removed",
			out:     ExecOutput{ExitCode: 1, Stderr: "Error response from daemon: No such container: foundry-1"},
			wantErr: "container gone",
		},
		{
			name:    "container stopped",
			out:     ExecOutput{ExitCode: 1, Stderr: "Error response from daemon: container abc is not running"},
			wantErr: "container gone",
		},
		{
			name:    "daemon down",
			out:     ExecOutput{ExitCode: 1, Stderr: "Cannot connect to the Docker daemon at unix:///var/run/docker.sock."},
			wantErr: ErrEngineUnavailable.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dockerFailure(tt.out)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
