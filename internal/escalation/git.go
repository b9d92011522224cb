package escalation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harrison/foundry/internal/sandbox"
	"github.com/harrison/foundry/internal/workspace"
)

// ErrGitUnavailable means the git binary could not be run.
var ErrGitUnavailable = errors.New("git unavailable")

// Git runs the git commands used for the commit-based resolution signal.
type Git struct {
	runner sandbox.Runner
	bin    string
}

// NewGit creates a Git using runner (default OSRunner).
func NewGit(runner sandbox.Runner) *Git {
	if runner == nil {
		runner = sandbox.NewOSRunner()
	}
	return &Git{runner: runner, bin: "git"}
}

// Baseline turns dir into a repository with a single commit of its contents
// and returns the commit hash. Author and committer dates are pinned to at so
// the same tree always yields the same hash.
func (g *Git) Baseline(ctx context.Context, dir string, at time.Time) (string, error) {
	if _, err := g.run(ctx, dir, nil, "init", "-q"); err != nil {
		return "", err
	}
	info := filepath.Join(dir, ".git", "info")
	if err := os.MkdirAll(info, 0755); err != nil {
		return "", fmt.Errorf("write git exclude: %w", err)
	}
	exclude := workspace.LockFileName + "\n.tmp-*\n"
	if err := os.WriteFile(filepath.Join(info, "exclude"), []byte(exclude), 0644); err != nil {
		return "", fmt.Errorf("write git exclude: %w", err)
	}
	if _, err := g.run(ctx, dir, nil, "add", "-A"); err != nil {
		return "", err
	}

	date := at.UTC().Format(time.RFC3339)
	env := []string{"GIT_AUTHOR_DATE=" + date, "GIT_COMMITTER_DATE=" + date}
	if _, err := g.run(ctx, dir, env,
		"-c", "user.name=foundry", "-c", "user.email=foundry@localhost", "-c", "commit.gpgsign=false",
		"commit", "-q", "--allow-empty", "-m", "foundry escalation baseline"); err != nil {
		return "", err
	}
	return g.Head(ctx, dir)
}

// Head returns the commit hash checked out in dir.
func (g *Git) Head(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, dir string, extraEnv []string, args ...string) (string, error) {
	var env []string
	if len(extraEnv) > 0 {
		env = append(os.Environ(), extraEnv...)
	}
	out := g.runner.Run(ctx, sandbox.ExecSpec{Name: g.bin, Args: args, Dir: dir, Env: env})
	if out.StartErr != nil {
		return "", fmt.Errorf("%w: %v", ErrGitUnavailable, out.StartErr)
	}
	if out.TimedOut {
		return "", fmt.Errorf("git %s: %w", args[0], context.DeadlineExceeded)
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("git %s: exit %d: %s", strings.Join(args, " "), out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return out.Stdout, nil
}
