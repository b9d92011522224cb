package cmd

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const architectScript = `cat >/dev/null
echo '{"kind": "plan", "payload": {"feature_name": "greeting", "steps": ["write main.txt"]}}'
`

// The builder writes whatever the project's builder_content file holds, so a
// test can steer it between passing and failing output.
const builderScript = `cat >/dev/null
content=$(cat "$(dirname "$0")/builder_content")
printf '{"kind": "artifact", "payload": {"files": [{"path": "main.txt", "content": "%s"}], "summary": "write main.txt"}}' "$content"
`

const projectConfig = `log_level: info
log_dir: logs
pipeline:
  max_iterations: 2
  run_timeout: 1m
  workspace_root: workspaces
sandbox:
  backend: process
  allow_fallback: true
  environment:
    name: shell
    install_steps: []
    lint_command: [sh, -c, "test -f main.txt"]
    test_command: [sh, -c, "grep -q ok main.txt"]
escalation:
  root: snapshots
  checkout_root: checkouts
store:
  dsn: foundry.db
capabilities:
  architect:
    command: [sh, ARCHITECT]
  builder:
    command: [sh, BUILDER]
`

// setupProject creates a project with shell capabilities and chdirs into it.
func setupProject(t *testing.T, builderOutput string) string {
	t.Helper()
	t.Setenv("FOUNDRY_HOME", "")
	t.Setenv("NO_COLOR", "1")

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".foundry"), 0755))

	architect := filepath.Join(dir, "architect.sh")
	builder := filepath.Join(dir, "builder.sh")
	require.NoError(t, os.WriteFile(architect, []byte(architectScript), 0755))
	require.NoError(t, os.WriteFile(builder, []byte(builderScript), 0755))
	setBuilderOutput(t, dir, builderOutput)

	cfg := strings.NewReplacer("ARCHITECT", architect, "BUILDER", builder).Replace(projectConfig)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".foundry", "config.yaml"), []byte(cfg), 0644))

	t.Chdir(dir)
	return dir
}

func setBuilderOutput(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "builder_content"), []byte(content), 0644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "foundry")
	assert.Contains(t, out, "feature requests")

	names := map[string]bool{}
	for _, c := range NewRootCommand().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "resume", "status", "escalations"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRunCommandValidation(t *testing.T) {
	setupProject(t, "ok")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no request", args: []string{"run", "--tenant", "acme"}, wantErr: "no feature requests"},
		{name: "missing tenant", args: []string{"run", "do a thing"}, wantErr: "tenant"},
		{name: "bad tenant", args: []string{"run", "--tenant", "Not Valid", "do a thing"}, wantErr: "tenant"},
		{name: "bad timeout", args: []string{"run", "--tenant", "acme", "--timeout", "soon", "x"}, wantErr: "invalid timeout"},
		{name: "unknown backend", args: []string{"run", "--tenant", "acme", "--sandbox", "vm", "x"}, wantErr: "sandbox.backend"},
		{name: "bad log level", args: []string{"run", "--tenant", "acme", "--log-level", "loud", "x"}, wantErr: "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunCommandSuccess(t *testing.T) {
	dir := setupProject(t, "ok")

	out, err := execute(t, "run", "--tenant", "acme", "Write ok into main.txt")
	require.NoError(t, err, out)
	assert.Contains(t, out, "[acme]: success")
	assert.Contains(t, out, "Iterations: 1/2")
	assert.Contains(t, out, "Files: main.txt")

	_, err = os.Lstat(filepath.Join(dir, "logs", "latest.log"))
	assert.NoError(t, err)

	status, err := execute(t, "status", "--tenant", "acme", "--state", "success")
	require.NoError(t, err)
	assert.Contains(t, status, "Write ok into main.txt")

	other, err := execute(t, "status", "--tenant", "globex")
	require.NoError(t, err)
	assert.Contains(t, other, "No runs.")
}

func TestRunCommandFromFile(t *testing.T) {
	dir := setupProject(t, "ok")
	file := filepath.Join(dir, "requests.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`requests:
  - tenant: acme
    description: first
  - description: second
`), 0644))

	out, err := execute(t, "run", "--tenant", "globex", "--file", file, "--max-concurrency", "2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2/2 runs succeeded")
	assert.Contains(t, out, "[acme]: success")
	assert.Contains(t, out, "[globex]: success")
}

var (
	handlePattern   = regexp.MustCompile(`Handle: (\S+)`)
	snapshotPattern = regexp.MustCompile(`Snapshot: (\S+)`)
	runPattern      = regexp.MustCompile(`Run (\S+) \[acme\]`)
)

func TestEscalationLifecycle(t *testing.T) {
	dir := setupProject(t, "bad")

	out, err := execute(t, "run", "--tenant", "acme", "Write ok into main.txt")
	require.ErrorIs(t, err, errIncomplete)
	assert.Contains(t, out, "[acme]: needs_human")
	assert.Contains(t, out, "Recent errors:")
	assert.Contains(t, out, "test failed on iteration 2")

	handle := handlePattern.FindStringSubmatch(out)
	snapshot := snapshotPattern.FindStringSubmatch(out)
	runID := runPattern.FindStringSubmatch(out)
	require.Len(t, handle, 2, out)
	require.Len(t, snapshot, 2, out)
	require.Len(t, runID, 2, out)
	snapID := snapshot[1]

	list, err := execute(t, "escalations", "list", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, list, snapID)

	show, err := execute(t, "escalations", "show", snapID, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, show, `"status": "open"`)

	_, err = execute(t, "escalations", "show", snapID, "--tenant", "globex")
	assert.Error(t, err, "snapshots are tenant scoped")

	opened, err := execute(t, "escalations", "open", handle[1], "--tenant", "acme")
	require.NoError(t, err, opened)
	checkout := filepath.Join(dir, "checkouts", "acme", snapID)
	assert.Contains(t, opened, "Workspace: "+checkout)

	pending, err := execute(t, "escalations", "check", snapID, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, pending, "no fix detected yet")

	// The human fix.
	require.NoError(t, os.WriteFile(filepath.Join(checkout, "main.txt"), []byte("ok"), 0644))
	commitIfRepository(t, checkout)

	resumed, err := execute(t, "escalations", "check", snapID, "--tenant", "acme")
	require.NoError(t, err, resumed)
	assert.Contains(t, resumed, "Snapshot "+snapID+" resolved (1 files)")
	assert.Contains(t, resumed, "[acme]: success")

	detail, err := execute(t, "status", "--tenant", "acme", runID[1])
	require.NoError(t, err)
	assert.Contains(t, detail, "State: success")
	assert.Contains(t, detail, "needs_human -> verify")
	assert.Contains(t, detail, "human intervention: resolved snapshot "+snapID)
	assert.Contains(t, detail, "(resolved)")

	again, err := execute(t, "escalations", "check", snapID, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, again, "no longer waiting for a human")
}

func TestResumeCommand(t *testing.T) {
	setupProject(t, "ok")

	_, err := execute(t, "resume", "missing-run", "--tenant", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	out, err := execute(t, "run", "--tenant", "acme", "Write ok into main.txt")
	require.NoError(t, err)
	runID := runPattern.FindStringSubmatch(out)
	require.Len(t, runID, 2)

	again, err := execute(t, "resume", runID[1], "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, again, "[acme]: success", "terminal runs are reported unchanged")
}

func commitIfRepository(t *testing.T, dir string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return
	}
	for _, args := range [][]string{
		{"add", "-A"},
		{"-c", "user.name=reviewer", "-c", "user.email=reviewer@localhost", "-c", "commit.gpgsign=false", "commit", "-q", "-m", "fix"},
	} {
		c := exec.Command("git", args...)
		c.Dir = dir
		out, err := c.CombinedOutput()
		require.NoError(t, err, string(out))
	}
}
