package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foundry/internal/models"
)

func newTestFileLogger(t *testing.T, level string) (*FileLogger, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "logs")
	fl, err := NewFileLoggerWithDirAndLevel(dir, level)
	require.NoError(t, err)
	t.Cleanup(func() { fl.Close() })
	return fl, dir
}

func readLog(t *testing.T, fl *FileLogger) string {
	t.Helper()
	data, err := os.ReadFile(fl.Path())
	require.NoError(t, err)
	return string(data)
}

func TestNewFileLoggerLayout(t *testing.T) {
	fl, dir := newTestFileLogger(t, "info")

	info, err := os.Stat(filepath.Join(dir, "runs"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	base := filepath.Base(fl.Path())
	assert.Regexp(t, `^run-\d{8}-\d{6}\.log$`, base)

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.Equal(t, base, target)

	out := readLog(t, fl)
	assert.True(t, strings.HasPrefix(out, "=== Foundry Run Log ===\nStarted at: "), out)
}

func TestNewFileLoggerDefaultDir(t *testing.T) {
	t.Chdir(t.TempDir())

	fl, err := NewFileLogger()
	require.NoError(t, err)
	defer fl.Close()

	_, err = os.Stat(filepath.Join(".foundry", "logs", "latest.log"))
	assert.NoError(t, err)
}

func TestLatestSymlinkReplaced(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.Symlink("run-old.log", filepath.Join(dir, "latest.log")))

	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)
	defer fl.Close()

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(fl.Path()), target)
}

func TestFileLoggerLevels(t *testing.T) {
	fl, _ := newTestFileLogger(t, "warn")

	fl.LogDebug("hidden debug")
	fl.LogInfo("hidden info")
	fl.LogWarn("visible warn")
	fl.LogError("visible error")

	out := readLog(t, fl)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] visible warn")
	assert.Contains(t, out, "[ERROR] visible error")
}

func TestFileLoggerRunEvents(t *testing.T) {
	fl, dir := newTestFileLogger(t, "debug")
	run := testRun()
	run.Plan = &models.ImplementationPlan{FeatureName: "health", Steps: []string{"add handler", "add test"}}

	fl.LogRunStart(run)
	fl.LogTransition(run, models.Transition{Seq: 1, From: models.StateBuild, To: models.StateVerify, Iteration: 0, At: time.Now()})
	fl.LogVerification(run, models.StageLint, models.ExecutionResult{Success: true, SandboxID: "sb-1"})
	fl.LogVerification(run, models.StageTest, models.ExecutionResult{ExitCode: 2, Stderr: "FAIL TestHealth\nexpected 200", SandboxID: "sb-1"})
	fl.LogTransition(run, models.Transition{Seq: 2, From: models.StateVerify, To: models.StateEscalate, Iteration: 3, Note: "budget spent", At: time.Now()})

	snap := &models.EscalationSnapshot{ID: "snap-1", StorageLocation: "snapshots/acme/snap-1", ResumableHandle: "h", BaselineDigest: "d1"}
	fl.LogEscalation(run, snap, nil)
	fl.LogEscalation(run, nil, errors.New("store down"))

	run.State = models.StateNeedsHuman
	run.Iteration = 3
	run.SnapshotID = "snap-1"
	run.Artifact = &models.BuildArtifact{Iteration: 3, Files: []models.FileChange{{Path: "main.go"}, {Path: "main_test.go"}}}
	run.ErrorLog = []string{"test failed on iteration 1 (exit code 2)", "test failed on iteration 2 (exit code 2)"}
	fl.LogRunComplete(run, 2*time.Second)

	out := readLog(t, fl)
	assert.Contains(t, out, "run run-1 tenant=acme state=build max_iterations=3: Add a /health endpoint")
	assert.Contains(t, out, "run run-1 #1 build -> verify iteration=0")
	assert.Contains(t, out, `#2 verify -> escalate iteration=3 note="budget spent"`)
	assert.Contains(t, out, "[DEBUG] run run-1 lint passed")
	assert.Contains(t, out, "test failed exit=2 timed_out=false sandbox=sb-1\n    FAIL TestHealth\n    expected 200")
	assert.Contains(t, out, "[WARN] run run-1 escalated snapshot=snap-1")
	assert.Contains(t, out, "[ERROR] run run-1 escalation failed: store down")
	assert.Contains(t, out, "run run-1 complete outcome=needs_human iterations=3/3")

	detail, err := os.ReadFile(filepath.Join(dir, "runs", "acme-run-1.log"))
	require.NoError(t, err)
	d := string(detail)
	assert.Contains(t, d, "=== Run run-1 ===\nTenant: acme\nState: needs_human\nIterations: 3/3\n")
	assert.Contains(t, d, "Snapshot: snap-1")
	assert.Contains(t, d, "=== Plan: health ===\n1. add handler\n2. add test\n")
	assert.Contains(t, d, "=== Artifact (iteration 3) ===\n- main.go\n- main_test.go\n")
	assert.Contains(t, d, "=== Transitions ===\n#1 ")
	assert.Contains(t, d, "verify -> escalate (budget spent)")
	assert.Contains(t, d, "#### Entry 2\ntest failed on iteration 2 (exit code 2)")

	fl.mu.Lock()
	assert.Empty(t, fl.history, "history is dropped once the detail file is written")
	fl.mu.Unlock()
}

func TestFileLoggerCloseIdempotent(t *testing.T) {
	fl, _ := newTestFileLogger(t, "info")
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close())
	assert.NotPanics(t, func() { fl.LogInfo("after close") })
}

func TestMultiLogger(t *testing.T) {
	a, b := &bytes.Buffer{}, &bytes.Buffer{}
	m := NewMultiLogger(NewConsoleLogger(a, "info"), nil, NewConsoleLogger(b, "debug"))
	require.Len(t, m, 2)

	m.LogDebug("only b")
	m.LogWarn("both")
	m.LogTransition(testRun(), models.Transition{From: models.StateDesign, To: models.StateBuild})

	assert.NotContains(t, a.String(), "only b")
	assert.Contains(t, b.String(), "only b")
	for _, buf := range []*bytes.Buffer{a, b} {
		assert.Contains(t, buf.String(), "[WARN] both")
		assert.Contains(t, buf.String(), "run-1: design -> build")
	}
}
