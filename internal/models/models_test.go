package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     FeatureRequest
		wantErr bool
	}{
		{
			name: "valid request",
			req:  NewFeatureRequest("acme", "add health check endpoint"),
		},
		{
			name:    "blank description",
			req:     NewFeatureRequest("acme", "   "),
			wantErr: true,
		},
		{
			name:    "empty tenant",
			req:     NewFeatureRequest("", "add health check endpoint"),
			wantErr: true,
		},
		{
			name:    "tenant with path separator",
			req:     FeatureRequest{TenantID: "acme/../other", Description: "x"},
			wantErr: true,
		},
		{
			name:    "uppercase tenant",
			req:     FeatureRequest{TenantID: "ACME", Description: "x"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestBuildArtifactValidate(t *testing.T) {
	tests := []struct {
		name    string
		files   []FileChange
		wantErr string
	}{
		{name: "valid", files: []FileChange{{Path: "main.go", Content: "package main"}, {Path: "pkg/a.go"}}},
		{name: "no files", files: nil, wantErr: "no files"},
		{name: "absolute path", files: []FileChange{{Path: "/etc/passwd"}}, wantErr: "relative"},
		{name: "escaping path", files: []FileChange{{Path: "a/../../x.go"}}, wantErr: "escapes"},
		{name: "duplicate after cleaning", files: []FileChange{{Path: "a/b.go"}, {Path: "a/./b.go"}}, wantErr: "duplicate"},
		{name: "empty path", files: []FileChange{{Path: " "}}, wantErr: "empty"},
		{name: "nested git dir", files: []FileChange{{Path: "hooks/.git"}}, wantErr: "reserved"},
		{name: "git metadata", files: []FileChange{{Path: ".git/config"}}, wantErr: "reserved"},
		{name: "workspace lock", files: []FileChange{{Path: ".foundry.lock"}}, wantErr: "reserved"},
		{name: "temp file", files: []FileChange{{Path: "pkg/.tmp-123"}}, wantErr: "reserved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &BuildArtifact{Files: tt.files}
			err := a.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExecutionResultDiagnostic(t *testing.T) {
	r := ExecutionResult{Stdout: "ok line\n", Stderr: "main.go:3: undefined: http\n"}
	assert.Equal(t, "ok line\nmain.go:3: undefined: http", r.Diagnostic(0))

	long := ExecutionResult{Stderr: strings.Repeat("a", 100) + "TAIL"}
	got := long.Diagnostic(40)
	assert.Len(t, got, 40)
	assert.True(t, strings.HasPrefix(got, "...[truncated]"))
	assert.True(t, strings.HasSuffix(got, "TAIL"))
}

func TestTruncateTailKeepsRunesWhole(t *testing.T) {
	s := "x" + strings.Repeat("é", 20)

	tests := []struct {
		name  string
		limit int
		want  string
	}{
		{"cut inside a rune after the marker", 20, "...[truncated]\néé"},
		{"cut inside a rune without room for the marker", 3, "é"},
		{"cut on a boundary", 17, "...[truncated]\né"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateTail(s, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.limit)
		})
	}
}

func TestRunStateTerminal(t *testing.T) {
	for _, s := range []RunState{StateSuccess, StateNeedsHuman, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []RunState{StateDesign, StateBuild, StateVerify, StateRetry, StateEscalate} {
		assert.False(t, s.Terminal(), s)
	}

	_, err := ParseRunState("paused")
	assert.Error(t, err)
	s, err := ParseRunState("needs_human")
	require.NoError(t, err)
	assert.Equal(t, StateNeedsHuman, s)
}

func TestPipelineRunErrorTailAndOutcome(t *testing.T) {
	run := &PipelineRun{ID: "r1", MaxIterations: 3, State: StateVerify}
	for i := 1; i <= 4; i++ {
		run.AppendError(fmt.Sprintf("e%d", i))
	}
	assert.Equal(t, []string{"e3", "e4"}, run.ErrorTail(2))
	assert.Len(t, run.ErrorTail(0), 4)
	assert.Equal(t, Outcome(""), run.Outcome())

	run.State = StateNeedsHuman
	assert.Equal(t, OutcomeNeedsHuman, run.Outcome())

	run.Iteration = 4
	assert.Error(t, run.CheckInvariants())
}

func TestErrorPredicates(t *testing.T) {
	capErr := NewCapabilityError("architect", CapabilityTimeout, "no reply", context.DeadlineExceeded)
	wrapped := fmt.Errorf("design: %w", capErr)

	assert.True(t, IsCapabilityError(wrapped))
	assert.True(t, IsTimeout(wrapped))
	assert.False(t, IsConfigurationError(wrapped))

	infra := NewSandboxInfraError("prepare", "docker", errors.New("daemon unreachable"))
	assert.True(t, IsSandboxInfraError(fmt.Errorf("verify: %w", infra)))
	assert.Contains(t, infra.Error(), "sandbox docker prepare")

	snap := &SnapshotError{RunID: "r1", Op: "upload", Err: errors.New("bucket missing")}
	assert.True(t, IsSnapshotError(snap))

	vf := &VerificationFailure{Stage: StageLint, Iteration: 1, ExitCode: 1, Detail: "missing import"}
	assert.True(t, IsVerificationFailure(vf))
	assert.Equal(t, "lint failed on iteration 1 (exit code 1)\nmissing import", vf.LogEntry())
}
