package capability

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foundry/internal/models"
)

func capabilityKind(t *testing.T, err error) models.CapabilityErrorKind {
	t.Helper()
	var ce *models.CapabilityError
	require.True(t, errors.As(err, &ce), "expected CapabilityError, got %v", err)
	return ce.Kind
}

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name     string
		want     Kind
		raw      string
		errKind  models.CapabilityErrorKind
		validate func(t *testing.T, out Output)
	}{
		{
			name: "plan object",
			want: KindPlan,
			raw:  `{"kind":"plan","payload":{"feature_name":"health","steps":["add handler"]}}`,
			validate: func(t *testing.T, out Output) {
				assert.Equal(t, "health", out.Plan.FeatureName)
				assert.Equal(t, []string{"add handler"}, out.Plan.Steps)
			},
		},
		{
			name: "plan as markdown string",
			want: KindPlan,
			raw:  `{"kind":"plan","payload":"# health\n\n## Steps\n\n1. add handler\n2. add route\n"}`,
			validate: func(t *testing.T, out Output) {
				assert.Equal(t, []string{"add handler", "add route"}, out.Plan.Steps)
			},
		},
		{
			name: "artifact without kind field",
			want: KindArtifact,
			raw:  `{"files":[{"path":"main.go","content":"package main"}],"summary":"initial"}`,
			validate: func(t *testing.T, out Output) {
				require.Len(t, out.Artifact.Files, 1)
				assert.Equal(t, "main.go", out.Artifact.Files[0].Path)
			},
		},
		{
			name: "structured_output envelope",
			want: KindVerdict,
			raw:  `{"type":"result","session_id":"s1","structured_output":{"kind":"verdict","payload":{"approved":false,"findings":["no tests"]}}}`,
			validate: func(t *testing.T, out Output) {
				assert.False(t, out.Verdict.Approved)
				assert.Equal(t, []string{"no tests"}, out.Verdict.Findings)
			},
		},
		{
			name: "result string envelope",
			want: KindVerdict,
			raw:  `{"type":"result","result":"{\"kind\":\"verdict\",\"payload\":{\"approved\":true}}"}`,
			validate: func(t *testing.T, out Output) {
				assert.True(t, out.Verdict.Approved)
			},
		},
		{
			name: "prose around JSON",
			want: KindVerdict,
			raw:  "Here is my review:\n{\"kind\":\"verdict\",\"payload\":{\"approved\":true}}\nThanks",
			validate: func(t *testing.T, out Output) {
				assert.True(t, out.Verdict.Approved)
			},
		},
		{
			name:    "wrong kind",
			want:    KindPlan,
			raw:     `{"kind":"artifact","payload":{"files":[]}}`,
			errKind: models.CapabilityMalformed,
		},
		{
			name:    "not JSON",
			want:    KindPlan,
			raw:     "I cannot help with that",
			errKind: models.CapabilityMalformed,
		},
		{
			name:    "empty reply",
			want:    KindArtifact,
			raw:     "  ",
			errKind: models.CapabilityMalformed,
		},
		{
			name:    "structured refusal",
			want:    KindArtifact,
			raw:     `{"error":{"kind":"refused","message":"policy"}}`,
			errKind: models.CapabilityRefused,
		},
		{
			name:    "structured timeout",
			want:    KindArtifact,
			raw:     `{"error":{"kind":"timeout"}}`,
			errKind: models.CapabilityTimeout,
		},
		{
			name:    "string error",
			want:    KindPlan,
			raw:     `{"error":"quota exhausted"}`,
			errKind: models.CapabilityRefused,
		},
		{
			name:    "markdown plan without steps",
			want:    KindPlan,
			raw:     `{"kind":"plan","payload":"# health\n\nJust do it.\n"}`,
			errKind: models.CapabilityMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := DecodeReply("test", tt.want, []byte(tt.raw))
			if tt.errKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.errKind, capabilityKind(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Kind)
			tt.validate(t, out)
		})
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capability.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestCommandCapabilityInvoke(t *testing.T) {
	captured := filepath.Join(t.TempDir(), "stdin.json")
	script := writeScript(t, `cat > "$CAPTURE"
printf '%s\n' '{"kind":"artifact","payload":{"files":[{"path":"main.go","content":"package main\n"}],"summary":"first"}}'
`)

	c, err := NewCommandCapability(Builder, KindArtifact, []string{script}, 10*time.Second)
	require.NoError(t, err)
	c.Env = []string{"CAPTURE=" + captured}

	in := Input{
		Request:     models.NewFeatureRequest("acme", "add health check endpoint"),
		Plan:        &models.ImplementationPlan{FeatureName: "health", Steps: []string{"handler"}},
		PriorErrors: []string{"lint failed"},
		Iteration:   1,
	}
	out, err := c.Invoke(context.Background(), in)
	require.NoError(t, err)

	artifact, err := ArtifactFrom(Builder, out)
	require.NoError(t, err)
	assert.Equal(t, "first", artifact.Summary)

	data, err := os.ReadFile(captured)
	require.NoError(t, err)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(data, &sent))
	assert.Equal(t, "builder", sent["capability"])
	assert.Equal(t, "artifact", sent["expect"])
	assert.Equal(t, []any{"lint failed"}, sent["prior_errors"])
	assert.Contains(t, sent, "plan")
}

func TestCommandCapabilityFailures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		c, err := NewCommandCapability(Architect, KindPlan, []string{writeScript(t, "exec sleep 5\n")}, 100*time.Millisecond)
		require.NoError(t, err)

		_, err = c.Invoke(context.Background(), Input{})
		require.Error(t, err)
		assert.True(t, models.IsTimeout(err))
	})

	t.Run("nonzero exit is a refusal", func(t *testing.T) {
		c, err := NewCommandCapability(Architect, KindPlan, []string{writeScript(t, "echo 'model offline' >&2\nexit 3\n")}, time.Second*10)
		require.NoError(t, err)

		_, err = c.Invoke(context.Background(), Input{})
		require.Error(t, err)
		assert.Equal(t, models.CapabilityRefused, capabilityKind(t, err))
		assert.Contains(t, err.Error(), "model offline")
	})

	t.Run("structured error on nonzero exit", func(t *testing.T) {
		script := writeScript(t, `echo '{"error":{"kind":"malformed_output","message":"bad schema"}}'
exit 1
`)
		c, err := NewCommandCapability(Architect, KindPlan, []string{script}, 10*time.Second)
		require.NoError(t, err)

		_, err = c.Invoke(context.Background(), Input{})
		assert.Equal(t, models.CapabilityMalformed, capabilityKind(t, err))
	})
}

func TestNewCommandCapabilityValidation(t *testing.T) {
	_, err := NewCommandCapability("", KindPlan, []string{"true"}, 0)
	assert.True(t, models.IsConfigurationError(err))

	_, err = NewCommandCapability(Builder, KindArtifact, nil, 0)
	assert.True(t, models.IsConfigurationError(err))

	_, err = NewCommandCapability(QA, Kind("essay"), []string{"true"}, 0)
	assert.True(t, models.IsConfigurationError(err))
}

func TestRegistry(t *testing.T) {
	noop := func(name string) Capability {
		return Func{CapName: name, Fn: func(context.Context, Input) (Output, error) { return Output{}, nil }}
	}

	reg, err := NewRegistry(noop(Builder), noop(Architect))
	require.NoError(t, err)
	assert.Equal(t, []string{"architect", "builder"}, reg.Names())

	_, ok := reg.Lookup(QA)
	assert.False(t, ok)
	assert.NoError(t, reg.Require(Architect, Builder))
	assert.True(t, models.IsConfigurationError(reg.Require(Architect, QA)))

	_, err = NewRegistry(noop(Builder), noop(Builder))
	assert.True(t, models.IsConfigurationError(err))

	_, err = NewRegistry(nil)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("x", nil))
	assert.Equal(t, models.CapabilityTimeout, capabilityKind(t, Classify("x", context.DeadlineExceeded)))
	assert.Equal(t, models.CapabilityRefused, capabilityKind(t, Classify("x", errors.New("boom"))))

	orig := models.NewCapabilityError("x", models.CapabilityMalformed, "bad", nil)
	assert.Same(t, orig, Classify("x", orig))
}

func TestArtifactFromRejectsUnsafeArtifact(t *testing.T) {
	out := Output{Kind: KindArtifact, Artifact: &models.BuildArtifact{
		Files: []models.FileChange{{Path: "../etc/passwd", Content: "x"}},
	}}
	_, err := ArtifactFrom(Builder, out)
	assert.Equal(t, models.CapabilityMalformed, capabilityKind(t, err))

	out.Artifact.Files = []models.FileChange{{Path: "hooks/.git", Content: "gitdir: ../x"}}
	_, err = ArtifactFrom(Builder, out)
	assert.Equal(t, models.CapabilityMalformed, capabilityKind(t, err), "reserved names cannot round-trip through a workspace")

	_, err = PlanFrom(Architect, Output{Kind: KindArtifact})
	assert.Equal(t, models.CapabilityMalformed, capabilityKind(t, err))
}

func TestDecodeMarkdownPlan(t *testing.T) {
	src := []byte(`# Feature: Health check endpoint

Some prose the decoder ignores.

## Steps

1. Add a ` + "`/healthz`" + ` handler
2. Register the route
   - nested detail is folded away

## References

- RFC 7231

## Acceptance Criteria:

- GET /healthz returns
  200 OK
`)

	plan, err := DecodeMarkdownPlan(src)
	require.NoError(t, err)
	assert.Equal(t, "Health check endpoint", plan.FeatureName)
	assert.Equal(t, []string{"Add a /healthz handler", "Register the route"}, plan.Steps)
	assert.Equal(t, []string{"RFC 7231"}, plan.References)
	assert.Equal(t, []string{"GET /healthz returns 200 OK"}, plan.AcceptanceCriteria)
}
