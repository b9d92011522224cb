package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrison/foundry/internal/capability"
	"github.com/harrison/foundry/internal/escalation"
	"github.com/harrison/foundry/internal/models"
	"github.com/harrison/foundry/internal/sandbox"
)

// memStore is an in-memory RunStore that records every persisted state.
type memStore struct {
	mu          sync.Mutex
	runs        map[string]*models.PipelineRun
	transitions map[string][]models.Transition
	violations  []string
}

func newMemStore() *memStore {
	return &memStore{
		runs:        make(map[string]*models.PipelineRun),
		transitions: make(map[string][]models.Transition),
	}
}

func runKey(tenantID, runID string) string { return tenantID + "/" + runID }

func cloneRun(run *models.PipelineRun) *models.PipelineRun {
	data, err := json.Marshal(run)
	if err != nil {
		panic(err)
	}
	var out models.PipelineRun
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (s *memStore) CreateRun(_ context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(run.TenantID, run.ID)
	if _, ok := s.runs[key]; ok {
		return fmt.Errorf("run %s exists", run.ID)
	}
	s.runs[key] = cloneRun(run)
	return nil
}

func (s *memStore) SaveRun(_ context.Context, run *models.PipelineRun, t *models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(run.TenantID, run.ID)
	if _, ok := s.runs[key]; !ok {
		return errors.New("record not found")
	}
	if run.Iteration < 0 || run.Iteration > run.MaxIterations {
		s.violations = append(s.violations, fmt.Sprintf("%s: iteration %d in state %s", run.ID, run.Iteration, run.State))
	}
	s.runs[key] = cloneRun(run)
	if t != nil {
		t.RunID = run.ID
		t.Seq = len(s.transitions[key]) + 1
		s.transitions[key] = append(s.transitions[key], *t)
	}
	return nil
}

func (s *memStore) GetRun(_ context.Context, tenantID, runID string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

func (s *memStore) states(tenantID, runID string) []models.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RunState
	for _, t := range s.transitions[runKey(tenantID, runID)] {
		out = append(out, t.To)
	}
	return out
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// fakeSandbox scripts lint and test outcomes per call.
type fakeSandbox struct {
	mu         sync.Mutex
	prepareErr func(n int) error
	lint       func(n int, h *sandbox.Handle) models.ExecutionResult
	test       func(n int, h *sandbox.Handle) models.ExecutionResult

	prepares, lints, tests, releases int
}

func (f *fakeSandbox) Name() string                 { return "fake" }
func (f *fakeSandbox) Assurance() sandbox.Assurance { return sandbox.AssuranceIsolated }

func (f *fakeSandbox) Prepare(_ context.Context, ws string, env sandbox.Environment, _ time.Duration) (*sandbox.Handle, error) {
	f.mu.Lock()
	f.prepares++
	n := f.prepares
	f.mu.Unlock()
	if f.prepareErr != nil {
		if err := f.prepareErr(n); err != nil {
			return nil, err
		}
	}
	return &sandbox.Handle{ID: fmt.Sprintf("fake-%d", n), Backend: "fake", Workspace: ws, Env: env}, nil
}

func (f *fakeSandbox) RunLinter(_ context.Context, h *sandbox.Handle, _ time.Duration) models.ExecutionResult {
	f.mu.Lock()
	f.lints++
	n := f.lints
	f.mu.Unlock()
	if f.lint == nil {
		return passed()
	}
	return f.lint(n, h)
}

func (f *fakeSandbox) RunTests(_ context.Context, h *sandbox.Handle, _ string, _ time.Duration) models.ExecutionResult {
	f.mu.Lock()
	f.tests++
	n := f.tests
	f.mu.Unlock()
	if f.test == nil {
		return passed()
	}
	return f.test(n, h)
}

func (f *fakeSandbox) RunCommand(context.Context, *sandbox.Handle, []string, time.Duration) models.ExecutionResult {
	return passed()
}

func (f *fakeSandbox) Release(context.Context, *sandbox.Handle) error {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
	return nil
}

func passed() models.ExecutionResult {
	return models.ExecutionResult{Success: true}
}

func failed(stderr string) models.ExecutionResult {
	return models.ExecutionResult{ExitCode: 1, Stderr: stderr}
}

func readMain(t *testing.T, h *sandbox.Handle) string {
	data, err := os.ReadFile(filepath.Join(h.Workspace, "main.go"))
	if err != nil {
		t.Errorf("read workspace: %v", err)
	}
	return string(data)
}

// fakeEscalator records snapshots and returns a scripted resolution.
type fakeEscalator struct {
	mu          sync.Mutex
	snapshots   map[string]*models.EscalationSnapshot // latest by run id
	snapshotArt map[string]*models.BuildArtifact
	snapshotErr error
	resolution  escalation.Resolution
	resolveErr  error
	marked      []string
}

func newFakeEscalator() *fakeEscalator {
	return &fakeEscalator{
		snapshots:   make(map[string]*models.EscalationSnapshot),
		snapshotArt: make(map[string]*models.BuildArtifact),
	}
}

func (e *fakeEscalator) Snapshot(_ context.Context, run *models.PipelineRun) (*models.EscalationSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshotErr != nil {
		return nil, e.snapshotErr
	}
	seq := 1
	if snap, ok := e.snapshots[run.ID]; ok {
		if snap.IsOpen() {
			return snap, nil
		}
		seq = snap.Sequence + 1
	}
	id := "snap-" + run.ID
	if seq > 1 {
		id = fmt.Sprintf("%s-%d", id, seq)
	}
	snap := &models.EscalationSnapshot{
		ID:              id,
		RunID:           run.ID,
		TenantID:        run.TenantID,
		Sequence:        seq,
		ResumableHandle: "foundry://escalations/" + id + "?token=t",
		Status:          models.SnapshotOpen,
	}
	e.snapshots[run.ID] = snap
	e.snapshotArt[run.ID] = cloneRun(run).Artifact
	return snap, nil
}

func (e *fakeEscalator) CheckResolution(_ context.Context, tenantID, snapshotID string) (escalation.Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resolveErr != nil {
		return escalation.Resolution{}, e.resolveErr
	}
	res := e.resolution
	res.SnapshotID = snapshotID
	res.TenantID = tenantID
	return res, nil
}

func (e *fakeEscalator) MarkResolved(_ context.Context, _, snapshotID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marked = append(e.marked, snapshotID)
	for _, snap := range e.snapshots {
		if snap.ID == snapshotID {
			snap.Status = models.SnapshotResolved
		}
	}
	return nil
}

func (e *fakeEscalator) markedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.marked...)
}

func (e *fakeEscalator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.snapshots)
}

// recorder is a capability that records its inputs.
type recorder struct {
	mu     sync.Mutex
	name   string
	inputs []capability.Input
	reply  func(ctx context.Context, in capability.Input) (capability.Output, error)
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Invoke(ctx context.Context, in capability.Input) (capability.Output, error) {
	r.mu.Lock()
	in.PriorErrors = append([]string(nil), in.PriorErrors...)
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	return r.reply(ctx, in)
}

func (r *recorder) calls() []capability.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capability.Input(nil), r.inputs...)
}

func newArchitect() *recorder {
	return &recorder{
		name: capability.Architect,
		reply: func(_ context.Context, in capability.Input) (capability.Output, error) {
			return capability.Output{Kind: capability.KindPlan, Plan: &models.ImplementationPlan{
				FeatureName: "health check",
				Steps:       []string{"add /healthz handler", "register route"},
			}}, nil
		},
	}
}

// newBuilder returns a builder whose artifact records the iteration it was built for.
func newBuilder() *recorder {
	return &recorder{
		name: capability.Builder,
		reply: func(_ context.Context, in capability.Input) (capability.Output, error) {
			return capability.Output{Kind: capability.KindArtifact, Artifact: &models.BuildArtifact{
				Files:   []models.FileChange{{Path: "main.go", Content: fmt.Sprintf("package main // attempt %d\n", in.Iteration)}},
				Summary: fmt.Sprintf("attempt %d", in.Iteration),
			}}, nil
		},
	}
}

type harness struct {
	store     *memStore
	sandbox   *fakeSandbox
	escalator *fakeEscalator
	architect *recorder
	builder   *recorder
	orch      *Orchestrator
}

type harnessOption func(*harness, *Config, *[]capability.Capability)

func withConfig(fn func(*Config)) harnessOption {
	return func(_ *harness, cfg *Config, _ *[]capability.Capability) { fn(cfg) }
}

func withCapability(c capability.Capability) harnessOption {
	return func(_ *harness, _ *Config, caps *[]capability.Capability) { *caps = append(*caps, c) }
}

func newHarness(t *testing.T, sb *fakeSandbox, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		sandbox:   sb,
		escalator: newFakeEscalator(),
		architect: newArchitect(),
		builder:   newBuilder(),
	}
	cfg := DefaultConfig()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.RunTimeout = 30 * time.Second
	var extra []capability.Capability
	for _, opt := range opts {
		opt(h, &cfg, &extra)
	}

	caps := []capability.Capability{h.architect, h.builder}
	for _, c := range extra {
		// Replacements for the default architect or builder.
		switch c.Name() {
		case capability.Architect:
			caps[0] = c
		case capability.Builder:
			caps[1] = c
		default:
			caps = append(caps, c)
		}
	}
	reg, err := capability.NewRegistry(caps...)
	require.NoError(t, err)

	var ids atomic.Int64
	h.orch, err = New(Deps{
		Capabilities: reg,
		Sandbox:      sb,
		Escalation:   h.escalator,
		Store:        h.store,
		NewID: func() string {
			return fmt.Sprintf("run-%d", ids.Add(1))
		},
	}, cfg)
	require.NoError(t, err)
	return h
}
