// Package pipeline drives a feature request from submission to one of three
// terminal outcomes: success, needs_human or failed.
//
// The Orchestrator is an explicit state machine:
//
//	DESIGN -> BUILD -> VERIFY -> SUCCESS
//	                     |
//	                     +-> RETRY -> BUILD     (iteration_count < max_iterations)
//	                     +-> ESCALATE -> NEEDS_HUMAN
//
// FAILED is reachable from any stage on a non-retriable error. The run is
// persisted after every transition, so a crashed run is continued by Resume
// from its stored state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/harrison/foundry/internal/capability"
	"github.com/harrison/foundry/internal/escalation"
	"github.com/harrison/foundry/internal/models"
	"github.com/harrison/foundry/internal/sandbox"
)

var (
	// ErrRunNotFound is returned when no run matches the tenant and id.
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrNotResolved is returned by ResumeFromHuman while the snapshot has no human fix.
	ErrNotResolved = errors.New("escalation not resolved")

	// ErrNotEscalated is returned by ResumeFromHuman for a run that is not waiting on a human.
	ErrNotEscalated = errors.New("run is not waiting for a human")
)

// Logger receives run progress. Implementations must be safe for concurrent use.
type Logger interface {
	LogRunStart(run *models.PipelineRun)
	LogTransition(run *models.PipelineRun, t models.Transition)
	LogVerification(run *models.PipelineRun, stage models.VerificationStage, result models.ExecutionResult)
	LogEscalation(run *models.PipelineRun, snap *models.EscalationSnapshot, err error)
	LogRunComplete(run *models.PipelineRun, duration time.Duration)
	LogWarn(message string)
}

// RunStore persists runs. GetRun returns (nil, nil) when the run does not exist.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.PipelineRun) error
	SaveRun(ctx context.Context, run *models.PipelineRun, t *models.Transition) error
	GetRun(ctx context.Context, tenantID, runID string) (*models.PipelineRun, error)
}

// Escalator hands runs to humans and reports their fixes.
type Escalator interface {
	Snapshot(ctx context.Context, run *models.PipelineRun) (*models.EscalationSnapshot, error)
	CheckResolution(ctx context.Context, tenantID, snapshotID string) (escalation.Resolution, error)
	MarkResolved(ctx context.Context, tenantID, snapshotID string) error
}

// Deps are the collaborators of an Orchestrator, constructed once per process.
type Deps struct {
	Capabilities *capability.Registry // Must hold architect and builder; qa is optional
	Sandbox      sandbox.Sandbox
	Escalation   Escalator
	Store        RunStore
	Logger       Logger
	Now          func() time.Time
	NewID        func() string
}

// Config bounds the retry loop and every stage call.
type Config struct {
	MaxIterations     int
	SandboxRetries    int // Attempts per verification before a sandbox failure is fatal
	CapabilityTimeout time.Duration
	PrepareTimeout    time.Duration
	CommandTimeout    time.Duration
	RunTimeout        time.Duration // 0 disables the run-level deadline
	DiagnosticLimit   int           // Bytes of lint/test output kept per error log entry
	WorkspaceRoot     string        // Workspaces live under <root>/<tenant>/<run>
	Environment       sandbox.Environment
	TestPattern       string
}

// DefaultConfig returns the default loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     3,
		SandboxRetries:    2,
		CapabilityTimeout: 10 * time.Minute,
		PrepareTimeout:    5 * time.Minute,
		CommandTimeout:    10 * time.Minute,
		RunTimeout:        time.Hour,
		DiagnosticLimit:   4000,
		WorkspaceRoot:     filepath.Join(".foundry", "workspaces"),
		Environment:       sandbox.DefaultEnvironment(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxIterations < 1 {
		return models.NewConfigurationError("max_iterations", "must be at least 1")
	}
	if c.SandboxRetries < 1 {
		return models.NewConfigurationError("sandbox_retries", "must be at least 1")
	}
	if c.CapabilityTimeout < 0 || c.PrepareTimeout < 0 || c.CommandTimeout < 0 || c.RunTimeout < 0 {
		return models.NewConfigurationError("timeouts", "must not be negative")
	}
	if c.WorkspaceRoot == "" {
		return models.NewConfigurationError("workspace_root", "is required")
	}
	if err := c.Environment.Validate(); err != nil {
		return models.NewConfigurationError("environment", err.Error())
	}
	return nil
}

// Orchestrator runs the pipeline state machine. It holds no per-run state, so
// one Orchestrator serves any number of concurrent runs.
type Orchestrator struct {
	architect  capability.Capability
	builder    capability.Capability
	qa         capability.Capability
	sandbox    sandbox.Sandbox
	escalation Escalator
	store      RunStore
	logger     Logger
	cfg        Config
	now        func() time.Time
	newID      func() string

	resumes singleflight.Group
}

// New validates deps and cfg and creates an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Capabilities == nil {
		return nil, models.NewConfigurationError("capabilities", "registry is required")
	}
	if err := deps.Capabilities.Require(capability.Architect, capability.Builder); err != nil {
		return nil, err
	}
	if deps.Sandbox == nil {
		return nil, models.NewConfigurationError("sandbox", "sandbox is required")
	}
	if deps.Escalation == nil {
		return nil, models.NewConfigurationError("escalation", "escalation manager is required")
	}
	if deps.Store == nil {
		return nil, models.NewConfigurationError("store", "run store is required")
	}

	o := &Orchestrator{
		sandbox:    deps.Sandbox,
		escalation: deps.Escalation,
		store:      deps.Store,
		logger:     deps.Logger,
		cfg:        cfg,
		now:        deps.Now,
		newID:      deps.NewID,
	}
	o.architect, _ = deps.Capabilities.Lookup(capability.Architect)
	o.builder, _ = deps.Capabilities.Lookup(capability.Builder)
	if qa, ok := deps.Capabilities.Lookup(capability.QA); ok {
		o.qa = qa
	}
	if o.logger == nil {
		o.logger = nopLogger{}
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.New().String() }
	}
	return o, nil
}

// Run drives a new feature request to a terminal state. An invalid request
// fails immediately with a *models.ConfigurationError and creates no run.
//
// The returned run is terminal unless err is a context error from ctx, in
// which case the run stays at its last persisted state and can be resumed.
// For a failed run err carries the fatal cause.
func (o *Orchestrator) Run(ctx context.Context, req models.FeatureRequest) (*models.PipelineRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := o.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}

	run := &models.PipelineRun{
		ID:            o.newID(),
		TenantID:      req.TenantID,
		Request:       req,
		State:         models.StateDesign,
		MaxIterations: o.cfg.MaxIterations,
		ErrorLog:      []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.logger.LogRunStart(run)
	return o.drive(ctx, run)
}

// Resume re-enters the state machine at the run's persisted state. A terminal
// run is returned unchanged. Concurrent calls for the same run share one drive.
func (o *Orchestrator) Resume(ctx context.Context, tenantID, runID string) (*models.PipelineRun, error) {
	return o.single(tenantID, runID, func() (*models.PipelineRun, error) {
		run, err := o.load(ctx, tenantID, runID)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		o.logger.LogRunStart(run)
		return o.drive(ctx, run)
	})
}

// ResumeFromHuman continues an escalated run once its snapshot is resolved.
// The human's workspace becomes the run's artifact, the iteration budget
// restarts at zero, a note recording the intervention is appended to the
// error log, and the run re-enters VERIFY. Only the run's current escalation
// can resume it; its snapshot is marked resolved as the run takes the fix.
func (o *Orchestrator) ResumeFromHuman(ctx context.Context, tenantID, snapshotID string) (*models.PipelineRun, error) {
	res, err := o.escalation.CheckResolution(ctx, tenantID, snapshotID)
	if err != nil {
		return nil, err
	}
	if !res.Resolved {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotResolved, snapshotID)
	}

	return o.single(tenantID, res.RunID, func() (*models.PipelineRun, error) {
		run, err := o.load(ctx, tenantID, res.RunID)
		if err != nil {
			return nil, err
		}
		if run.State != models.StateNeedsHuman {
			return run, fmt.Errorf("%w: run %s is %s", ErrNotEscalated, run.ID, run.State)
		}
		if run.SnapshotID != res.SnapshotID {
			return run, fmt.Errorf("%w: run %s waits on snapshot %s", ErrNotEscalated, run.ID, run.SnapshotID)
		}
		if err := o.escalation.MarkResolved(ctx, tenantID, res.SnapshotID); err != nil {
			return run, err
		}

		artifact := res.Artifact
		artifact.Iteration = 0
		run.Artifact = artifact
		run.Iteration = 0
		run.SandboxAttempts = 0
		note := "human intervention: resolved snapshot " + res.SnapshotID
		if res.Commit != "" {
			note += " at commit " + shortCommit(res.Commit)
		}
		run.AppendError(note)

		if err := o.transition(ctx, run, models.StateVerify, note); err != nil {
			return run, err
		}
		o.logger.LogRunStart(run)
		return o.drive(ctx, run)
	})
}

func (o *Orchestrator) single(tenantID, runID string, fn func() (*models.PipelineRun, error)) (*models.PipelineRun, error) {
	v, err, _ := o.resumes.Do(tenantID+"/"+runID, func() (any, error) {
		return fn()
	})
	run, _ := v.(*models.PipelineRun)
	return run, err
}

func (o *Orchestrator) load(ctx context.Context, tenantID, runID string) (*models.PipelineRun, error) {
	run, err := o.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// drive steps the run until it is terminal. Cancellation of ctx leaves the run
// at its last persisted state; expiry of the run deadline fails it.
func (o *Orchestrator) drive(ctx context.Context, run *models.PipelineRun) (*models.PipelineRun, error) {
	start := time.Now()
	runCtx := ctx
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	var fatal error
	for !run.Terminal() {
		next, note, err := o.step(runCtx, run)
		if ctx.Err() != nil {
			return run, ctx.Err()
		}
		if runCtx.Err() != nil && !next.Terminal() {
			next = models.StateFailed
			note = fmt.Sprintf("run timed out after %v", o.cfg.RunTimeout)
			err = fmt.Errorf("run %s: %s: %w", run.ID, note, runCtx.Err())
		}
		if err := o.transition(ctx, run, next, note); err != nil {
			return run, err
		}
		if next == models.StateFailed {
			fatal = err
		}
	}

	o.logger.LogRunComplete(run, time.Since(start))
	return run, fatal
}

// step executes the work of the run's current state and returns the next
// state. It mutates run in memory only; transition persists it.
func (o *Orchestrator) step(ctx context.Context, run *models.PipelineRun) (models.RunState, string, error) {
	switch run.State {
	case models.StateDesign:
		return o.design(ctx, run)
	case models.StateBuild:
		return o.build(ctx, run)
	case models.StateVerify:
		return o.verify(ctx, run)
	case models.StateRetry:
		return models.StateBuild, fmt.Sprintf("retry %d/%d", run.Iteration+1, run.MaxIterations), nil
	case models.StateEscalate:
		return o.escalate(ctx, run)
	default:
		err := fmt.Errorf("run %s: no transition from state %q", run.ID, run.State)
		return models.StateFailed, err.Error(), err
	}
}

func (o *Orchestrator) transition(ctx context.Context, run *models.PipelineRun, to models.RunState, note string) error {
	t := &models.Transition{
		From:      run.State,
		To:        to,
		Iteration: run.Iteration,
		Note:      note,
		At:        o.now(),
	}
	run.State = to
	run.UpdatedAt = t.At
	if err := run.CheckInvariants(); err != nil {
		return err
	}
	if err := o.store.SaveRun(ctx, run, t); err != nil {
		return fmt.Errorf("persist run %s (%s -> %s): %w", run.ID, t.From, t.To, err)
	}
	o.logger.LogTransition(run, *t)
	return nil
}

func (o *Orchestrator) workspaceDir(run *models.PipelineRun) string {
	return filepath.Join(o.cfg.WorkspaceRoot, run.TenantID, run.ID)
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

type nopLogger struct{}

func (nopLogger) LogRunStart(*models.PipelineRun)                                                       {}
func (nopLogger) LogTransition(*models.PipelineRun, models.Transition)                                  {}
func (nopLogger) LogVerification(*models.PipelineRun, models.VerificationStage, models.ExecutionResult) {}
func (nopLogger) LogEscalation(*models.PipelineRun, *models.EscalationSnapshot, error)                  {}
func (nopLogger) LogRunComplete(*models.PipelineRun, time.Duration)                                     {}
func (nopLogger) LogWarn(string)                                                                        {}
