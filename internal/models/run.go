package models

import (
	"fmt"
	"time"
)

// RunState is a state of the pipeline state machine.
type RunState string

// Pipeline states. Success, NeedsHuman and Failed are terminal.
const (
	StateDesign     RunState = "design"
	StateBuild      RunState = "build"
	StateVerify     RunState = "verify"
	StateRetry      RunState = "retry"
	StateEscalate   RunState = "escalate"
	StateSuccess    RunState = "success"
	StateNeedsHuman RunState = "needs_human"
	StateFailed     RunState = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s RunState) Terminal() bool {
	switch s {
	case StateSuccess, StateNeedsHuman, StateFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s RunState) Valid() bool {
	switch s {
	case StateDesign, StateBuild, StateVerify, StateRetry, StateEscalate,
		StateSuccess, StateNeedsHuman, StateFailed:
		return true
	default:
		return false
	}
}

// ParseRunState converts a persisted state name into a RunState.
func ParseRunState(s string) (RunState, error) {
	state := RunState(s)
	if !state.Valid() {
		return "", fmt.Errorf("unknown run state %q", s)
	}
	return state, nil
}

// PipelineRun is one end-to-end attempt to satisfy a feature request.
// It is owned exclusively by the orchestrator and persisted after every transition.
type PipelineRun struct {
	ID            string              `json:"id"`
	TenantID      string              `json:"tenant_id"`
	Request       FeatureRequest      `json:"feature_request"`
	State         RunState            `json:"state"`
	Iteration     int                 `json:"iteration_count"`
	MaxIterations int                 `json:"max_iterations"`
	ErrorLog      []string            `json:"error_log"`
	Plan          *ImplementationPlan `json:"plan,omitempty"`
	Artifact      *BuildArtifact      `json:"artifact,omitempty"`
	SnapshotID    string              `json:"snapshot_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`

	// SandboxAttempts counts consecutive sandbox infrastructure failures in the
	// current verification; it is independent of Iteration.
	SandboxAttempts int `json:"sandbox_attempts"`
}

// AppendError appends an entry to the error log. The log is never truncated here.
func (r *PipelineRun) AppendError(entry string) {
	r.ErrorLog = append(r.ErrorLog, entry)
}

// ErrorTail returns the last n error log entries (all of them when n <= 0).
func (r *PipelineRun) ErrorTail(n int) []string {
	if n <= 0 || n >= len(r.ErrorLog) {
		return append([]string(nil), r.ErrorLog...)
	}
	return append([]string(nil), r.ErrorLog[len(r.ErrorLog)-n:]...)
}

// Terminal reports whether the run has reached a terminal state.
func (r *PipelineRun) Terminal() bool {
	return r.State.Terminal()
}

// Outcome maps the run state to its user-visible status.
// Returns an empty Outcome while the run is still in progress.
func (r *PipelineRun) Outcome() Outcome {
	switch r.State {
	case StateSuccess:
		return OutcomeSuccess
	case StateNeedsHuman:
		return OutcomeNeedsHuman
	case StateFailed:
		return OutcomeFailed
	default:
		return ""
	}
}

// CheckInvariants verifies the iteration bound. Used by the orchestrator before
// every persistence write.
func (r *PipelineRun) CheckInvariants() error {
	if r.Iteration < 0 || r.Iteration > r.MaxIterations {
		return fmt.Errorf("run %s: iteration %d outside [0, %d]", r.ID, r.Iteration, r.MaxIterations)
	}
	return nil
}

// Outcome is one of the three user-visible terminal statuses.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeNeedsHuman Outcome = "needs_human"
	OutcomeFailed     Outcome = "failed"
)

// Transition records a single state change of a run. Transitions of one run
// form a single ordered sequence.
type Transition struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	From      RunState  `json:"from"`
	To        RunState  `json:"to"`
	Iteration int       `json:"iteration"`
	Note      string    `json:"note,omitempty"`
	At        time.Time `json:"at"`
}
