// Package capability defines the contract for the external Architect,
// Builder and QA services and the adapters that invoke them.
//
// A capability is a black box: it receives the feature request plus whatever
// context the pipeline has accumulated and replies with a plan, an artifact or
// a verdict. Every failure is reported as a *models.CapabilityError whose Kind
// (timeout, malformed_output, refused) lets the orchestrator pick a transition.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/foundry/internal/models"
)

// Kind identifies the payload a capability returns.
type Kind string

const (
	KindPlan     Kind = "plan"
	KindArtifact Kind = "artifact"
	KindVerdict  Kind = "verdict"
)

// Input is the context handed to a capability.
type Input struct {
	Request     models.FeatureRequest      `json:"request"`
	Plan        *models.ImplementationPlan `json:"plan,omitempty"`
	PriorErrors []string                   `json:"prior_errors"`
	Artifact    *models.BuildArtifact      `json:"artifact,omitempty"`
	Iteration   int                        `json:"iteration"`
}

// Verdict is a QA review of an artifact that already passed lint and tests.
type Verdict struct {
	Approved bool     `json:"approved"`
	Findings []string `json:"findings,omitempty"`
}

// Output is a capability reply. Exactly one payload field matches Kind.
type Output struct {
	Kind     Kind
	Plan     *models.ImplementationPlan
	Artifact *models.BuildArtifact
	Verdict  *Verdict
}

// Capability is an external plan/code/review service.
type Capability interface {
	Name() string
	Invoke(ctx context.Context, in Input) (Output, error)
}

// Func adapts an in-process function to the Capability interface.
type Func struct {
	CapName string
	Fn      func(ctx context.Context, in Input) (Output, error)
}

// Name returns the capability name.
func (f Func) Name() string { return f.CapName }

// Invoke calls Fn and classifies any error it returns.
func (f Func) Invoke(ctx context.Context, in Input) (Output, error) {
	out, err := f.Fn(ctx, in)
	if err != nil {
		return Output{}, Classify(f.CapName, err)
	}
	return out, nil
}

// Classify converts an arbitrary invocation error into a *models.CapabilityError.
// Errors that already are capability errors pass through unchanged.
func Classify(name string, err error) error {
	if err == nil {
		return nil
	}
	var ce *models.CapabilityError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewCapabilityError(name, models.CapabilityTimeout, "no reply before deadline", err)
	}
	return models.NewCapabilityError(name, models.CapabilityRefused, "invocation failed", err)
}

// PlanFrom extracts and validates the plan in out.
func PlanFrom(name string, out Output) (*models.ImplementationPlan, error) {
	if out.Kind != KindPlan || out.Plan == nil {
		return nil, malformed(name, KindPlan, out.Kind)
	}
	if err := out.Plan.Validate(); err != nil {
		return nil, models.NewCapabilityError(name, models.CapabilityMalformed, "invalid plan", err)
	}
	return out.Plan, nil
}

// ArtifactFrom extracts and validates the artifact in out. An artifact that
// cannot be materialized is malformed output.
func ArtifactFrom(name string, out Output) (*models.BuildArtifact, error) {
	if out.Kind != KindArtifact || out.Artifact == nil {
		return nil, malformed(name, KindArtifact, out.Kind)
	}
	if err := out.Artifact.Validate(); err != nil {
		return nil, models.NewCapabilityError(name, models.CapabilityMalformed, "invalid artifact", err)
	}
	return out.Artifact, nil
}

// VerdictFrom extracts the verdict in out.
func VerdictFrom(name string, out Output) (*Verdict, error) {
	if out.Kind != KindVerdict || out.Verdict == nil {
		return nil, malformed(name, KindVerdict, out.Kind)
	}
	return out.Verdict, nil
}

func malformed(name string, want, got Kind) error {
	if got == "" {
		got = "empty"
	}
	return models.NewCapabilityError(name, models.CapabilityMalformed,
		fmt.Sprintf("expected %s reply, got %s", want, got), nil)
}
