package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/foundry/internal/capability"
	"github.com/harrison/foundry/internal/models"
	"github.com/harrison/foundry/internal/workspace"
)

// design asks the architect for a plan. Any capability failure is fatal.
func (o *Orchestrator) design(ctx context.Context, run *models.PipelineRun) (models.RunState, string, error) {
	out, err := o.invoke(ctx, o.architect, capability.Input{
		Request:     run.Request,
		PriorErrors: []string{},
	})
	var plan *models.ImplementationPlan
	if err == nil {
		plan, err = capability.PlanFrom(o.architect.Name(), out)
	}
	if err != nil {
		return models.StateFailed, "design: " + err.Error(), err
	}
	run.Plan = plan
	return models.StateBuild, fmt.Sprintf("plan %q with %d steps", plan.FeatureName, len(plan.Steps)), nil
}

// build asks the builder for a new artifact with the full error log as
// context. The artifact supersedes the previous one.
func (o *Orchestrator) build(ctx context.Context, run *models.PipelineRun) (models.RunState, string, error) {
	if run.Plan == nil {
		err := models.NewConfigurationError("plan", "run has no plan to build from")
		return models.StateFailed, "build: " + err.Error(), err
	}
	if run.Iteration >= run.MaxIterations {
		return models.StateEscalate, "iteration budget exhausted", nil
	}

	out, err := o.invoke(ctx, o.builder, capability.Input{
		Request:     run.Request,
		Plan:        run.Plan,
		PriorErrors: run.ErrorTail(0),
		Artifact:    run.Artifact,
		Iteration:   run.Iteration + 1,
	})
	var artifact *models.BuildArtifact
	if err == nil {
		artifact, err = capability.ArtifactFrom(o.builder.Name(), out)
	}
	if err != nil {
		return models.StateFailed, "build: " + err.Error(), err
	}

	artifact.Iteration = run.Iteration + 1
	run.Artifact = artifact
	run.SandboxAttempts = 0
	return models.StateVerify, fmt.Sprintf("artifact with %d files", len(artifact.Files)), nil
}

// verify checks the artifact in the sandbox. A completed check consumes one
// iteration; a sandbox failure consumes one sandbox attempt instead.
func (o *Orchestrator) verify(ctx context.Context, run *models.PipelineRun) (models.RunState, string, error) {
	if run.Artifact == nil {
		return models.StateBuild, "no artifact to verify", nil
	}
	if run.Iteration >= run.MaxIterations {
		return models.StateEscalate, "iteration budget exhausted", nil
	}

	failure, err := o.check(ctx, run)
	if err != nil {
		if !models.IsSandboxInfraError(err) {
			return models.StateFailed, "verify: " + err.Error(), err
		}
		run.SandboxAttempts++
		if run.SandboxAttempts >= o.cfg.SandboxRetries {
			return models.StateFailed, fmt.Sprintf("sandbox failed %d times: %v", run.SandboxAttempts, err), err
		}
		o.logger.LogWarn(fmt.Sprintf("run %s: sandbox attempt %d/%d failed: %v", run.ID, run.SandboxAttempts, o.cfg.SandboxRetries, err))
		return models.StateVerify, fmt.Sprintf("sandbox attempt %d/%d failed", run.SandboxAttempts, o.cfg.SandboxRetries), nil
	}

	run.SandboxAttempts = 0
	run.Iteration++
	if failure == nil {
		return models.StateSuccess, fmt.Sprintf("verified on iteration %d", run.Iteration), nil
	}

	failure.Iteration = run.Iteration
	run.AppendError(failure.LogEntry())
	if run.Iteration < run.MaxIterations {
		return models.StateRetry, failure.Error(), nil
	}
	return models.StateEscalate, failure.Error(), nil
}

// check materializes the artifact and runs lint, tests and the optional QA
// review, stopping at the first failure. It returns a *models.SandboxInfraError
// when the environment itself failed and a *models.CapabilityError when the
// reviewer did.
func (o *Orchestrator) check(ctx context.Context, run *models.PipelineRun) (*models.VerificationFailure, error) {
	dir := o.workspaceDir(run)
	if err := workspace.Materialize(dir, run.Artifact); err != nil {
		return nil, models.NewSandboxInfraError("materialize", o.sandbox.Name(), err)
	}

	h, err := o.sandbox.Prepare(ctx, dir, o.cfg.Environment, o.cfg.PrepareTimeout)
	if err != nil {
		if !models.IsSandboxInfraError(err) {
			err = models.NewSandboxInfraError("prepare", o.sandbox.Name(), err)
		}
		return nil, err
	}
	defer func() {
		if err := o.sandbox.Release(context.WithoutCancel(ctx), h); err != nil {
			o.logger.LogWarn(fmt.Sprintf("run %s: release sandbox %s: %v", run.ID, h.ID, err))
		}
	}()

	lint := o.sandbox.RunLinter(ctx, h, o.cfg.CommandTimeout)
	o.logger.LogVerification(run, models.StageLint, lint)
	if lint.InfraErr != nil {
		return nil, lint.InfraErr
	}
	if !lint.Success {
		return o.failure(models.StageLint, lint), nil
	}

	tests := o.sandbox.RunTests(ctx, h, o.cfg.TestPattern, o.cfg.CommandTimeout)
	o.logger.LogVerification(run, models.StageTest, tests)
	if tests.InfraErr != nil {
		return nil, tests.InfraErr
	}
	if !tests.Success {
		return o.failure(models.StageTest, tests), nil
	}

	if o.qa == nil {
		return nil, nil
	}
	return o.review(ctx, run)
}

func (o *Orchestrator) review(ctx context.Context, run *models.PipelineRun) (*models.VerificationFailure, error) {
	out, err := o.invoke(ctx, o.qa, capability.Input{
		Request:     run.Request,
		Plan:        run.Plan,
		PriorErrors: run.ErrorTail(0),
		Artifact:    run.Artifact,
		Iteration:   run.Iteration + 1,
	})
	var verdict *capability.Verdict
	if err == nil {
		verdict, err = capability.VerdictFrom(o.qa.Name(), out)
	}
	if err != nil {
		return nil, err
	}

	result := models.ExecutionResult{Success: verdict.Approved, Stdout: strings.Join(verdict.Findings, "\n")}
	o.logger.LogVerification(run, models.StageReview, result)
	if verdict.Approved {
		return nil, nil
	}
	return &models.VerificationFailure{
		Stage:  models.StageReview,
		Detail: models.TruncateTail(result.Stdout, o.cfg.DiagnosticLimit),
	}, nil
}

func (o *Orchestrator) failure(stage models.VerificationStage, result models.ExecutionResult) *models.VerificationFailure {
	return &models.VerificationFailure{
		Stage:    stage,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
		Detail:   result.Diagnostic(o.cfg.DiagnosticLimit),
	}
}

// escalate snapshots the run for a human. A snapshot failure is recorded in
// the error log and the run still ends in needs_human.
func (o *Orchestrator) escalate(ctx context.Context, run *models.PipelineRun) (models.RunState, string, error) {
	snap, err := o.escalation.Snapshot(ctx, run)
	o.logger.LogEscalation(run, snap, err)
	if err != nil {
		run.AppendError(fmt.Sprintf("escalation failed: %v", err))
		return models.StateNeedsHuman, "snapshot failed", nil
	}
	run.SnapshotID = snap.ID
	return models.StateNeedsHuman, "snapshot " + snap.ID, nil
}

func (o *Orchestrator) invoke(ctx context.Context, c capability.Capability, in capability.Input) (capability.Output, error) {
	if o.cfg.CapabilityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.CapabilityTimeout)
		defer cancel()
	}
	out, err := c.Invoke(ctx, in)
	if err != nil {
		return capability.Output{}, capability.Classify(c.Name(), err)
	}
	return out, nil
}
