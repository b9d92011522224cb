package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/harrison/foundry/internal/models"
)

// Runner starts one pipeline run.
type Runner interface {
	Run(ctx context.Context, req models.FeatureRequest) (*models.PipelineRun, error)
}

// Submission is the result of one dispatched request.
type Submission struct {
	Request models.FeatureRequest
	Run     *models.PipelineRun // nil if the run was never created
	Err     error
}

// Dispatcher runs many feature requests concurrently. Runs share nothing but
// the store; one run's failure never cancels another.
type Dispatcher struct {
	runner Runner
	limit  int
}

// NewDispatcher creates a Dispatcher running at most limit requests at once.
// A limit <= 0 means no limit.
func NewDispatcher(runner Runner, limit int) *Dispatcher {
	return &Dispatcher{runner: runner, limit: limit}
}

// Dispatch runs every request and returns their submissions in request order.
// It returns when all runs have finished or ctx is done and the started runs
// have returned.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []models.FeatureRequest) []Submission {
	subs := make([]Submission, len(reqs))
	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for i, req := range reqs {
		subs[i].Request = req
		if err := ctx.Err(); err != nil {
			subs[i].Err = err
			continue
		}
		g.Go(func() error {
			subs[i].Run, subs[i].Err = d.runner.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return subs
}
