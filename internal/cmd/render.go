package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/foundry/internal/models"
)

// errorTailSize is the number of error log entries shown with a terminal outcome.
const errorTailSize = 3

// printOutcome writes the user-visible result of a run: its status, the
// error log tail and, for needs_human, the resumable handle.
func printOutcome(w io.Writer, run *models.PipelineRun, snap *models.EscalationSnapshot, runErr error) {
	if run == nil {
		fmt.Fprintf(w, "Run not started: %v\n", runErr)
		return
	}

	status := string(run.Outcome())
	if status == "" {
		status = "interrupted (" + string(run.State) + ")"
	}
	fmt.Fprintf(w, "\nRun %s [%s]: %s\n", run.ID, run.TenantID, colorize(run.State, status))
	fmt.Fprintf(w, "  Iterations: %d/%d\n", run.Iteration, run.MaxIterations)
	if run.Artifact != nil {
		fmt.Fprintf(w, "  Files: %s\n", strings.Join(run.Artifact.Paths(), ", "))
	}

	switch {
	case run.State == models.StateNeedsHuman && snap != nil:
		fmt.Fprintf(w, "  Snapshot: %s\n", snap.ID)
		fmt.Fprintf(w, "  Handle: %s\n", snap.ResumableHandle)
	case run.State == models.StateFailed && runErr != nil:
		fmt.Fprintf(w, "  Cause: %v\n", runErr)
	case !run.Terminal():
		fmt.Fprintf(w, "  Resume with: foundry resume %s --tenant %s\n", run.ID, run.TenantID)
	}

	if run.State != models.StateSuccess {
		if tail := run.ErrorTail(errorTailSize); len(tail) > 0 {
			fmt.Fprintf(w, "  Recent errors:\n")
			for _, entry := range tail {
				fmt.Fprintf(w, "    - %s\n", strings.ReplaceAll(strings.TrimSpace(entry), "\n", "\n      "))
			}
		}
	}
}

func printRunTable(w io.Writer, runs []*models.PipelineRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-11s  %-9s  %-20s  %s\n", "RUN", "STATE", "ITERATION", "UPDATED", "REQUEST")
	for _, r := range runs {
		fmt.Fprintf(w, "%-36s  %-11s  %-9s  %-20s  %s\n",
			r.ID, r.State, fmt.Sprintf("%d/%d", r.Iteration, r.MaxIterations),
			r.UpdatedAt.Format("2006-01-02 15:04:05"), firstLine(r.Request.Description, 60))
	}
}

func printRunDetail(w io.Writer, run *models.PipelineRun, transitions []models.Transition, snap *models.EscalationSnapshot) {
	fmt.Fprintf(w, "Run: %s\n", run.ID)
	fmt.Fprintf(w, "Tenant: %s\n", run.TenantID)
	fmt.Fprintf(w, "State: %s\n", colorize(run.State, string(run.State)))
	fmt.Fprintf(w, "Iterations: %d/%d\n", run.Iteration, run.MaxIterations)
	fmt.Fprintf(w, "Created: %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Updated: %s\n", run.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Request: %s\n", run.Request.Description)
	if run.Plan != nil {
		fmt.Fprintf(w, "Plan: %s (%d steps)\n", run.Plan.FeatureName, len(run.Plan.Steps))
	}
	if snap != nil {
		fmt.Fprintf(w, "Snapshot: %s (%s)\n", snap.ID, snap.Status)
		fmt.Fprintf(w, "Handle: %s\n", snap.ResumableHandle)
	}

	if len(transitions) > 0 {
		fmt.Fprintf(w, "\nTransitions:\n")
		for _, t := range transitions {
			line := fmt.Sprintf("  #%d %s  %s -> %s", t.Seq, t.At.Format("15:04:05"), t.From, t.To)
			if t.Note != "" {
				line += "  " + firstLine(t.Note, 80)
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(run.ErrorLog) > 0 {
		fmt.Fprintf(w, "\nError log (%d entries, last %d):\n", len(run.ErrorLog), min(len(run.ErrorLog), errorTailSize))
		for _, entry := range run.ErrorTail(errorTailSize) {
			fmt.Fprintf(w, "  - %s\n", strings.ReplaceAll(strings.TrimSpace(entry), "\n", "\n    "))
		}
	}
}

func printSnapshotTable(w io.Writer, snaps []*models.EscalationSnapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No escalations.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-36s  %-8s  %s\n", "SNAPSHOT", "RUN", "STATUS", "CREATED")
	for _, s := range snaps {
		fmt.Fprintf(w, "%-36s  %-36s  %-8s  %s\n", s.ID, s.RunID, s.Status, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

// colorize applies the outcome colour; fatih/color disables itself when
// stdout is not a terminal.
func colorize(state models.RunState, s string) string {
	switch state {
	case models.StateSuccess:
		return color.GreenString(s)
	case models.StateNeedsHuman:
		return color.YellowString(s)
	case models.StateFailed:
		return color.RedString(s)
	default:
		return s
	}
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
