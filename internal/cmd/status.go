package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/foundry/internal/models"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show runs for a tenant, or one run in detail",
		Long: `Without arguments, list the tenant's runs (optionally filtered by --state).
With a run id, show the run, its transition history, the error log tail
and the escalation snapshot if there is one.

Examples:
  foundry status --tenant acme
  foundry status --tenant acme --state needs_human
  foundry status --tenant acme 6f1c0c0e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: statusCommand,
	}

	cmd.Flags().String("tenant", "", "Tenant that owns the runs")
	cmd.Flags().StringSlice("state", nil, "Only list runs in these states")

	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	tenant, err := requireTenant(cmd)
	if err != nil {
		return err
	}
	rawStates, _ := cmd.Flags().GetStringSlice("state")
	var states []models.RunState
	for _, s := range rawStates {
		state, err := models.ParseRunState(s)
		if err != nil {
			return err
		}
		states = append(states, state)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		runs, err := a.store.ListRuns(ctx, tenant, states...)
		if err != nil {
			return err
		}
		printRunTable(out, runs)
		return nil
	}

	run, err := a.store.GetRun(ctx, tenant, args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found for tenant %s", args[0], tenant)
	}
	transitions, err := a.store.ListTransitions(ctx, tenant, run.ID)
	if err != nil {
		return err
	}
	snap, err := a.store.GetSnapshotByRun(ctx, tenant, run.ID)
	if err != nil {
		return err
	}
	printRunDetail(out, run, transitions, snap)
	return nil
}
