package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/foundry/internal/pipeline"
)

// NewResumeCommand creates the resume command
func NewResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue an interrupted run from its last persisted state",
		Long: `Continue a run that stopped before reaching a terminal state, for example
after the process was interrupted. Terminal runs are reported unchanged.

To continue a run that was escalated to a human, use
"foundry escalations check" instead.`,
		Args: cobra.ExactArgs(1),
		RunE: resumeCommand,
	}

	cmd.Flags().String("tenant", "", "Tenant that owns the run")
	cmd.Flags().String("timeout", "", "Run timeout (e.g., 30m, 2h)")
	cmd.Flags().String("sandbox", "", "Sandbox backend: docker or process")
	cmd.Flags().Bool("allow-fallback", false, "Allow the non-isolated process sandbox")

	return cmd
}

func resumeCommand(cmd *cobra.Command, args []string) error {
	tenant, err := requireTenant(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.OutOrStdout(), appOptions{orchestrator: true, fileLog: true})
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.orch.Resume(ctx, tenant, args[0])
	if run == nil {
		return err
	}
	return reportSubmissions(ctx, cmd, a, []pipeline.Submission{{Run: run, Err: err}})
}
