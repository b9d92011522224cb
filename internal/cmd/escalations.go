package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/foundry/internal/escalation"
	"github.com/harrison/foundry/internal/models"
	"github.com/harrison/foundry/internal/pipeline"
)

// NewEscalationsCommand creates the escalations command group
func NewEscalationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalations",
		Aliases: []string{"esc"},
		Short:   "Inspect, reopen and resume runs escalated to a human",
	}

	cmd.PersistentFlags().String("tenant", "", "Tenant that owns the escalations")

	cmd.AddCommand(newEscalationsListCommand())
	cmd.AddCommand(newEscalationsShowCommand())
	cmd.AddCommand(newEscalationsOpenCommand())
	cmd.AddCommand(newEscalationsCheckCommand())

	return cmd
}

func newEscalationsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalation snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant(cmd)
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			var filter models.SnapshotStatus
			switch status {
			case "all", "":
			case string(models.SnapshotOpen), string(models.SnapshotResolved):
				filter = models.SnapshotStatus(status)
			default:
				return fmt.Errorf("invalid --status %q, must be open, resolved or all", status)
			}

			a, err := readOnlyApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snaps, err := a.store.ListSnapshots(commandContext(cmd), tenant, filter)
			if err != nil {
				return err
			}
			printSnapshotTable(cmd.OutOrStdout(), snaps)
			return nil
		},
	}
	cmd.Flags().String("status", "open", "Filter by status: open, resolved or all")
	return cmd
}

func newEscalationsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Print a snapshot record with its remote-development descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant(cmd)
			if err != nil {
				return err
			}
			a, err := readOnlyApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.escalation.Get(commandContext(cmd), tenant, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func newEscalationsOpenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open <handle>",
		Short: "Restore the workspace behind a resumable handle and print its path",
		Long: `Restore the exact workspace of an escalated run from snapshot storage
(if it is not already checked out) and print the directory to edit.

Commit your fix there (or just edit the files when git is unavailable),
then run "foundry escalations check <snapshot-id>" to resume the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant(cmd)
			if err != nil {
				return err
			}
			a, err := readOnlyApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, dir, err := a.escalation.Activate(commandContext(cmd), tenant, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Snapshot: %s (run %s)\n", snap.ID, snap.RunID)
			fmt.Fprintf(out, "Workspace: %s\n", dir)
			fmt.Fprintf(out, "Image: %s\n", snap.Descriptor.BaseImage)
			return nil
		},
	}
}

func newEscalationsCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <snapshot-id>",
		Short: "Detect a human fix and resume the run through verification",
		Long: `Check whether a human has fixed the escalated workspace. When the fix is
detected the snapshot is marked resolved and, unless --no-resume is given,
the run re-enters verification with the human's code.

With --watch the check repeats every --interval until a fix appears.`,
		Args: cobra.ExactArgs(1),
		RunE: escalationsCheckCommand,
	}
	cmd.Flags().Bool("watch", false, "Poll until the fix is detected")
	cmd.Flags().Duration("interval", 5*time.Second, "Polling interval for --watch")
	cmd.Flags().Bool("no-resume", false, "Only report resolution; do not resume the run")
	cmd.Flags().String("sandbox", "", "Sandbox backend: docker or process")
	cmd.Flags().Bool("allow-fallback", false, "Allow the non-isolated process sandbox")
	return cmd
}

func escalationsCheckCommand(cmd *cobra.Command, args []string) error {
	tenant, err := requireTenant(cmd)
	if err != nil {
		return err
	}
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")
	noResume, _ := cmd.Flags().GetBool("no-resume")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.OutOrStdout(), appOptions{orchestrator: !noResume, fileLog: !noResume})
	if err != nil {
		return err
	}
	defer a.Close()

	snapID := args[0]
	var res escalation.Resolution
	if watch {
		res, err = a.escalation.Watch(ctx, tenant, snapID, interval)
	} else {
		res, err = a.escalation.CheckResolution(ctx, tenant, snapID)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !res.Resolved {
		fmt.Fprintf(out, "Snapshot %s: no fix detected yet in %s\n", snapID, res.WorkspaceRef)
		return nil
	}
	fmt.Fprintf(out, "Snapshot %s resolved (%d files)\n", snapID, len(res.Artifact.Files))
	if noResume {
		return nil
	}

	run, err := a.orch.ResumeFromHuman(ctx, tenant, snapID)
	if errors.Is(err, pipeline.ErrNotEscalated) {
		fmt.Fprintf(out, "Run %s is no longer waiting for a human\n", res.RunID)
		return nil
	}
	if run == nil {
		return err
	}
	return reportSubmissions(ctx, cmd, a, []pipeline.Submission{{Run: run, Err: err}})
}

func readOnlyApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(commandContext(cmd), cfg, cmd.ErrOrStderr(), appOptions{})
}
