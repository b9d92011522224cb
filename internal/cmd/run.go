package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harrison/foundry/internal/models"
	"github.com/harrison/foundry/internal/pipeline"
)

// errIncomplete is returned when any run did not end in success, so the
// process exits non-zero.
var errIncomplete = errors.New("not all runs succeeded")

// requestFile is the --file format.
type requestFile struct {
	Requests []struct {
		Tenant      string `yaml:"tenant"`
		Description string `yaml:"description"`
	} `yaml:"requests"`
}

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [description]...",
		Short: "Run feature requests through the pipeline",
		Long: `Run one or more feature requests through design, build and verification.

Each argument is one request. Requests can also be read from a YAML file:

  requests:
    - tenant: acme
      description: Add a /health endpoint returning build info
    - description: Rate-limit the login handler   # uses --tenant

Multiple requests run concurrently, up to pipeline.max_concurrency.

Examples:
  foundry run --tenant acme "Add a /health endpoint"
  foundry run --tenant acme --max-iterations 5 "Add pagination to /users"
  foundry run --file requests.yaml --max-concurrency 2
  foundry run --tenant acme --sandbox process --allow-fallback "Fix the flaky test"`,
		RunE: runCommand,
	}

	cmd.Flags().String("tenant", "", "Tenant that owns the requests")
	cmd.Flags().String("file", "", "YAML file with requests")
	cmd.Flags().Int("max-iterations", 0, "Build/verify budget per run (default from config)")
	cmd.Flags().Int("max-concurrency", 0, "Runs driven at once (default from config)")
	cmd.Flags().String("timeout", "", "Per-run timeout (e.g., 30m, 2h)")
	cmd.Flags().String("sandbox", "", "Sandbox backend: docker or process")
	cmd.Flags().Bool("allow-fallback", false, "Allow the non-isolated process sandbox")
	cmd.Flags().String("test-pattern", "", "Only run tests matching this pattern")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	file, _ := cmd.Flags().GetString("file")

	reqs, err := collectRequests(tenant, file, args)
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

	var subs []pipeline.Submission
	if len(reqs) == 1 {
		run, err := a.orch.Run(ctx, reqs[0])
		subs = []pipeline.Submission{{Request: reqs[0], Run: run, Err: err}}
	} else {
		subs = pipeline.NewDispatcher(a.orch, cfg.Pipeline.MaxConcurrency).Dispatch(ctx, reqs)
	}

	return reportSubmissions(ctx, cmd, a, subs)
}

// collectRequests validates every request before any run starts.
func collectRequests(tenant, file string, args []string) ([]models.FeatureRequest, error) {
	var reqs []models.FeatureRequest
	for _, desc := range args {
		reqs = append(reqs, models.NewFeatureRequest(tenant, desc))
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		var rf requestFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse request file %s: %w", file, err)
		}
		for _, r := range rf.Requests {
			t := r.Tenant
			if t == "" {
				t = tenant
			}
			reqs = append(reqs, models.NewFeatureRequest(t, r.Description))
		}
	}

	if len(reqs) == 0 {
		return nil, errors.New("no feature requests given: pass a description or --file")
	}
	for i, r := range reqs {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("request %d: %w", i+1, err)
		}
	}
	return reqs, nil
}

func reportSubmissions(ctx context.Context, cmd *cobra.Command, a *app, subs []pipeline.Submission) error {
	out := cmd.OutOrStdout()
	succeeded := 0
	for _, s := range subs {
		var snap *models.EscalationSnapshot
		if s.Run != nil && s.Run.SnapshotID != "" {
			snap, _ = a.store.GetSnapshot(context.WithoutCancel(ctx), s.Run.TenantID, s.Run.SnapshotID)
		}
		printOutcome(out, s.Run, snap, s.Err)
		if s.Err == nil && s.Run != nil && s.Run.State == models.StateSuccess {
			succeeded++
		}
	}

	if len(subs) > 1 {
		fmt.Fprintf(out, "\n%d/%d runs succeeded\n", succeeded, len(subs))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted: %w", ctx.Err())
	}
	if succeeded < len(subs) {
		return fmt.Errorf("%w (%d of %d)", errIncomplete, len(subs)-succeeded, len(subs))
	}
	return nil
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func requireTenant(cmd *cobra.Command) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	tenant = strings.TrimSpace(tenant)
	if !models.ValidTenantID(tenant) {
		return "", fmt.Errorf("a valid --tenant is required (got %q)", tenant)
	}
	return tenant, nil
}
