package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for foundry
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foundry",
		Short: "Self-correcting feature pipeline",
		Long: `Foundry turns natural-language feature requests into verified code.

Each request is designed, built and verified in an isolated sandbox. Lint
and test failures are fed back to the builder until the iteration budget
is spent, after which the run is escalated to a human with a snapshot of
the failing workspace that can be reopened and resumed.

Configuration is loaded from .foundry/config.yaml if present.
FOUNDRY_* environment variables override the file; CLI flags override both.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: .foundry/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")
	cmd.PersistentFlags().String("log-dir", "", "Directory for log files")
	cmd.PersistentFlags().String("store-dsn", "", "Run store DSN (sqlite path or postgres URL)")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewEscalationsCommand())

	return cmd
}
