package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/nodewarden"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an outcome failure to its numeric code so scripts can tell
// "unsupported platform" from "not found" from "spawn failure".
func exitCode(err error) int {
	var o nodewarden.Outcome
	if errors.As(err, &o) && int(o.Code) > 0 {
		return int(o.Code)
	}
	return 1
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags),
		createResolveCommand(globalFlags),
		createPIDCommand(globalFlags),
		createStatusCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodewarden",
		Short: "Supervise a bundled node daemon for a desktop wallet",
		Long: `Nodewarden locates the platform-specific daemon executable, reaps a stale
instance left by a previous run, spawns a fresh one and reports readiness.

Examples:
  nodewarden run --config nodewarden.toml
  nodewarden resolve --os linux --arch arm64
  nodewarden pid show
  nodewarden status --api-url http://127.0.0.1:8087/api --wait 5s`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
