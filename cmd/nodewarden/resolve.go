package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/nodewarden"
)

func createResolveCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ResolveFlags{}
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print which daemon executable would be launched",
		Long: `Resolve the daemon executable for this host (or the given --os/--arch)
using the configured platform table, without spawning anything.

Examples:
  nodewarden resolve
  nodewarden resolve --os win32 --arch ia32`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return cmdResolve(cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.OS, "os", "", "override detected os (linux, darwin, win32)")
	cmd.Flags().StringVar(&flags.Arch, "arch", "", "override detected arch (x64, ia32, ...)")
	return cmd
}

type resolveResult struct {
	nodewarden.Target
	Exists bool `json:"exists"`
}

func cmdResolve(out io.Writer, flags ResolveFlags) error {
	cfg, err := nodewarden.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	host := nodewarden.DetectHost()
	if flags.OS != "" {
		host.OS = flags.OS
	}
	if flags.Arch != "" {
		host.Arch = flags.Arch
	}
	target, err := nodewarden.Resolve(cfg, host)
	if err != nil {
		return err
	}
	fi, err := os.Stat(target.Path)
	printJSON(out, resolveResult{Target: target, Exists: err == nil && !fi.IsDir()})
	return nil
}
