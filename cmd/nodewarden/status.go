package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/nodewarden/internal/outcome"
	"github.com/loykin/nodewarden/pkg/client"
)

func createStatusCommand() *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running supervisor over its status API",
		Long: `Print the supervisor snapshot. With --wait, long-poll readiness instead and
exit non-zero unless the daemon became ready.

Examples:
  nodewarden status
  nodewarden status --api-url http://127.0.0.1:8087/api --wait 10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdStatus(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", client.DefaultConfig().BaseURL, "status API base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 0, "HTTP timeout (default 10s, extended by --wait)")
	cmd.Flags().DurationVar(&flags.Wait, "wait", 0, "wait up to this long for readiness")
	cmd.Flags().StringVar(&flags.CACert, "ca-cert", "", "PEM CA bundle for an https API")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return cmd
}

func cmdStatus(ctx context.Context, out io.Writer, flags StatusFlags) error {
	ctx = orBackground(ctx)
	timeout := flags.APITimeout
	if flags.Wait > 0 && timeout < flags.Wait+5*time.Second {
		timeout = flags.Wait + 5*time.Second
	}
	c := client.New(client.Config{
		BaseURL:  flags.APIUrl,
		Timeout:  timeout,
		CACert:   flags.CACert,
		Insecure: flags.Insecure,
	})

	if flags.Wait <= 0 {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(out, st)
		return nil
	}
	r, err := c.Ready(ctx, flags.Wait)
	if err != nil {
		return err
	}
	printJSON(out, r)
	switch {
	case r.Ready:
		return nil
	case r.Pending:
		return fmt.Errorf("daemon not ready after %s", flags.Wait)
	}
	return outcome.Fail(outcome.Code(r.Code), r.Detail)
}
