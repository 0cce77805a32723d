package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/nodewarden"
	"github.com/loykin/nodewarden/internal/process"
)

const pidTimeout = 10 * time.Second

func createPIDCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &PIDFlags{}
	cmd := &cobra.Command{
		Use:   "pid",
		Short: "Inspect or clear the persisted daemon PID record",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the recorded daemon PID and whether it is still alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return cmdPIDShow(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the recorded daemon PID",
		Long: `Remove the recorded daemon PID. With --kill the recorded process is
terminated first, unless its start time shows the PID now belongs to
another process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			return cmdPIDClear(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	clearCmd.Flags().BoolVar(&flags.Kill, "kill", false, "terminate the recorded process before clearing")
	cmd.AddCommand(show, clearCmd)
	return cmd
}

type pidView struct {
	Found     bool      `json:"found"`
	PID       int       `json:"pid,omitempty"`
	Session   string    `json:"session,omitempty"`
	StartUnix int64     `json:"start_unix,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Alive     bool      `json:"alive"`
	Reused    bool      `json:"reused,omitempty"`
	Name      string    `json:"process_name,omitempty"`
}

// inspect reports liveness of rec's pid and whether its start time still
// matches the record.
func inspect(sys process.System, rec nodewarden.PIDRecord) pidView {
	v := pidView{Found: true, PID: rec.PID, Session: rec.Session, StartUnix: rec.StartUnix, UpdatedAt: rec.UpdatedAt}
	if rec.PID <= 0 || !sys.Alive(rec.PID) {
		return v
	}
	v.Alive = true
	v.Name = sys.Name(rec.PID)
	if rec.StartUnix > 0 {
		if cur := sys.StartUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			v.Reused = true
		}
	}
	return v
}

func cmdPIDShow(ctx context.Context, out io.Writer, flags PIDFlags) error {
	cfg, err := nodewarden.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	st, err := nodewarden.OpenPIDStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(orBackground(ctx), pidTimeout)
	defer cancel()
	rec, ok, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load pid record: %w", err)
	}
	if !ok {
		printJSON(out, pidView{})
		return nil
	}
	printJSON(out, inspect(process.System{}, rec))
	return nil
}

func cmdPIDClear(ctx context.Context, out io.Writer, flags PIDFlags) error {
	cfg, err := nodewarden.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	st, err := nodewarden.OpenPIDStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(orBackground(ctx), pidTimeout)
	defer cancel()
	rec, ok, err := st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load pid record: %w", err)
	}
	if ok && flags.Kill {
		sys := process.System{}
		v := inspect(sys, rec)
		switch {
		case !v.Alive:
		case v.Reused:
			_, _ = fmt.Fprintf(out, "pid %d was reused by another process; not terminating\n", rec.PID)
		default:
			if err := sys.Terminate(rec.PID); err != nil && !errors.Is(err, process.ErrNotRunning) {
				return fmt.Errorf("terminate pid %d: %w", rec.PID, err)
			}
			_, _ = fmt.Fprintf(out, "terminated pid %d\n", rec.PID)
		}
	}
	if err := st.Clear(ctx); err != nil {
		return fmt.Errorf("clear pid record: %w", err)
	}
	_, _ = fmt.Fprintln(out, "pid record cleared")
	return nil
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
