package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/loykin/nodewarden"
	"github.com/loykin/nodewarden/internal/server"
	itls "github.com/loykin/nodewarden/internal/tls"
)

// errAlreadyRunning is returned when another supervisor holds the lock.
var errAlreadyRunning = errors.New("another nodewarden instance holds the lock")

// shutdownSlack is added to the daemon stop timeout for the final shutdown.
const shutdownSlack = 5 * time.Second

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn the daemon and supervise it until interrupted",
		Long: `Run pre-flight, reap a stale daemon, spawn a fresh one and keep supervising
it until SIGINT/SIGTERM or until the daemon exits. The daemon is never
restarted automatically.

Examples:
  nodewarden run --config nodewarden.toml
  nodewarden run --config nodewarden.toml --daemonize --logfile /var/log/nodewarden.out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cmdRun(ctx, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect background output to file")
	return cmd
}

func cmdRun(ctx context.Context, flags RunFlags) error {
	cfg, err := nodewarden.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}

	lock := flock.New(cfg.Daemon.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", errAlreadyRunning, cfg.Daemon.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	d, err := nodewarden.NewDaemon(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	log := d.Logger()

	if cfg.Server.Enabled {
		tlsCfg, err := itls.Setup(cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("status server tls: %w", err)
		}
		srv, err := server.NewServer(cfg.Server.Listen, d.Handler(cfg.Server.BasePath), tlsCfg)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		log.Info("status API listening", "addr", srv.Addr, "base", cfg.Server.BasePath, "tls", tlsCfg != nil)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownSlack)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("status server shutdown", "error", err)
			}
		}()
	}

	if err := d.Start(ctx); err != nil {
		return err
	}
	st := d.Status()
	log.Info("daemon spawned", "pid", st.PID, "target", st.Target.Path)

	go func() {
		o, err := d.WaitReady(ctx)
		switch {
		case err != nil:
		case o.Succeeded:
			log.Info("daemon ready", "detail", o.Detail)
		default:
			log.Error("daemon not ready", "code", int(o.Code), "reason", o.Code.String(), "detail", o.Detail)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case <-d.Exited():
		log.Warn("daemon exited on its own; not restarting", "exit", d.Status().ExitError)
	}

	sctx, cancel := context.WithTimeout(context.Background(), d.StopTimeout()+shutdownSlack)
	defer cancel()
	if err := d.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("supervisor stopped")
	return nil
}
