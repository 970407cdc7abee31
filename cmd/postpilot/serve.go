package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	logx "postpilot/pkg/logx"
	"postpilot/pkg/systemd"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, retry queue and delivery workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(ctx, opts.configPath, app.Options{})
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			log := a.Logger()
			if _, err := systemd.Ready(); err != nil {
				log.Warn("systemd notify failed", logx.Err(err))
			}
			_, _ = systemd.Status("serving")
			go systemd.Watchdog(ctx, a.Healthy, log)

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			reason := app.StopSignal
			if a.Err() != nil {
				reason = app.StopFatalError
			}
			_, _ = systemd.Stopping()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			runErr := a.Err()
			if err := a.Stop(stopCtx, reason); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	return cmd
}
