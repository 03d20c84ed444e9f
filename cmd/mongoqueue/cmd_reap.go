package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/olivere/mongoqueue"
)

var (
	reapInterval time.Duration
	reapOnce     bool
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release jobs whose lock timed out",
	Long:  "Periodically releases jobs that have been locked for longer than the lock timeout, e.g. because their worker crashed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := mongoqueue.NewReaper(app.queue, reapInterval)
		if reapOnce {
			n, err := r.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released %d job(s)\n", n)
			return nil
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		app.logger.Infow("reaper started", "interval", reapInterval, "lock_timeout", app.cfg.Queue.LockTimeout)
		err := r.Run(ctx)
		if errors.Is(err, context.Canceled) {
			app.logger.Info("reaper stopped")
			return nil
		}
		return err
	},
}

func init() {
	reapCmd.Flags().DurationVar(&reapInterval, "interval", 30*time.Second, "Interval between cleanups")
	reapCmd.Flags().BoolVar(&reapOnce, "once", false, "Run a single cleanup and exit")
}
