package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/mongoqueue"
	"github.com/olivere/mongoqueue/ui/server"
)

var (
	serveAddr      string
	servePublicDir string
	serveReap      time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard",
	Long:  "Starts a web server that pushes the state of the queue to WebSocket clients every second.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		srv := server.New(app.queue,
			server.SetLogger(app.logger.Named("ui")),
			server.SetPublicDir(servePublicDir),
		)
		g.Go(func() error {
			app.logger.Infow("web server listening", "addr", serveAddr)
			return srv.Serve(ctx, serveAddr)
		})
		if serveReap > 0 {
			r := mongoqueue.NewReaper(app.queue, serveReap)
			g.Go(func() error { return r.Run(ctx) })
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		app.logger.Info("exiting")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:12345", "HTTP bind address")
	serveCmd.Flags().StringVar(&servePublicDir, "public", "", "Directory with the static files of the dashboard (default built-in)")
	serveCmd.Flags().DurationVar(&serveReap, "reap", 0, "Also release timed out jobs at this interval (0 to disable)")
}
