// Command mongoqueue operates a job queue: it runs the reaper and the
// dashboard, prints statistics, and drives demo workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/olivere/mongoqueue"
	"github.com/olivere/mongoqueue/internal/config"
	"github.com/olivere/mongoqueue/internal/log"
)

var (
	backendName string
	backendURL  string
	database    string
	collection  string
	lockTimeout time.Duration
	maxAttempts int
	envFile     string
	logLevel    string
	development bool
)

// app holds what the subcommands share. It is set up by setup.
var app struct {
	cfg    config.Config
	logger *log.Logger
	queue  *mongoqueue.Queue
	close  func() error
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "mongoqueue",
	Short:         "mongoqueue - a job queue on top of a document store",
	Long:          "A job queue whose jobs are documents, locked and released with atomic find-and-modify operations.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&backendName, "backend", "", "Backend: mongodb, mongodriver, mysql, postgres, sqlite, redis, or memory (env MONGOQUEUE_BACKEND)")
	flags.StringVar(&backendURL, "url", "", "Connection string, or file name for sqlite (env MONGOQUEUE_URL)")
	flags.StringVar(&database, "database", "", "Database name (env MONGOQUEUE_DATABASE)")
	flags.StringVar(&collection, "collection", "", "Collection or table name (env MONGOQUEUE_COLLECTION)")
	flags.DurationVar(&lockTimeout, "lock-timeout", 0, "Time after which a lock may be reclaimed (env MONGOQUEUE_LOCK_TIMEOUT)")
	flags.IntVar(&maxAttempts, "max-attempts", 0, "Number of failures after which a job is exhausted (env MONGOQUEUE_MAX_ATTEMPTS)")
	flags.StringVar(&envFile, "env-file", "", "File with environment variables (default .env, if present)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info)")
	flags.BoolVar(&development, "development", false, "Log in human-readable development format")

	rootCmd.AddCommand(reapCmd, workCmd, statsCmd, flushCmd, serveCmd)
}

// loadConfig reads the configuration from the environment and applies the
// flags that have been set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend = backendName
	}
	if flags.Changed("url") {
		cfg.URL = backendURL
	}
	if flags.Changed("database") {
		cfg.Queue.Database = database
	}
	if flags.Changed("collection") {
		cfg.Queue.Collection = collection
	}
	if flags.Changed("lock-timeout") {
		cfg.Queue.LockTimeout = lockTimeout
	}
	if flags.Changed("max-attempts") {
		cfg.Queue.MaxAttempts = maxAttempts
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	cfg.Queue = cfg.Queue.WithDefaults()
	return cfg, nil
}

// setup loads the configuration, creates the logger, and opens the queue.
func setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := log.NewLogger(development, logLevel == "debug")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	b, closer, err := openBackend(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return fmt.Errorf("unable to open %s backend: %w", cfg.Backend, err)
	}
	q, err := mongoqueue.New(ctx, b, mongoqueue.SetConfig(cfg.Queue), mongoqueue.SetLogger(logger))
	if err != nil {
		_ = closer()
		_ = logger.Sync()
		return err
	}
	logger.Debugw("queue opened",
		"backend", cfg.Backend,
		"database", cfg.Queue.Database,
		"collection", cfg.Queue.Collection,
		"lock_timeout", cfg.Queue.LockTimeout,
		"max_attempts", cfg.Queue.MaxAttempts,
	)
	app.cfg = cfg
	app.logger = logger
	app.queue = q
	app.close = closer
	return nil
}

func teardown() error {
	var err error
	if app.close != nil {
		err = app.close()
		app.close = nil
	}
	if app.logger != nil {
		_ = app.logger.Sync()
	}
	return err
}

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
