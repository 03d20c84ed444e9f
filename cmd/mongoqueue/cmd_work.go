package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/mongoqueue"
)

var (
	workID          string
	workConcurrency int
	workPoll        time.Duration
	fillTime        time.Duration
	runTime         time.Duration
	logInterval     time.Duration
	priorities      int
	numJobs         int
	failureRate     float64
	workReap        time.Duration
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run demo workers against the queue",
	Long: `Runs workers that process jobs by sleeping for a random time and failing
at the given rate, while new jobs are enqueued at random intervals.
Statistics are logged periodically. Use it to exercise a backend end to end.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if priorities <= 0 {
			return errors.New("priorities must be greater than 0")
		}
		if failureRate < 0 || failureRate > 1 {
			return errors.New("failure rate must be in the interval [0.0,1.0]")
		}
		if workID == "" {
			workID = "worker-" + uuid.New().String()[:8]
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		w, err := mongoqueue.NewWorker(app.queue, workID, makeProcessor(failureRate, runTime),
			mongoqueue.SetWorkerConcurrency(workConcurrency),
			mongoqueue.SetPollInterval(workPoll),
			mongoqueue.SetWorkerLogger(app.logger.Named("worker")),
		)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		if fillTime > 0 {
			g.Go(func() error { return enqueuer(ctx, app.queue, fillTime, priorities, numJobs) })
		}
		g.Go(func() error { return w.Run(ctx) })
		g.Go(func() error { return statsLogger(ctx, app.queue, logInterval) })
		if workReap > 0 {
			r := mongoqueue.NewReaper(app.queue, workReap)
			g.Go(func() error { return r.Run(ctx) })
		}
		app.logger.Infow("workers started", "ids", w.IDs())

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		app.logger.Info("exiting")
		return nil
	},
}

func init() {
	flags := workCmd.Flags()
	flags.StringVar(&workID, "id", "", "Worker identifier (default random)")
	flags.IntVar(&workConcurrency, "concurrency", 2, "Number of concurrent workers")
	flags.DurationVar(&workPoll, "poll-interval", time.Second, "Maximum time between polls of an idle worker")
	flags.DurationVar(&fillTime, "fill-time", 5*time.Second, "Interval in which new jobs get added (0 to only process)")
	flags.DurationVar(&runTime, "run-time", 7*time.Second, "Maximum run time of a single job")
	flags.DurationVar(&logInterval, "log-interval", time.Second, "Log interval for stats")
	flags.IntVar(&priorities, "priorities", 3, "Number of priorities as in [0,n)")
	flags.IntVar(&numJobs, "jobs", 0, "Number of jobs to enqueue (0 for no limit)")
	flags.Float64Var(&failureRate, "failure-rate", 0.05, "Failure rate in the interval [0.0,1.0]")
	flags.DurationVar(&workReap, "reap", 0, "Also release timed out jobs at this interval (0 to disable)")
}

// enqueuer adds n jobs (or an unlimited number if n <= 0) at random
// intervals of up to fillTime.
func enqueuer(ctx context.Context, q *mongoqueue.Queue, fillTime time.Duration, priorities, n int) error {
	for cnt := 1; n <= 0 || cnt <= n; cnt++ {
		t := time.NewTimer(time.Duration(rand.Int63n(fillTime.Nanoseconds())))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		job := &mongoqueue.Job{
			Priority: rand.Intn(priorities),
			Payload:  map[string]interface{}{"seq": fmt.Sprintf("#%05d", cnt)},
		}
		if _, err := q.Insert(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func statsLogger(ctx context.Context, q *mongoqueue.Queue, d time.Duration) error {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			ss, err := q.Stats(ctx)
			if err == nil {
				app.logger.Infof("Available=%6d Locked=%6d Exhausted=%6d", ss.Available, ss.Locked, ss.Exhausted)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func makeProcessor(failureRate float64, runTime time.Duration) mongoqueue.Processor {
	return func(ctx context.Context, job *mongoqueue.Job) error {
		if runTime > 0 {
			t := time.NewTimer(time.Duration(rand.Int63n(runTime.Nanoseconds())))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if rand.Float64() < failureRate {
			return errors.New("processor failed")
		}
		return nil
	}
}
