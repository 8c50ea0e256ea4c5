// Command jqsim drives a jobqueue registry with synthetic load and reports
// what happened: how many jobs ran, failed, were retried or were dropped by
// the bounded pending buffer.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	jq "github.com/Andrej220/go-utils/jobqueue"
)

type simFlags struct {
	queue       string
	jobs        int
	workers     int
	concurrency int
	rate        float64
	burst       int
	maxPending  int
	attempts    int
	backoff     time.Duration
	work        time.Duration
	failRatio   float64
	attachAfter time.Duration
	every       time.Duration
	debug       bool
}

var flags simFlags

var rootCmd = &cobra.Command{
	Use:   "jqsim",
	Short: "Simulate producers and workers on an in-process job queue",
	Long: `jqsim pushes synthetic jobs through a jobqueue registry.

Workers may attach late (--attach-after) so that the pending buffer fills
up and overflow alerts fire. Buffer and alert settings are read from the
JOBQUEUE_* environment variables; --max-pending overrides the buffer size
for the simulated queue.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSim(ctx, flags)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.queue, "queue", "sim", "queue name")
	f.IntVar(&flags.jobs, "jobs", 200, "number of jobs to enqueue")
	f.IntVar(&flags.workers, "workers", 2, "number of workers")
	f.IntVarP(&flags.concurrency, "concurrency", "c", 1, "concurrent jobs per worker")
	f.Float64Var(&flags.rate, "rate", 500, "producer rate in jobs per second")
	f.IntVar(&flags.burst, "burst", 10, "producer burst size")
	f.IntVar(&flags.maxPending, "max-pending", 0, "pending buffer size (0 uses the configured default)")
	f.IntVar(&flags.attempts, "attempts", 3, "attempts per job")
	f.DurationVar(&flags.backoff, "backoff", 10*time.Millisecond, "base exponential backoff")
	f.DurationVar(&flags.work, "work", 5*time.Millisecond, "simulated processing time")
	f.Float64Var(&flags.failRatio, "fail-ratio", 0.1, "probability that an attempt fails")
	f.DurationVar(&flags.attachAfter, "attach-after", 0, "delay before workers attach")
	f.DurationVar(&flags.every, "every", 0, "also register a repeating heartbeat job with this interval")
	f.BoolVar(&flags.debug, "debug", false, "enable debug logging")
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func runSim(ctx context.Context, f simFlags) error {
	if f.jobs < 0 || f.workers < 1 || f.rate <= 0 {
		return fmt.Errorf("jqsim: need jobs >= 0, workers >= 1 and rate > 0")
	}

	log, err := newLogger(f.debug)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := jq.ConfigFromEnv()
	if err != nil {
		log.Warn("ignoring invalid environment settings", zap.Error(err))
	}

	metrics := &jq.AtomicMetrics{}
	reg := jq.NewRegistry(jq.Options{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics,
		Sink: jq.SinkFunc(func(e jq.Event) {
			if e.Kind == jq.EventOverflow {
				fmt.Fprintf(os.Stderr, "overflow alert: queue=%s dropped=%d since_last=%d cap=%d\n",
					e.Queue, e.TotalDropped, e.DroppedSinceLastAlert, e.MaxPendingJobs)
			}
		}),
	})

	q, err := jq.NewQueue[int](reg, f.queue, jq.QueueOptions{
		MaxPendingJobs: f.maxPending,
		DefaultJobOptions: jq.JobOptions{
			Attempts: f.attempts,
			Backoff:  jq.ExponentialBackoff(f.backoff),
		},
	})
	if err != nil {
		return err
	}
	defer q.Close()

	if f.every > 0 {
		if _, err := q.Add("heartbeat", -1, jq.JobOptions{
			JobID:  "heartbeat",
			Repeat: &jq.RepeatSpec{Every: f.every},
		}); err != nil {
			return err
		}
	}

	process := func(ctx context.Context, job *jq.Job[int]) error {
		select {
		case <-time.After(f.work):
		case <-ctx.Done():
			return ctx.Err()
		}
		if job.Data >= 0 && rand.Float64() < f.failRatio {
			return errors.New("simulated failure")
		}
		return nil
	}

	attached := make(chan []*jq.Worker[int], 1)
	go func() {
		if f.attachAfter > 0 {
			select {
			case <-time.After(f.attachAfter):
			case <-ctx.Done():
				attached <- nil
				return
			}
		}
		ws := make([]*jq.Worker[int], 0, f.workers)
		for i := 0; i < f.workers; i++ {
			w, err := jq.NewWorker[int](ctx, reg, f.queue, process, jq.WorkerOptions{Concurrency: f.concurrency})
			if err != nil {
				log.Error("worker attach failed", zap.Error(err))
				break
			}
			ws = append(ws, w)
		}
		attached <- ws
	}()

	start := time.Now()
	limiter := rate.NewLimiter(rate.Limit(f.rate), max(f.burst, 1))
	produced := 0
	for i := 0; i < f.jobs; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if _, err := q.Add("synthetic", i, jq.JobOptions{}); err != nil {
			return err
		}
		produced++
	}
	log.Info("producer finished", zap.Int("produced", produced), zap.Duration("took", time.Since(start)))

	workers := <-attached
	waitDrained(ctx, q, metrics, uint64(produced))

	for _, w := range workers {
		w.Close()
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range workers {
		if err := w.Wait(waitCtx); err != nil {
			log.Warn("worker did not finish in time", zap.String("worker_id", w.ID()), zap.Error(err))
		}
	}

	c := q.Counts()
	fmt.Printf("queue=%s produced=%d executed=%d failed=%d retried=%d dropped=%d pending=%d elapsed=%s\n",
		f.queue, produced, metrics.Executed(), metrics.Failed(), metrics.Retried(), metrics.Dropped(),
		c.Pending, time.Since(start).Round(time.Millisecond))
	return nil
}

// waitDrained polls until every produced job is accounted for or ctx ends.
func waitDrained(ctx context.Context, q *jq.Queue[int], m *jq.AtomicMetrics, produced uint64) {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		c := q.Counts()
		if c.Pending == 0 && m.Executed()+m.Failed()+m.Dropped() >= produced {
			return
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
