package jobqueue

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultMaxPendingJobs = 1000
	DefaultAlertBatchSize = 25
	DefaultAlertCooldown  = 60 * time.Second
	DefaultConcurrency    = 1
)

// Environment keys read by ConfigFromEnv.
const (
	EnvMaxPendingJobs  = "JOBQUEUE_MAX_PENDING_JOBS"
	EnvAlertBatchSize  = "JOBQUEUE_ALERT_BATCH_SIZE"
	EnvAlertCooldownMs = "JOBQUEUE_ALERT_COOLDOWN_MS"
)

// Config holds the tunables that normally come from the environment.
type Config struct {
	// MaxPendingJobs is the default pending buffer cap for a queue name.
	MaxPendingJobs int

	// AlertBatchSize is the number of drops that forces a new overflow
	// alert inside the cooldown window.
	AlertBatchSize int

	// AlertCooldown is the time after which the next drop alerts again.
	AlertCooldown time.Duration
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config {
	return Config{
		MaxPendingJobs: DefaultMaxPendingJobs,
		AlertBatchSize: DefaultAlertBatchSize,
		AlertCooldown:  DefaultAlertCooldown,
	}
}

// ConfigFromEnv reads Config from the process environment.
// See ConfigFromLookup.
func ConfigFromEnv() (Config, error) {
	return ConfigFromLookup(os.LookupEnv)
}

// ConfigFromLookup builds a Config from lookup.
//
// Missing keys keep their default. Non-numeric or non-positive values also
// keep the default; each of them is reported in the returned error, which
// combines all problems. The returned Config is always usable.
func ConfigFromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	var err error

	if n, e := positiveInt(lookup, EnvMaxPendingJobs); e != nil {
		err = multierr.Append(err, e)
	} else if n > 0 {
		cfg.MaxPendingJobs = n
	}
	if n, e := positiveInt(lookup, EnvAlertBatchSize); e != nil {
		err = multierr.Append(err, e)
	} else if n > 0 {
		cfg.AlertBatchSize = n
	}
	if n, e := positiveInt(lookup, EnvAlertCooldownMs); e != nil {
		err = multierr.Append(err, e)
	} else if n > 0 {
		cfg.AlertCooldown = time.Duration(n) * time.Millisecond
	}
	return cfg, err
}

// positiveInt returns 0, nil when key is unset.
func positiveInt(lookup func(string) (string, bool), key string) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s=%d must be positive", ErrInvalidConfig, key, n)
	}
	return n, nil
}

// Options configure a Registry.
//
// All zero values are replaced with defaults in FillDefaults.
type Options struct {
	Config

	// Clock drives delayed jobs, schedules and retry waits.
	Clock Clock

	// Logger receives structured log lines. Defaults to a no-op logger.
	Logger *zap.Logger

	// Sink receives drop, overflow and failure events.
	Sink EventSink

	// Metrics receives counter updates.
	Metrics MetricsPolicy
}

func (o *Options) FillDefaults() {
	if o.MaxPendingJobs <= 0 {
		o.MaxPendingJobs = DefaultMaxPendingJobs
	}
	if o.AlertBatchSize <= 0 {
		o.AlertBatchSize = DefaultAlertBatchSize
	}
	if o.AlertCooldown <= 0 {
		o.AlertCooldown = DefaultAlertCooldown
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Sink == nil {
		o.Sink = NopSink{}
	}
	if o.Metrics == nil {
		o.Metrics = &NoopMetrics{}
	}
}

// QueueOptions configure a Queue handle.
type QueueOptions struct {
	// MaxPendingJobs caps the shared pending buffer. When several queues
	// share a name the smallest cap wins. Zero uses the registry default.
	MaxPendingJobs int

	// DefaultJobOptions fill unset per-call options in Add.
	DefaultJobOptions JobOptions
}

// WorkerOptions configure a Worker.
type WorkerOptions struct {
	// Concurrency is the maximum number of jobs running at once.
	// Values below 1 mean 1.
	Concurrency int
}
