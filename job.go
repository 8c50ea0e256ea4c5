package jobqueue

import (
	"context"
	"time"
)

// Processor is the function executed by a worker for every job it receives.
//
// A returned error counts as a failed attempt. The job is retried while
// attempts remain.
type Processor[T any] func(ctx context.Context, job *Job[T]) error

// Job represents a single unit of work.
//
// Everything except AttemptsMade is fixed at creation time. AttemptsMade is
// written only by the worker retry loop and holds the zero-based index of
// the attempt currently running.
type Job[T any] struct {
	ID           string
	Name         string
	Data         T
	Options      JobOptions
	AttemptsMade int
}

// JobOptions control how a job is delayed, retried and repeated.
// Zero values mean "not set" and are filled from queue defaults.
type JobOptions struct {
	// Delay postpones dispatch of a one-shot job.
	Delay time.Duration

	// Attempts is the maximum number of tries. Values below 1 mean 1.
	Attempts int

	// Backoff is the wait between failed attempts.
	Backoff *Backoff

	// Repeat turns the job into a recurring schedule. Requires JobID.
	Repeat *RepeatSpec

	// JobID is a caller-chosen stable key. It names a repeat schedule for
	// RemoveJobScheduler and never replaces the counter-assigned Job.ID.
	JobID string
}

// RepeatSpec describes a recurring schedule.
type RepeatSpec struct {
	// Every is a fixed interval. Takes precedence over Pattern.
	Every time.Duration

	// Pattern is a cron expression. Only its shape is used to pick
	// between a daily and a monthly interval.
	Pattern string

	// Limit stops the schedule after that many jobs. Zero is unlimited.
	Limit int

	// Offset delays the first run. Zero means one full interval.
	Offset time.Duration
}

// merge returns o with unset delay, attempts and backoff taken from def.
// Repeat and JobID are per-call only.
func (o JobOptions) merge(def JobOptions) JobOptions {
	if o.Delay == 0 {
		o.Delay = def.Delay
	}
	if o.Attempts == 0 {
		o.Attempts = def.Attempts
	}
	if o.Backoff == nil {
		o.Backoff = def.Backoff
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	return o
}
