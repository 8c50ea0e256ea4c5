// Package jobqueue provides an in-process job queue and worker runtime.
//
// Producers add jobs to named queues; workers attached to the same name
// receive and execute them. Everything lives in one process: there is no
// persistence and no cross-process coordination.
//
// Registry
//
// A Registry owns the shared runtime state of every queue name. Queue and
// Worker values created with the same registry and name meet on one state,
// which lets independently constructed producers and consumers find each
// other. Tests and separate subsystems can use separate registries.
//
// All mutations of a registry's states (enqueue, dispatch, drain, prune)
// happen under a single mutex. Job processors run outside of it.
//
// Dispatch
//
// A freshly added job goes straight to a worker, chosen round-robin among
// the workers attached to the name. With no worker attached, the job waits
// in a bounded pending buffer. When the buffer is full the oldest job is
// dropped to make room:
//
//   - every drop is logged as a warning and emitted as EventDropWarning
//   - drops are escalated to EventOverflow on the first drop, then every
//     AlertBatchSize drops or after AlertCooldown, whichever comes first
//
// Producers never block and Add never fails because of capacity.
//
// Workers
//
// A worker runs up to Concurrency jobs at once. Extra jobs wait in a
// worker-local list. When a worker attaches it takes over the whole pending
// buffer; when it closes, jobs that have not started go back to the front
// of the buffer.
//
// Each attempt sets Job.AttemptsMade to its zero-based index. Failed
// attempts are retried after the job's Backoff delay until
// JobOptions.Attempts is used up. The final failure is logged and emitted
// as EventExecutionFailure; a panic is recovered and emitted as
// EventUnhandledError. There is no dead-letter queue.
//
// Delayed and repeat jobs
//
// A job with a Delay is dispatched once the delay passes, unless the queue
// is closed first. A job with a Repeat spec installs a schedule keyed by
// JobID that materialises a new job every interval, until Limit jobs have
// been produced or RemoveJobScheduler is called.
//
// Time
//
// All timers go through a Clock. RealClock uses package time; ManualClock
// only moves when Advance is called, which makes delay, repeat and alert
// behaviour deterministic in tests.
package jobqueue
