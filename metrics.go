package jobqueue

import (
	"sync/atomic"
)

// MetricsPolicy defines hooks used by the runtime to report queueing and
// execution activity.
//
// Implementations must be safe for concurrent use.
// All methods are expected to be lightweight and non-blocking.
type MetricsPolicy interface {
	// IncEnqueued counts a job handed to a worker or the pending buffer.
	IncEnqueued()

	// IncDropped counts a job evicted from a full pending buffer.
	IncDropped()

	// IncExecuted counts a job whose processor eventually succeeded.
	IncExecuted()

	// IncFailed counts a job that ran out of attempts.
	IncFailed()

	// IncRetried counts a failed attempt followed by another one.
	IncRetried()
}

// AtomicMetrics is a lock-free metrics implementation backed by atomics.
//
// Writes are optimized for hot paths.
// Reads are intended for cold-path observation.
type AtomicMetrics struct {
	enqueued atomic.Uint64
	dropped  atomic.Uint64
	executed atomic.Uint64
	failed   atomic.Uint64
	retried  atomic.Uint64
}

func (m *AtomicMetrics) IncEnqueued() { m.enqueued.Add(1) }
func (m *AtomicMetrics) IncDropped()  { m.dropped.Add(1) }
func (m *AtomicMetrics) IncExecuted() { m.executed.Add(1) }
func (m *AtomicMetrics) IncFailed()   { m.failed.Add(1) }
func (m *AtomicMetrics) IncRetried()  { m.retried.Add(1) }

// Enqueued returns the number of jobs accepted for dispatch.
func (m *AtomicMetrics) Enqueued() uint64 { return m.enqueued.Load() }

// Dropped returns the number of evicted jobs.
func (m *AtomicMetrics) Dropped() uint64 { return m.dropped.Load() }

// Executed returns the number of successfully processed jobs.
func (m *AtomicMetrics) Executed() uint64 { return m.executed.Load() }

// Failed returns the number of jobs that exhausted their attempts.
func (m *AtomicMetrics) Failed() uint64 { return m.failed.Load() }

// Retried returns the number of retried attempts.
func (m *AtomicMetrics) Retried() uint64 { return m.retried.Load() }

//------------- NoopMetrics ----------------------------------

// NoopMetrics is a MetricsPolicy implementation that discards
// all metric updates.
type NoopMetrics struct{}

func (m *NoopMetrics) IncEnqueued() {}
func (m *NoopMetrics) IncDropped()  {}
func (m *NoopMetrics) IncExecuted() {}
func (m *NoopMetrics) IncFailed()   {}
func (m *NoopMetrics) IncRetried()  {}
