package jobqueue

import (
	"go.uber.org/zap"
)

// reportDrop records a job evicted from the pending buffer of name.
//
// The warning is always logged and emitted. The overflow alert goes out
// only when the tracker says so. Called with r.mu held.
func (r *Registry) reportDrop(log *zap.Logger, name string, capacity int, jobID, jobName string) {
	r.opts.Metrics.IncDropped()
	d := r.alerts.record(name, r.opts.Clock.Now())

	ev := Event{
		Kind:                  EventDropWarning,
		Queue:                 name,
		MaxPendingJobs:        capacity,
		TotalDropped:          d.TotalDropped,
		DroppedSinceLastAlert: d.DroppedSinceLastAlert,
		JobID:                 jobID,
		JobName:               jobName,
	}
	fields := []zap.Field{
		zap.Int("max_pending_jobs", capacity),
		zap.Int("total_dropped", d.TotalDropped),
		zap.Int("dropped_since_last_alert", d.DroppedSinceLastAlert),
		zap.String("job_id", jobID),
		zap.String("job_name", jobName),
	}

	log.Warn("pending buffer full; dropped oldest job", fields...)
	r.opts.Sink.Emit(ev)

	if d.Alert {
		log.Error("queue overflow", fields...)
		ev.Kind = EventOverflow
		r.opts.Sink.Emit(ev)
	}
}

// reportFailure records a job that ran out of attempts. It is terminal:
// the job is not stored anywhere.
func (r *Registry) reportFailure(log *zap.Logger, name string, jobID, jobName string, attempts int, err error) {
	r.opts.Metrics.IncFailed()
	log.Error("job failed",
		zap.String("job_id", jobID),
		zap.String("job_name", jobName),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	r.emit(Event{
		Kind:    EventExecutionFailure,
		Queue:   name,
		JobID:   jobID,
		JobName: jobName,
		Err:     err,
	})
}

// reportUnhandled records a failure that escaped the retry loop.
func (r *Registry) reportUnhandled(log *zap.Logger, name string, jobID, jobName string, err error) {
	r.opts.Metrics.IncFailed()
	log.Error("unhandled job error",
		zap.String("job_id", jobID),
		zap.String("job_name", jobName),
		zap.Error(err),
	)
	r.emit(Event{
		Kind:    EventUnhandledError,
		Queue:   name,
		JobID:   jobID,
		JobName: jobName,
		Err:     err,
	})
}

// emit delivers an event from outside the dispatch path, taking the lock
// the EventSink contract promises.
func (r *Registry) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Sink.Emit(ev)
}
