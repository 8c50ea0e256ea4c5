package jobqueue

import (
	"go.uber.org/zap"
)

// Queue is the producer handle for a named queue.
//
// Several Queue values may share a name within one Registry; they all
// feed the same runtime state. A Queue is safe for concurrent use.
type Queue[T any] struct {
	reg        *Registry
	name       string
	maxPending int
	defaults   JobOptions
}

// Counts is a snapshot of a queue's runtime state.
type Counts struct {
	Pending        int
	MaxPendingJobs int
	Workers        int
	Schedulers     int
	Delayed        int
}

// NewQueue attaches a producer to name, creating the runtime state if it
// does not exist yet. The state keeps the smallest MaxPendingJobs asked for
// by any attached queue.
func NewQueue[T any](r *Registry, name string, opts QueueOptions) (*Queue[T], error) {
	if r == nil {
		return nil, ErrNilRegistry
	}
	if name == "" {
		return nil, ErrEmptyName
	}
	q := &Queue[T]{
		reg:        r,
		name:       name,
		maxPending: opts.MaxPendingJobs,
		defaults:   opts.DefaultJobOptions,
	}
	if q.maxPending <= 0 {
		q.maxPending = r.opts.MaxPendingJobs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := attachState[T](r, name, q.maxPending); err != nil {
		return nil, err
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// Add creates a job and hands it to the runtime.
//
// Every one-shot job gets the next id of the queue's counter. JobID only
// keys repeat schedules; on a one-shot job it is carried in Options
// untouched. The returned Job is a snapshot; the worker's copy is the one
// that records attempts.
//
// A repeat job installs (or replaces) the schedule keyed by JobID and
// returns the template job; nothing is buffered until the schedule fires.
// A delayed job is dispatched when its delay has passed. Any other job is
// dispatched immediately: to the next worker in round-robin order, or into
// the pending buffer when no worker is attached. Add never fails because
// the buffer is full; the oldest pending job is dropped instead.
func (q *Queue[T]) Add(name string, data T, opts JobOptions) (*Job[T], error) {
	opts = opts.merge(q.defaults)
	if opts.Repeat != nil && opts.JobID == "" {
		return nil, ErrRepeatRequiresJobID
	}

	r := q.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := attachState[T](r, q.name, q.maxPending)
	if err != nil {
		return nil, err
	}

	if opts.Repeat != nil {
		return q.upsertScheduleLocked(st, name, data, opts), nil
	}

	job := &Job[T]{ID: st.nextJobID(), Name: name, Data: data, Options: opts}
	r.opts.Metrics.IncEnqueued()
	ret := *job

	if opts.Delay > 0 {
		q.armDelayLocked(st, job)
		return &ret, nil
	}
	st.dispatchLocked(r, job)
	return &ret, nil
}

// armDelayLocked starts the timer of a delayed job.
func (q *Queue[T]) armDelayLocked(st *queueState[T], job *Job[T]) {
	d := &delayedJob{}
	st.delayed[job.ID] = d
	d.timer = q.reg.clock().AfterFunc(job.Options.Delay, func() {
		q.releaseDelayed(st, d, job)
	})
	st.log.Debug("job delayed",
		zap.String("job_id", job.ID),
		zap.Duration("delay", job.Options.Delay),
	)
}

// releaseDelayed dispatches a delayed job once its timer fires, unless the
// queue was closed or the delay replaced in the meantime.
func (q *Queue[T]) releaseDelayed(st *queueState[T], d *delayedJob, job *Job[T]) {
	r := q.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok, _ := lookupState[T](r, q.name)
	if !ok || cur != st || st.delayed[job.ID] != d {
		return
	}
	delete(st.delayed, job.ID)
	st.dispatchLocked(r, job)
	r.pruneLocked(q.name)
}

func (q *Queue[T]) upsertScheduleLocked(st *queueState[T], name string, data T, opts JobOptions) *Job[T] {
	spec := *opts.Repeat
	if spec.Pattern != "" && spec.Every <= 0 {
		if err := validatePattern(spec.Pattern); err != nil {
			st.log.Warn("repeat pattern is not a valid cron expression; using approximate interval",
				zap.String("job_id", opts.JobID),
				zap.String("pattern", spec.Pattern),
				zap.Error(err),
			)
		}
	}
	st.removeScheduler(opts.JobID)

	sch := &schedule{
		id:       opts.JobID,
		interval: ResolveInterval(spec),
		limit:    spec.Limit,
	}
	st.schedulers[sch.id] = sch

	tmpl := Job[T]{ID: opts.JobID, Name: name, Data: data, Options: opts}
	sch.initial = q.reg.clock().AfterFunc(firstRunDelay(spec, sch.interval), func() {
		q.fireSchedule(st, sch, &tmpl, true)
	})

	st.log.Info("job scheduler installed",
		zap.String("job_id", sch.id),
		zap.Duration("interval", sch.interval),
		zap.Int("limit", sch.limit),
	)
	ret := tmpl
	return &ret
}

// fireSchedule materialises one job from a schedule. After the first run it
// arms the repeating timer.
func (q *Queue[T]) fireSchedule(st *queueState[T], sch *schedule, tmpl *Job[T], first bool) {
	r := q.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok, _ := lookupState[T](r, q.name)
	if !ok || cur != st || st.schedulers[sch.id] != sch {
		return
	}

	opts := tmpl.Options
	opts.Repeat = nil
	opts.Delay = 0
	opts.JobID = ""
	job := &Job[T]{ID: st.nextJobID(), Name: tmpl.Name, Data: tmpl.Data, Options: opts}
	r.opts.Metrics.IncEnqueued()
	st.dispatchLocked(r, job)

	sch.count++
	if sch.limit > 0 && sch.count >= sch.limit {
		st.removeScheduler(sch.id)
		st.log.Info("job scheduler reached its limit",
			zap.String("job_id", sch.id),
			zap.Int("limit", sch.limit),
		)
		r.pruneLocked(q.name)
		return
	}
	if first {
		sch.initial = nil
		sch.repeat = r.clock().Every(sch.interval, func() {
			q.fireSchedule(st, sch, tmpl, false)
		})
	}
}

// RemoveJobScheduler cancels the schedule installed under jobID. It is a
// no-op when the queue or the schedule does not exist.
func (q *Queue[T]) RemoveJobScheduler(jobID string) {
	r := q.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.states[q.name]
	if !ok {
		return
	}
	if e.core().removeScheduler(jobID) {
		e.core().log.Info("job scheduler removed", zap.String("job_id", jobID))
	}
	r.pruneLocked(q.name)
}

// Close cancels every schedule and delayed job of the queue name, drops the
// pending buffer, detaches all workers and removes the runtime state.
//
// Jobs already running on a worker are not waited for. A later Add or a new
// Queue with the same name starts from a fresh state.
func (q *Queue[T]) Close() {
	r := q.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.states[q.name]; ok {
		e.core().log.Info("queue closed")
	}
	r.removeLocked(q.name)
}

// Counts returns a snapshot of the shared state. All fields are zero when
// the state does not exist.
func (q *Queue[T]) Counts() Counts {
	r := q.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := lookupState[T](r, q.name)
	if !ok || err != nil {
		return Counts{}
	}
	return Counts{
		Pending:        st.pending.Len(),
		MaxPendingJobs: st.pending.Cap(),
		Workers:        len(st.workers),
		Schedulers:     len(st.schedulers),
		Delayed:        len(st.delayed),
	}
}

// PendingIDs returns the ids of buffered jobs, oldest first.
func (q *Queue[T]) PendingIDs() []string {
	r := q.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := lookupState[T](r, q.name)
	if !ok || err != nil {
		return nil
	}
	jobs := st.pending.Drain()
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
		st.pending.PushBack(j)
	}
	return ids
}
