package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Worker consumes jobs of a named queue.
//
// A worker receives jobs pushed to it by producers, runs up to Concurrency
// of them at once and parks the rest in a worker-local list. Each job runs
// in its own goroutine with retries and backoff.
type Worker[T any] struct {
	id          string
	name        string
	reg         *Registry
	fn          Processor[T]
	ctx         context.Context
	concurrency int
	log         *zap.Logger
	trace       lg.ZLogger

	// state is the runtime state the worker registered with.
	// Guarded by reg.mu.
	state *queueState[T]

	mu       sync.Mutex
	inFlight int
	local    []*Job[T]
	closed   bool
	wg       sync.WaitGroup
}

// NewWorker registers a consumer for name and immediately takes over every
// job waiting in the shared pending buffer.
//
// ctx is passed to fn and interrupts backoff waits when cancelled. Close
// does not cancel it. A zlog logger attached to ctx with zlog.Attach
// receives the per-attempt trace.
func NewWorker[T any](ctx context.Context, r *Registry, name string, fn Processor[T], opts WorkerOptions) (*Worker[T], error) {
	if r == nil {
		return nil, ErrNilRegistry
	}
	if name == "" {
		return nil, ErrEmptyName
	}
	if fn == nil {
		return nil, ErrNilProcessor
	}
	if ctx == nil {
		ctx = context.Background()
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	w := &Worker[T]{
		id:          uuid.NewString(),
		name:        name,
		reg:         r,
		fn:          fn,
		ctx:         ctx,
		concurrency: concurrency,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := attachState[T](r, name, 0)
	if err != nil {
		return nil, err
	}
	w.state = st
	w.log = st.log.With(zap.String("worker_id", w.id))
	w.trace = traceLogger(ctx, r.opts.Logger)
	st.workers = append(st.workers, w)

	backlog := st.pending.Drain()
	for _, j := range backlog {
		w.submit(j)
	}
	w.log.Info("worker attached",
		zap.Int("concurrency", concurrency),
		zap.Int("backlog", len(backlog)),
	)
	return w, nil
}

// ID returns the worker's unique id.
func (w *Worker[T]) ID() string { return w.id }

// InFlight returns the number of jobs currently executing.
func (w *Worker[T]) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// Backlog returns the number of admitted jobs waiting for a free slot.
func (w *Worker[T]) Backlog() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.local)
}

// submit admits a job: it starts at once when a slot is free and waits in
// the local list otherwise.
func (w *Worker[T]) submit(job *Job[T]) {
	w.mu.Lock()
	if w.inFlight >= w.concurrency {
		w.local = append(w.local, job)
		w.mu.Unlock()
		return
	}
	w.inFlight++
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(job)
}

// run executes job and then keeps pulling from the local list until it is
// empty.
func (w *Worker[T]) run(job *Job[T]) {
	defer w.wg.Done()
	for job != nil {
		w.processWithRetry(job)
		job = w.complete()
	}
	w.reg.prune(w.name)
}

// complete releases a slot and claims the next local job, if any.
func (w *Worker[T]) complete() *Job[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight--
	if w.closed || len(w.local) == 0 {
		return nil
	}
	next := w.local[0]
	w.local[0] = nil
	w.local = w.local[1:]
	w.inFlight++
	return next
}

// dropBacklog forgets jobs that have not started. Running jobs are left
// alone.
func (w *Worker[T]) dropBacklog() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.local)
	clear(w.local)
	w.local = nil
	return n
}

// processWithRetry runs the processor until it succeeds or the attempts
// are used up. Failures never propagate: the terminal one is logged, and a
// panic is recovered and reported as an unhandled error.
//
// Per-attempt tracing goes to the zlog logger attached to the worker
// context, or to the registry logger when the context has none.
func (w *Worker[T]) processWithRetry(job *Job[T]) {
	log := w.log.With(zap.String("job_id", job.ID), zap.String("job_name", job.Name))
	trace := w.trace.With(
		lg.String("queue", w.name),
		lg.String("worker_id", w.id),
		lg.String("job_id", job.ID),
	)
	defer func() {
		if rec := recover(); rec != nil {
			w.reg.reportUnhandled(log, w.name, job.ID, job.Name, fmt.Errorf("jobqueue: job panicked: %v", rec))
		}
	}()

	attempts := job.Options.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delays := newRetryDelayer(job.Options.Backoff)

	for attempt := 0; attempt < attempts; attempt++ {
		job.AttemptsMade = attempt
		err := w.fn(w.ctx, job)
		if err == nil {
			w.reg.opts.Metrics.IncExecuted()
			trace.Info("job completed", lg.Int("attempt", attempt+1))
			return
		}
		if attempt == attempts-1 {
			w.reg.reportFailure(log, w.name, job.ID, job.Name, attempts, err)
			return
		}

		delay := delays.Delay(attempt + 1)
		w.reg.opts.Metrics.IncRetried()
		trace.Warn("job attempt failed; backing off",
			lg.Int("attempt", attempt+1),
			lg.String("sleep", delay.String()),
			lg.Any("error", err),
		)
		if err := w.sleep(delay); err != nil {
			trace.Info("job canceled", lg.Any("reason", err))
			return
		}
	}
}

// sleep waits d on the registry clock or until the worker context ends.
func (w *Worker[T]) sleep(d time.Duration) error {
	if d <= 0 {
		return w.ctx.Err()
	}
	fired := make(chan struct{})
	t := w.reg.clock().AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-w.ctx.Done():
		t.Stop()
		return w.ctx.Err()
	}
}

// Close detaches the worker from its queue.
//
// Jobs still waiting in the local list go back to the front of the shared
// pending buffer in their original order; when other workers remain they
// are handed out to them right away. Running jobs are not interrupted;
// use Wait to block until they finish. Close is idempotent.
func (w *Worker[T]) Close() {
	r := w.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	local := w.local
	w.local = nil
	w.mu.Unlock()

	st, ok, _ := lookupState[T](r, w.name)
	if !ok || st != w.state {
		if len(local) > 0 {
			w.log.Warn("queue closed before worker; discarding backlog", zap.Int("jobs", len(local)))
		}
		r.pruneLocked(w.name)
		return
	}
	for i := len(local) - 1; i >= 0; i-- {
		st.requeueLocked(r, local[i])
	}
	st.removeWorker(w)
	st.redistributeLocked(r)
	r.pruneLocked(w.name)
	w.log.Info("worker closed", zap.Int("requeued", len(local)))
}

// Wait blocks until every job this worker started has finished, or ctx
// ends. Call it after Close, once no new jobs can arrive.
func (w *Worker[T]) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
