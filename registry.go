package jobqueue

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry owns the shared runtime state of every queue name it has seen.
//
// Queues and workers created with the same Registry and name rendezvous on
// one state: producers push into it and workers consume from it. Separate
// registries never share anything.
//
// A single mutex serialises every mutation of every state in the registry.
type Registry struct {
	mu     sync.Mutex
	opts   Options
	states map[string]stateEntry
	alerts *overflowTracker
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	opts.FillDefaults()
	return &Registry{
		opts:   opts,
		states: make(map[string]stateEntry),
		alerts: newOverflowTracker(opts.AlertBatchSize, opts.AlertCooldown),
	}
}

// Names returns the queue names that currently have runtime state.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.states))
	for n := range r.states {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name currently has runtime state.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[name]
	return ok
}

func (r *Registry) clock() Clock { return r.opts.Clock }

// pruneLocked removes the state of name if nothing references it any more,
// together with its overflow counters.
func (r *Registry) pruneLocked(name string) {
	if st, ok := r.states[name]; ok {
		if !st.empty() {
			return
		}
		delete(r.states, name)
		st.core().log.Debug("queue state pruned")
	}
	r.alerts.reset(name)
}

func (r *Registry) prune(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(name)
}

// removeLocked tears down the state of name unconditionally.
func (r *Registry) removeLocked(name string) {
	if st, ok := r.states[name]; ok {
		st.shutdown()
		delete(r.states, name)
	}
	r.alerts.reset(name)
}

// lookupState returns the state of name if it exists. Called with r.mu held.
func lookupState[T any](r *Registry, name string) (*queueState[T], bool, error) {
	e, ok := r.states[name]
	if !ok {
		return nil, false, nil
	}
	st, ok := e.(*queueState[T])
	if !ok {
		return nil, false, fmt.Errorf("%w: %q holds %s", ErrPayloadType, name, e.payloadType())
	}
	return st, true, nil
}

// attachState returns the state of name, creating it when missing, and
// lowers its cap to maxPending when that is smaller. A maxPending of zero
// leaves an existing cap alone. Called with r.mu held.
func attachState[T any](r *Registry, name string, maxPending int) (*queueState[T], error) {
	st, ok, err := lookupState[T](r, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		capacity := maxPending
		if capacity <= 0 {
			capacity = r.opts.MaxPendingJobs
		}
		st = newQueueState[T](name, capacity, r.opts.Logger.With(zap.String("queue", name)))
		r.states[name] = st
		return st, nil
	}
	if maxPending > 0 && maxPending < st.pending.Cap() {
		for _, j := range st.pending.Resize(maxPending) {
			r.reportDrop(st.log, name, maxPending, j.ID, j.Name)
		}
	}
	return st, nil
}

// stateEntry is the type-erased view of a queueState the registry needs.
type stateEntry interface {
	core() *stateCore
	empty() bool
	shutdown()
	payloadType() string
}

// stateCore holds the parts of a queue state that do not depend on the
// payload type.
type stateCore struct {
	name       string
	log        *zap.Logger
	nextID     uint64
	schedulers map[string]*schedule
	delayed    map[string]*delayedJob
}

// schedule is an active repeat schedule.
type schedule struct {
	id       string
	interval time.Duration
	limit    int
	count    int
	initial  Timer
	repeat   Timer
}

func (s *schedule) stop() {
	if s.initial != nil {
		s.initial.Stop()
	}
	if s.repeat != nil {
		s.repeat.Stop()
	}
}

// delayedJob is the timer of a job waiting for its delay to pass.
type delayedJob struct {
	timer Timer
}

func (c *stateCore) nextJobID() string {
	c.nextID++
	return strconv.FormatUint(c.nextID, 10)
}

func (c *stateCore) removeScheduler(id string) bool {
	s, ok := c.schedulers[id]
	if !ok {
		return false
	}
	s.stop()
	delete(c.schedulers, id)
	return true
}

// queueState is the shared runtime state of one queue name.
type queueState[T any] struct {
	stateCore
	pending *fifoQueue[*Job[T]]
	workers []*Worker[T]
	cursor  int
}

func newQueueState[T any](name string, capacity int, log *zap.Logger) *queueState[T] {
	return &queueState[T]{
		stateCore: stateCore{
			name:       name,
			log:        log,
			schedulers: make(map[string]*schedule),
			delayed:    make(map[string]*delayedJob),
		},
		pending: newFifoQueue[*Job[T]](capacity),
	}
}

func (s *queueState[T]) core() *stateCore { return &s.stateCore }

func (s *queueState[T]) payloadType() string {
	return reflect.TypeFor[T]().String()
}

func (s *queueState[T]) empty() bool {
	return s.pending.Len() == 0 &&
		len(s.workers) == 0 &&
		len(s.schedulers) == 0 &&
		len(s.delayed) == 0
}

// shutdown cancels every timer and forgets all jobs and workers.
func (s *queueState[T]) shutdown() {
	for id := range s.schedulers {
		s.removeScheduler(id)
	}
	for id, d := range s.delayed {
		d.timer.Stop()
		delete(s.delayed, id)
	}
	s.pending.Drain()
	for _, w := range s.workers {
		if n := w.dropBacklog(); n > 0 {
			w.log.Warn("queue closed; discarding worker backlog", zap.Int("jobs", n))
		}
	}
	s.workers = nil
	s.cursor = 0
}

// dispatchLocked hands job to the next worker, or buffers it when no
// worker is attached.
func (s *queueState[T]) dispatchLocked(r *Registry, job *Job[T]) {
	if len(s.workers) == 0 {
		s.bufferLocked(r, job)
		return
	}
	i := s.cursor % len(s.workers)
	s.cursor = (i + 1) % len(s.workers)
	s.workers[i].submit(job)
}

// bufferLocked appends job to the pending buffer, evicting the oldest job
// when the buffer is full.
func (s *queueState[T]) bufferLocked(r *Registry, job *Job[T]) {
	if old, dropped := s.pending.PushBack(job); dropped {
		r.reportDrop(s.log, s.name, s.pending.Cap(), old.ID, old.Name)
	}
}

// requeueLocked puts a job that never started back at the head of the
// pending buffer.
func (s *queueState[T]) requeueLocked(r *Registry, job *Job[T]) {
	if old, dropped := s.pending.PushFront(job); dropped {
		r.reportDrop(s.log, s.name, s.pending.Cap(), old.ID, old.Name)
	}
}

// redistributeLocked moves every buffered job to the attached workers.
func (s *queueState[T]) redistributeLocked(r *Registry) {
	if len(s.workers) == 0 {
		return
	}
	for _, j := range s.pending.Drain() {
		s.dispatchLocked(r, j)
	}
}

func (s *queueState[T]) removeWorker(w *Worker[T]) bool {
	for i, x := range s.workers {
		if x != w {
			continue
		}
		s.workers = append(s.workers[:i], s.workers[i+1:]...)
		if i < s.cursor {
			s.cursor--
		}
		if s.cursor >= len(s.workers) {
			s.cursor = 0
		}
		return true
	}
	return false
}
