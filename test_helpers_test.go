package jobqueue_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	jq "github.com/Andrej220/go-utils/jobqueue"
)

// recordingSink collects every emitted event.
type recordingSink struct {
	mu     sync.Mutex
	events []jq.Event
}

func (s *recordingSink) Emit(e jq.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byKind(k jq.EventKind) []jq.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jq.Event
	for _, e := range s.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// recorder is a processor that remembers the payloads it saw, in order.
type recorder[T any] struct {
	mu   sync.Mutex
	seen []T
}

func (r *recorder[T]) process(_ context.Context, job *jq.Job[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, job.Data)
	return nil
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.seen...)
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type testEnv struct {
	reg     *jq.Registry
	clock   *jq.ManualClock
	sink    *recordingSink
	metrics *jq.AtomicMetrics
}

func newTestEnv(t *testing.T, cfg jq.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:   jq.NewManualClock(time.Unix(1_700_000_000, 0)),
		sink:    &recordingSink{},
		metrics: &jq.AtomicMetrics{},
	}
	env.reg = jq.NewRegistry(jq.Options{
		Config:  cfg,
		Clock:   env.clock,
		Sink:    env.sink,
		Metrics: env.metrics,
	})
	return env
}

// newRealTimeEnv uses the wall clock, for tests that exercise retry waits.
func newRealTimeEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{sink: &recordingSink{}, metrics: &jq.AtomicMetrics{}}
	env.reg = jq.NewRegistry(jq.Options{
		Sink:    env.sink,
		Metrics: env.metrics,
	})
	return env
}

func newTestQueue[T any](t *testing.T, r *jq.Registry, name string, opts jq.QueueOptions) *jq.Queue[T] {
	t.Helper()
	q, err := jq.NewQueue[T](r, name, opts)
	if err != nil {
		t.Fatalf("NewQueue(%q): %v", name, err)
	}
	return q
}

func newTestWorker[T any](t *testing.T, r *jq.Registry, name string, fn jq.Processor[T], concurrency int) *jq.Worker[T] {
	t.Helper()
	w, err := jq.NewWorker[T](context.Background(), r, name, fn, jq.WorkerOptions{Concurrency: concurrency})
	if err != nil {
		t.Fatalf("NewWorker(%q): %v", name, err)
	}
	t.Cleanup(w.Close)
	return w
}

func mustAdd[T any](t *testing.T, q *jq.Queue[T], name string, data T, opts jq.JobOptions) *jq.Job[T] {
	t.Helper()
	job, err := q.Add(name, data, opts)
	if err != nil {
		t.Fatalf("Add(%q): %v", name, err)
	}
	return job
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not satisfied before timeout")
}

// stayFalse fails if cond becomes true within d.
func stayFalse(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatal("condition became true unexpectedly")
		}
		time.Sleep(time.Millisecond)
	}
}
