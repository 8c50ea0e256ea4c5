package jobqueue_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	jq "github.com/Andrej220/go-utils/jobqueue"
)

// gate blocks processors until released.
type gate struct {
	mu      sync.Mutex
	started map[int]bool
	release map[int]chan struct{}
}

func newGate(ids ...int) *gate {
	g := &gate{started: map[int]bool{}, release: map[int]chan struct{}{}}
	for _, id := range ids {
		g.release[id] = make(chan struct{})
	}
	return g
}

func (g *gate) process(_ context.Context, job *jq.Job[int]) error {
	g.mu.Lock()
	g.started[job.Data] = true
	ch := g.release[job.Data]
	g.mu.Unlock()
	if ch != nil {
		<-ch
	}
	return nil
}

func (g *gate) isStarted(id int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started[id]
}

func (g *gate) open(id int) { close(g.release[id]) }

func TestWorkerConcurrencyOne(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "work", jq.QueueOptions{})
	g := newGate(1)
	w := newTestWorker(t, env.reg, "work", g.process, 1)

	mustAdd(t, q, "job", 1, jq.JobOptions{})
	waitUntil(t, time.Second, func() bool { return g.isStarted(1) })
	mustAdd(t, q, "job", 2, jq.JobOptions{})

	stayFalse(t, 30*time.Millisecond, func() bool { return g.isStarted(2) })
	if w.Backlog() != 1 || w.InFlight() != 1 {
		t.Fatalf("backlog=%d inflight=%d; want 1/1", w.Backlog(), w.InFlight())
	}

	g.open(1)
	waitUntil(t, time.Second, func() bool { return g.isStarted(2) })
	waitUntil(t, time.Second, func() bool { return w.InFlight() == 0 })
}

func TestWorkerConcurrencyTwo(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "work", jq.QueueOptions{})
	g := newGate(1, 2)
	w := newTestWorker(t, env.reg, "work", g.process, 2)

	mustAdd(t, q, "job", 1, jq.JobOptions{})
	mustAdd(t, q, "job", 2, jq.JobOptions{})
	waitUntil(t, time.Second, func() bool { return g.isStarted(1) && g.isStarted(2) })
	if w.InFlight() != 2 || w.Backlog() != 0 {
		t.Fatalf("inflight=%d backlog=%d; want 2/0", w.InFlight(), w.Backlog())
	}
	g.open(1)
	g.open(2)
	waitUntil(t, time.Second, func() bool { return w.InFlight() == 0 })
}

func TestWorkerDefaultConcurrency(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "work", jq.QueueOptions{})
	g := newGate(1)
	w := newTestWorker(t, env.reg, "work", g.process, 0)

	mustAdd(t, q, "job", 1, jq.JobOptions{})
	mustAdd(t, q, "job", 2, jq.JobOptions{})
	waitUntil(t, time.Second, func() bool { return g.isStarted(1) })
	if w.Backlog() != 1 {
		t.Fatalf("backlog=%d; want 1 with default concurrency", w.Backlog())
	}
	g.open(1)
	waitUntil(t, time.Second, func() bool { return g.isStarted(2) })
}

func TestRetryThenSuccess(t *testing.T) {
	env := newRealTimeEnv(t)
	q := newTestQueue[int](t, env.reg, "retry", jq.QueueOptions{})

	var (
		calls int32
		mu    sync.Mutex
		seen  []int
	)
	done := make(chan struct{})
	newTestWorker(t, env.reg, "retry", func(_ context.Context, job *jq.Job[int]) error {
		mu.Lock()
		seen = append(seen, job.AttemptsMade)
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("fail")
		}
		close(done)
		return nil
	}, 1)

	mustAdd(t, q, "flaky", 42, jq.JobOptions{Attempts: 3, Backoff: jq.FixedBackoff(2 * time.Millisecond)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not succeed after retries")
	}
	waitUntil(t, time.Second, func() bool { return env.metrics.Executed() == 1 })

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("attempts = %d; want 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(seen, []int{0, 1, 2}) {
		t.Fatalf("AttemptsMade sequence = %v; want [0 1 2]", seen)
	}
	if n := len(env.sink.byKind(jq.EventExecutionFailure)); n != 0 {
		t.Fatalf("terminal failures = %d; want 0", n)
	}
	if got := env.metrics.Retried(); got != 2 {
		t.Fatalf("retried = %d; want 2", got)
	}
}

func TestRetryExhausted(t *testing.T) {
	env := newRealTimeEnv(t)
	q := newTestQueue[int](t, env.reg, "retry", jq.QueueOptions{})

	var calls int32
	boom := errors.New("boom")
	newTestWorker(t, env.reg, "retry", func(_ context.Context, _ *jq.Job[int]) error {
		atomic.AddInt32(&calls, 1)
		return boom
	}, 1)

	job := mustAdd(t, q, "doomed", 1, jq.JobOptions{Attempts: 2, Backoff: jq.ExponentialBackoff(time.Millisecond)})
	waitUntil(t, time.Second, func() bool { return len(env.sink.byKind(jq.EventExecutionFailure)) == 1 })

	ev := env.sink.byKind(jq.EventExecutionFailure)[0]
	if ev.JobID != job.ID || ev.JobName != "doomed" || !errors.Is(ev.Err, boom) {
		t.Fatalf("unexpected failure event %+v", ev)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("attempts = %d; want 2", got)
	}
	if got := env.metrics.Failed(); got != 1 {
		t.Fatalf("failed = %d; want 1", got)
	}
}

func TestRetryWaitsOnClock(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "retry", jq.QueueOptions{})

	var calls int32
	newTestWorker(t, env.reg, "retry", func(_ context.Context, _ *jq.Job[int]) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("first try fails")
		}
		return nil
	}, 1)

	mustAdd(t, q, "slow-retry", 1, jq.JobOptions{Attempts: 2, Backoff: jq.FixedBackoff(time.Minute)})
	waitUntil(t, time.Second, func() bool { return env.clock.Pending() == 1 })
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls before backoff elapsed = %d; want 1", got)
	}

	env.clock.Advance(time.Minute)
	waitUntil(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 2 })
}

func TestCancelDuringBackoff(t *testing.T) {
	env := newRealTimeEnv(t)
	q := newTestQueue[int](t, env.reg, "retry", jq.QueueOptions{})

	var calls int32
	step := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	w, err := jq.NewWorker[int](ctx, env.reg, "retry", func(_ context.Context, _ *jq.Job[int]) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(step)
		}
		return errors.New("boom")
	}, jq.WorkerOptions{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	defer w.Close()

	mustAdd(t, q, "job", 1, jq.JobOptions{Attempts: 5, Backoff: jq.FixedBackoff(time.Second)})

	select {
	case <-step:
	case <-time.After(time.Second):
		t.Fatal("first attempt did not happen in time")
	}
	cancel()

	waitUntil(t, time.Second, func() bool { return w.InFlight() == 0 })
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("attempts after cancel = %d; want 1", got)
	}
}

func TestPanicIsUnhandledError(t *testing.T) {
	env := newRealTimeEnv(t)
	q := newTestQueue[int](t, env.reg, "panics", jq.QueueOptions{})

	var calls int32
	rec := &recorder[int]{}
	newTestWorker(t, env.reg, "panics", func(ctx context.Context, job *jq.Job[int]) error {
		if job.Data == 1 {
			atomic.AddInt32(&calls, 1)
			panic("processor exploded")
		}
		return rec.process(ctx, job)
	}, 1)

	mustAdd(t, q, "bad", 1, jq.JobOptions{Attempts: 3})
	mustAdd(t, q, "good", 2, jq.JobOptions{})

	waitUntil(t, time.Second, func() bool { return rec.count() == 1 })
	evs := env.sink.byKind(jq.EventUnhandledError)
	if len(evs) != 1 || evs[0].JobName != "bad" || evs[0].Err == nil {
		t.Fatalf("unhandled events = %+v", evs)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("panicking job ran %d times; want 1", got)
	}
}

func TestRoundRobinDispatch(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "rr", jq.QueueOptions{})

	a, b := &recorder[int]{}, &recorder[int]{}
	newTestWorker(t, env.reg, "rr", a.process, 10)
	newTestWorker(t, env.reg, "rr", b.process, 10)

	for i := 1; i <= 6; i++ {
		mustAdd(t, q, "job", i, jq.JobOptions{})
	}
	waitUntil(t, time.Second, func() bool { return a.count()+b.count() == 6 })

	if a.count() != 3 || b.count() != 3 {
		t.Fatalf("split = %d/%d; want 3/3", a.count(), b.count())
	}
	for _, v := range a.snapshot() {
		if v%2 != 1 {
			t.Fatalf("first worker got %v; want odd jobs", a.snapshot())
		}
	}
}

func TestWorkerCloseRequeuesBacklog(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "handoff", jq.QueueOptions{})
	g := newGate(1)

	w, err := jq.NewWorker[int](context.Background(), env.reg, "handoff", g.process, jq.WorkerOptions{Concurrency: 1})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	for i := 1; i <= 3; i++ {
		mustAdd(t, q, "job", i, jq.JobOptions{})
	}
	waitUntil(t, time.Second, func() bool { return g.isStarted(1) })

	w.Close()
	w.Close()
	if got := q.PendingIDs(); !reflect.DeepEqual(got, []string{"2", "3"}) {
		t.Fatalf("pending ids after close = %v; want [2 3]", got)
	}
	if c := q.Counts(); c.Workers != 0 {
		t.Fatalf("worker still registered: %+v", c)
	}

	// the running job is not interrupted
	g.open(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if g.isStarted(2) {
		t.Fatal("closed worker picked up requeued job")
	}

	rec := &recorder[int]{}
	newTestWorker(t, env.reg, "handoff", rec.process, 1)
	waitUntil(t, time.Second, func() bool { return rec.count() == 2 })
	if got := rec.snapshot(); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("processed = %v; want [2 3]", got)
	}
}

func TestWorkerCloseHandsBacklogToPeers(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "peers", jq.QueueOptions{})
	g := newGate(1)

	first, err := jq.NewWorker[int](context.Background(), env.reg, "peers", g.process, jq.WorkerOptions{Concurrency: 1})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	rec := &recorder[int]{}
	newTestWorker(t, env.reg, "peers", rec.process, 10)

	// round-robin: 1 and 3 go to first, 2 and 4 to the peer
	for i := 1; i <= 4; i++ {
		mustAdd(t, q, "job", i, jq.JobOptions{})
	}
	waitUntil(t, time.Second, func() bool { return g.isStarted(1) && rec.count() == 2 })

	first.Close()
	waitUntil(t, time.Second, func() bool { return rec.count() == 3 })
	if got := rec.snapshot(); got[2] != 3 {
		t.Fatalf("peer processed %v; want job 3 last", got)
	}
	if c := q.Counts(); c.Pending != 0 || c.Workers != 1 {
		t.Fatalf("counts = %+v", c)
	}
	g.open(1)
}

func TestWorkerDrainsBacklogOnAttach(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "late", jq.QueueOptions{})
	for i := 1; i <= 5; i++ {
		mustAdd(t, q, "job", i, jq.JobOptions{})
	}

	rec := &recorder[int]{}
	w := newTestWorker(t, env.reg, "late", rec.process, 2)
	waitUntil(t, time.Second, func() bool { return rec.count() == 5 })
	waitUntil(t, time.Second, func() bool { return w.InFlight() == 0 })
	if q.Counts().Pending != 0 {
		t.Fatal("pending buffer not drained")
	}
}

func TestStatePrunedAfterLastWorker(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	rec := &recorder[int]{}
	w, err := jq.NewWorker[int](context.Background(), env.reg, "ephemeral", rec.process, jq.WorkerOptions{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if !env.reg.Has("ephemeral") {
		t.Fatal("worker did not create state")
	}
	w.Close()
	if env.reg.Has("ephemeral") {
		t.Fatal("state not pruned after last worker closed")
	}
}

func TestNewWorker_Validation(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	if _, err := jq.NewWorker[int](context.Background(), env.reg, "x", nil, jq.WorkerOptions{}); !errors.Is(err, jq.ErrNilProcessor) {
		t.Fatalf("err = %v; want ErrNilProcessor", err)
	}
	newTestQueue[string](t, env.reg, "typed", jq.QueueOptions{})
	rec := &recorder[int]{}
	if _, err := jq.NewWorker[int](context.Background(), env.reg, "typed", rec.process, jq.WorkerOptions{}); !errors.Is(err, jq.ErrPayloadType) {
		t.Fatalf("err = %v; want ErrPayloadType", err)
	}
}

func TestQueueCloseDiscardsWorkerBacklog(t *testing.T) {
	env := newTestEnv(t, jq.Config{})
	q := newTestQueue[int](t, env.reg, "shutdown", jq.QueueOptions{})
	g := newGate(1)
	w := newTestWorker(t, env.reg, "shutdown", g.process, 1)

	for i := 1; i <= 3; i++ {
		mustAdd(t, q, "job", i, jq.JobOptions{})
	}
	waitUntil(t, time.Second, func() bool { return g.isStarted(1) })

	q.Close()
	if w.Backlog() != 0 {
		t.Fatalf("backlog after queue close = %d; want 0", w.Backlog())
	}

	// the running job still completes
	g.open(1)
	waitUntil(t, time.Second, func() bool { return w.InFlight() == 0 })
	stayFalse(t, 20*time.Millisecond, func() bool { return g.isStarted(2) || g.isStarted(3) })
	if env.reg.Has("shutdown") {
		t.Fatal("state survived queue close")
	}
}

func TestTraceUsesRegistryLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	reg := jq.NewRegistry(jq.Options{Logger: zap.New(core)})
	q := newTestQueue[int](t, reg, "traced", jq.QueueOptions{})
	rec := &recorder[int]{}
	w := newTestWorker(t, reg, "traced", rec.process, 1)

	mustAdd(t, q, "job", 1, jq.JobOptions{})
	waitUntil(t, time.Second, func() bool { return rec.count() == 1 && w.InFlight() == 0 })

	done := logs.FilterMessage("job completed").All()
	if len(done) != 1 {
		t.Fatalf("job completed lines = %d; want 1", len(done))
	}
	if f := done[0].ContextMap(); f["queue"] != "traced" || f["worker_id"] != w.ID() {
		t.Fatalf("trace fields = %v", f)
	}
}

func TestTraceUsesContextLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	reg := jq.NewRegistry(jq.Options{Logger: zap.New(core)})
	q := newTestQueue[int](t, reg, "quiet", jq.QueueOptions{})
	rec := &recorder[int]{}

	ctx := lg.Attach(context.Background(), lg.Discard)
	w, err := jq.NewWorker[int](ctx, reg, "quiet", rec.process, jq.WorkerOptions{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	t.Cleanup(w.Close)

	mustAdd(t, q, "job", 1, jq.JobOptions{})
	waitUntil(t, time.Second, func() bool { return rec.count() == 1 && w.InFlight() == 0 })
	if n := logs.FilterMessage("job completed").Len(); n != 0 {
		t.Fatalf("registry logger got %d trace lines; want 0", n)
	}
}

func TestAddReturnsSnapshot(t *testing.T) {
	env := newRealTimeEnv(t)
	q := newTestQueue[int](t, env.reg, "snap", jq.QueueOptions{})

	var (
		mu   sync.Mutex
		seen *jq.Job[int]
	)
	var calls int32
	newTestWorker(t, env.reg, "snap", func(_ context.Context, job *jq.Job[int]) error {
		mu.Lock()
		seen = job
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("again")
		}
		return nil
	}, 1)

	job := mustAdd(t, q, "job", 1, jq.JobOptions{Attempts: 2, Backoff: jq.FixedBackoff(time.Millisecond)})
	waitUntil(t, time.Second, func() bool { return env.metrics.Executed() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if seen == job {
		t.Fatal("Add returned the job the worker mutates")
	}
	if job.AttemptsMade != 0 || seen.AttemptsMade != 1 {
		t.Fatalf("attempts: returned=%d worker=%d; want 0/1", job.AttemptsMade, seen.AttemptsMade)
	}
	if seen.ID != job.ID {
		t.Fatalf("ids differ: %s vs %s", seen.ID, job.ID)
	}
}
