package jobqueue

// EventKind names a runtime event delivered to an EventSink.
type EventKind string

const (
	// EventDropWarning is emitted for every job evicted from a full
	// pending buffer.
	EventDropWarning EventKind = "drop-warning"

	// EventOverflow is the rate-limited escalation of drops.
	EventOverflow EventKind = "overflow"

	// EventExecutionFailure is emitted when a job runs out of attempts.
	EventExecutionFailure EventKind = "execution-failure"

	// EventUnhandledError is emitted when a job panics.
	EventUnhandledError EventKind = "unhandled-error"
)

// Event is a structured notification about drops and failures.
// Fields that do not apply to a kind are left zero.
type Event struct {
	Kind  EventKind
	Queue string

	MaxPendingJobs        int
	TotalDropped          int
	DroppedSinceLastAlert int

	JobID   string
	JobName string
	Err     error
}

// EventSink receives runtime events.
//
// Emit is called while the registry lock is held. It must return quickly
// and must not call back into the Registry, Queue or Worker.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(Event) {}
