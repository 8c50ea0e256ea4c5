package jobqueue

import "errors"

var (
	// ErrRepeatRequiresJobID is returned by Add for a repeat job without
	// a JobID. Nothing is scheduled.
	ErrRepeatRequiresJobID = errors.New("jobqueue: repeat jobs require a stable id")

	// ErrPayloadType is returned when a queue name already carries jobs of
	// a different payload type.
	ErrPayloadType = errors.New("jobqueue: queue name bound to another payload type")

	// ErrEmptyName is returned for an empty queue name.
	ErrEmptyName = errors.New("jobqueue: queue name is empty")

	// ErrNilProcessor is returned by NewWorker for a nil processor.
	ErrNilProcessor = errors.New("jobqueue: processor is nil")

	// ErrNilRegistry is returned when no registry is given.
	ErrNilRegistry = errors.New("jobqueue: registry is nil")

	// ErrInvalidConfig wraps rejected configuration values.
	ErrInvalidConfig = errors.New("jobqueue: invalid config value")
)
