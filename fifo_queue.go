// fifo_queue.go
package jobqueue

// fifoQueue is a fixed-capacity double-ended ring buffer.
//
// It backs the per-name pending buffer. Pushing into a full queue never
// grows it: the oldest element is evicted instead and handed back to the
// caller, which owns the overflow policy.
type fifoQueue[T any] struct {
	buf        []T // circular buffer
	head, tail int // read/write indices
	size       int // number of items currently buffered
	capacity   int
}

// newFifoQueue creates a queue holding at most cap items. cap below 1
// is raised to 1.
func newFifoQueue[T any](cap int) *fifoQueue[T] {
	if cap < 1 {
		cap = 1
	}
	return &fifoQueue[T]{
		buf:      make([]T, cap),
		capacity: cap,
	}
}

// Len returns the number of items currently waiting in the queue.
func (q *fifoQueue[T]) Len() int { return q.size }

// Cap returns the maximum number of items the queue holds.
func (q *fifoQueue[T]) Cap() int { return q.capacity }

// PushBack appends v at the tail.
//
// If the queue is full, the head item is evicted first and returned with
// true.
func (q *fifoQueue[T]) PushBack(v T) (evicted T, ok bool) {
	if q.size == q.capacity {
		evicted, ok = q.PopFront()
	}
	q.buf[q.tail] = v
	q.tail++
	if q.tail == q.capacity {
		q.tail = 0
	}
	q.size++
	return evicted, ok
}

// PushFront inserts v at the head.
//
// The head holds the oldest item, so on a full queue v itself is the one
// to evict: it is returned with true and the queue is left unchanged.
func (q *fifoQueue[T]) PushFront(v T) (evicted T, ok bool) {
	if q.size == q.capacity {
		return v, true
	}
	q.head--
	if q.head < 0 {
		q.head = q.capacity - 1
	}
	q.buf[q.head] = v
	q.size++
	return evicted, false
}

// PopFront removes and returns the oldest item.
//
// If the queue is empty, returns the zero value and false.
func (q *fifoQueue[T]) PopFront() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head++
	if q.head == q.capacity {
		q.head = 0
	}
	q.size--
	return v, true
}

// Drain removes every item and returns them oldest first.
func (q *fifoQueue[T]) Drain() []T {
	out := make([]T, 0, q.size)
	for {
		v, ok := q.PopFront()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Resize changes the capacity, keeping the newest items. Items that no
// longer fit are returned oldest first.
func (q *fifoQueue[T]) Resize(cap int) []T {
	if cap < 1 {
		cap = 1
	}
	if cap == q.capacity {
		return nil
	}
	var evicted []T
	for q.size > cap {
		v, _ := q.PopFront()
		evicted = append(evicted, v)
	}
	buf := make([]T, cap)
	n := q.size
	for i := 0; i < n; i++ {
		buf[i], _ = q.PopFront()
	}
	q.buf = buf
	q.capacity = cap
	q.head = 0
	q.size = n
	q.tail = n % cap
	return evicted
}
