package jobqueue

import (
	"sync"
	"time"
)

// overflowState tracks drops for one queue name.
type overflowState struct {
	droppedSinceLastAlert int
	totalDropped          int
	lastAlertAt           time.Time
}

// overflowDecision is the outcome of recording one drop.
type overflowDecision struct {
	Alert                 bool
	TotalDropped          int
	DroppedSinceLastAlert int
}

// overflowTracker decides which drops are escalated to an alert.
//
// The first drop for a name always alerts. After that an alert fires when
// batchSize drops have piled up since the previous one, or cooldown has
// passed since it, whichever comes first.
type overflowTracker struct {
	mu        sync.Mutex
	batchSize int
	cooldown  time.Duration
	states    map[string]*overflowState
}

func newOverflowTracker(batchSize int, cooldown time.Duration) *overflowTracker {
	if batchSize < 1 {
		batchSize = DefaultAlertBatchSize
	}
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return &overflowTracker{
		batchSize: batchSize,
		cooldown:  cooldown,
		states:    make(map[string]*overflowState),
	}
}

// record counts one drop for name at now.
func (t *overflowTracker) record(name string, now time.Time) overflowDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, seen := t.states[name]
	if !seen {
		st = &overflowState{}
		t.states[name] = st
	}
	st.totalDropped++
	st.droppedSinceLastAlert++

	d := overflowDecision{
		TotalDropped:          st.totalDropped,
		DroppedSinceLastAlert: st.droppedSinceLastAlert,
	}
	switch {
	case !seen:
		d.Alert = true
	case st.droppedSinceLastAlert >= t.batchSize:
		d.Alert = true
	case now.Sub(st.lastAlertAt) >= t.cooldown:
		d.Alert = true
	}
	if d.Alert {
		st.droppedSinceLastAlert = 0
		st.lastAlertAt = now
	}
	return d
}

// reset forgets everything about name.
func (t *overflowTracker) reset(name string) {
	t.mu.Lock()
	delete(t.states, name)
	t.mu.Unlock()
}

func (t *overflowTracker) has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[name]
	return ok
}
