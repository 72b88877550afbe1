// Package timer implements the one-shot, generation-tagged timers the
// coordinator uses for election, heartbeat, and commit-timeout deadlines.
//
// Expiry does not invoke the callback directly from the runtime timer
// goroutine: it enqueues a "service request" onto a channel the
// coordinator's dispatcher drains, so all state transitions still happen
// on the single-threaded dispatcher (spec.md §5). Cancellation tags each
// scheduled firing with a generation counter; a callback that fires after
// Cancel has already been called (a race inherent to time.AfterFunc,
// whose stopped timer may have already queued its function) is dropped
// because its generation no longer matches.
package timer

import (
	"sync"
	"time"

	"github.com/cuemby/raftkv/pkg/clock"
)

// Event is delivered to a coordinator's pending-work queue when a timer
// expires.
type Event struct {
	// Name identifies which timer fired (e.g. "election", "heartbeat").
	Name string
}

// Timer is a cancellable, reschedulable one-shot alarm.
type Timer struct {
	mu         sync.Mutex
	name       string
	out        chan<- Event
	generation uint64
	deadline   clock.Timestamp
	active     bool
	t          *time.Timer
}

// New creates a timer that delivers Events carrying name to out on expiry.
// out is typically the coordinator's pending-work channel.
func New(name string, out chan<- Event) *Timer {
	return &Timer{name: name, out: out}
}

// Schedule arms the timer to fire at deadline, replacing any pending
// firing. It is safe to call from any goroutine.
func (tm *Timer) Schedule(deadline clock.Timestamp) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.t != nil {
		tm.t.Stop()
	}
	tm.generation++
	gen := tm.generation
	tm.deadline = deadline
	tm.active = true

	d := deadline.Sub(clock.Now())
	if d < 0 {
		d = 0
	}
	tm.t = time.AfterFunc(d, func() { tm.fire(gen) })
}

func (tm *Timer) fire(gen uint64) {
	tm.mu.Lock()
	if gen != tm.generation || !tm.active {
		tm.mu.Unlock()
		return
	}
	name := tm.name
	tm.mu.Unlock()

	// Never block the runtime timer goroutine; the dispatcher is expected
	// to keep this channel drained.
	select {
	case tm.out <- Event{Name: name}:
	default:
		go func() { tm.out <- Event{Name: name} }()
	}
}

// Cancel disarms the timer. After Cancel returns, no Event from a firing
// scheduled before the call will ever be delivered, even if the
// underlying runtime timer had already fired concurrently.
func (tm *Timer) Cancel() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.generation++
	tm.active = false
	if tm.t != nil {
		tm.t.Stop()
	}
}

// PollForTimeout reports whether the timer is currently armed and its
// deadline has passed, consuming the expiry exactly once: a second call
// without an intervening Schedule returns false.
func (tm *Timer) PollForTimeout() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.active {
		return false
	}
	if clock.Now().Before(tm.deadline) {
		return false
	}
	tm.active = false
	return true
}

// Deadline returns the currently scheduled deadline and whether the timer
// is armed.
func (tm *Timer) Deadline() (clock.Timestamp, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.deadline, tm.active
}
