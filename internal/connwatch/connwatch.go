// Package connwatch tracks the health of a caller-driven connection.
//
// Unlike a background health checker, a Tracker never runs on its own:
// the owner attempts the connection on its own schedule (the main loop's
// tick) and reports each outcome with [Tracker.Record]. The tracker turns that
// stream of outcomes into state transitions, attempt counts and a
// JSON-serializable status for diagnostics.
//
// There is no backoff and no retry ceiling here. An outage simply shows
// up as a growing Attempts count.
package connwatch

import (
	"sync"
	"time"
)

// Transition is the state change caused by one recorded outcome.
type Transition int

const (
	// None means the ready/down state did not change.
	None Transition = iota
	// Up means the connection went from down to ready.
	Up
	// Down means the connection went from ready to down.
	Down
)

func (t Transition) String() string {
	switch t {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "none"
	}
}

// ServiceStatus is the health status of a tracked connection, suitable
// for JSON serialization.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Attempts  int       `json:"attempts"`
	Connects  int       `json:"connects"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Tracker records connection outcomes for one named service. It is safe
// for concurrent use so status can be read from outside the main loop.
type Tracker struct {
	name string
	now  func() time.Time

	mu        sync.Mutex
	ready     bool
	attempts  int // failed attempts since the last success
	connects  int // successful connects over the process lifetime
	lastErr   error
	lastCheck time.Time
	since     time.Time
}

// New creates a tracker for name, initially down.
func New(name string) *Tracker {
	t := &Tracker{name: name, now: time.Now}
	t.since = t.now()
	return t
}

// Record stores the outcome of one connect attempt or liveness check.
// A nil err means the connection is up.
func (t *Tracker) Record(err error) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.lastErr = err
	t.lastCheck = now

	switch {
	case err == nil && !t.ready:
		t.ready = true
		t.since = now
		t.connects++
		t.attempts = 0
		return Up
	case err != nil && t.ready:
		t.ready = false
		t.since = now
		t.attempts = 1
		return Down
	case err != nil:
		t.attempts++
	}
	return None
}

// MarkDown records that a previously ready connection was found dead
// without a connect attempt having been made.
func (t *Tracker) MarkDown(err error) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		return None
	}
	now := t.now()
	t.ready = false
	t.since = now
	t.lastErr = err
	t.lastCheck = now
	t.attempts = 0
	return Down
}

// Attempts returns the number of failed attempts since the last success.
func (t *Tracker) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Status returns the current health status.
func (t *Tracker) Status() ServiceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := ServiceStatus{
		Name:      t.name,
		Ready:     t.ready,
		Attempts:  t.attempts,
		Connects:  t.connects,
		LastCheck: t.lastCheck,
		Since:     t.since,
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}
