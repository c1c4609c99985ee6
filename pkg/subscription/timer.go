package subscription

import "time"

// Timer is a handle to one scheduled firing.
type Timer interface {
	// Stop cancels the firing if it has not started yet. It does not wait
	// for a firing already in progress.
	Stop() bool
}

// Timers schedules one-shot callbacks for push-mode delivery. The standard
// implementation delegates to time.AfterFunc; tests substitute a manual
// implementation to fire deterministically.
type Timers interface {
	Schedule(d time.Duration, fn func()) Timer
}

// StdTimers schedules callbacks on the process-wide runtime timer heap.
type StdTimers struct{}

func (StdTimers) Schedule(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
