// Package timer defines the deadline collaborator a round uses for its
// hard and flexible submission windows, kept pluggable so tests can run
// without waiting on a real clock.
package timer

import "time"

// Timer schedules a single callback after a delay and can be cancelled.
type Timer interface {
	Stop() bool
}

// Source creates Timers. The default implementation wraps time.AfterFunc.
type Source interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealSource is a Source backed by the real clock.
type RealSource struct{}

// AfterFunc schedules f to run after d using time.AfterFunc.
func (RealSource) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
