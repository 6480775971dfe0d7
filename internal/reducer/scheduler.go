// ABOUTME: Deferred-work abstraction so run deletions can be driven by tests
// ABOUTME: The default implementation wraps time.AfterFunc

package reducer

import "time"

// Timer is a cancellable scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealScheduler returns a Scheduler backed by the runtime timer heap.
func RealScheduler() Scheduler {
	return realScheduler{}
}
