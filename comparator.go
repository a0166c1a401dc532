package jiffy

import (
	"sync"
	"time"
)

// Comparator is the per-core one-shot event device. Program arms it for an
// absolute Monotonic deadline and must return ErrPastDeadline, without
// arming, when the deadline lies before the device's current time. Shutdown
// disarms it for good.
//
// The engine calls Program with the owning core's lock held, so an
// implementation must deliver the interrupt asynchronously and never call
// back into the core from inside Program.
type Comparator interface {
	Program(deadlineNs int64) error
	Shutdown()
}

// ComparatorFactory builds the comparator of a core. fire is the core's
// interrupt entry; the device invokes it when the programmed deadline passes.
type ComparatorFactory func(cpu int, fire func()) Comparator

// TimeComparator is a Comparator backed by a runtime timer. It lets the
// engine drive real goroutine-level wakeups, e.g. from example/ or from a
// process that wants hrtimer semantics on top of package time.
type TimeComparator struct {
	mu       sync.Mutex
	clock    ClockReader
	fire     func()
	timer    *time.Timer
	shutdown bool
}

// NewTimeComparator returns a comparator that reads Monotonic from clock.
func NewTimeComparator(clock ClockReader, fire func()) *TimeComparator {
	return &TimeComparator{clock: clock, fire: fire}
}

// TimeComparatorFactory adapts NewTimeComparator to a ComparatorFactory.
func TimeComparatorFactory(clock ClockReader) ComparatorFactory {
	return func(_ int, fire func()) Comparator {
		return NewTimeComparator(clock, fire)
	}
}

// Program implements Comparator.
func (tc *TimeComparator) Program(deadlineNs int64) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.shutdown {
		return nil
	}

	delta := deadlineNs - tc.clock.NowNs(Monotonic)
	if delta < 0 {
		return ErrPastDeadline
	}

	if tc.timer != nil {
		tc.timer.Stop()
	}
	tc.timer = time.AfterFunc(time.Duration(delta), tc.fire)
	return nil
}

// Shutdown implements Comparator.
func (tc *TimeComparator) Shutdown() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.shutdown = true
	if tc.timer != nil {
		tc.timer.Stop()
		tc.timer = nil
	}
}
