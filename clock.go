package jiffy

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Domain identifies one of the independently offset time bases a high
// resolution timer can be expressed in.
type Domain int

const (
	// Monotonic never jumps and is the base the comparator is programmed in.
	Monotonic Domain = iota
	// Wallclock follows the settable real time.
	Wallclock
	// BootElapsed is monotonic time including time spent suspended.
	BootElapsed
	// InternationalAtomic is Wallclock without leap-second corrections.
	InternationalAtomic

	// NumDomains is the number of clock queues every core carries.
	NumDomains = 4
)

// KTimeMax marks "no expiry" in nanosecond deadlines.
const KTimeMax int64 = math.MaxInt64

var domainNames = [NumDomains]string{"monotonic", "wallclock", "boottime", "tai"}

func (d Domain) String() string {
	if d.valid() {
		return domainNames[d]
	}
	return fmt.Sprintf("Domain(%d)", int(d))
}

func (d Domain) valid() bool {
	return d >= Monotonic && d < NumDomains
}

// ClockReader supplies the current time of every domain in nanoseconds.
// Readings are non-decreasing per domain; a domain may jump forward when its
// offset to Monotonic is changed.
type ClockReader interface {
	NowNs(d Domain) int64
}

// OffsetReader is optionally implemented by a ClockReader that can report the
// exact distance of a domain from Monotonic. Without it the distance is
// derived from two back-to-back readings.
type OffsetReader interface {
	OffsetNs(d Domain) int64
}

// domainOffset returns d minus Monotonic as seen by clock.
func domainOffset(clock ClockReader, d Domain, mono int64) int64 {
	if d == Monotonic {
		return 0
	}
	if or, ok := clock.(OffsetReader); ok {
		return or.OffsetNs(d)
	}
	return clock.NowNs(d) - mono
}

// addSafe adds two nanosecond values and saturates at KTimeMax.
func addSafe(a, b int64) int64 {
	res := a + b
	if res < 0 && a >= 0 && b >= 0 {
		return KTimeMax
	}
	return res
}

// ============================================================================
// ManualClock
// ============================================================================

// ManualClock is a ClockReader whose time only moves when told to. It is the
// clock used by simulations and tests; every method is safe for concurrent
// use.
type ManualClock struct {
	mu      sync.RWMutex
	mono    int64
	offsets [NumDomains]int64
}

// NewManualClock returns a clock with Monotonic at start and every other
// domain at the same reading.
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{mono: start}
}

// NowNs implements ClockReader.
func (mc *ManualClock) NowNs(d Domain) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if !d.valid() {
		return mc.mono
	}
	return mc.mono + mc.offsets[d]
}

// OffsetNs implements OffsetReader.
func (mc *ManualClock) OffsetNs(d Domain) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if !d.valid() {
		return 0
	}
	return mc.offsets[d]
}

// Advance moves every domain forward by delta and returns the new monotonic
// reading. Negative deltas are ignored.
func (mc *ManualClock) Advance(delta time.Duration) int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if delta > 0 {
		mc.mono += int64(delta)
	}
	return mc.mono
}

// Set moves Monotonic to ns if that is not in the past.
func (mc *ManualClock) Set(ns int64) {
	mc.mu.Lock()
	if ns > mc.mono {
		mc.mono = ns
	}
	mc.mu.Unlock()
}

// SetOffset changes the distance of d from Monotonic. Monotonic itself always
// keeps a zero offset.
func (mc *ManualClock) SetOffset(d Domain, offset int64) {
	if d == Monotonic || !d.valid() {
		return
	}
	mc.mu.Lock()
	mc.offsets[d] = offset
	mc.mu.Unlock()
}

// ============================================================================
// SystemClock
// ============================================================================

// taiOffset is the current TAI-UTC difference.
const taiOffset = 37 * time.Second

// SystemClock reads the host clocks through package time. BootElapsed equals
// Monotonic because the Go runtime does not expose suspend time.
type SystemClock struct {
	boot time.Time
}

// NewSystemClock returns a clock whose Monotonic domain starts at zero now.
func NewSystemClock() *SystemClock {
	return &SystemClock{boot: time.Now()}
}

// NowNs implements ClockReader.
func (sc *SystemClock) NowNs(d Domain) int64 {
	switch d {
	case Wallclock:
		return time.Now().UnixNano()
	case InternationalAtomic:
		return time.Now().Add(taiOffset).UnixNano()
	default:
		return int64(time.Since(sc.boot))
	}
}
