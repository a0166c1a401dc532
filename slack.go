package jiffy

import "math/bits"

// ApplySlack widens a timer's deadline so that timers with similar deadlines
// share a wheel bucket. The result lies in [expires, expires+slack] and is
// expires with the low bits cleared up to the highest bit that differs
// between the two ends of that window.
//
// A negative slack selects the automatic window of (expires-now)/256 ticks,
// which is no window at all for deadlines less than 256 ticks away.
func ApplySlack(expires, now uint64, slack int64) uint64 {
	var limit uint64
	if slack >= 0 {
		limit = expires + uint64(slack)
	} else {
		delta := int64(expires - now)
		if delta < 256 {
			return expires
		}
		limit = expires + uint64(delta/256)
	}

	mask := expires ^ limit
	if mask == 0 {
		return expires
	}
	bit := bits.Len64(mask) - 1
	return limit &^ (1<<bit - 1)
}

// roundJiffies 把 j 捨入到整秒；cpu*3 的偏移讓各核心的整秒錯開，
// 捨入後不在 now 之後時回傳原值
func roundJiffies(j, now uint64, cpu int, hz uint64, forceUp bool) uint64 {
	original := j
	skew := uint64(cpu) * 3

	j += skew
	rem := j % hz
	if rem < hz/4 && !forceUp {
		j -= rem
	} else {
		j = j - rem + hz
	}
	j -= skew

	if int64(j-now) > 0 {
		return j
	}
	return original
}

// RoundJiffies rounds the absolute tick j to a whole second of hz ticks,
// skewed by three ticks per cpu so that cores do not all wake on the same
// tick. Values less than a quarter second past a boundary round down, all
// others round up. When the rounded tick is not after now, j is returned
// unchanged.
func RoundJiffies(j, now uint64, cpu int, hz uint64) uint64 {
	return roundJiffies(j, now, cpu, hz, false)
}

// RoundJiffiesUp is RoundJiffies that always rounds up.
func RoundJiffiesUp(j, now uint64, cpu int, hz uint64) uint64 {
	return roundJiffies(j, now, cpu, hz, true)
}

// RoundJiffiesRelative rounds the relative timeout j so that now+j lands on
// a skewed whole second, and returns the new relative timeout.
func RoundJiffiesRelative(j, now uint64, cpu int, hz uint64) uint64 {
	return roundJiffies(j+now, now, cpu, hz, false) - now
}

// RoundJiffiesUpRelative is RoundJiffiesRelative that always rounds up.
func RoundJiffiesUpRelative(j, now uint64, cpu int, hz uint64) uint64 {
	return roundJiffies(j+now, now, cpu, hz, true) - now
}
