package jiffy

import (
	"testing"
	"time"
)

// BenchmarkAddTimer benchmarks arming wheel timers at spread out deadlines.
func BenchmarkAddTimer(b *testing.B) {
	r := newTestRig(b, 1)
	c := r.sched.Core(0)
	timers := make([]*Timer, 1024)
	for i := range timers {
		timers[i] = NewTimer(func(any) {}, nil, 0)
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		tm := timers[i%len(timers)]
		c.ModTimer(tm, uint64(1+i%100000))
	}
}

// BenchmarkModTimerSameExpiry benchmarks re-arming a timer at an unchanged
// deadline.
func BenchmarkModTimerSameExpiry(b *testing.B) {
	r := newTestRig(b, 1)
	c := r.sched.Core(0)
	tm := NewTimer(func(any) {}, nil, 0)
	c.AddTimer(tm, 5000)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		c.ModTimer(tm, 5000)
	}
}

// BenchmarkModTimerParallel benchmarks arming timers from every core at once.
func BenchmarkModTimerParallel(b *testing.B) {
	r := newTestRig(b, 8)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		tm := NewTimer(func(any) {}, nil, 0)
		c := r.sched.Core(0)
		i := 0
		for pb.Next() {
			c.ModTimer(tm, uint64(1+i%4096))
			i++
		}
	})
}

// BenchmarkTickExpire benchmarks ticking a wheel that holds one timer per
// tick.
func BenchmarkTickExpire(b *testing.B) {
	r := newTestRig(b, 1)
	c := r.sched.Core(0)
	for i := 0; i < b.N; i++ {
		tm := NewTimer(func(any) {}, nil, 0)
		tm.SetSlack(0)
		c.AddTimer(tm, uint64(i+1))
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		c.Tick(uint64(i + 1))
	}
}

// BenchmarkQueryNextEvent benchmarks the next event search on a populated
// wheel.
func BenchmarkQueryNextEvent(b *testing.B) {
	r := newTestRig(b, 1)
	c := r.sched.Core(0)
	for i := 0; i < 10000; i++ {
		c.AddTimer(NewTimer(func(any) {}, nil, 0), uint64(100+i*97))
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		c.QueryNextEvent(0)
	}
}

// BenchmarkHrStart benchmarks queuing and cancelling hrtimers.
func BenchmarkHrStart(b *testing.B) {
	r := newTestRig(b, 1, WithHighRes(true))
	c := r.sched.Core(0)
	timers := make([]*HrTimer, 1024)
	for i := range timers {
		timers[i] = NewHrTimer(func(*HrTimer) HrRestart { return NoRestart }, Monotonic)
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		t := timers[i%len(timers)]
		c.HrStartRelative(t, time.Duration(1+i%5000)*time.Microsecond, ModeAbs)
	}
}

// BenchmarkRoundJiffies benchmarks deadline rounding.
func BenchmarkRoundJiffies(b *testing.B) {
	for i := 0; i < b.N; i++ {
		roundJiffies(uint64(10000+i), 5000, i&7, testHZ, i&1 == 0)
	}
}
