package jiffy

import "time"

// CoreStats is a snapshot of one core's timer state and counters.
//
// Wheel fields are read without the wheel lock and may be a moment stale;
// the high resolution fields are read under the core's hrtimer lock.
type CoreStats struct {
	CPU      int
	Online   bool
	HighRes  bool
	Jiffies  uint64 // 下一個要處理的 tick
	NextTick uint64 // 最早的非 Deferrable timer，沒有時等於 Jiffies

	ActiveTimers  int64 // 不含 Deferrable
	PendingTimers int64
	WheelExpired  uint64

	QueuedHrTimers [NumDomains]int
	ExpiresNext    int64 // Monotonic ns，沒有時為 KTimeMax
	HangDetected   bool
	HrEvents       uint64
	HrRetries      uint64
	HrHangs        uint64
	MaxHangTime    time.Duration
	HrExpired      uint64
}

// HrTimers returns the number of high resolution timers queued over all
// domains.
func (cs CoreStats) HrTimers() int {
	n := 0
	for _, q := range cs.QueuedHrTimers {
		n += q
	}
	return n
}

// Stats returns a snapshot of the core's counters.
func (c *Core) Stats() CoreStats {
	cs := CoreStats{
		CPU:           c.id,
		Online:        c.online.Load(),
		HighRes:       c.hr.hresActive.Load(),
		Jiffies:       c.wheel.jiffiesMirror.Load(),
		NextTick:      c.wheel.nextMirror.Load(),
		ActiveTimers:  c.wheel.activeMirror.Load(),
		PendingTimers: c.wheel.allMirror.Load(),
		WheelExpired:  c.wheel.expired.Load(),
		HrExpired:     c.hr.expired.Load(),
	}

	cb := &c.hr
	cb.lock.Lock()
	cs.QueuedHrTimers = cb.queued()
	cs.ExpiresNext = cb.expiresNext
	cs.HangDetected = cb.hangDetected
	cs.HrEvents = cb.nrEvents
	cs.HrRetries = cb.nrRetries
	cs.HrHangs = cb.nrHangs
	cs.MaxHangTime = time.Duration(cb.maxHangTime)
	cb.lock.Unlock()

	return cs
}

// SchedulerStats is a snapshot of every core plus the hotplug counters.
type SchedulerStats struct {
	Jiffies uint64
	Cores   []CoreStats

	Offlines         uint64
	Onlines          uint64
	MigratedTimers   uint64
	MigratedHrTimers uint64
}

// PendingTimers returns the number of wheel timers queued over all cores.
func (ss SchedulerStats) PendingTimers() int64 {
	var n int64
	for _, cs := range ss.Cores {
		n += cs.PendingTimers
	}
	return n
}

// HrTimers returns the number of high resolution timers queued over all
// cores.
func (ss SchedulerStats) HrTimers() int {
	n := 0
	for _, cs := range ss.Cores {
		n += cs.HrTimers()
	}
	return n
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() SchedulerStats {
	ss := SchedulerStats{
		Jiffies:          s.Jiffies(),
		Cores:            make([]CoreStats, len(s.cores)),
		Offlines:         s.stats.offlines.Load(),
		Onlines:          s.stats.onlines.Load(),
		MigratedTimers:   s.stats.migratedTimers.Load(),
		MigratedHrTimers: s.stats.migratedHrtimers.Load(),
	}
	for i, c := range s.cores {
		ss.Cores[i] = c.Stats()
	}
	return ss
}
