package jiffy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Scheduler owns the per-core timer wheels and high resolution timer bases of
// a machine with a fixed number of logical cores, any of which may be taken
// offline and brought back at runtime.
//
// The scheduler does not tick on its own: the embedder drives it by calling
// Core.Tick for the periodic tick and Core.Interrupt (usually through the
// comparator) for high resolution deadlines.
type Scheduler struct {
	cores []*Core

	clock       ClockReader
	comparators ComparatorFactory
	runner      DeferredRunner
	logger      *logiface.Logger[logiface.Event]

	hz         uint64
	tickPeriod int64
	highRes    bool

	timerTarget     func(cpu int) int
	migrationTarget func(dead int) int

	// jiffies 是全域 tick 計數，只會前進
	jiffies atomic.Uint64

	// hotplugMu 序列化上下線流程，引擎的排程路徑不會取得它
	hotplugMu sync.Mutex
	stats     hotplugStats
}

// New creates a Scheduler. Every core starts online, in low resolution mode
// unless WithHighRes(true) is given.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		getLogger().Err().
			Err(err).
			Log("invalid scheduler option")
		return nil, err
	}

	s := &Scheduler{
		cores:           make([]*Core, cfg.cores),
		clock:           cfg.clock,
		comparators:     cfg.comparators,
		runner:          cfg.runner,
		logger:          cfg.logger,
		hz:              cfg.hz,
		tickPeriod:      int64(time.Second) / int64(cfg.hz),
		highRes:         cfg.highRes,
		timerTarget:     cfg.timerTarget,
		migrationTarget: cfg.migrationTarget,
	}

	for i := range s.cores {
		c := &Core{id: i, sched: s}
		c.wheel.init(c, 0)
		c.hr.init(c)
		c.hr.updateOffsets()
		c.comparator = s.comparators(i, c.Interrupt)
		c.online.Store(true)
		s.cores[i] = c
	}

	if s.highRes {
		for _, c := range s.cores {
			if err := c.SwitchToHighRes(); err != nil {
				s.logger.Warning().
					Int("cpu", c.id).
					Err(err).
					Log("core stays in low resolution mode")
			}
		}
	}

	s.logger.Info().
		Int("cores", len(s.cores)).
		Int64("hz", int64(s.hz)).
		Log("scheduler created")
	return s, nil
}

// Core returns the handle of core cpu, or nil when cpu is out of range.
func (s *Scheduler) Core(cpu int) *Core {
	if cpu < 0 || cpu >= len(s.cores) {
		return nil
	}
	return s.cores[cpu]
}

// NumCores returns the number of cores, online or not.
func (s *Scheduler) NumCores() int {
	return len(s.cores)
}

// HZ returns the number of ticks per second.
func (s *Scheduler) HZ() uint64 {
	return s.hz
}

// TickPeriod returns the length of one tick.
func (s *Scheduler) TickPeriod() time.Duration {
	return time.Duration(s.tickPeriod)
}

// Clock returns the clock reader of the scheduler.
func (s *Scheduler) Clock() ClockReader {
	return s.clock
}

// Jiffies returns the current tick count.
func (s *Scheduler) Jiffies() uint64 {
	return s.jiffies.Load()
}

// advanceJiffies 把 jiffies 推進到 now，較舊的值不會讓它倒退
func (s *Scheduler) advanceJiffies(now uint64) {
	for {
		cur := s.jiffies.Load()
		if now <= cur || s.jiffies.CompareAndSwap(cur, now) {
			return
		}
	}
}

func (s *Scheduler) misuse(op, reason string) {
	reportMisuse(s.logger, op, reason)
}

// firstOnline 回傳編號最小的在線核心，全部下線時回傳 nil
func (s *Scheduler) firstOnline() *Core {
	for _, c := range s.cores {
		if c.online.Load() {
			return c
		}
	}
	return nil
}

func (s *Scheduler) onlineCore(cpu int) (*Core, error) {
	if cpu < 0 || cpu >= len(s.cores) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCore, cpu)
	}
	c := s.cores[cpu]
	if !c.online.Load() {
		return nil, fmt.Errorf("%w: %d", ErrCoreOffline, cpu)
	}
	return c, nil
}

// timerTargetCore 選出 timer 要排入的核心
//
// Pinned 的 timer 留在目前所在的核心（首次排程則是呼叫者的核心）；
// 其他 timer 交給 timerTarget 決定，結果無效或已下線時用呼叫者的核心。
// 呼叫者的核心已下線時改用第一個在線核心。
func (s *Scheduler) timerTargetCore(caller *Core, pinned bool, cur *Core) *Core {
	if pinned {
		if cur != nil {
			return cur
		}
		return caller
	}

	target := caller
	if s.timerTarget != nil {
		if id := s.timerTarget(caller.id); id >= 0 && id < len(s.cores) && s.cores[id].online.Load() {
			target = s.cores[id]
		}
	}
	if !target.online.Load() {
		if c := s.firstOnline(); c != nil {
			target = c
		}
	}
	return target
}

// ClockWasSet tells the scheduler that the offset of a clock domain to the
// monotonic clock changed, e.g. the wall clock was stepped. Every online core
// refreshes its offsets and reprograms its comparator, so timers of the
// stepped domain fire according to the new time.
func (s *Scheduler) ClockWasSet() {
	for _, c := range s.cores {
		cb := &c.hr
		cb.lock.Lock()
		if cb.offline {
			cb.lock.Unlock()
			continue
		}
		cb.updateOffsets()
		retrigger := cb.forceReprogram(false)
		cb.unlock()
		if retrigger {
			c.raiseHrtimerRetrigger()
		}
	}
	s.logger.Info().Log("clock was set")
}

// SwitchToHighRes moves the core to high resolution mode: from now on its
// high resolution timers are expired by comparator interrupts instead of the
// tick. It is a no-op on a core already in that mode.
func (c *Core) SwitchToHighRes() error {
	cb := &c.hr
	cb.lock.Lock()
	if cb.offline || !c.online.Load() {
		cb.lock.Unlock()
		return fmt.Errorf("%w: %d", ErrCoreOffline, c.id)
	}
	if c.comparator == nil {
		cb.lock.Unlock()
		return fmt.Errorf("%w: %d", ErrNoComparator, c.id)
	}
	if cb.hresActive.Load() {
		cb.lock.Unlock()
		return nil
	}

	cb.hresActive.Store(true)
	cb.updateOffsets()
	retrigger := cb.forceReprogram(false)
	cb.unlock()

	if retrigger {
		c.raiseHrtimerRetrigger()
	}
	c.sched.logger.Debug().
		Int("cpu", c.id).
		Log("switched to high resolution mode")
	return nil
}

// HighRes reports whether the core is in high resolution mode.
func (c *Core) HighRes() bool {
	return c.hr.hresActive.Load()
}

// Scheduler returns the scheduler owning the core.
func (c *Core) Scheduler() *Scheduler {
	return c.sched
}
