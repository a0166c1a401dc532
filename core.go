package jiffy

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Core is the per-core context every timer operation acts through: the
// "current core" of the caller. It owns one timer wheel, one set of high
// resolution clock queues and the comparator device of that core.
type Core struct {
	id    int
	sched *Scheduler

	wheel wheelBase
	_     cpu.CacheLinePad
	hr    hrCPUBase
	_     cpu.CacheLinePad

	comparator Comparator

	online atomic.Bool
	// active 計算正在此核心上執行的 tick、中斷與 bottom half，下線時等它歸零
	active atomic.Int32

	// 中斷遮罩：irqDepth > 0 時到達的中斷記在 irqPending，解除遮罩時補送
	irqDepth   atomic.Int32
	irqPending atomic.Bool
	inHardirq  atomic.Bool

	softirqPending atomic.Bool
	softirqRunning atomic.Bool
}

// ID returns the core number.
func (c *Core) ID() int {
	return c.id
}

// Online reports whether the core is accepting timers.
func (c *Core) Online() bool {
	return c.online.Load()
}

func (c *Core) String() string {
	return fmt.Sprintf("core%d", c.id)
}

// enter 標記進入此核心的執行區段；核心已下線時回傳 false
func (c *Core) enter() bool {
	c.active.Add(1)
	if !c.online.Load() {
		c.active.Add(-1)
		return false
	}
	return true
}

func (c *Core) exit() {
	c.active.Add(-1)
}

// ============================================================================
// 中斷
// ============================================================================

// Tick is the periodic tick entry. It advances the scheduler's jiffies to
// now, expires high resolution timers while the core is in low resolution
// mode and raises the wheel's bottom half when a bucket is due.
func (c *Core) Tick(now uint64) {
	if !c.enter() {
		return
	}
	defer c.exit()

	c.sched.advanceJiffies(now)

	if !c.hr.hresActive.Load() && c.inHardirq.CompareAndSwap(false, true) {
		c.hr.runQueuesLowRes()
		c.inHardirq.Store(false)
		// 低解析度期間被遮罩的 Interrupt 也在這裡補送
		c.deliverIrq()
	}

	if c.wheel.hasWork(now) {
		c.raiseSoftirq()
	}
}

// Interrupt is the comparator's interrupt entry. While the core's interrupts
// are masked the interrupt is held pending and delivered on unmask.
func (c *Core) Interrupt() {
	if !c.enter() {
		return
	}
	defer c.exit()

	c.irqPending.Store(true)
	if c.irqDepth.Load() > 0 {
		return
	}
	c.deliverIrq()
}

// deliverIrq 執行待處理的中斷；同一核心同時只有一個處理者，
// 其餘呼叫者留下 irqPending 後離開，由處理者結束時再檢查一次。
func (c *Core) deliverIrq() {
	for c.irqPending.Load() && c.irqDepth.Load() == 0 {
		if !c.inHardirq.CompareAndSwap(false, true) {
			return
		}
		if c.irqPending.CompareAndSwap(true, false) {
			c.hr.interrupt()
		}
		c.inHardirq.Store(false)
	}
}

func (c *Core) irqDisable() {
	c.irqDepth.Add(1)
}

func (c *Core) irqRestore() {
	if c.irqDepth.Add(-1) == 0 && c.irqPending.Load() {
		c.deliverIrq()
	}
}

// raiseSoftirq 要求在 DeferredRunner 上執行 bottom half，已排入時不重複排入
func (c *Core) raiseSoftirq() {
	if c.softirqPending.Swap(true) {
		return
	}
	c.sched.runner.Raise(c.runSoftirq)
}

// raiseHrtimerRetrigger 在無法設定 comparator 時改以 bottom half 重跑中斷處理
func (c *Core) raiseHrtimerRetrigger() {
	c.sched.runner.Raise(c.Interrupt)
}

func (c *Core) runSoftirq() {
	if !c.enter() {
		return
	}
	defer c.exit()

	for {
		if !c.softirqRunning.CompareAndSwap(false, true) {
			return
		}
		c.softirqPending.Store(false)
		c.wheel.expire(c.sched.Jiffies())
		c.softirqRunning.Store(false)

		if !c.softirqPending.Load() {
			return
		}
	}
}

// RunTimers runs the wheel's bottom half synchronously, expiring every timer
// due at the scheduler's current jiffies. If the bottom half is already
// running on another goroutine, that run picks the request up instead.
func (c *Core) RunTimers() {
	c.softirqPending.Store(true)
	c.runSoftirq()
}

// callTimerFn 執行 wheel timer 的 callback，非 IrqSafe 時遮罩此核心的中斷
func (c *Core) callTimerFn(fn func(any), data any, irqSafe bool) {
	if !irqSafe {
		c.irqDisable()
		defer c.irqRestore()
	}
	defer func() {
		if r := recover(); r != nil {
			c.sched.logger.Err().
				Int("cpu", c.id).
				Any("panic", r).
				Log("timer callback panicked")
		}
	}()
	fn(data)
}

// ============================================================================
// next event
// ============================================================================

// QueryNextEvent returns the tick of the next event this core must wake up
// for: the earliest non-deferrable wheel timer or the tick holding the
// earliest high resolution deadline. It never returns a tick before now.
// The answer is read without locking and may be momentarily stale.
func (c *Core) QueryNextEvent(now uint64) uint64 {
	expires := now + nextTimerMaxDelta
	if c.wheel.activeMirror.Load() > 0 {
		expires = c.wheel.nextMirror.Load()
		if expires <= now {
			return now
		}
	}

	if next := c.hr.expiresMirror.Load(); next != KTimeMax {
		delta := next - c.sched.clock.NowNs(Monotonic)
		if delta <= 0 {
			return now + 1
		}
		period := c.sched.tickPeriod
		ticks := uint64((delta + period - 1) / period)
		if ticks > nextTimerMaxDelta {
			ticks = nextTimerMaxDelta
		}
		if ticks < 1 {
			ticks = 1
		}
		if now+ticks < expires {
			return now + ticks
		}
	}
	return expires
}

// ============================================================================
// slack
// ============================================================================

// RoundJiffies rounds an absolute tick to a whole second, skewed for this
// core. See the package-level RoundJiffies.
func (c *Core) RoundJiffies(j uint64) uint64 {
	return RoundJiffies(j, c.sched.Jiffies(), c.id, c.sched.hz)
}

// RoundJiffiesUp is RoundJiffies that never rounds down.
func (c *Core) RoundJiffiesUp(j uint64) uint64 {
	return RoundJiffiesUp(j, c.sched.Jiffies(), c.id, c.sched.hz)
}

// RoundJiffiesRelative rounds a relative timeout so that it expires on a
// whole second, skewed for this core.
func (c *Core) RoundJiffiesRelative(j uint64) uint64 {
	return RoundJiffiesRelative(j, c.sched.Jiffies(), c.id, c.sched.hz)
}

// RoundJiffiesUpRelative is RoundJiffiesRelative that never rounds down.
func (c *Core) RoundJiffiesUpRelative(j uint64) uint64 {
	return RoundJiffiesUpRelative(j, c.sched.Jiffies(), c.id, c.sched.hz)
}
