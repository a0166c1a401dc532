package jiffy

import "sync/atomic"

// TimerFlags modify how a wheel timer is placed and run.
type TimerFlags uint8

const (
	// Deferrable timers are not counted when computing the next event, so
	// they never wake an idle core on their own.
	Deferrable TimerFlags = 1 << iota
	// IrqSafe callbacks run without toggling the core's interrupt mask.
	// Other callbacks run with the core's interrupts masked.
	IrqSafe
	// Pinned timers stay on the core they are queued on instead of being
	// placed by the calling core or the timer target hook.
	Pinned
)

// CancelResult is the outcome of a non-blocking cancel.
type CancelResult int

const (
	// RunningElsewhere means the callback is executing right now and the
	// timer could not be removed.
	RunningElsewhere CancelResult = iota - 1
	// WasNotPending means the timer was not queued.
	WasNotPending
	// Removed means a queued timer was dequeued before it fired.
	Removed
)

func (r CancelResult) String() string {
	switch r {
	case RunningElsewhere:
		return "running-elsewhere"
	case WasNotPending:
		return "was-not-pending"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// DefaultSlack selects the automatic slack of about 0.4% of the timeout.
const DefaultSlack = -1

// Timer is a tick-granular wheel timer. The caller owns its storage; the
// scheduler only links and unlinks it. A Timer must be prepared with Init or
// NewTimer and must not be copied after first use.
type Timer struct {
	expires uint64
	fn      func(data any)
	data    any
	flags   TimerFlags
	slack   int64

	// base 為 nil 代表從未排程；等於 migratingBase 代表正在切換核心
	base atomic.Pointer[wheelBase]

	next, prev *Timer
	list       *timerList
}

// NewTimer allocates and initialises a Timer.
func NewTimer(fn func(data any), data any, flags TimerFlags) *Timer {
	t := &Timer{}
	t.Init(fn, data, flags)
	return t
}

// Init prepares a caller-allocated timer. It must not be called on a pending
// timer.
func (t *Timer) Init(fn func(data any), data any, flags TimerFlags) {
	t.fn = fn
	t.data = data
	t.flags = flags
	t.slack = DefaultSlack
	t.next, t.prev, t.list = nil, nil, nil
}

// Flags returns the flags given at Init.
func (t *Timer) Flags() TimerFlags {
	return t.flags
}

// SetSlack sets the number of ticks ModTimer may delay the timer by to align
// it with other expiries. DefaultSlack restores the automatic slack; zero
// disables rounding.
func (t *Timer) SetSlack(ticks int64) {
	t.slack = ticks
}

// Expires returns the tick the timer was last queued for.
func (t *Timer) Expires() uint64 {
	b := lockTimerBase(t)
	if b == nil {
		return t.expires
	}
	defer b.lock.Unlock()
	return t.expires
}

// Pending reports whether the timer is queued.
func (t *Timer) Pending() bool {
	b := lockTimerBase(t)
	if b == nil {
		return false
	}
	defer b.lock.Unlock()
	return t.list != nil
}

// Cancel dequeues the timer and reports whether it was pending. It does not
// wait for a callback that is already running.
func (t *Timer) Cancel() bool {
	if !t.initialised("Timer.Cancel") {
		return false
	}
	b := lockTimerBase(t)
	if b == nil {
		return false
	}
	ok := b.detachIfPending(t)
	b.unlock()
	return ok
}

// TryCancel dequeues the timer unless its callback is running right now.
func (t *Timer) TryCancel() CancelResult {
	if !t.initialised("Timer.TryCancel") {
		return WasNotPending
	}
	b := lockTimerBase(t)
	if b == nil {
		return WasNotPending
	}
	if b.running == t {
		b.lock.Unlock()
		return RunningElsewhere
	}
	ret := WasNotPending
	if b.detachIfPending(t) {
		ret = Removed
	}
	b.unlock()
	return ret
}

// CancelSync dequeues the timer and spins until no callback for it is still
// running. It reports whether the timer was pending. It must not be called
// from the timer's own callback.
func (t *Timer) CancelSync() bool {
	for {
		if ret := t.TryCancel(); ret >= 0 {
			return ret == Removed
		}
		cpuRelax()
	}
}

// initialised 回報 t 是否經過 Init；沒有的話視為錯誤用法
func (t *Timer) initialised(op string) bool {
	if t.fn != nil {
		return true
	}
	logger := getLogger()
	if b := t.base.Load(); b != nil && b != migratingBase && b.core != nil {
		logger = b.core.sched.logger
	}
	reportMisuse(logger, op, "timer was never initialised")
	return false
}

// lockTimerBase 取得並鎖定 t 所屬的 wheelBase
//
// 讀取 base、上鎖、再確認 base 沒有在這段期間被換掉，否則重試；
// 看到 migratingBase 表示另一個核心正在搬移此 timer，自旋等待。
// 從未排程過的 timer 回傳 nil 且不持有任何鎖。
func lockTimerBase(t *Timer) *wheelBase {
	for {
		b := t.base.Load()
		if b == nil {
			return nil
		}
		if b != migratingBase {
			b.lock.Lock()
			if t.base.Load() == b {
				return b
			}
			b.lock.Unlock()
		}
		cpuRelax()
	}
}
