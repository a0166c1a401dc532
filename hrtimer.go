package jiffy

import (
	"sync/atomic"
	"time"
)

// HrRestart is returned by a high resolution timer callback.
type HrRestart int

const (
	// NoRestart leaves the timer inactive.
	NoRestart HrRestart = iota
	// Restart re-queues the timer at its current expiry, normally after
	// the callback advanced it with Forward.
	Restart
)

// HrMode selects how a start deadline is interpreted and placed.
type HrMode int

const (
	// ModeAbs treats the deadline as an absolute reading of the domain.
	ModeAbs HrMode = 0
	// ModeRel treats the deadline as relative to the domain's current time.
	ModeRel HrMode = 1
	// ModePinned keeps the timer on the core it is queued on.
	ModePinned HrMode = 2

	ModeAbsPinned = ModeAbs | ModePinned
	ModeRelPinned = ModeRel | ModePinned
)

// state bits
const (
	stateInactive uint32 = 0
	stateEnqueued uint32 = 1 << (iota - 1)
	stateCallback
	stateMigrate
)

// migratingQueue 標記 hrtimer 正在兩個核心之間搬移
var migratingQueue = &clockQueue{}

// HrTimer is a nanosecond-granular timer. It fires once the current time of
// its domain reaches the soft expiry, and no later than one reprogram cycle
// after the hard expiry. The caller owns its storage.
type HrTimer struct {
	expires     int64
	softExpires int64
	fn          func(*HrTimer) HrRestart
	domain      Domain

	state atomic.Uint32
	base  atomic.Pointer[clockQueue]

	// 兩個 heap 中的位置與同時間排序用的序號，受 cpuBase.lock 保護
	index     int
	softIndex int
	seq       uint64
}

// NewHrTimer allocates and initialises an HrTimer for domain.
func NewHrTimer(fn func(*HrTimer) HrRestart, domain Domain) *HrTimer {
	t := &HrTimer{}
	t.Init(fn, domain)
	return t
}

// Init prepares a caller-allocated timer. It must not be called on an active
// timer.
func (t *HrTimer) Init(fn func(*HrTimer) HrRestart, domain Domain) {
	t.fn = fn
	t.domain = domain
	t.index = -1
	t.softIndex = -1
}

// Domain returns the clock domain of the last start, or the one given to
// Init.
func (t *HrTimer) Domain() Domain {
	return t.domain
}

// Expires returns the hard expiry in the timer's domain.
func (t *HrTimer) Expires() int64 {
	return t.expires
}

// SoftExpires returns the soft expiry in the timer's domain.
func (t *HrTimer) SoftExpires() int64 {
	return t.softExpires
}

// Active reports whether the timer is queued, running its callback or being
// migrated.
func (t *HrTimer) Active() bool {
	return t.state.Load() != stateInactive
}

// IsQueued reports whether the timer is queued.
func (t *HrTimer) IsQueued() bool {
	return t.state.Load()&stateEnqueued != 0
}

// CallbackRunning reports whether the callback is executing.
func (t *HrTimer) CallbackRunning() bool {
	return t.state.Load()&stateCallback != 0
}

// Remaining returns the time left until the hard expiry.
func (t *HrTimer) Remaining() time.Duration {
	q := lockHrtimerBase(t)
	if q == nil {
		return 0
	}
	defer q.cpuBase.lock.Unlock()
	return time.Duration(t.expires - q.cpuBase.core.sched.clock.NowNs(t.domain))
}

// ============================================================================
// 啟動
// ============================================================================

// HrStart queues t in domain to fire once the domain's time reaches
// softDeadline and at the latest at deadline. A soft deadline after the hard
// one is clamped to it. It reports whether t was queued before.
func (c *Core) HrStart(t *HrTimer, domain Domain, deadline, softDeadline int64) bool {
	if softDeadline > deadline {
		softDeadline = deadline
	}
	return c.hrStart(t, domain, softDeadline, deadline, ModeAbs)
}

// HrStartRange queues t in its domain with the soft expiry tim and the hard
// expiry tim+slack. It reports whether t was queued before.
func (c *Core) HrStartRange(t *HrTimer, tim int64, slack time.Duration, mode HrMode) bool {
	if slack < 0 {
		slack = 0
	}
	return c.hrStart(t, t.domain, tim, addSafe(tim, int64(slack)), mode)
}

// HrStartRelative queues t to expire d from now in its domain.
func (c *Core) HrStartRelative(t *HrTimer, d time.Duration, mode HrMode) bool {
	return c.HrStartRange(t, int64(d), 0, mode|ModeRel)
}

func (c *Core) hrStart(t *HrTimer, domain Domain, soft, hard int64, mode HrMode) bool {
	if t.fn == nil || !domain.valid() {
		c.sched.misuse("HrStart", "timer has no callback or an invalid domain")
		return false
	}

	pinned := mode&ModePinned != 0
	q := lockOrClaimHrtimerBase(t, func() *clockQueue {
		return &c.sched.timerTargetCore(c, pinned, nil).hr.clockBase[domain]
	})
	cb := q.cpuBase

	if mode&ModeRel != 0 {
		now := c.sched.clock.NowNs(domain)
		soft = addSafe(soft, now)
		hard = addSafe(hard, now)
	}

	wasQueued, retrigger := cb.remove(t, q, t.state.Load()&stateCallback)

	// callback 執行中不換核心，只在同一個核心內換 domain
	target := c.sched.timerTargetCore(c, pinned, cb.core)
	if t.state.Load()&stateCallback != 0 && !cb.offline {
		target = cb.core
	}

	var retriggerOld *Core
	if nq := &target.hr.clockBase[domain]; cb.offline || nq != q {
		old := cb
		q = q.switchTo(t, nq)
		cb = q.cpuBase
		if cb != old && retrigger {
			retriggerOld, retrigger = old.core, false
		}
	}

	t.domain = domain
	t.softExpires = soft
	t.expires = hard
	if q.enqueue(t) && cb.reprogram(t, q) {
		retrigger = true
	}
	cb.unlock()

	if retriggerOld != nil {
		retriggerOld.raiseHrtimerRetrigger()
	}
	if retrigger {
		cb.core.raiseHrtimerRetrigger()
	}
	return wasQueued
}

// switchTo 把 t 改掛到 nq，回傳已上鎖的新佇列
//
// 同一個核心內只換指標；跨核心時先設為 migratingQueue 再換鎖，
// 新核心若已下線則改用第一個在線核心。
func (q *clockQueue) switchTo(t *HrTimer, nq *clockQueue) *clockQueue {
	cb := q.cpuBase
	if nq.cpuBase == cb && !cb.offline {
		t.base.Store(nq)
		return nq
	}

	t.base.Store(migratingQueue)
	cb.unlock()
	for {
		ncb := nq.cpuBase
		ncb.lock.Lock()
		if !ncb.offline {
			t.base.Store(nq)
			return nq
		}
		ncb.lock.Unlock()
		if c := ncb.core.sched.firstOnline(); c != nil {
			nq = &c.hr.clockBase[nq.domain]
		}
		cpuRelax()
	}
}

// ============================================================================
// 取消
// ============================================================================

// Cancel dequeues the timer and reports whether it was queued. A callback
// that is already running is not waited for.
func (t *HrTimer) Cancel() bool {
	if !t.initialised("HrTimer.Cancel") {
		return false
	}
	q := lockHrtimerBase(t)
	if q == nil {
		return false
	}
	cb := q.cpuBase
	ok, retrigger := cb.remove(t, q, t.state.Load()&stateCallback)
	cb.unlock()
	if retrigger {
		cb.core.raiseHrtimerRetrigger()
	}
	return ok
}

// TryCancel dequeues the timer unless its callback is running right now.
func (t *HrTimer) TryCancel() CancelResult {
	if !t.initialised("HrTimer.TryCancel") {
		return WasNotPending
	}
	q := lockHrtimerBase(t)
	if q == nil {
		return WasNotPending
	}
	cb := q.cpuBase
	if t.state.Load()&stateCallback != 0 {
		cb.lock.Unlock()
		return RunningElsewhere
	}

	ret := WasNotPending
	ok, retrigger := cb.remove(t, q, stateInactive)
	if ok {
		ret = Removed
	}
	cb.unlock()
	if retrigger {
		cb.core.raiseHrtimerRetrigger()
	}
	return ret
}

// initialised 回報 t 是否經過 Init；沒有的話視為錯誤用法
func (t *HrTimer) initialised(op string) bool {
	if t.fn != nil {
		return true
	}
	logger := getLogger()
	if q := t.base.Load(); q != nil && q.cpuBase != nil {
		logger = q.cpuBase.core.sched.logger
	}
	reportMisuse(logger, op, "timer was never initialised")
	return false
}

// CancelSync dequeues the timer and spins until its callback is not running.
// It reports whether the timer was queued. It must not be called from the
// timer's own callback.
func (t *HrTimer) CancelSync() bool {
	for {
		if ret := t.TryCancel(); ret >= 0 {
			return ret == Removed
		}
		cpuRelax()
	}
}

// ============================================================================
// Forward
// ============================================================================

// Forward advances the expiry of an inactive timer by whole intervals until
// it lies after now, and returns the number of intervals added. It returns 0
// and changes nothing when the expiry is already after now. Intervals below
// the core's resolution are raised to it. It is meant to be called from the
// timer's own callback before returning Restart.
func (t *HrTimer) Forward(now int64, interval time.Duration) uint64 {
	delta := now - t.expires
	if delta < 0 {
		return 0
	}
	if t.state.Load()&stateEnqueued != 0 {
		if q := t.base.Load(); q != nil && q.cpuBase != nil {
			q.cpuBase.core.sched.misuse("Forward", "timer is queued")
		}
		return 0
	}

	iv := int64(interval)
	if res := t.resolution(); iv < res {
		iv = res
	}

	var orun uint64 = 1
	if delta >= iv {
		orun = uint64(delta / iv)
		t.addExpires(iv * int64(orun))
		if t.expires > now {
			return orun
		}
		orun++
	}
	t.addExpires(iv)
	return orun
}

// ForwardNow is Forward with the current time of the timer's domain. It
// returns 0 for a timer that was never started.
func (t *HrTimer) ForwardNow(interval time.Duration) uint64 {
	q := t.base.Load()
	if q == nil || q.cpuBase == nil {
		return 0
	}
	return t.Forward(q.cpuBase.core.sched.clock.NowNs(t.domain), interval)
}

func (t *HrTimer) addExpires(ns int64) {
	t.expires = addSafe(t.expires, ns)
	t.softExpires = addSafe(t.softExpires, ns)
}

// resolution 高解析度模式為 1ns，否則為一個 tick
func (t *HrTimer) resolution() int64 {
	q := t.base.Load()
	if q == nil || q.cpuBase == nil || q.cpuBase.hresActive.Load() {
		return 1
	}
	return q.cpuBase.core.sched.tickPeriod
}

// ============================================================================
// base 鎖定
// ============================================================================

// lockHrtimerBase 取得並鎖定 t 所屬的佇列，與 lockTimerBase 相同的重試流程。
// 從未啟動過的 timer 回傳 nil 且不持有任何鎖。
func lockHrtimerBase(t *HrTimer) *clockQueue {
	for {
		q := t.base.Load()
		if q == nil {
			return nil
		}
		if q != migratingQueue {
			q.cpuBase.lock.Lock()
			if t.base.Load() == q {
				return q
			}
			q.cpuBase.lock.Unlock()
		}
		cpuRelax()
	}
}

func lockOrClaimHrtimerBase(t *HrTimer, pick func() *clockQueue) *clockQueue {
	for {
		if q := lockHrtimerBase(t); q != nil {
			return q
		}
		nq := pick()
		nq.cpuBase.lock.Lock()
		if t.base.CompareAndSwap(nil, nq) {
			return nq
		}
		nq.cpuBase.lock.Unlock()
	}
}

// callHrtimerFn 執行 hrtimer callback，panic 時視為 NoRestart
func (c *Core) callHrtimerFn(t *HrTimer, fn func(*HrTimer) HrRestart) (restart HrRestart) {
	defer func() {
		if r := recover(); r != nil {
			c.sched.logger.Err().
				Int("cpu", c.id).
				Any("panic", r).
				Log("hrtimer callback panicked")
			restart = NoRestart
		}
	}()
	return fn(t)
}
