package jiffy

import (
	"sync/atomic"

	"github.com/eapache/queue"
)

// ============================================================================
// 時間輪 (Timer Wheel) 實作說明
// ============================================================================
//
// 每個核心一個 wheelBase，共五層槽位：
//
//   tv1      256 槽，每槽 1 tick            涵蓋 delta < 2^8
//   tvn[0]    64 槽，每槽 2^8 ticks         涵蓋 delta < 2^14
//   tvn[1]    64 槽，每槽 2^14 ticks        涵蓋 delta < 2^20
//   tvn[2]    64 槽，每槽 2^20 ticks        涵蓋 delta < 2^26
//   tvn[3]    64 槽，每槽 2^26 ticks        涵蓋 delta < 2^32（超過則截斷）
//
// 放入：依 expires - timerJiffies 的大小選層，再取 expires 在該層的位元當槽號。
//
// 到期：timerJiffies 每前進一格處理 tv1 的一個槽；當 tv1 的索引繞回 0 時，
// 把 tvn[0] 目前索引的槽重新分配到較低層（cascade），若 tvn[0] 的索引也是 0，
// 繼續往上一層，以此類推。
//
// 已過期（delta < 0）的 timer 放進 timerJiffies 對應的 tv1 槽，下一次處理就會觸發。
// ============================================================================

const (
	// TVRBits is the radix of the first wheel level.
	TVRBits = 8
	// TVNBits is the radix of every upper wheel level.
	TVNBits = 6
	// TVRSize is the bucket count of the first level.
	TVRSize = 1 << TVRBits
	// TVNSize is the bucket count of each upper level.
	TVNSize = 1 << TVNBits
	// WheelLevels is the number of levels of each wheel.
	WheelLevels = 5

	// MaxTimeout is the wheel horizon in ticks; farther timers are parked in
	// the last level and cascaded again until they come into range.
	MaxTimeout uint64 = 1<<(TVRBits+(WheelLevels-1)*TVNBits) - 1

	tvrMask = TVRSize - 1
	tvnMask = TVNSize - 1

	// nextTimerMaxDelta 是 next-event 查詢最多往後看的 tick 數
	nextTimerMaxDelta uint64 = 1<<30 - 1
)

// migratingBase 標記 timer 正在兩個核心之間搬移
var migratingBase = &wheelBase{}

// wheelBase 是單一核心的時間輪
type wheelBase struct {
	lock spinLock
	core *Core

	// running 是目前正在執行 callback 的 timer
	running *Timer

	// timerJiffies 是下一個要處理的 tick
	timerJiffies uint64

	// nextTimer 是 active timer 中最早的 expires；沒有 active timer 時等於 timerJiffies。
	// 重新計算時最多只往後找 nextTimerMaxDelta 個 tick，更遠的 timer 會被
	// 截成 timerJiffies+nextTimerMaxDelta，與 QueryNextEvent 的上限相同。
	nextTimer uint64
	nextDirty bool

	// activeTimers 不含 Deferrable，allTimers 含全部
	activeTimers int
	allTimers    int

	// offline 在核心下線、timer 已搬走後設定，受 lock 保護
	offline bool

	tv1 [TVRSize]timerList
	tvn [WheelLevels - 1][TVNSize]timerList

	// expiring 是到期處理中的 lazy 鏈表，work 是對應的工作佇列
	expiring timerList
	work     *queue.Queue

	// 以下為無鎖讀取用的鏡像，寫入時必須持有 lock
	nextMirror    atomic.Uint64
	activeMirror  atomic.Int64
	allMirror     atomic.Int64
	jiffiesMirror atomic.Uint64

	expired atomic.Uint64
}

func (b *wheelBase) init(c *Core, jiffies uint64) {
	b.core = c
	b.expiring.lazy = true
	b.work = queue.New()
	b.reset(jiffies)
}

// reset 在核心上線時重設狀態，呼叫者必須持有 lock 或確保無並發存取
func (b *wheelBase) reset(jiffies uint64) {
	b.running = nil
	b.timerJiffies = jiffies
	b.nextTimer = jiffies
	b.nextDirty = false
	b.activeTimers = 0
	b.allTimers = 0
	b.offline = false
	b.publish()
}

// unlock 更新無鎖鏡像後釋放鎖
func (b *wheelBase) unlock() {
	b.publish()
	b.lock.Unlock()
}

func (b *wheelBase) publish() {
	if b.activeTimers == 0 {
		b.nextTimer = b.timerJiffies
		b.nextDirty = false
	} else if b.nextDirty {
		b.nextTimer = b.nextTimerInterrupt()
		b.nextDirty = false
	}
	b.nextMirror.Store(b.nextTimer)
	b.activeMirror.Store(int64(b.activeTimers))
	b.allMirror.Store(int64(b.allTimers))
	b.jiffiesMirror.Store(b.timerJiffies)
}

// catchup 在時間輪為空時把 timerJiffies 對齊目前的 jiffies，避免空轉掃描
func (b *wheelBase) catchup() bool {
	if b.allTimers != 0 {
		return false
	}
	b.timerJiffies = b.core.sched.Jiffies()
	return true
}

// place 依 expires 把 t 放進對應層級的槽，不更新計數
func (b *wheelBase) place(t *Timer) {
	expires := t.expires
	idx := expires - b.timerJiffies

	var l *timerList
	switch {
	case int64(idx) < 0:
		l = &b.tv1[b.timerJiffies&tvrMask]
	case idx < TVRSize:
		l = &b.tv1[expires&tvrMask]
	case idx < 1<<(TVRBits+TVNBits):
		l = &b.tvn[0][(expires>>TVRBits)&tvnMask]
	case idx < 1<<(TVRBits+2*TVNBits):
		l = &b.tvn[1][(expires>>(TVRBits+TVNBits))&tvnMask]
	case idx < 1<<(TVRBits+3*TVNBits):
		l = &b.tvn[2][(expires>>(TVRBits+2*TVNBits))&tvnMask]
	default:
		if idx > MaxTimeout {
			expires = b.timerJiffies + MaxTimeout
		}
		l = &b.tvn[3][(expires>>(TVRBits+3*TVNBits))&tvnMask]
	}
	l.pushBack(t)
}

func (b *wheelBase) internalAdd(t *Timer) {
	b.catchup()
	b.place(t)
	if t.flags&Deferrable == 0 {
		if b.activeTimers == 0 || t.expires < b.nextTimer {
			b.nextTimer = t.expires
		}
		b.activeTimers++
	}
	b.allTimers++
}

func (b *wheelBase) detach(t *Timer) {
	t.list.remove(t)
	if t.flags&Deferrable == 0 {
		b.activeTimers--
		if t.expires == b.nextTimer {
			b.nextDirty = true
		}
	}
	b.allTimers--
}

func (b *wheelBase) detachIfPending(t *Timer) bool {
	if t.list == nil {
		return false
	}
	b.detach(t)
	b.catchup()
	return true
}

// switchTo 把尚未排入的 t 從 b 改掛到 nb，回傳已上鎖的新 base
//
// 切換期間 t.base 設為 migratingBase，其他核心的 lockTimerBase 會自旋等待。
// 若 nb 在取得鎖之後發現已下線，改用第一個在線核心。
func (b *wheelBase) switchTo(t *Timer, nb *wheelBase) *wheelBase {
	t.base.Store(migratingBase)
	b.unlock()
	for {
		nb.lock.Lock()
		if !nb.offline {
			t.base.Store(nb)
			return nb
		}
		nb.lock.Unlock()
		if c := nb.core.sched.firstOnline(); c != nil {
			nb = &c.wheel
		}
		cpuRelax()
	}
}

// index 回傳 timerJiffies 在上層 level 的槽號
func (b *wheelBase) index(level int) int {
	return int((b.timerJiffies >> (TVRBits + level*TVNBits)) & tvnMask)
}

// cascade 把 tvn[level][index] 的 timer 重新分配到較低層，回傳 index
func (b *wheelBase) cascade(level, index int) int {
	t := b.tvn[level][index].takeAll()
	for t != nil {
		next := t.next
		t.next, t.prev, t.list = nil, nil, nil
		b.place(t)
		t = next
	}
	return index
}

// expire 處理所有 expires <= now 的 timer，callback 在釋放鎖後執行
func (b *wheelBase) expire(now uint64) {
	b.lock.Lock()
	for b.timerJiffies <= now {
		if b.catchup() {
			break
		}

		index := int(b.timerJiffies & tvrMask)
		if index == 0 {
			for level := 0; level < WheelLevels-1; level++ {
				if b.cascade(level, b.index(level)) != 0 {
					break
				}
			}
		}
		b.timerJiffies++

		t := b.tv1[index].takeAll()
		for t != nil {
			next := t.next
			t.next, t.prev = nil, nil
			b.expiring.pushBack(t)
			b.work.Add(t)
			t = next
		}

		for b.work.Length() > 0 {
			t := b.work.Remove().(*Timer)
			// 已被取消或改排程的 timer 不再屬於 expiring，略過
			if t.list != &b.expiring {
				continue
			}
			b.detach(t)
			b.running = t
			fn, data, irqSafe := t.fn, t.data, t.flags&IrqSafe != 0
			b.unlock()

			b.core.callTimerFn(fn, data, irqSafe)
			b.expired.Add(1)

			b.lock.Lock()
			b.running = nil
		}
	}
	b.unlock()
}

// hasWork 無鎖判斷是否需要觸發 bottom half
func (b *wheelBase) hasWork(now uint64) bool {
	return b.allMirror.Load() > 0 && b.jiffiesMirror.Load() <= now
}

// nextTimerInterrupt 重新計算最早的 active timer
//
// tv1 依序從目前索引往後找，第一個有 active timer 的槽即為答案，
// 除非該槽已繞過索引 0（要先 cascade 的上層槽可能更早）。
// 上層每一層同理：找到後若不必再看 cascade 槽就直接回傳。
func (b *wheelBase) nextTimerInterrupt() uint64 {
	timerJiffies := b.timerJiffies
	expires := timerJiffies + nextTimerMaxDelta
	found := false

	index := int(timerJiffies & tvrMask)
	slot := index
	for {
		if e, ok := b.tv1[slot].earliestActive(); ok {
			found = true
			expires = e
			if index != 0 && slot >= index {
				return expires
			}
			break
		}
		slot = (slot + 1) & tvrMask
		if slot == index {
			break
		}
	}

	if index != 0 {
		timerJiffies += uint64(TVRSize - index)
	}
	timerJiffies >>= TVRBits

	for level := 0; level < WheelLevels-1; level++ {
		index = int(timerJiffies & tvnMask)
		slot = index
		for {
			if e, ok := b.tvn[level][slot].earliestActive(); ok {
				found = true
				if e < expires {
					expires = e
				}
			}
			if found {
				if index == 0 || slot < index {
					break
				}
				return expires
			}
			slot = (slot + 1) & tvnMask
			if slot == index {
				break
			}
		}
		if index != 0 {
			timerJiffies += uint64(TVNSize - index)
		}
		timerJiffies >>= TVNBits
	}
	return expires
}

// earliestActive 回傳槽內非 Deferrable timer 的最小 expires
func (l *timerList) earliestActive() (uint64, bool) {
	var (
		min   uint64
		found bool
	)
	for t := l.head; t != nil; t = t.next {
		if t.flags&Deferrable != 0 {
			continue
		}
		if !found || t.expires < min {
			min, found = t.expires, true
		}
	}
	return min, found
}

// migrateTo 把所有槽的 timer 搬到 nb，呼叫者依序持有 b 與 nb 的鎖
func (b *wheelBase) migrateTo(nb *wheelBase) int {
	moved := 0
	move := func(l *timerList) {
		t := l.takeAll()
		for t != nil {
			next := t.next
			t.next, t.prev, t.list = nil, nil, nil
			t.base.Store(nb)
			nb.internalAdd(t)
			moved++
			t = next
		}
	}
	for i := range b.tv1 {
		move(&b.tv1[i])
	}
	for level := range b.tvn {
		for i := range b.tvn[level] {
			move(&b.tvn[level][i])
		}
	}
	b.activeTimers = 0
	b.allTimers = 0
	b.offline = true
	return moved
}

// ============================================================================
// 排程操作
// ============================================================================

// AddTimer queues a timer that is not pending to fire at tick expires, on
// this core unless the timer target hook or Pinned says otherwise. Starting
// a pending timer is a usage error and is ignored.
func (c *Core) AddTimer(t *Timer, expires uint64) {
	if t.fn == nil {
		c.sched.misuse("AddTimer", "timer has no callback")
		return
	}
	expires = ApplySlack(expires, c.sched.Jiffies(), t.slack)
	c.modTimer(t, expires, false, true)
}

// ModTimer re-arms t for tick expires, queuing it if it was not pending, and
// reports whether it was pending. Re-arming a pending timer for the deadline
// it already has changes nothing and reports true.
func (c *Core) ModTimer(t *Timer, expires uint64) bool {
	expires = ApplySlack(expires, c.sched.Jiffies(), t.slack)
	return c.modTimer(t, expires, false, false)
}

// ModTimerPending re-arms t only if it is pending and reports whether it was.
// No slack is applied.
func (c *Core) ModTimerPending(t *Timer, expires uint64) bool {
	return c.modTimer(t, expires, true, false)
}

func (c *Core) modTimer(t *Timer, expires uint64, pendingOnly, start bool) bool {
	b := lockOrClaimTimerBase(t, func() *wheelBase {
		return &c.sched.timerTargetCore(c, t.flags&Pinned != 0, nil).wheel
	})

	if start && t.list != nil {
		b.lock.Unlock()
		c.sched.misuse("AddTimer", "timer already pending")
		return true
	}
	if t.list != nil && t.expires == expires {
		b.lock.Unlock()
		return true
	}

	pending := b.detachIfPending(t)
	if !pending && pendingOnly {
		b.unlock()
		return false
	}

	// callback 執行中不換 base，確保 CancelSync 能看到它
	nb := &c.sched.timerTargetCore(c, t.flags&Pinned != 0, b.core).wheel
	if b.offline || (nb != b && b.running != t) {
		b = b.switchTo(t, nb)
	}

	t.expires = expires
	b.internalAdd(t)
	b.unlock()
	return pending
}

// AddTimerOn queues a timer that is not pending on a specific core, without
// applying slack. The timer is not moved while its callback runs elsewhere.
func (s *Scheduler) AddTimerOn(t *Timer, expires uint64, cpu int) error {
	target, err := s.onlineCore(cpu)
	if err != nil {
		return err
	}
	if t.fn == nil {
		s.misuse("AddTimerOn", "timer has no callback")
		return nil
	}

	b := lockOrClaimTimerBase(t, func() *wheelBase { return &target.wheel })
	if t.list != nil {
		b.lock.Unlock()
		s.misuse("AddTimerOn", "timer already pending")
		return nil
	}
	if nb := &target.wheel; b.offline || (nb != b && b.running != t) {
		b = b.switchTo(t, nb)
	}

	t.expires = expires
	b.internalAdd(t)
	b.unlock()
	return nil
}

// lockOrClaimTimerBase 鎖定 t 的 base；從未排程的 t 以 CAS 掛到 pick 選出的 base
func lockOrClaimTimerBase(t *Timer, pick func() *wheelBase) *wheelBase {
	for {
		if b := lockTimerBase(t); b != nil {
			return b
		}
		nb := pick()
		nb.lock.Lock()
		if t.base.CompareAndSwap(nil, nb) {
			return nb
		}
		nb.lock.Unlock()
	}
}
