package jiffy

import (
	"errors"
	"sync/atomic"
	"time"
)

// ============================================================================
// 高解析度計時器核心 (hrtimer cpu base)
// ============================================================================
//
// 每個核心一個 hrCPUBase，內含四個 clockQueue（每個 domain 一個）。
// expiresNext 是四個佇列最早的 hard expires 換算成 Monotonic 後的最小值，
// 不在中斷處理中時永遠等於真正的最小值。
//
// comparator 的設定流程：
//
//   加入 timer ─► 成為佇列最早節點且早於 expiresNext？
//                   └─► 未在中斷中、沒有 hang、已啟用高解析度 ─► Program
//                         └─► ErrPastDeadline ─► 以目前時間重試
//                               └─► 仍失敗 ─► 以 DeferredRunner 重跑中斷處理
//
//   中斷 ─► 執行 soft 時間窗已開啟的 timer ─► 重算 expiresNext ─► Program
//             └─► ErrPastDeadline ─► 重跑（最多 3 次）
//                   └─► 第 4 次失敗 ─► hangDetected，強制設定 now + 100ms
// ============================================================================

const (
	// hrMaxRetries 是中斷處理中 comparator 回報過期後重跑的次數上限
	hrMaxRetries = 3

	// HangDelay is how far ahead the comparator is forced after the
	// interrupt handler gave up chasing already expired deadlines.
	HangDelay = 100 * time.Millisecond
)

type hrCPUBase struct {
	lock spinLock
	core *Core

	clockBase [NumDomains]clockQueue

	expiresNext  int64
	hangDetected bool
	inHrtirq     bool
	offline      bool

	// hresActive 在持有 lock 時寫入，Tick 會無鎖讀取
	hresActive atomic.Bool

	nrEvents    uint64
	nrRetries   uint64
	nrHangs     uint64
	maxHangTime int64

	expiresMirror atomic.Int64
	expired       atomic.Uint64
}

func (cb *hrCPUBase) init(c *Core) {
	cb.core = c
	for i := range cb.clockBase {
		q := &cb.clockBase[i]
		q.cpuBase = cb
		q.domain = Domain(i)
	}
	cb.reset()
}

// reset 在核心上線時重設狀態，呼叫者必須持有 lock 或確保無並發存取
func (cb *hrCPUBase) reset() {
	cb.expiresNext = KTimeMax
	cb.hangDetected = false
	cb.inHrtirq = false
	cb.offline = false
	cb.hresActive.Store(false)
	cb.publish()
}

func (cb *hrCPUBase) publish() {
	cb.expiresMirror.Store(cb.expiresNext)
}

func (cb *hrCPUBase) unlock() {
	cb.publish()
	cb.lock.Unlock()
}

// updateOffsets 重新讀取各 domain 與 Monotonic 的差值，回傳目前的 Monotonic 時間
func (cb *hrCPUBase) updateOffsets() int64 {
	clock := cb.core.sched.clock
	now := clock.NowNs(Monotonic)
	for i := range cb.clockBase {
		cb.clockBase[i].offset = domainOffset(clock, Domain(i), now)
	}
	return now
}

// nextEvent 回傳四個佇列中最早的 hard expires（Monotonic）
func (cb *hrCPUBase) nextEvent() int64 {
	next := KTimeMax
	for i := range cb.clockBase {
		q := &cb.clockBase[i]
		if t := q.first(); t != nil {
			if e := q.monoExpires(t); e < next {
				next = e
			}
		}
	}
	return next
}

func (cb *hrCPUBase) program(deadline int64) error {
	if cb.core.comparator == nil {
		return ErrNoComparator
	}
	return cb.core.comparator.Program(deadline)
}

// reprogram 在 t 成為 q 的最早節點後呼叫，回傳是否需要在釋放鎖後重跑中斷處理
func (cb *hrCPUBase) reprogram(t *HrTimer, q *clockQueue) bool {
	expires := q.monoExpires(t)
	if expires >= cb.expiresNext {
		return false
	}
	cb.expiresNext = expires

	// callback 中重新啟動自己時，由中斷處理結束前統一設定
	if t.state.Load()&stateCallback != 0 {
		return false
	}
	if !cb.hresActive.Load() || cb.inHrtirq || cb.hangDetected {
		return false
	}

	err := cb.program(expires)
	if err == nil {
		return false
	}
	if !errors.Is(err, ErrPastDeadline) {
		cb.core.sched.logger.Err().
			Int("cpu", cb.core.id).
			Err(err).
			Log("comparator program failed")
		return false
	}

	if cb.program(cb.core.sched.clock.NowNs(Monotonic)) == nil {
		return false
	}
	return true
}

// forceReprogram 重算 expiresNext 並設定 comparator，回傳是否需要重跑中斷處理
func (cb *hrCPUBase) forceReprogram(skipEqual bool) bool {
	next := cb.nextEvent()
	if skipEqual && next == cb.expiresNext {
		return false
	}
	cb.expiresNext = next

	if cb.hangDetected || cb.inHrtirq || !cb.hresActive.Load() || next == KTimeMax {
		return false
	}
	return errors.Is(cb.program(next), ErrPastDeadline)
}

// remove 將 t 自 q 移除並設為 newState，回傳 t 是否原本在佇列中，
// 以及是否需要在釋放鎖後重跑中斷處理
func (cb *hrCPUBase) remove(t *HrTimer, q *clockQueue, newState uint32) (bool, bool) {
	if t.state.Load()&stateEnqueued == 0 {
		return false, false
	}

	retrigger := false
	expires := q.monoExpires(t)
	if q.remove(t) && expires == cb.expiresNext {
		retrigger = cb.forceReprogram(true)
	}
	t.state.Store(newState)
	return true, retrigger
}

// runQueues 執行所有 soft 時間窗已開啟的 timer
//
// 每個 domain 依 soft expires 由早到晚執行，與 hard expires 的順序無關。
func (cb *hrCPUBase) runQueues(now int64) {
	for i := range cb.clockBase {
		q := &cb.clockBase[i]
		basenow := now + q.offset
		for {
			t := q.firstSoft()
			if t == nil || basenow < t.softExpires {
				break
			}
			cb.runHrtimer(q, t)
		}
	}
}

// runHrtimer 移除 t 後釋放鎖執行 callback，回傳前重新取得鎖
func (cb *hrCPUBase) runHrtimer(q *clockQueue, t *HrTimer) {
	q.remove(t)
	t.state.Store(stateCallback)
	fn := t.fn
	cb.lock.Unlock()

	restart := cb.core.callHrtimerFn(t, fn)
	cb.expired.Add(1)

	cb.lock.Lock()
	// callback 中已重新啟動的 timer 不再重複加入
	if restart == Restart && t.state.Load()&stateEnqueued == 0 {
		if nq := t.base.Load(); nq != nil && nq.cpuBase == cb {
			nq.enqueue(t)
		}
	}
	t.state.And(^uint32(stateCallback))
}

// interrupt 是高解析度模式的中斷處理
func (cb *hrCPUBase) interrupt() {
	cb.lock.Lock()
	cb.nrEvents++
	entry := cb.updateOffsets()
	now := entry

	for retries := 0; ; {
		cb.inHrtirq = true
		cb.runQueues(now)
		next := cb.nextEvent()
		cb.expiresNext = next
		cb.inHrtirq = false

		if next == KTimeMax || !cb.hresActive.Load() {
			if retries == 0 {
				cb.hangDetected = false
			}
			cb.unlock()
			return
		}

		err := cb.program(next)
		if err == nil {
			if retries == 0 {
				cb.hangDetected = false
			}
			cb.unlock()
			return
		}
		if !errors.Is(err, ErrPastDeadline) {
			cb.unlock()
			cb.core.sched.logger.Err().
				Int("cpu", cb.core.id).
				Err(err).
				Log("comparator program failed")
			return
		}

		now = cb.updateOffsets()
		cb.nrRetries++
		retries++
		if retries > hrMaxRetries {
			break
		}
	}

	// 連續失敗：強制把下一次中斷延後，讓系統有機會做其他事
	cb.nrHangs++
	cb.hangDetected = true
	hang := now - entry
	if hang > cb.maxHangTime {
		cb.maxHangTime = hang
	}
	forced := addSafe(now, int64(HangDelay))
	err := cb.program(forced)
	cb.unlock()

	cb.core.sched.logger.Warning().
		Int("cpu", cb.core.id).
		Dur("hang", time.Duration(hang)).
		Int64("forced", forced).
		Err(err).
		Log("hrtimer interrupt hang detected")
}

// runQueuesLowRes 在尚未切換到高解析度模式時由 tick 呼叫
func (cb *hrCPUBase) runQueuesLowRes() {
	cb.lock.Lock()
	if cb.hresActive.Load() {
		cb.lock.Unlock()
		return
	}
	now := cb.updateOffsets()
	cb.inHrtirq = true
	cb.runQueues(now)
	cb.expiresNext = cb.nextEvent()
	cb.inHrtirq = false
	cb.unlock()
}

// migrateTo 把四個佇列的 timer 搬到 ncb，呼叫者依序持有 cb 與 ncb 的鎖
func (cb *hrCPUBase) migrateTo(ncb *hrCPUBase) int {
	moved := 0
	for i := range cb.clockBase {
		oq, nq := &cb.clockBase[i], &ncb.clockBase[i]
		for t := oq.first(); t != nil; t = oq.first() {
			oq.remove(t)
			// 標記為 Migrate 而非 Inactive，避免其他核心把它當成已停止
			t.state.Store(stateMigrate)
			t.base.Store(nq)
			nq.enqueue(t)
			t.state.And(^uint32(stateMigrate))
			moved++
		}
	}
	cb.expiresNext = KTimeMax
	cb.offline = true
	return moved
}

func (cb *hrCPUBase) queued() [NumDomains]int {
	var n [NumDomains]int
	for i := range cb.clockBase {
		n[i] = cb.clockBase[i].len()
	}
	return n
}
