package jiffy

import (
	"container/heap"
)

// hrQueueCapacity 是每個 clock queue 底層陣列的初始容量
const hrQueueCapacity = 16

// A hrHeap implements heap.Interface and holds HrTimers.
// the 0th element is the earliest hard expiry, ties broken by insertion order
type hrHeap []*HrTimer

func (h *hrHeap) Len() int {
	return len(*h)
}

func (h *hrHeap) Less(i, j int) bool {
	a, b := (*h)[i], (*h)[j]
	if a.expires != b.expires {
		return a.expires < b.expires
	}
	return a.seq < b.seq
}

func (h *hrHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].index = i
	(*h)[j].index = j
}

func (h *hrHeap) Push(x any) {
	t := x.(*HrTimer)
	t.index = len(*h)
	pushTimer((*[]*HrTimer)(h), t)
}

func (h *hrHeap) Pop() any {
	t := popTimer((*[]*HrTimer)(h))
	t.index = -1 // for safety
	return t
}

// A softHeap implements heap.Interface over the same HrTimers as hrHeap.
// the 0th element is the earliest soft expiry, ties broken by insertion order
type softHeap []*HrTimer

func (h *softHeap) Len() int {
	return len(*h)
}

func (h *softHeap) Less(i, j int) bool {
	a, b := (*h)[i], (*h)[j]
	if a.softExpires != b.softExpires {
		return a.softExpires < b.softExpires
	}
	return a.seq < b.seq
}

func (h *softHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].softIndex = i
	(*h)[j].softIndex = j
}

func (h *softHeap) Push(x any) {
	t := x.(*HrTimer)
	t.softIndex = len(*h)
	pushTimer((*[]*HrTimer)(h), t)
}

func (h *softHeap) Pop() any {
	t := popTimer((*[]*HrTimer)(h))
	t.softIndex = -1
	return t
}

// pushTimer 把 t 接在 h 尾端，容量不足時加倍
func pushTimer(h *[]*HrTimer, t *HrTimer) {
	var (
		n = len(*h)
		c = cap(*h)
		s = n + 1
	)

	if s > c {
		nh := make([]*HrTimer, n, max(c*2, hrQueueCapacity))
		copy(nh, *h)
		*h = nh
	}

	*h = (*h)[0:s]
	(*h)[n] = t
}

// popTimer 移除並回傳 h 的最後一個元素，使用量低於一半時縮小容量
func popTimer(h *[]*HrTimer) *HrTimer {
	var (
		n       = len(*h)
		c       = cap(*h)
		s       = n - 1
		capHalf = c / 2
	)

	if n < capHalf && c > hrQueueCapacity {
		nh := make([]*HrTimer, n, capHalf)
		copy(nh, *h)
		*h = nh
	}

	t := (*h)[s]
	(*h)[s] = nil // avoid memory leak
	*h = (*h)[0:s]
	return t
}

// clockQueue 是單一核心上某個 clock domain 的 hrtimer 佇列
//
// 每個 timer 同時在兩個 heap 中：active 以 hard expires 排序，根節點是
// 設定 comparator 用的快取最小值；soft 以 soft expires 排序，決定到期時的
// 執行順序。相同時間依加入順序（seq）先進先出。
// 所有欄位都受 cpuBase.lock 保護。
type clockQueue struct {
	cpuBase *hrCPUBase
	domain  Domain

	// offset 是此 domain 與 Monotonic 的差值，在中斷與 ClockWasSet 時更新
	offset int64

	active hrHeap
	soft   softHeap
	seq    uint64
}

// enqueue 加入 t 並回傳 t 是否成為最早的節點
func (q *clockQueue) enqueue(t *HrTimer) bool {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.active, t)
	heap.Push(&q.soft, t)
	t.state.Or(stateEnqueued)
	return t.index == 0
}

// remove 移除 t 並回傳 t 原本是否為最早的節點，t 必須在此佇列中
func (q *clockQueue) remove(t *HrTimer) bool {
	if debugChecks && !q.holds(t) {
		reportMisuse(getLogger(), "HrTimer.Cancel", "timer is not queued on its base")
		return false
	}
	leftmost := t.index == 0
	heap.Remove(&q.active, t.index)
	heap.Remove(&q.soft, t.softIndex)
	return leftmost
}

func (q *clockQueue) first() *HrTimer {
	if len(q.active) == 0 {
		return nil
	}
	return q.active[0]
}

// holds 回報 t 是否確實在此佇列的兩個 heap 中
func (q *clockQueue) holds(t *HrTimer) bool {
	return t.index >= 0 && t.index < len(q.active) && q.active[t.index] == t &&
		t.softIndex >= 0 && t.softIndex < len(q.soft) && q.soft[t.softIndex] == t
}

// firstSoft 回傳 soft expires 最早的節點
func (q *clockQueue) firstSoft() *HrTimer {
	if len(q.soft) == 0 {
		return nil
	}
	return q.soft[0]
}

func (q *clockQueue) len() int {
	return len(q.active)
}

// monoExpires 把 t 的 hard expires 換算成 Monotonic，負值視為 0
func (q *clockQueue) monoExpires(t *HrTimer) int64 {
	if q.offset < 0 && t.expires > KTimeMax+q.offset {
		return KTimeMax
	}
	e := t.expires - q.offset
	if e < 0 {
		return 0
	}
	return e
}
