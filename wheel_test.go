package jiffy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 時間輪單元測試
// ============================================================================
//
// 測試範圍涵蓋：
// 1. 放入規則 - 依 delta 選層、依 expires 位元選槽、過期與超出範圍
// 2. 到期處理 - 逐 tick 前進、cascade、跳躍前進
// 3. 修改與取消 - 重設相同時間、ModTimerPending、Cancel/TryCancel
// 4. 核心選擇 - timer target hook 與 Pinned
// ============================================================================

func newWheelTimer(c *counter, flags TimerFlags) *Timer {
	t := NewTimer(c.fn, nil, flags)
	t.SetSlack(0)
	return t
}

// ============================================================================
// 1. 放入規則
// ============================================================================

func TestWheelPlacement(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	b := &c.wheel
	cnt := &counter{sched: r.sched}

	tests := []struct {
		name    string
		expires uint64
		list    *timerList
	}{
		{"level0", 10, &b.tv1[10]},
		{"level0 last", 255, &b.tv1[255]},
		{"level1", 300, &b.tvn[0][1]},
		{"level2", 1<<14 + 5, &b.tvn[1][1]},
		{"level3", 1<<20 + 7, &b.tvn[2][1]},
		{"level4", 1<<26 + 9, &b.tvn[3][1]},
		{"beyond horizon", 1 << 40, &b.tvn[3][63]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := newWheelTimer(cnt, 0)
			c.AddTimer(tm, tt.expires)
			defer tm.Cancel()

			assert.Same(t, tt.list, tm.list)
			assert.Equal(t, tt.expires, tm.Expires())
		})
	}
}

func TestWheelPastDueGoesToCurrentBucket(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}

	// 空的時間輪在放入時會先追上目前的 jiffies
	r.tick(100)
	tm := newWheelTimer(cnt, 0)
	c.AddTimer(tm, 50)

	assert.Equal(t, uint64(100), c.wheel.timerJiffies)
	assert.Same(t, &c.wheel.tv1[100], tm.list)

	c.RunTimers()
	assert.Equal(t, []uint64{100}, cnt.at())
	assert.False(t, tm.Pending())
}

// ============================================================================
// 2. 到期處理
// ============================================================================

// TestWheelFiresExactlyOnDeadline 放入 current+5 的 timer，逐 tick 前進，剛好在 +5 觸發
func TestWheelFiresExactlyOnDeadline(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}

	start := r.sched.Jiffies()
	tm := NewTimer(cnt.fn, nil, 0)
	c.AddTimer(tm, start+5)

	for i := 1; i < 5; i++ {
		r.advanceTicks(1)
		require.Zero(t, cnt.count(), "tick +%d 不應觸發", i)
	}
	r.advanceTicks(1)
	assert.Equal(t, []uint64{start + 5}, cnt.at())

	r.advanceTicks(10)
	assert.Equal(t, 1, cnt.count(), "不會自動重新排程")
}

func TestWheelCascade(t *testing.T) {
	tests := []struct {
		name    string
		expires uint64
	}{
		{"level1", 300},
		{"level1 boundary", 256},
		{"level2", 1<<14 + 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t, 1)
			c := r.sched.Core(0)
			cnt := &counter{sched: r.sched}

			c.AddTimer(newWheelTimer(cnt, 0), tt.expires)

			for j := uint64(1); j < tt.expires; j++ {
				r.tick(j)
			}
			require.Zero(t, cnt.count())

			r.tick(tt.expires)
			assert.Equal(t, []uint64{tt.expires}, cnt.at())
		})
	}
}

func TestWheelJumpFiresOnce(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}

	c.AddTimer(newWheelTimer(cnt, 0), 300)
	r.tick(1000)

	assert.Equal(t, []uint64{1000}, cnt.at())
}

func TestWheelFIFOWithinTick(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		tm := NewTimer(func(any) { order = append(order, i) }, nil, 0)
		tm.SetSlack(0)
		c.AddTimer(tm, 40)
	}
	r.tick(40)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// TestWheelNeverEarly 隨機的 deadline 與隨機的前進步伐，callback 都不會早於 deadline
func TestWheelNeverEarly(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	rng := rand.New(rand.NewSource(7))

	const n = 500
	var (
		fired int
		early []uint64
	)
	for i := 0; i < n; i++ {
		var delta uint64
		switch i % 3 {
		case 0:
			delta = uint64(rng.Intn(256))
		case 1:
			delta = uint64(rng.Intn(1 << 14))
		default:
			delta = uint64(rng.Intn(1 << 17))
		}
		expires := r.sched.Jiffies() + delta
		tm := NewTimer(func(data any) {
			fired++
			if r.sched.Jiffies() < data.(uint64) {
				early = append(early, data.(uint64))
			}
		}, expires, 0)
		c.AddTimer(tm, expires)
	}

	for now := uint64(0); fired < n; {
		now += uint64(1 + rng.Intn(700))
		r.tick(now)
	}

	assert.Empty(t, early)
	assert.Equal(t, n, fired)
	assert.Zero(t, c.Stats().PendingTimers)
}

func TestWheelSlackApplied(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}

	tm := NewTimer(cnt.fn, nil, 0)
	tm.SetSlack(100)
	c.AddTimer(tm, 1000)

	assert.Equal(t, uint64(1024), tm.Expires())
}

// ============================================================================
// 3. 修改與取消
// ============================================================================

func TestModTimerIdempotent(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}
	tm := newWheelTimer(cnt, 0)

	assert.False(t, c.ModTimer(tm, 100), "未排程時回傳 false")
	list := tm.list

	assert.True(t, c.ModTimer(tm, 100))
	assert.Same(t, list, tm.list)
	assert.Equal(t, int64(1), c.Stats().PendingTimers)

	r.tick(100)
	assert.Equal(t, []uint64{100}, cnt.at())
}

func TestModTimerMovesDeadline(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}
	tm := newWheelTimer(cnt, 0)

	c.AddTimer(tm, 100)
	assert.True(t, c.ModTimer(tm, 200))

	r.tick(150)
	assert.Zero(t, cnt.count())
	r.tick(200)
	assert.Equal(t, []uint64{200}, cnt.at())
}

func TestModTimerPending(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}
	tm := newWheelTimer(cnt, 0)

	assert.False(t, c.ModTimerPending(tm, 100))
	assert.False(t, tm.Pending())

	c.AddTimer(tm, 50)
	assert.True(t, c.ModTimerPending(tm, 100))
	assert.Equal(t, uint64(100), tm.Expires())
}

func TestTimerCancel(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}

	never := newWheelTimer(cnt, 0)
	assert.False(t, never.Cancel())
	assert.Equal(t, WasNotPending, never.TryCancel())
	assert.False(t, never.CancelSync())

	tm := newWheelTimer(cnt, 0)
	c.AddTimer(tm, 20)
	assert.True(t, tm.Pending())
	assert.True(t, tm.Cancel())
	assert.False(t, tm.Pending())
	assert.False(t, tm.Cancel())

	c.AddTimer(tm, 30)
	assert.Equal(t, Removed, tm.TryCancel())

	r.tick(100)
	assert.Zero(t, cnt.count())
	assert.Zero(t, c.Stats().PendingTimers)
}

func TestTimerCancelFromSiblingCallback(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}

	victim := newWheelTimer(cnt, 0)
	killer := NewTimer(func(any) { victim.Cancel() }, nil, 0)
	killer.SetSlack(0)

	// 同一個 tick 中先執行的 callback 取消後面的 timer
	c.AddTimer(killer, 10)
	c.AddTimer(victim, 10)
	r.tick(10)

	assert.Zero(t, cnt.count())
	assert.False(t, victim.Pending())
}

func TestTimerReArmFromCallback(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)

	var (
		fired []uint64
		tm    *Timer
	)
	tm = NewTimer(func(any) {
		fired = append(fired, r.sched.Jiffies())
		if len(fired) < 3 {
			c.ModTimer(tm, r.sched.Jiffies()+10)
		}
	}, nil, 0)
	tm.SetSlack(0)
	c.AddTimer(tm, 10)

	for j := uint64(1); j <= 50; j++ {
		r.tick(j)
	}
	assert.Equal(t, []uint64{10, 20, 30}, fired)
}

// ============================================================================
// 4. 核心選擇
// ============================================================================

func TestTimerTargetHook(t *testing.T) {
	r := newTestRig(t, 2, WithTimerTarget(func(int) int { return 1 }))
	cnt := &counter{sched: r.sched}

	free := newWheelTimer(cnt, 0)
	r.sched.Core(0).AddTimer(free, 10)
	assert.Same(t, &r.sched.Core(1).wheel, free.base.Load())

	pinned := newWheelTimer(cnt, Pinned)
	r.sched.Core(0).AddTimer(pinned, 10)
	assert.Same(t, &r.sched.Core(0).wheel, pinned.base.Load())

	// Pinned 的 timer 重設時留在原本的核心
	r.sched.Core(1).ModTimer(pinned, 20)
	assert.Same(t, &r.sched.Core(0).wheel, pinned.base.Load())
}

func TestModTimerFollowsCaller(t *testing.T) {
	r := newTestRig(t, 2)
	cnt := &counter{sched: r.sched}
	tm := newWheelTimer(cnt, 0)

	r.sched.Core(0).AddTimer(tm, 10)
	assert.Equal(t, int64(1), r.sched.Core(0).Stats().PendingTimers)

	r.sched.Core(1).ModTimer(tm, 20)
	assert.Same(t, &r.sched.Core(1).wheel, tm.base.Load())
	assert.Zero(t, r.sched.Core(0).Stats().PendingTimers)
	assert.Equal(t, int64(1), r.sched.Core(1).Stats().PendingTimers)

	r.tick(20)
	assert.Equal(t, 1, cnt.count())
}

func TestAddTimerOn(t *testing.T) {
	r := newTestRig(t, 3)
	cnt := &counter{sched: r.sched}
	tm := newWheelTimer(cnt, 0)

	require.NoError(t, r.sched.AddTimerOn(tm, 10, 2))
	assert.Same(t, &r.sched.Core(2).wheel, tm.base.Load())

	other := newWheelTimer(cnt, 0)
	assert.ErrorIs(t, r.sched.AddTimerOn(other, 10, 3), ErrInvalidCore)
	assert.ErrorIs(t, r.sched.AddTimerOn(other, 10, -1), ErrInvalidCore)

	require.NoError(t, r.sched.CoreOffline(1))
	assert.ErrorIs(t, r.sched.AddTimerOn(other, 10, 1), ErrCoreOffline)
	assert.False(t, other.Pending())
}
