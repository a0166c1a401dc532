//go:build jiffydebug

package jiffy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMisusePanicsInDebugBuild(t *testing.T) {
	r := newTestRig(t, 1)
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}

	tm := newWheelTimer(cnt, 0)
	c.AddTimer(tm, 10)
	assert.PanicsWithValue(t, "jiffy: AddTimer: timer already pending", func() { c.AddTimer(tm, 20) })
	assert.Panics(t, func() { c.AddTimer(&Timer{}, 10) })
	assert.Panics(t, func() { c.HrStart(&HrTimer{}, Monotonic, 10, 10) })

	hr := NewHrTimer(noopHr, Monotonic)
	c.HrStart(hr, Monotonic, 10, 10)
	assert.Panics(t, func() { hr.Forward(1000, 10) })

	var idle Timer
	assert.PanicsWithValue(t, "jiffy: Timer.Cancel: timer was never initialised", func() { idle.Cancel() })
	var idleHr HrTimer
	assert.Panics(t, func() { idleHr.TryCancel() })
}

func TestRemoveFromWrongQueuePanicsInDebugBuild(t *testing.T) {
	q, other := newTestQueue(), newTestQueue()
	tm := queuedTimer(100)
	q.enqueue(tm)

	assert.PanicsWithValue(t, "jiffy: HrTimer.Cancel: timer is not queued on its base", func() { other.remove(tm) })
	assert.True(t, q.holds(tm))
	assert.True(t, q.remove(tm))
	assert.False(t, q.holds(tm))
}
