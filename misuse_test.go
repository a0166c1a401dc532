//go:build !jiffydebug

package jiffy

import (
	"bytes"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
)

func TestMisuseIsLoggedAndIgnored(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRig(t, 1, WithLogger(NewTextLogger(&buf, logiface.LevelWarning)))
	c := r.sched.Core(0)
	cnt := &counter{sched: r.sched}

	tm := newWheelTimer(cnt, 0)
	c.AddTimer(tm, 10)
	c.AddTimer(tm, 20)
	assert.Equal(t, uint64(10), tm.Expires(), "重複啟動被忽略")
	assert.Contains(t, buf.String(), `level=warning msg="timer already pending" op=AddTimer`)

	buf.Reset()
	c.AddTimer(&Timer{}, 10)
	assert.Contains(t, buf.String(), `msg="timer has no callback" op=AddTimer`)

	buf.Reset()
	assert.False(t, c.HrStart(&HrTimer{}, Monotonic, 10, 10))
	assert.Contains(t, buf.String(), `op=HrStart`)

	buf.Reset()
	hr := NewHrTimer(noopHr, Monotonic)
	c.HrStart(hr, Monotonic, 10, 10)
	assert.Zero(t, hr.Forward(1000, 10))
	assert.Equal(t, int64(10), hr.Expires())
	assert.Contains(t, buf.String(), `msg="timer is queued" op=Forward`)
}

func TestCancelOfUninitialisedTimerIsLogged(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTextLogger(&buf, logiface.LevelWarning))
	defer SetLogger(nil)

	var tm Timer
	assert.False(t, tm.Cancel())
	assert.Contains(t, buf.String(), `msg="timer was never initialised" op=Timer.Cancel`)

	buf.Reset()
	assert.Equal(t, WasNotPending, tm.TryCancel())
	assert.False(t, tm.CancelSync())
	assert.Contains(t, buf.String(), `op=Timer.TryCancel`)

	buf.Reset()
	var hr HrTimer
	assert.False(t, hr.Cancel())
	assert.False(t, hr.CancelSync())
	assert.Contains(t, buf.String(), `msg="timer was never initialised" op=HrTimer.Cancel`)
	assert.Contains(t, buf.String(), `op=HrTimer.TryCancel`)
}

func TestCancelOfInitialisedIdleTimerIsSilent(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTextLogger(&buf, logiface.LevelWarning))
	defer SetLogger(nil)

	assert.False(t, NewTimer(func(any) {}, nil, 0).Cancel())
	assert.False(t, NewHrTimer(noopHr, Monotonic).Cancel())
	assert.Empty(t, buf.String())
}
