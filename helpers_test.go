package jiffy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// 測試輔助
// ============================================================================
//
// 測試一律使用 ManualClock、fakeComparator 與 InlineRunner，
// 時間只在測試推進時前進，bottom half 在觸發者的呼叫堆疊上同步執行。
// ============================================================================

// testHZ 讓一個 tick 剛好是 1ms
const testHZ = 1000

// fakeComparator 記錄每一次 Program，並可指定接下來幾次回報 ErrPastDeadline
type fakeComparator struct {
	mu       sync.Mutex
	clock    ClockReader
	fire     func()
	programs []int64
	failures int
	armed    int64
	shutdown bool
}

func newFakeComparator(clock ClockReader, fire func()) *fakeComparator {
	return &fakeComparator{clock: clock, fire: fire, armed: KTimeMax}
}

func (fc *fakeComparator) Program(deadlineNs int64) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.programs = append(fc.programs, deadlineNs)
	if fc.failures > 0 {
		fc.failures--
		return ErrPastDeadline
	}
	if deadlineNs < fc.clock.NowNs(Monotonic) {
		return ErrPastDeadline
	}
	fc.armed = deadlineNs
	return nil
}

func (fc *fakeComparator) Shutdown() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.shutdown = true
	fc.armed = KTimeMax
}

// failNext 讓接下來 n 次 Program 回報 ErrPastDeadline
func (fc *fakeComparator) failNext(n int) {
	fc.mu.Lock()
	fc.failures = n
	fc.mu.Unlock()
}

func (fc *fakeComparator) armedAt() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.armed
}

func (fc *fakeComparator) programCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.programs)
}

func (fc *fakeComparator) lastProgram() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.programs) == 0 {
		return KTimeMax
	}
	return fc.programs[len(fc.programs)-1]
}

// fireIfDue 在設定的時間已到時送出中斷，回傳是否有送出
func (fc *fakeComparator) fireIfDue() bool {
	fc.mu.Lock()
	due := !fc.shutdown && fc.armed != KTimeMax && fc.armed <= fc.clock.NowNs(Monotonic)
	if due {
		fc.armed = KTimeMax
	}
	fc.mu.Unlock()

	if due {
		fc.fire()
	}
	return due
}

// fakeDevices 是所有核心的 comparator；核心重新上線時會換成新的裝置
type fakeDevices struct {
	mu    sync.Mutex
	clock ClockReader
	byCPU map[int]*fakeComparator
}

func (fd *fakeDevices) factory(cpu int, fire func()) Comparator {
	fc := newFakeComparator(fd.clock, fire)
	fd.mu.Lock()
	fd.byCPU[cpu] = fc
	fd.mu.Unlock()
	return fc
}

func (fd *fakeDevices) get(cpu int) *fakeComparator {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.byCPU[cpu]
}

// testRig 是一台模擬機器：排程器、手動時鐘與 comparator
type testRig struct {
	sched   *Scheduler
	clock   *ManualClock
	devices *fakeDevices
}

func newTestRig(t testing.TB, cores int, opts ...Option) *testRig {
	t.Helper()

	clock := NewManualClock(1_000_000_000)
	devices := &fakeDevices{clock: clock, byCPU: make(map[int]*fakeComparator)}

	all := append([]Option{
		WithCores(cores),
		WithHZ(testHZ),
		WithClock(clock),
		WithComparatorFactory(devices.factory),
		WithDeferredRunner(InlineRunner{}),
	}, opts...)

	s, err := New(all...)
	require.NoError(t, err)
	return &testRig{sched: s, clock: clock, devices: devices}
}

// tick 讓所有在線核心前進到 now
func (r *testRig) tick(now uint64) {
	for _, c := range r.sched.cores {
		c.Tick(now)
	}
}

// advanceTicks 逐一 tick 前進 n 次，時鐘同步前進
func (r *testRig) advanceTicks(n int) {
	for i := 0; i < n; i++ {
		r.clock.Advance(r.sched.TickPeriod())
		r.tick(r.sched.Jiffies() + 1)
	}
}

// fireDue 送出所有已到期的 comparator 中斷
func (r *testRig) fireDue() {
	for i := range r.sched.cores {
		if fc := r.devices.get(i); fc != nil {
			fc.fireIfDue()
		}
	}
}

// counter 是 wheel timer 的 callback，記錄每次觸發時的 jiffies
type counter struct {
	mu    sync.Mutex
	sched *Scheduler
	fired []uint64
}

func (c *counter) fn(any) {
	c.mu.Lock()
	c.fired = append(c.fired, c.sched.Jiffies())
	c.mu.Unlock()
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fired)
}

func (c *counter) at() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.fired...)
}
