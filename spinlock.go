package jiffy

import (
	"runtime"
	"sync/atomic"
)

// spinLock 是每個核心結構使用的自旋鎖
//
// 引擎的操作可能在「中斷」或其延續中執行，不允許讓出執行緒進入休眠，
// 因此這裡不使用 sync.Mutex，而是以 CAS 搶鎖並在失敗時 cpuRelax()。
type spinLock struct {
	state atomic.Uint32
}

// Lock 取得鎖，必要時自旋
func (l *spinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		// 先以讀取自旋，避免大量 CAS 造成快取行彈跳
		for l.state.Load() != 0 {
			cpuRelax()
		}
	}
}

// TryLock 嘗試取得鎖，不自旋
func (l *spinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock 釋放鎖
func (l *spinLock) Unlock() {
	l.state.Store(0)
}

// cpuRelax 是自旋等待時的讓步點
func cpuRelax() {
	runtime.Gosched()
}
