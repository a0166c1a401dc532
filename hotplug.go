package jiffy

import (
	"fmt"
	"sync/atomic"
)

// ============================================================================
// 核心上下線 (hotplug)
// ============================================================================
//
// 下線流程：
//
//   1. 標記 online=false，之後的 Tick/Interrupt/bottom half 都不會再進入此核心
//   2. 停用高解析度模式並關閉 comparator
//   3. 自旋等待已進入此核心的執行區段結束
//   4. 依序鎖住舊、新 wheelBase，搬移所有 timer（照一般的放入規則）
//   5. 依序鎖住舊、新 hrCPUBase，把每個 domain 的 hrtimer 搬到目標的同一個 domain，
//      目標核心重算 expiresNext 並設定 comparator 一次
//
// 兩個 base 都在搬完後標記 offline；之後指向它們的排程操作會改掛到在線核心。
// ============================================================================

type hotplugStats struct {
	offlines         atomic.Uint64
	onlines          atomic.Uint64
	migratedTimers   atomic.Uint64
	migratedHrtimers atomic.Uint64
}

// CoreOffline takes core cpu offline and moves all of its wheel timers and
// high resolution timers to the migration target, the lowest-numbered other
// online core unless WithMigrationTarget says otherwise. It waits for any
// tick, interrupt or callback still running on the core. It must not be
// called from a callback running on cpu.
func (s *Scheduler) CoreOffline(cpu int) error {
	s.hotplugMu.Lock()
	defer s.hotplugMu.Unlock()

	dead, err := s.onlineCore(cpu)
	if err != nil {
		return err
	}
	target := s.migrationTargetCore(dead)
	if target == nil {
		return fmt.Errorf("%w: cannot take core %d offline", ErrNoOnlineCore, cpu)
	}

	dead.online.Store(false)

	dead.hr.lock.Lock()
	dead.hr.hresActive.Store(false)
	if dead.comparator != nil {
		dead.comparator.Shutdown()
		dead.comparator = nil
	}
	dead.hr.lock.Unlock()

	for dead.active.Load() != 0 {
		cpuRelax()
	}

	// 鎖的順序固定為舊 base 再新 base，並由 hotplugMu 保證同時只有一組
	ob, nb := &dead.wheel, &target.wheel
	ob.lock.Lock()
	nb.lock.Lock()
	timers := ob.migrateTo(nb)
	nb.unlock()
	ob.unlock()

	ocb, ncb := &dead.hr, &target.hr
	ocb.lock.Lock()
	ncb.lock.Lock()
	hrtimers := ocb.migrateTo(ncb)
	ncb.updateOffsets()
	retrigger := ncb.forceReprogram(false)
	ncb.unlock()
	ocb.unlock()

	if retrigger {
		target.raiseHrtimerRetrigger()
	}
	if target.wheel.hasWork(s.Jiffies()) {
		target.raiseSoftirq()
	}

	s.stats.offlines.Add(1)
	s.stats.migratedTimers.Add(uint64(timers))
	s.stats.migratedHrtimers.Add(uint64(hrtimers))

	s.logger.Info().
		Int("cpu", cpu).
		Int("target", target.id).
		Int("timers", timers).
		Int("hrtimers", hrtimers).
		Log("core offline")
	return nil
}

// CoreOnline brings core cpu back online with empty timer bases and a fresh
// comparator. The core switches to high resolution mode again when the
// scheduler was created with WithHighRes(true).
func (s *Scheduler) CoreOnline(cpu int) error {
	s.hotplugMu.Lock()
	defer s.hotplugMu.Unlock()

	if cpu < 0 || cpu >= len(s.cores) {
		return fmt.Errorf("%w: %d", ErrInvalidCore, cpu)
	}
	c := s.cores[cpu]
	if c.online.Load() {
		return fmt.Errorf("%w: %d", ErrCoreOnline, cpu)
	}

	c.wheel.lock.Lock()
	c.wheel.reset(s.Jiffies())
	c.wheel.unlock()

	c.hr.lock.Lock()
	c.hr.reset()
	c.hr.updateOffsets()
	c.comparator = s.comparators(cpu, c.Interrupt)
	c.hr.unlock()

	c.irqDepth.Store(0)
	c.irqPending.Store(false)
	c.inHardirq.Store(false)
	c.softirqPending.Store(false)
	c.softirqRunning.Store(false)

	c.online.Store(true)
	s.stats.onlines.Add(1)

	if s.highRes {
		if err := c.SwitchToHighRes(); err != nil {
			s.logger.Warning().
				Int("cpu", cpu).
				Err(err).
				Log("core stays in low resolution mode")
		}
	}

	s.logger.Info().
		Int("cpu", cpu).
		Log("core online")
	return nil
}

// migrationTargetCore 選出接收 dead 的 timer 的核心，沒有其他在線核心時回傳 nil
func (s *Scheduler) migrationTargetCore(dead *Core) *Core {
	if s.migrationTarget != nil {
		id := s.migrationTarget(dead.id)
		if id != dead.id && id >= 0 && id < len(s.cores) && s.cores[id].online.Load() {
			return s.cores[id]
		}
	}
	for _, c := range s.cores {
		if c != dead && c.online.Load() {
			return c
		}
	}
	return nil
}
