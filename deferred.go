package jiffy

import "github.com/jiansoft/robin"

// DeferredRunner schedules bottom-half work raised from interrupt context. The
// work must run soon, on some goroutine other than the raiser's call stack,
// and must not be dropped.
type DeferredRunner interface {
	Raise(fn func())
}

// DeferredRunnerFunc adapts a function to DeferredRunner.
type DeferredRunnerFunc func(fn func())

// Raise implements DeferredRunner.
func (f DeferredRunnerFunc) Raise(fn func()) {
	f(fn)
}

// robinRunner 交由 robin 的 RightNow 排程器在背景 goroutine 執行
type robinRunner struct{}

func (robinRunner) Raise(fn func()) {
	robin.RightNow().Do(fn)
}

// InlineRunner runs raised work synchronously on the caller's goroutine. It is
// meant for deterministic simulation, where the interrupt source and the
// bottom half share one driver goroutine.
type InlineRunner struct{}

// Raise implements DeferredRunner.
func (InlineRunner) Raise(fn func()) {
	fn()
}
