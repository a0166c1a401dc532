package jiffy

import (
	"fmt"
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultHZ is the tick frequency used when neither WithHZ nor
	// WithTickPeriod is given.
	DefaultHZ = 250

	// MaxCores bounds WithCores.
	MaxCores = 4096
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	cores           int
	hz              uint64
	clock           ClockReader
	comparators     ComparatorFactory
	runner          DeferredRunner
	highRes         bool
	timerTarget     func(cpu int) int
	migrationTarget func(dead int) int
	logger          *logiface.Logger[logiface.Event]
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithCores sets the number of logical cores. The default is
// runtime.GOMAXPROCS(0).
func WithCores(n int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if n <= 0 || n > MaxCores {
			return fmt.Errorf("%w: core count %d out of range [1, %d]", ErrInvalidOption, n, MaxCores)
		}
		opts.cores = n
		return nil
	}}
}

// WithHZ sets the tick frequency, i.e. the number of ticks per second.
func WithHZ(hz int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if hz <= 0 || hz > int(time.Second) {
			return fmt.Errorf("%w: hz %d", ErrInvalidOption, hz)
		}
		opts.hz = uint64(hz)
		return nil
	}}
}

// WithTickPeriod sets the tick length. It is the inverse of WithHZ; the
// period must divide one second.
func WithTickPeriod(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 || d > time.Second || time.Second%d != 0 {
			return fmt.Errorf("%w: tick period %s does not divide one second", ErrInvalidOption, d)
		}
		opts.hz = uint64(time.Second / d)
		return nil
	}}
}

// WithClock sets the clock reader. The default is a SystemClock.
func WithClock(clock ClockReader) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if clock == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidOption)
		}
		opts.clock = clock
		return nil
	}}
}

// WithComparatorFactory sets how each core's comparator device is built. The
// default builds a TimeComparator over the scheduler's clock. A factory may
// return nil for a core without a device; such a core stays in low
// resolution mode.
func WithComparatorFactory(f ComparatorFactory) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.comparators = f
		return nil
	}}
}

// WithDeferredRunner sets where bottom-half work runs. The default hands it
// to a robin background goroutine.
func WithDeferredRunner(r DeferredRunner) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if r == nil {
			return fmt.Errorf("%w: nil deferred runner", ErrInvalidOption)
		}
		opts.runner = r
		return nil
	}}
}

// WithHighRes switches every core to high resolution mode at creation.
// Otherwise high resolution timers are expired from the tick until
// Core.SwitchToHighRes is called.
func WithHighRes(enabled bool) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.highRes = enabled
		return nil
	}}
}

// WithTimerTarget installs a load-balancing hook choosing the core that an
// unpinned timer started from cpu is queued on. Results that are out of
// range or offline fall back to cpu itself.
func WithTimerTarget(f func(cpu int) int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.timerTarget = f
		return nil
	}}
}

// WithMigrationTarget chooses which core inherits the timers of a core going
// offline. The default is the lowest-numbered online core.
func WithMigrationTarget(f func(dead int) int) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.migrationTarget = f
		return nil
	}}
}

// WithLogger sets the logger of this scheduler, overriding SetLogger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		cores: runtime.GOMAXPROCS(0),
		hz:    DefaultHZ,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.clock == nil {
		cfg.clock = NewSystemClock()
	}
	if cfg.comparators == nil {
		cfg.comparators = TimeComparatorFactory(cfg.clock)
	}
	if cfg.runner == nil {
		cfg.runner = robinRunner{}
	}
	if cfg.logger == nil {
		cfg.logger = getLogger()
	}
	return cfg, nil
}
