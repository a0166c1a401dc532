package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jiansoft/jiffy"
	"github.com/joeycumines/logiface"
	"github.com/urfave/cli"
)

var (
	numCores   int
	hz         int
	numTimers  int
	numHr      int
	runFor     time.Duration
	offlineCPU int
	highRes    bool
	verbose    bool
)

var runFlags = []cli.Flag{
	cli.IntFlag{
		Name:        "cores, c",
		Usage:       "number of simulated cores",
		Value:       4,
		Destination: &numCores,
	},
	cli.IntFlag{
		Name:        "hz",
		Usage:       "tick frequency",
		Value:       jiffy.DefaultHZ,
		Destination: &hz,
	},
	cli.IntFlag{
		Name:        "timers, t",
		Usage:       "number of wheel timers to arm",
		Value:       10000,
		Destination: &numTimers,
	},
	cli.IntFlag{
		Name:        "hrtimers",
		Usage:       "number of hrtimers to arm",
		Value:       1000,
		Destination: &numHr,
	},
	cli.DurationFlag{
		Name:        "duration, d",
		Usage:       "how long the simulation runs",
		Value:       2 * time.Second,
		Destination: &runFor,
	},
	cli.IntFlag{
		Name:        "offline, o",
		Usage:       "take this core offline halfway through (-1 to disable)",
		Value:       -1,
		Destination: &offlineCPU,
	},
	cli.BoolTFlag{
		Name:        "highres",
		Usage:       "switch every core to high resolution mode",
		Destination: &highRes,
	},
	cli.BoolFlag{
		Name:        "verbose, v",
		Usage:       "print debug logs",
		Destination: &verbose,
	},
}

func main() {
	app := cli.App{
		Name:      "jiffy",
		HelpName:  "jiffy",
		Usage:     "per-core timer wheel and hrtimer simulator",
		UsageText: "jiffy <command> [arguments...]",
		Commands: []cli.Command{
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "arm timers on every core and drive them with real ticks",
				Flags:   runFlags,
				Action:  run,
			},
			{
				Name:      "round",
				Usage:     "show how RoundJiffies spreads deadlines across cores",
				ArgsUsage: "<jiffies>",
				Flags: []cli.Flag{
					cli.IntFlag{Name: "cores, c", Value: 4, Destination: &numCores},
					cli.IntFlag{Name: "hz", Value: jiffy.DefaultHZ, Destination: &hz},
				},
				Action: round,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// ============================================================================
// run
// ============================================================================

func run(ctx *cli.Context) error {
	level := logiface.LevelInformational
	if verbose {
		level = logiface.LevelDebug
	}
	jiffy.SetLogger(jiffy.NewTextLogger(os.Stderr, level))

	sched, err := jiffy.New(
		jiffy.WithCores(numCores),
		jiffy.WithHZ(hz),
		jiffy.WithHighRes(highRes),
	)
	if err != nil {
		return err
	}

	var (
		wheelFired atomic.Int64
		hrFired    atomic.Int64
		lateNs     atomic.Int64
	)
	period := sched.TickPeriod()
	horizon := uint64(runFor / period)
	if horizon == 0 {
		horizon = 1
	}

	for i := 0; i < numTimers; i++ {
		c := sched.Core(i % numCores)
		tm := jiffy.NewTimer(func(any) { wheelFired.Add(1) }, nil, 0)
		c.AddTimer(tm, sched.Jiffies()+1+uint64(rand.Int63n(int64(horizon))))
	}

	clock := sched.Clock()
	for i := 0; i < numHr; i++ {
		c := sched.Core(i % numCores)
		d := time.Duration(rand.Int63n(int64(runFor)))
		deadline := clock.NowNs(jiffy.Monotonic) + int64(d)
		c.HrStartRelative(jiffy.NewHrTimer(func(*jiffy.HrTimer) jiffy.HrRestart {
			if late := clock.NowNs(jiffy.Monotonic) - deadline; late > 0 {
				lateNs.Add(late)
			}
			hrFired.Add(1)
			return jiffy.NoRestart
		}, jiffy.Monotonic), d, jiffy.ModeAbs)
	}

	before := sched.Stats()
	log.Printf("armed %s wheel timers and %s hrtimers on %d cores at %d HZ",
		humanize.Comma(before.PendingTimers()), humanize.Comma(int64(before.HrTimers())), numCores, hz)

	start := time.Now()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	halfway := time.After(runFor / 2)
	done := time.After(runFor + 10*period)

	for {
		select {
		case <-halfway:
			if offlineCPU >= 0 {
				if err := sched.CoreOffline(offlineCPU); err != nil {
					log.Printf("offline core %d: %v", offlineCPU, err)
				}
			}
		case <-ticker.C:
			now := uint64(time.Since(start) / period)
			tickAll(sched, now)
		case <-done:
			printStats(sched, wheelFired.Load(), hrFired.Load(), lateNs.Load())
			return nil
		}
	}
}

// tickAll 讓每個在線核心在自己的 goroutine 上處理這次 tick
func tickAll(sched *jiffy.Scheduler, now uint64) {
	var wg sync.WaitGroup
	for cpu := 0; cpu < sched.NumCores(); cpu++ {
		c := sched.Core(cpu)
		if !c.Online() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Tick(now)
		}()
	}
	wg.Wait()
}

func printStats(sched *jiffy.Scheduler, wheelFired, hrFired, lateNs int64) {
	st := sched.Stats()
	log.Printf("jiffies=%s offlines=%d migrated=%s/%s",
		humanize.Comma(int64(st.Jiffies)), st.Offlines,
		humanize.Comma(int64(st.MigratedTimers)), humanize.Comma(int64(st.MigratedHrTimers)))
	log.Printf("wheel timers fired=%s still pending=%s",
		humanize.Comma(wheelFired), humanize.Comma(st.PendingTimers()))

	avgLate := time.Duration(0)
	if hrFired > 0 {
		avgLate = time.Duration(lateNs / hrFired)
	}
	log.Printf("hrtimers fired=%s still queued=%s average lateness=%v",
		humanize.Comma(hrFired), humanize.Comma(int64(st.HrTimers())), avgLate)

	for _, cs := range st.Cores {
		log.Printf("  core%-3d online=%-5v highres=%-5v expired=%-8s hr expired=%-8s events=%s retries=%d hangs=%d",
			cs.CPU, cs.Online, cs.HighRes,
			humanize.Comma(int64(cs.WheelExpired)), humanize.Comma(int64(cs.HrExpired)),
			humanize.Comma(int64(cs.HrEvents)), cs.HrRetries, cs.HrHangs)
	}
}

// ============================================================================
// round
// ============================================================================

func round(ctx *cli.Context) error {
	var j uint64 = 1000
	if ctx.NArg() > 0 {
		if _, err := fmt.Sscan(ctx.Args().First(), &j); err != nil {
			return fmt.Errorf("invalid jiffies %q: %w", ctx.Args().First(), err)
		}
	}

	sched, err := jiffy.New(
		jiffy.WithCores(numCores),
		jiffy.WithHZ(hz),
		jiffy.WithClock(jiffy.NewManualClock(0)),
		jiffy.WithDeferredRunner(jiffy.InlineRunner{}),
	)
	if err != nil {
		return err
	}

	fmt.Printf("%-6s %-12s %-12s %-12s\n", "core", "round", "round up", "slack 100")
	for cpu := 0; cpu < sched.NumCores(); cpu++ {
		c := sched.Core(cpu)
		fmt.Printf("%-6d %-12s %-12s %-12s\n", cpu,
			humanize.Comma(int64(c.RoundJiffies(j))),
			humanize.Comma(int64(c.RoundJiffiesUp(j))),
			humanize.Comma(int64(jiffy.ApplySlack(j, 0, 100))))
	}
	return nil
}
