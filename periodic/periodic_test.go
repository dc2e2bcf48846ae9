package periodic

import (
	"testing"
	"time"

	"github.com/epos-rts/tkernel/alarm"
	"github.com/epos-rts/tkernel/config"
	"github.com/epos-rts/tkernel/criterion"
	"github.com/epos-rts/tkernel/kernel"
	"github.com/epos-rts/tkernel/tick"
)

func TestPeriodicThreadRunsOncePerPeriod(t *testing.T) {
	clk := tick.NewManualClock()
	svc := alarm.NewService(clk)
	defer svc.Close()

	k := kernel.New(config.Default(), criterion.NewPriority(true), nil)
	defer k.Close()

	iterations := make(chan int, 10)
	count := 0
	pt := New(k, svc, kernel.SpawnOptions{Name: "pt", Priority: criterion.Normal}, 5, alarm.Infinite, func(pt *PeriodicThread) {
		count++
		iterations <- count
	})

	for i := 0; i < 3; i++ {
		clk.Advance(5)
		select {
		case got := <-iterations:
			if got != i+1 {
				t.Fatalf("iteration %d: body ran for the %d-th time, want %d-th", i, got, i+1)
			}
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: body did not run within a period", i)
		}
	}

	pt.Cancel()
}

func TestPeriodicThreadCountsOverrunsWithoutRunningConcurrently(t *testing.T) {
	clk := tick.NewManualClock()
	svc := alarm.NewService(clk)
	defer svc.Close()

	k := kernel.New(config.Default(), criterion.NewPriority(true), nil)
	defer k.Close()

	release := make(chan struct{})
	entered := make(chan struct{}, 10)
	pt := New(k, svc, kernel.SpawnOptions{Name: "pt", Priority: criterion.Normal}, 3, alarm.Infinite, func(pt *PeriodicThread) {
		entered <- struct{}{}
		<-release
	})

	<-entered // first iteration is now blocked inside body, holding the CPU

	// Two period boundaries elapse while body is still running: the
	// alarm fires once successfully (queued) and once as an overrun.
	clk.Advance(3)
	clk.Advance(3)

	release <- struct{}{}
	<-entered // second iteration starts once waitNext consumes the queued wake

	if pt.Overruns() == 0 {
		t.Fatalf("Overruns() = 0, want at least one overrun while body was still running")
	}

	close(release)
	pt.Cancel()
}

func TestPeriodicThreadStopsAfterTimesExhausted(t *testing.T) {
	clk := tick.NewManualClock()
	svc := alarm.NewService(clk)
	defer svc.Close()

	k := kernel.New(config.Default(), criterion.NewPriority(true), nil)
	defer k.Close()

	const times = 3
	count := 0
	exited := make(chan struct{})
	pt := New(k, svc, kernel.SpawnOptions{Name: "pt", Priority: criterion.Normal}, 5, times, func(pt *PeriodicThread) {
		count++
	})
	go func() {
		pt.Thread().Join()
		close(exited)
	}()

	for i := 0; i < times+2; i++ {
		clk.Advance(5)
	}

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatalf("thread did not exit after its alarm's times count was exhausted")
	}
	if count != times {
		t.Fatalf("body ran %d times, want %d", count, times)
	}
}
