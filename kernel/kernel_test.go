package kernel

import (
	"strings"
	"testing"
	"time"

	"github.com/epos-rts/tkernel/config"
	"github.com/epos-rts/tkernel/criterion"
	"github.com/epos-rts/tkernel/tick"
)

func newTestKernel(crit criterion.Criterion) *Kernel {
	cfg := config.Default()
	cfg.Monitored = false
	return New(cfg, crit, nil)
}

func TestSpawnAndJoinReturnsExitStatus(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	th := k.Spawn(func(self *Thread) {}, SpawnOptions{Name: "w", Priority: criterion.Normal})
	if got := th.Join(); got != 0 {
		t.Fatalf("Join() = %d, want 0", got)
	}
	if th.State() != StateFinished {
		t.Fatalf("State() = %v, want StateFinished", th.State())
	}
}

func TestHigherPriorityThreadRunsFirstAtSpawn(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	var order []string
	done := make(chan struct{}, 2)

	// Both threads immediately exit; the kernel's own bootstrap holds the
	// CPU (as idle) when Spawn is called, so the first spawned thread at
	// the higher rank preempts idle and runs to completion before the
	// lower-rank one is even considered.
	low := k.Spawn(func(self *Thread) {
		order = append(order, "low")
		done <- struct{}{}
	}, SpawnOptions{Name: "low", Priority: criterion.Low, Suspended: true})
	high := k.Spawn(func(self *Thread) {
		order = append(order, "high")
		done <- struct{}{}
	}, SpawnOptions{Name: "high", Priority: criterion.High})

	high.Join()
	low.Resume()
	low.Join()

	<-done
	<-done
	if len(order) != 2 || order[0] != "high" {
		t.Fatalf("order = %v, want high first", order)
	}
}

func TestYieldRotatesEqualPriorityThreads(t *testing.T) {
	k := newTestKernel(criterion.NewRR())
	defer k.Close()

	const rounds = 3
	var order []string
	results := make(chan struct{}, 2)

	barrier := make(chan struct{})
	a := k.Spawn(func(self *Thread) {
		<-barrier
		for i := 0; i < rounds; i++ {
			order = append(order, "a")
			self.Yield()
		}
		results <- struct{}{}
	}, SpawnOptions{Name: "a", Priority: criterion.Normal, Suspended: true})
	b := k.Spawn(func(self *Thread) {
		<-barrier
		for i := 0; i < rounds; i++ {
			order = append(order, "b")
			self.Yield()
		}
		results <- struct{}{}
	}, SpawnOptions{Name: "b", Priority: criterion.Normal, Suspended: true})

	a.Resume()
	b.Resume()
	close(barrier)

	<-results
	<-results

	if len(order) != 2*rounds {
		t.Fatalf("order = %v, want %d entries", order, 2*rounds)
	}
	for i := 1; i < len(order); i++ {
		if order[i] == order[i-1] {
			t.Fatalf("order = %v, want a and b to alternate", order)
		}
	}
}

func TestSuspendAndResume(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	started := make(chan struct{})
	resumed := make(chan struct{})
	th := k.Spawn(func(self *Thread) {
		close(started)
		self.Suspend()
		close(resumed)
	}, SpawnOptions{Name: "w", Priority: criterion.Normal})

	<-started
	// Give the suspend call time to land; State() takes the kernel lock so
	// this is a correctness-preserving poll, not a sleep-based race.
	for i := 0; i < 1000 && th.State() != StateSuspended; i++ {
		time.Sleep(time.Millisecond)
	}
	if th.State() != StateSuspended {
		t.Fatalf("State() = %v, want StateSuspended", th.State())
	}
	th.Resume()
	<-resumed
	th.Join()
}

func TestMutexExcludesConcurrentHolders(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	m := k.NewMutex(WithName("res"))
	counter := 0
	const n = 20
	done := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		k.Spawn(func(self *Thread) {
			m.Lock(self)
			counter++
			self.Yield()
			m.Unlock(self)
			done <- struct{}{}
		}, SpawnOptions{Name: "w", Priority: criterion.Normal})
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if counter != n {
		t.Fatalf("counter = %d, want %d", counter, n)
	}
}

func TestTryLockFailsWhenHeld(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	m := k.NewMutex()
	holder := k.Spawn(func(self *Thread) {
		m.Lock(self)
	}, SpawnOptions{Suspended: true})
	holder.Resume()
	holder.Join()

	other := k.Spawn(func(self *Thread) {}, SpawnOptions{Suspended: true})
	defer func() { other.Resume(); other.Join() }()

	// holder already released by returning from fn (no Unlock): lock is
	// still held since Exit doesn't implicitly unlock, matching the
	// source's undefined-behavior-on-exit-while-holding semantics.
	if m.TryLock(other) {
		t.Fatalf("TryLock succeeded while holder thread (never unlocked) should still hold it")
	}
}

func TestCeilingProtocolBoostsHolderImmediately(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	m := k.NewMutex(WithCeiling(criterion.High))
	rankCh := make(chan criterion.Rank, 1)

	th := k.Spawn(func(self *Thread) {
		m.Lock(self)
		rankCh <- self.Priority()
		m.Unlock(self)
	}, SpawnOptions{Name: "low", Priority: criterion.Low})

	got := <-rankCh
	if got != criterion.High {
		t.Fatalf("Priority() while holding ceiling mutex = %v, want %v", got, criterion.High)
	}
	th.Join()
}

func TestInheritanceBoostsHolderWhenHigherPriorityWaits(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	m := k.NewMutex() // default protocol: inheritance
	locked := make(chan struct{})
	boosted := make(chan criterion.Rank, 1)
	release := make(chan struct{})

	low := k.Spawn(func(self *Thread) {
		m.Lock(self)
		close(locked)
		<-release
		boosted <- self.Priority()
		m.Unlock(self)
	}, SpawnOptions{Name: "low", Priority: criterion.Low})

	<-locked
	high := k.Spawn(func(self *Thread) {
		m.Lock(self)
		m.Unlock(self)
	}, SpawnOptions{Name: "high", Priority: criterion.High, Suspended: true})
	high.Resume()

	// Let high reach the kernel and block on m so restoreLocked runs
	// against low before we read low's boosted priority.
	for i := 0; i < 1000 && high.State() != StateWaiting; i++ {
		time.Sleep(time.Millisecond)
	}
	close(release)

	got := <-boosted
	if got != criterion.High {
		t.Fatalf("low's boosted priority = %v, want %v", got, criterion.High)
	}
	low.Join()
	high.Join()
}

func TestEDFTicksToDeadlineShrinksAsTicksElapse(t *testing.T) {
	clk := tick.NewManualClock()
	cfg := config.Default()
	cfg.TickHz = 1000
	k := New(cfg, criterion.NewEDF(), clk)
	defer k.Close()

	blocked := make(chan struct{})
	th := k.Spawn(func(self *Thread) {
		<-blocked
	}, SpawnOptions{
		Name:            "job",
		Characteristics: criterion.Characteristics{Period: 100, Deadline: 100},
	})

	first := th.Priority()
	clk.Advance(30)
	second := th.Priority()
	if second >= first {
		t.Fatalf("rank after 30 ticks = %v, want it more urgent (smaller) than the initial rank %v", second, first)
	}
	close(blocked)
	th.Join()
}

func TestSemaphoreBlocksUntilSignaled(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	s := k.NewSemaphore(0, "sem")
	acquired := make(chan struct{})

	th := k.Spawn(func(self *Thread) {
		s.P(self)
		close(acquired)
	}, SpawnOptions{Name: "waiter"})

	select {
	case <-acquired:
		t.Fatalf("P() returned before V()")
	case <-time.After(20 * time.Millisecond):
	}

	s.V(nil)
	<-acquired
	th.Join()
}

func TestConditionSignalWakesOneWaiter(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	m := k.NewMutex()
	c := k.NewCondition("cv")
	woken := make(chan string, 2)

	spawnWaiter := func(name string) *Thread {
		return k.Spawn(func(self *Thread) {
			m.Lock(self)
			c.Wait(self, m)
			woken <- name
			m.Unlock(self)
		}, SpawnOptions{Name: name, Priority: criterion.Normal})
	}
	a := spawnWaiter("a")
	b := spawnWaiter("b")

	// Give both waiters time to reach c.Wait and block.
	time.Sleep(10 * time.Millisecond)
	c.Signal()

	first := <-woken
	if first != "a" && first != "b" {
		t.Fatalf("unexpected waiter woken: %q", first)
	}
	c.Signal()
	<-woken
	a.Join()
	b.Join()
}

func TestStatisticsRecordDispatchAndExecution(t *testing.T) {
	clk := tick.NewManualClock()
	cfg := config.Default()
	k := New(cfg, criterion.NewRR(), clk)
	defer k.Close()

	clk.Advance(3)

	release := make(chan struct{})
	th := k.Spawn(func(self *Thread) {
		<-release
	}, SpawnOptions{Name: "measured", Priority: criterion.Normal})

	clk.Advance(5)

	st := th.Stats()
	if st.CreatedTick != 3 {
		t.Fatalf("CreatedTick = %d, want 3", st.CreatedTick)
	}
	if st.Dispatches == 0 {
		t.Fatalf("Dispatches = 0, want at least one dispatch")
	}
	if st.ExecutedTicks == 0 {
		t.Fatalf("ExecutedTicks = 0, want the 5 ticks that elapsed while running")
	}
	close(release)
	th.Join()
}

func TestSemaphoreCloseWakesBlockedWaiters(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	s := k.NewSemaphore(0, "doomed")
	returned := make(chan struct{}, 2)
	var ths []*Thread
	for i := 0; i < 2; i++ {
		ths = append(ths, k.Spawn(func(self *Thread) {
			s.P(self)
			returned <- struct{}{}
		}, SpawnOptions{Name: "w", Priority: criterion.Normal}))
	}

	blocked := func() bool {
		for _, th := range ths {
			if th.State() != StateWaiting {
				return false
			}
		}
		return true
	}
	for i := 0; i < 1000 && !blocked(); i++ {
		time.Sleep(time.Millisecond)
	}

	s.Close()
	<-returned
	<-returned
	for _, th := range ths {
		th.Join()
	}
}

func TestPanicInBodyTerminatesWithErrExitStatus(t *testing.T) {
	k := newTestKernel(criterion.NewPriority(true))
	defer k.Close()

	th := k.Spawn(func(self *Thread) {
		panic("simulated fault")
	}, SpawnOptions{Name: "faulty", Priority: criterion.Normal})

	if got := th.Join(); got != ErrExitStatus {
		t.Fatalf("Join() = %d, want ErrExitStatus (%d)", got, ErrExitStatus)
	}
	if th.State() != StateFinished {
		t.Fatalf("State() = %v, want StateFinished", th.State())
	}
}

func TestTimelineRecordsDispatchesWhenMonitored(t *testing.T) {
	cfg := config.Default() // Monitored is on by default
	k := New(cfg, criterion.NewPriority(true), nil)
	defer k.Close()

	th := k.Spawn(func(self *Thread) {}, SpawnOptions{Name: "traced", Priority: criterion.Normal})
	th.Join()

	if tl := k.Timeline(); !strings.Contains(tl, "traced") {
		t.Fatalf("Timeline() = %q, want it to record the dispatch of %q", tl, "traced")
	}
}

func TestKernelIDsAreDistinct(t *testing.T) {
	a := newTestKernel(criterion.NewPriority(true))
	defer a.Close()
	b := newTestKernel(criterion.NewPriority(true))
	defer b.Close()

	if a.ID() == b.ID() {
		t.Fatalf("two kernels share identity %x", a.ID())
	}
}
