// Package kernel implements the thread lifecycle, scheduler dispatch and
// synchronizer subsystems, grounded on
// original_source/src/api/thread.cc, thread_init.cc, mutex.cc,
// semaphore.cc and the waiting-list/parking patterns of
// v.io/x/lib/nsync's Mu/CV/waiter (adapted here: the kernel lock, not an
// nsync-owned spinlock, guards every wait list).
//
// EPOS dispatches threads by performing a literal CPU context switch under
// a kernel spinlock held across the switch. Go gives every thread its own
// goroutine and stack already, so "dispatch" here means handing a
// single-CPU baton: a thread only makes progress while it holds its CPU's
// turn token, handed out by the scheduler under the kernel lock exactly
// like thread.cc hands out the CPU via CPU::switch_context.
package kernel

import (
	"fmt"

	"github.com/epos-rts/tkernel/criterion"
	"github.com/epos-rts/tkernel/klog"
)

// ThreadID identifies a thread within one Kernel's arena. IDs are assigned
// sequentially starting at 1, the idle threads taking the first ones.
// Scheduling order does not depend on them: package squeue breaks rank ties
// by insertion sequence, and FCFS ranks by its own arrival counter.
type ThreadID uint32

// ErrExitStatus is the distinguished exit status reported by a thread
// terminated by an unrecoverable fault rather than a voluntary Exit, the
// counterpart of the exit status the architecture layer hands a thread
// killed by a CPU exception (illegal instruction, page fault). The Go
// analogue of such an exception is a panic escaping the thread's body;
// run recovers it and delivers termination exactly as a voluntary exit,
// with this status readable by joiners. Statuses at or below this value
// are reserved for fault reporting.
const ErrExitStatus = -256

// State is a thread's lifecycle state.
type State int

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateSuspended
	StateWaiting
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateWaiting:
		return "waiting"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Func is a thread's body. It receives the Thread it runs as, the way a
// goroutine closure captures context EPOS instead threads through `this`.
type Func func(t *Thread)

// Thread is one schedulable unit of execution. Its exported
// methods (Yield, Suspend, Pass, Join, Exit, Priority, SetPriority) are the
// counterpart of Thread's public API in thread.cc/thread.h.
type Thread struct {
	id   ThreadID
	k    *Kernel
	name string
	cpu  int

	fn   Func
	turn chan struct{} // kernel sends here to dispatch this thread onto its CPU

	state State
	rank  criterion.Rank
	chars criterion.Characteristics

	basePriority criterion.Rank // priority absent any inheritance/ceiling boost
	boosted      bool

	consumedTicks   uint64
	deadlineTick    uint64
	periodStartTick uint64
	quantumExpired  bool // set by onTick, cleared at the next voluntary safepoint

	stats Statistics

	// held is the set of synchronizers this thread currently holds,
	// needed to walk the inheritance chain when a new waiter blocks on
	// one of them, adapted from nsync's per-waiter wait-list linkage
	// (nsync tracks waiters per Mu; the kernel additionally tracks
	// holdings per thread so a boost can be recomputed on release).
	held map[*heldSync]struct{}

	waitingOn blocker // set while StateWaiting; nil otherwise

	done       bool
	exitStatus int
	joinWait   chan struct{}
}

// Statistics is the per-thread scheduling record, the counterpart of the
// source's Real_Statistics struct: creation and dispatch timestamps,
// accumulated execution, and job release/finish accounting for periodic
// threads. Updated only when config.Traits.Monitored is set, matching
// the Dummy_Statistics build otherwise. All tick values are in the
// kernel's tick units; they stay zero for a kernel with no tick source.
type Statistics struct {
	CreatedTick    uint64
	LastDispatch   uint64
	LastPreemption uint64
	ExecutedTicks  uint64
	Dispatches     uint64
	JobReleases    uint64
	LastJobRelease uint64
	JobFinishes    uint64
	LastJobFinish  uint64
	StackSize      int
}

// heldSync associates a currently-held synchronizer with a closure
// reporting the rank it currently demands of its holder (the ceiling, or
// the best-ranked blocked waiter under inheritance), so restoreLocked can
// recompute a thread's effective priority from everything it holds.
type heldSync struct {
	name  string
	boost func() (criterion.Rank, bool)
}

// ID returns the thread's kernel-unique identifier.
func (t *Thread) ID() ThreadID { return t.id }

// Name returns the thread's human-readable name, defaulting to its ID if
// none was given at creation.
func (t *Thread) Name() string {
	if t.name != "" {
		return t.name
	}
	return fmt.Sprintf("thread-%d", t.id)
}

// State returns the thread's current lifecycle state. It takes the kernel
// lock for the read, so the caller must not hold it; the result is
// advisory, since the state may change as soon as the lock is released.
func (t *Thread) State() State {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.state
}

// Priority returns the thread's effective rank, including any inherited or
// ceiling boost currently applied.
func (t *Thread) Priority() criterion.Rank {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.rank
}

// SetPriority changes the thread's base priority, the counterpart of
// Thread::priority(Criterion). If the thread is not currently boosted, the
// new rank takes effect immediately and the thread is re-queued if ready.
func (t *Thread) SetPriority(rank criterion.Rank) {
	k := t.k
	k.mu.Lock()
	t.basePriority = rank
	if !t.boosted {
		t.rank = rank
		k.reorder(t)
	}
	k.mu.Unlock()
}

// Stats returns a snapshot of the thread's scheduling statistics. The
// record is all zeroes for a kernel configured with Monitored off.
func (t *Thread) Stats() Statistics {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.stats
}

// FinishJob records the completion of the current job instance for a
// real-time thread. periodic.PeriodicThread calls this from WaitNext,
// right after an iteration's body returns and before blocking for the
// next release.
func (t *Thread) FinishJob() {
	k := t.k
	k.mu.Lock()
	if k.cfg.Monitored {
		t.stats.JobFinishes++
		t.stats.LastJobFinish = k.now
	}
	t.rank = k.crit.Handle(criterion.EventJobFinish, criterion.Context{
		Rank:            t.rank,
		Characteristics: t.chars,
		ConsumedTicks:   t.consumedTicks,
		CPU:             t.cpu,
	})
	k.mu.Unlock()
}

// StartPeriod marks the release of a new job instance for a real-time
// thread: its deadline window (Characteristics.Deadline, or Period if
// Deadline is zero) is measured from now, and its consumed-execution
// counter resets. periodic.PeriodicThread calls this once per iteration,
// right before running that iteration's body, so EDF/LLF ranking
// tracks the current job's deadline rather than the one computed at
// thread creation.
func (t *Thread) StartPeriod() {
	k := t.k
	k.mu.Lock()
	t.periodStartTick = k.now
	t.deadlineTick = 0
	if window := deadlineWindow(t.chars); window > 0 {
		t.deadlineTick = t.periodStartTick + window
	}
	t.consumedTicks = 0
	if k.cfg.Monitored {
		t.stats.JobReleases++
		t.stats.LastJobRelease = k.now
	}
	if t.chars.Period > 0 {
		ttd := uint64(0)
		if k.now < t.deadlineTick {
			ttd = t.deadlineTick - k.now
		}
		t.rank = k.crit.Handle(criterion.EventJobRelease, criterion.Context{
			Rank:            t.rank,
			Characteristics: t.chars,
			TicksToDeadline: ttd,
			CPU:             t.cpu,
		})
		k.reorder(t)
	}
	k.mu.Unlock()
}

// Yield voluntarily gives up the CPU, the counterpart of Thread::yield():
// the thread re-enters its ready queue at its current rank and the
// scheduler picks whichever ready thread (possibly this one again) has
// the best rank.
func (t *Thread) Yield() {
	k := t.k
	k.mu.Lock()
	k.log(klog.Thread).Trace(0, "yield: %s", t.Name())
	t.quantumExpired = false
	k.makeReadyLocked(t)
	k.dispatchLocked(t.cpu)
	k.mu.Unlock()
	<-t.turn
}

// Pass hands the CPU directly to the named thread, bypassing the
// scheduler's rank comparison, the counterpart of Thread::pass(). Pass is
// only honored if to is ready; otherwise it behaves like Yield.
func (t *Thread) Pass(to *Thread) {
	k := t.k
	k.mu.Lock()
	k.makeReadyLocked(t)
	if to.state == StateReady && to.cpu == t.cpu {
		k.dispatchTo(t.cpu, to)
	} else {
		k.dispatchLocked(t.cpu)
	}
	k.mu.Unlock()
	<-t.turn
}

// Suspend removes the thread from scheduling until Resume is called, the
// counterpart of Thread::suspend()/resume(). A thread may suspend itself
// (in which case it blocks until resumed) or suspend another ready
// thread.
func (t *Thread) Suspend() {
	k := t.k
	k.mu.Lock()
	k.log(klog.Thread).Trace(0, "suspend: %s", t.Name())
	k.removeFromQueueLocked(t)
	t.state = StateSuspended
	self := k.runningOn(t.cpu) == t.id
	if self {
		k.dispatchLocked(t.cpu)
	}
	k.mu.Unlock()
	if self {
		<-t.turn
	}
}

// Resume makes a suspended thread ready again.
func (t *Thread) Resume() {
	k := t.k
	k.mu.Lock()
	if t.state == StateSuspended {
		k.makeReadyLocked(t)
		k.maybePreempt(t)
	}
	k.mu.Unlock()
}

// Exit terminates the thread with the given status, the counterpart of
// Thread::exit(): waiting joiners are released and, if this was the last
// non-idle thread, the kernel's shutdown hook (config.Traits.OnShutdown)
// fires.
func (t *Thread) Exit(status int) {
	k := t.k
	k.mu.Lock()
	if t.done {
		k.mu.Unlock()
		return
	}
	k.log(klog.Thread).Trace(0, "exit(%d): %s", status, t.Name())
	t.exitStatus = status
	t.done = true
	t.state = StateFinished
	k.removeFromQueueLocked(t)
	close(t.joinWait)
	last := k.deregister(t)
	k.dispatchLocked(t.cpu)
	k.mu.Unlock()
	if last {
		k.shutdown()
	}
}

// Join blocks until the thread finishes and returns its exit status, the
// counterpart of Thread::join()'s spin-read of *reinterpret_cast<int*>
// (_stack) reimagined as a channel close, which is both simpler and race
// free.
func (t *Thread) Join() int {
	<-t.joinWait
	return t.exitStatus
}

// run is the thread goroutine's entry point. A panic escaping the body is
// the hosted-process stand-in for a CPU exception raised in thread
// context: the thread terminates with ErrExitStatus, delivered to joiners
// exactly as a voluntary Exit would be.
func (t *Thread) run() {
	<-t.turn
	defer func() {
		if r := recover(); r != nil {
			t.k.log(klog.Thread).Error("%s terminated by fault: %v", t.Name(), r)
			t.Exit(ErrExitStatus)
		}
	}()
	t.fn(t)
	t.Exit(0)
}
