package kernel

import (
	"fmt"
	"sync"

	"github.com/epos-rts/tkernel/config"
	"github.com/epos-rts/tkernel/criterion"
	"github.com/epos-rts/tkernel/klog"
	"github.com/epos-rts/tkernel/squeue"
	"github.com/epos-rts/tkernel/tick"
	"github.com/epos-rts/tkernel/timing"
	"github.com/epos-rts/tkernel/uniqueid"
)

// Kernel is one EPOS "machine": a fixed number of CPUs, one scheduling
// criterion, a thread arena and a single global lock serializing every
// scheduling decision, the Go counterpart of the source's collection of
// static/global Thread, Scheduler and Synchronizer state. Unlike the
// source, that state is instance data here rather than process-wide
// globals, so a test can run several independent kernels concurrently.
type Kernel struct {
	id   uniqueid.ID
	cfg  config.Traits
	crit criterion.Criterion

	mu sync.Mutex // the kernel lock: held across every scheduling decision

	sched     *scheduler
	source    tick.Source
	unregTick func()

	threads map[ThreadID]*Thread
	nextID  ThreadID

	running []ThreadID // per-CPU: the thread currently holding that CPU
	idle    []*Thread

	liveNonIdle int
	shutdownMu  sync.Once
	shutdownCh  chan struct{}

	quantumTicks uint64
	rankEvery    uint64 // ticks between dynamic-rank recomputations
	now          uint64 // most recent tick seen by onTick; 0 for an untimed kernel

	// timeline records a flattened, cross-CPU dispatch history when
	// cfg.Monitored, the counterpart of the per-thread Statistics record,
	// built on the same Push/Pop interval-tree
	// abstraction used elsewhere in the ecosystem for request tracing.
	// It collapses every CPU's dispatch events onto one Timer rather
	// than one Timer per CPU, which is a deliberate simplification for
	// a diagnostics feature, not a scheduling input.
	timeline     timing.Timer
	timelineOpen bool
}

// New constructs a Kernel for the given criterion and configuration,
// wiring a tick source the way Thread::init() conditionally installs
// Scheduler_Timer only when Criterion::timed is true. Passing a nil
// source disables time-driven preemption and dynamic-rank recomputation
// entirely, matching a cooperative-only (FCFS-style) build.
func New(cfg config.Traits, crit criterion.Criterion, source tick.Source) *Kernel {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	id, _ := uniqueid.Random()
	k := &Kernel{
		id:         id,
		cfg:        cfg,
		crit:       crit,
		sched:      newScheduler(crit, cfg.CPUs),
		source:     source,
		threads:    map[ThreadID]*Thread{},
		running:    make([]ThreadID, cfg.CPUs),
		idle:       make([]*Thread, cfg.CPUs),
		shutdownCh: make(chan struct{}),
	}
	if cfg.TickHz > 0 {
		k.quantumTicks = uint64(cfg.Quantum.Seconds() * float64(cfg.TickHz))
		if k.quantumTicks == 0 {
			k.quantumTicks = 1
		}
	}
	// LaxityUpdateHz trades laxity accuracy for tick-handler cost: zero
	// recomputes dynamic ranks on every tick, a lower rate recomputes on
	// every TickHz/LaxityUpdateHz-th tick.
	k.rankEvery = 1
	if cfg.LaxityUpdateHz > 0 && cfg.TickHz > cfg.LaxityUpdateHz {
		k.rankEvery = uint64(cfg.TickHz / cfg.LaxityUpdateHz)
	}
	for cpu := 0; cpu < cfg.CPUs; cpu++ {
		k.idle[cpu] = k.spawnIdle(cpu)
	}
	if source != nil && crit.Timed() {
		k.unregTick = source.Register(k.onTick)
	}
	if cfg.Monitored {
		k.timeline = timing.NewCompactTimer(fmt.Sprintf("dispatch %x", k.id))
	}
	return k
}

// ID returns the kernel instance's identity, used to tell concurrent
// kernels apart in the dispatch timeline and the shutdown log — the role
// the source's singleton addresses play for a kernel that can only ever
// exist once per machine.
func (k *Kernel) ID() uniqueid.ID { return k.id }

// Timeline returns a formatted dispatch history accumulated since the
// kernel was created, or the empty string if cfg.Monitored is false.
func (k *Kernel) Timeline() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timeline == nil {
		return ""
	}
	return k.timeline.String()
}

// Close detaches the kernel from its tick source. It does not terminate
// any thread.
func (k *Kernel) Close() {
	if k.unregTick != nil {
		k.unregTick()
	}
	k.mu.Lock()
	if k.timeline != nil {
		k.timeline.Finish()
	}
	k.mu.Unlock()
}

func (k *Kernel) log(c klog.Component) klog.Logger { return klog.For(c) }

// SpawnOptions configures a new thread at creation, the counterpart of
// the arguments to EPOS's Thread constructor plus its RT_Thread
// characteristics.
type SpawnOptions struct {
	Name            string
	Priority        criterion.Rank
	CPU             int
	Characteristics criterion.Characteristics
	Suspended       bool // create in StateSuspended instead of StateReady
}

// Spawn creates a new thread running fn, inserts it into the ready queue
// (unless Suspended is set) and returns it, the counterpart of
// Thread::Thread()'s constructor_prologue/epilogue pair.
func (k *Kernel) Spawn(fn Func, opts SpawnOptions) *Thread {
	k.mu.Lock()
	if k.cfg.MaxThreads > 0 && k.liveNonIdle >= k.cfg.MaxThreads {
		k.mu.Unlock()
		k.log(klog.Thread).Fatal("thread arena exhausted: %d live threads, MaxThreads=%d", k.liveNonIdle, k.cfg.MaxThreads)
	}
	k.nextID++
	id := k.nextID
	t := &Thread{
		id:           id,
		k:            k,
		name:         opts.Name,
		cpu:          opts.CPU % k.cfg.CPUs,
		fn:           fn,
		turn:         make(chan struct{}, 1),
		basePriority: opts.Priority,
		rank:         opts.Priority,
		chars:        opts.Characteristics,
		held:         map[*heldSync]struct{}{},
		joinWait:     make(chan struct{}),
	}
	t.periodStartTick = k.now
	if window := deadlineWindow(t.chars); window > 0 {
		t.deadlineTick = t.periodStartTick + window
	}
	if k.cfg.Monitored {
		t.stats.CreatedTick = k.now
		t.stats.StackSize = k.cfg.DefaultStackSize
	}
	t.rank = k.crit.Handle(criterion.EventCreate, criterion.Context{
		Rank:            t.rank,
		Characteristics: t.chars,
		CPU:             t.cpu,
	})
	k.threads[id] = t
	k.liveNonIdle++
	k.log(klog.Thread).Trace(0, "create: %s rank=%d", t.Name(), t.rank)

	go t.run()

	if opts.Suspended {
		t.state = StateSuspended
	} else {
		k.makeReadyLocked(t)
		k.maybePreempt(t)
	}
	k.mu.Unlock()
	return t
}

// deadlineWindow returns how many ticks after a job is released its
// deadline falls, the RT_Common convention of falling back to Period
// when Deadline is left unset (an implicit deadline == period task).
func deadlineWindow(chars criterion.Characteristics) uint64 {
	if chars.Deadline > 0 {
		return chars.Deadline
	}
	return chars.Period
}

func (k *Kernel) spawnIdle(cpu int) *Thread {
	k.nextID++
	id := k.nextID
	t := &Thread{
		id:   id,
		k:    k,
		name: "idle",
		cpu:  cpu,
		turn: make(chan struct{}, 1),
		rank: criterion.Idle,
		held: map[*heldSync]struct{}{},
	}
	t.fn = func(self *Thread) {
		for {
			select {
			case <-k.shutdownCh:
				return
			default:
			}
			self.Yield()
		}
	}
	k.threads[id] = t
	k.running[cpu] = id
	t.state = StateRunning
	go t.run()
	return t
}

// runningOn returns the ID of the thread currently holding cpu.
func (k *Kernel) runningOn(cpu int) ThreadID { return k.running[cpu] }

// makeReadyLocked transitions t to Ready and inserts it into its CPU's
// queue at its current rank. Caller holds k.mu.
func (k *Kernel) makeReadyLocked(t *Thread) {
	if t.state == StateFinished {
		return
	}
	if t.state == StateRunning && k.cfg.Monitored {
		t.stats.LastPreemption = k.now
	}
	t.state = StateReady
	k.sched.insert(t.cpu, squeue.ID(t.id), t.rank)
}

// removeFromQueueLocked drops t from whatever ready queue it might be in.
// Safe to call unconditionally. Caller holds k.mu.
func (k *Kernel) removeFromQueueLocked(t *Thread) {
	k.sched.remove(t.cpu, squeue.ID(t.id))
}

// reorder re-inserts t at its current rank if it is presently queued,
// used after a priority change. Caller holds k.mu.
func (k *Kernel) reorder(t *Thread) {
	if t.state == StateReady {
		k.sched.insert(t.cpu, squeue.ID(t.id), t.rank)
	}
}

// dispatchLocked picks the best-ranked ready thread for cpu and hands it
// the CPU, parking the previously running thread (if any and if it's
// still alive) back in Ready first. Caller holds k.mu; caller must not
// itself be the thread that just got the CPU without also receiving on
// its own turn channel.
func (k *Kernel) dispatchLocked(cpu int) {
	id, ok := k.sched.chosen(cpu)
	var next *Thread
	if ok {
		next = k.threads[ThreadID(id)]
		k.sched.remove(cpu, id)
	} else {
		next = k.idle[cpu]
	}
	k.dispatchTo(cpu, next)
}

// dispatchTo unconditionally hands cpu to next, the counterpart of
// Thread::dispatch()'s call into CPU::switch_context.
func (k *Kernel) dispatchTo(cpu int, next *Thread) {
	if next.state == StateReady {
		k.sched.remove(cpu, squeue.ID(next.id))
	}
	next.state = StateRunning
	k.running[cpu] = next.id
	if k.cfg.Monitored {
		next.stats.LastDispatch = k.now
		next.stats.Dispatches++
	}
	k.log(klog.Scheduler).Trace(0, "dispatch: cpu=%d -> %s rank=%d", cpu, next.Name(), next.rank)
	if k.timeline != nil {
		if k.timelineOpen {
			k.timeline.Pop()
		}
		k.timeline.Push(fmt.Sprintf("cpu%d:%s", cpu, next.Name()))
		k.timelineOpen = true
	}
	select {
	case next.turn <- struct{}{}:
	default:
		// already has a pending turn signal; nothing to do.
	}
}

// maybePreempt checks whether t, having just become ready, should take
// t's CPU immediately. original_source forces this unconditionally —
// "if (ready->rank() < running->rank()) dispatch(ready)" — because a CPU
// interrupt can suspend the running thread's instruction stream at any
// point. Go has no equivalent: a goroutine cannot be paused from outside
// itself, so handing t's turn channel a token while the resident thread's
// goroutine is still mid-body would run both bodies concurrently on what
// the kernel's bookkeeping believes is one CPU. The only resident thread
// that is provably not mid-body is the idle thread, whose entire body is
// a tight, side-effect-free Yield loop of our own construction — so that
// is the only case maybePreempt may act on immediately. Against any other
// resident thread, t simply waits in the ready queue; that thread's own
// next Yield/Lock/P/Wait call (or the idle thread noticing on a CPU that
// later goes idle) is what actually hands it the CPU. See DESIGN.md.
func (k *Kernel) maybePreempt(t *Thread) {
	if !k.crit.Preemptive() {
		return
	}
	cpu := t.cpu
	runningID := k.running[cpu]
	running := k.threads[runningID]
	if running == nil || running.id == t.id {
		return
	}
	if running.id != k.idle[cpu].id {
		return
	}
	if t.rank < running.rank {
		k.makeReadyLocked(running)
		k.dispatchTo(cpu, t)
	}
}

// deregister removes a finished thread from the arena's live accounting
// and reports whether it was the last non-idle thread, the counterpart of
// Thread::exit()'s check against Thread::_thread_count.
func (k *Kernel) deregister(t *Thread) bool {
	k.liveNonIdle--
	return k.liveNonIdle == 0
}

// shutdown fires once, after the kernel lock has been released, when the
// last non-idle thread exits, the counterpart of Thread::exit()'s
// reboot()/halt() call.
func (k *Kernel) shutdown() {
	k.shutdownMu.Do(func() {
		close(k.shutdownCh)
		k.log(klog.Thread).Info("kernel %x: last thread exited, reboot=%v", k.id, k.cfg.Reboot)
		if k.cfg.OnShutdown != nil {
			k.cfg.OnShutdown()
		}
	})
}

// onTick is the kernel's tick handler: it advances the running quantum
// counters and, for dynamic criteria, recomputes ranks, the counterpart
// of Thread::time_slicer() chained off the Scheduler_Timer ISR.
func (k *Kernel) onTick(now uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
	recompute := now%k.rankEvery == 0

	for cpu := 0; cpu < k.cfg.CPUs; cpu++ {
		running := k.threads[k.running[cpu]]
		if running == nil || running.id == k.idle[cpu].id {
			continue
		}
		running.consumedTicks++
		if k.cfg.Monitored {
			running.stats.ExecutedTicks++
		}

		if recompute && running.chars.Period > 0 {
			ttd := uint64(0)
			if now < running.deadlineTick {
				ttd = running.deadlineTick - now
			}
			newRank := k.crit.Handle(criterion.EventTick, criterion.Context{
				Rank:            running.rank,
				Characteristics: running.chars,
				ConsumedTicks:   running.consumedTicks,
				TicksToDeadline: ttd,
				CPU:             cpu,
			})
			running.rank = newRank
		}

		if k.quantumTicks > 0 && running.consumedTicks >= k.quantumTicks {
			// A real Scheduler_Timer ISR would force a context switch here.
			// onTick runs on the tick source's own goroutine, not running's,
			// so it cannot safely do that (see maybePreempt). It can only
			// flag the overrun; rotation happens when running next reaches
			// one of its own safepoints (Yield, Lock, P, Wait), which is
			// where RR-scheduled code is expected to call Yield periodically
			// rather than run unbounded between kernel calls.
			running.consumedTicks = 0
			running.quantumExpired = true
			k.log(klog.Scheduler).Trace(1, "quantum expired: %s (advisory, rotates at next safepoint)", running.Name())
		}
	}

	if recompute {
		k.recomputeWaitingRanksLocked(now)
	}
	k.preemptAllLocked()
}

// recomputeWaitingRanksLocked updates the dynamic rank of every ready
// (not running) real-time thread, reinserting it at its new rank, the
// counterpart of EDF/LLF recomputing deadlines each tick for threads
// still waiting to be dispatched.
func (k *Kernel) recomputeWaitingRanksLocked(now uint64) {
	if k.crit.Queueable() {
		return
	}
	for _, t := range k.threads {
		if t.state != StateReady || t.chars.Period == 0 {
			continue
		}
		ttd := uint64(0)
		if now < t.deadlineTick {
			ttd = t.deadlineTick - now
		}
		newRank := k.crit.Handle(criterion.EventTick, criterion.Context{
			Rank:            t.rank,
			Characteristics: t.chars,
			ConsumedTicks:   t.consumedTicks,
			TicksToDeadline: ttd,
			CPU:             t.cpu,
		})
		if newRank != t.rank {
			t.rank = newRank
			k.sched.insert(t.cpu, squeue.ID(t.id), t.rank)
		}
	}
}

// preemptAllLocked re-checks every CPU after a batch of rank updates,
// since a dynamic-rank recomputation can make a previously-losing ready
// thread more urgent than whatever is currently running. Per maybePreempt,
// only a CPU currently occupied by the idle thread can be reassigned from
// here; any other CPU's resident thread picks up the new best candidate
// at its own next safepoint.
func (k *Kernel) preemptAllLocked() {
	if !k.crit.Preemptive() {
		return
	}
	for cpu := 0; cpu < k.cfg.CPUs; cpu++ {
		running := k.threads[k.running[cpu]]
		if running == nil || running.id != k.idle[cpu].id {
			continue
		}
		id, ok := k.sched.chosen(cpu)
		if !ok {
			continue
		}
		best := k.threads[ThreadID(id)]
		if best.rank < running.rank {
			k.sched.remove(cpu, id)
			k.makeReadyLocked(running)
			k.dispatchTo(cpu, best)
		}
	}
}
