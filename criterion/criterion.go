// Package criterion implements the scheduling criteria, adapted from
// original_source/include/scheduler.h's Scheduling_Criterion_Common
// hierarchy (Priority, RR, FCFS, RT_Common, RM, DM, LM, EDF, LLF, GLLF,
// PLLF). Where the source's handle() bodies for RT_Common/EDF/LLF were not
// available in the retrieved slice, behavior is reconstructed from the
// documented semantics of each criterion (see DESIGN.md).
package criterion

// Rank orders threads within a ready queue; smaller values run first. It is
// the Go counterpart of Scheduling_Criterion_Common's int value, and keeps
// the sign convention: Ceiling < Main < High < Normal < Low < Idle. The
// Normal/Low/Idle values carry over the source's bit-width derivation
// ((1 << (sizeof(int)*8 - 3)) - 1 and up, for a 32-bit int), so each of
// the three values is roughly double the one before it.
type Rank int

const (
	// Ceiling is the lowest (most urgent) possible rank, used transiently
	// by the priority-ceiling protocol to guarantee a holder preempts
	// every other ready thread.
	Ceiling Rank = -1000
	// Main is the rank given to the bootstrap task's thread.
	Main Rank = -1
	// High is the default rank for interrupt-handling and other
	// latency-sensitive system threads.
	High Rank = 0
	// Normal is the default rank for ordinary application threads.
	Normal Rank = 1<<29 - 1
	// Low is the default rank for background threads.
	Low Rank = 1<<30 - 1
	// Idle is the highest (least urgent) rank, reserved for each CPU's
	// idle thread so it never preempts real work.
	Idle Rank = 1<<31 - 1
)

// Event identifies the lifecycle transitions a criterion's Handle method
// reacts to, mirroring Scheduling_Criterion_Common::Event's bitmask.
type Event int

const (
	EventCreate Event = 1 << iota
	EventFinish
	EventTick
	EventEnter      // the thread just became the one running on its CPU
	EventLeave      // the thread just stopped running on its CPU
	EventJobRelease // a periodic thread's next job instance was released
	EventJobFinish  // a periodic thread's current job instance completed
	EventUpdate     // periodic recomputation, e.g. laxity
)

// Has reports whether e includes the bit for sub.
func (e Event) Has(sub Event) bool { return e&sub != 0 }

// Characteristics are the static, per-thread parameters a real-time
// criterion needs to compute dynamic rank: period, deadline relative to
// period start, and worst-case execution time, matching RT_Common's
// constructor arguments in the source.
type Characteristics struct {
	Period        uint64 // ticks; 0 means aperiodic
	Deadline      uint64 // ticks from period start; 0 means == Period
	ExecutionTime uint64 // ticks of CPU time budgeted per period
}

// Context is what a criterion needs at Handle() time about the thread it
// concerns: its current rank, its static characteristics, and how much
// execution time it has consumed and how many ticks remain until its
// current deadline. The kernel (package kernel) owns these fields per
// thread and passes a snapshot in; Handle returns the new rank.
type Context struct {
	Rank            Rank
	Characteristics Characteristics
	ConsumedTicks   uint64 // CPU time used within the current period
	TicksToDeadline uint64 // ticks remaining until the absolute deadline
	CPU             int    // CPU this thread is assigned or bound to
}

// Criterion is the strategy interface the kernel drives. Queueable
// reports whether threads under this criterion sit in a single ordered
// queue (true) or need the dynamic per-tick rank recomputation that EDF,
// LLF, GLLF and PLLF require (false, in which case Periodic/timed is also
// true). Timed reports whether the round-robin time slicer must be armed.
type Criterion interface {
	Name() string
	Queueable() bool
	Timed() bool
	Preemptive() bool
	// Handle computes the rank to apply for the given event, given the
	// thread's current context. It must be pure: no criterion may read
	// or write shared state outside of what's passed in, since the kernel
	// calls Handle while holding its kernel-wide lock.
	Handle(ev Event, ctx Context) Rank
}

// static is embedded by the non-real-time criteria (Priority, RR, FCFS) to
// supply the common Queueable/Timed/Preemptive answers without repeating
// them in every type, the same economy the source gets from inheriting
// Scheduling_Criterion_Common.
type static struct {
	name       string
	timed      bool
	preemptive bool
}

func (s static) Name() string     { return s.name }
func (s static) Queueable() bool  { return true }
func (s static) Timed() bool      { return s.timed }
func (s static) Preemptive() bool { return s.preemptive }

// Priority is the plain fixed-priority criterion: rank never changes after
// creation except via explicit Thread.SetPriority/inheritance/ceiling.
type Priority struct{ static }

// NewPriority constructs the fixed-priority criterion. preemptive controls
// whether a thread becoming ready with a better rank than the running
// thread forces an immediate reschedule.
func NewPriority(preemptive bool) Priority {
	return Priority{static{name: "Priority", timed: false, preemptive: preemptive}}
}

func (Priority) Handle(ev Event, ctx Context) Rank { return ctx.Rank }

// RR is round-robin: same fixed rank as Priority for ordering purposes, but
// Timed() is true so the scheduler arms the quantum timer and rotates
// threads of equal rank on expiry.
type RR struct{ static }

// NewRR constructs the round-robin criterion.
func NewRR() RR {
	return RR{static{name: "RR", timed: true, preemptive: true}}
}

func (RR) Handle(ev Event, ctx Context) Rank { return ctx.Rank }

// FCFS (first-come-first-served) ranks threads by creation order: rank is
// assigned once at EventCreate to a monotonically increasing counter and
// never changes, so ties never occur and queue order is arrival order.
type FCFS struct {
	static
	next *int64
}

// NewFCFS constructs the FCFS criterion. Each criterion instance owns its
// own arrival counter, the same way Scheduling_List<FCFS> owns a static
// counter per list in the source.
func NewFCFS() *FCFS {
	var n int64
	return &FCFS{static: static{name: "FCFS", timed: false, preemptive: false}, next: &n}
}

func (f *FCFS) Handle(ev Event, ctx Context) Rank {
	if ev.Has(EventCreate) {
		*f.next++
		return Rank(*f.next)
	}
	return ctx.Rank
}

// rtStatic is embedded by the real-time criteria; all of them are timed
// (they need tick-driven deadline tracking) and preemptive (a thread
// becoming more urgent always preempts).
type rtStatic struct{ name string }

func (r rtStatic) Name() string     { return r.name }
func (r rtStatic) Timed() bool      { return true }
func (r rtStatic) Preemptive() bool { return true }

// RM (Rate Monotonic) assigns rank equal to period: shorter period is more
// urgent, fixed for the thread's lifetime.
type RM struct{ rtStatic }

func NewRM() RM { return RM{rtStatic{"RM"}} }

func (RM) Queueable() bool { return true }

func (RM) Handle(ev Event, ctx Context) Rank {
	if ev.Has(EventCreate) {
		return Rank(ctx.Characteristics.Period)
	}
	return ctx.Rank
}

// DM (Deadline Monotonic) assigns rank equal to the relative deadline,
// fixed for the thread's lifetime; reduces to RM when Deadline == Period.
type DM struct{ rtStatic }

func NewDM() DM { return DM{rtStatic{"DM"}} }

func (DM) Queueable() bool { return true }

func (DM) Handle(ev Event, ctx Context) Rank {
	if ev.Has(EventCreate) {
		d := ctx.Characteristics.Deadline
		if d == 0 {
			d = ctx.Characteristics.Period
		}
		return Rank(d)
	}
	return ctx.Rank
}

// LM (Laxity Monotonic) assigns rank equal to the static laxity (relative
// deadline minus execution time), fixed for the thread's lifetime.
type LM struct{ rtStatic }

func NewLM() LM { return LM{rtStatic{"LM"}} }

func (LM) Queueable() bool { return true }

func (LM) Handle(ev Event, ctx Context) Rank {
	if ev.Has(EventCreate) {
		d := ctx.Characteristics.Deadline
		if d == 0 {
			d = ctx.Characteristics.Period
		}
		laxity := int64(d) - int64(ctx.Characteristics.ExecutionTime)
		return Rank(laxity)
	}
	return ctx.Rank
}

// EDF (Earliest Deadline First) is dynamic: rank is the absolute number of
// ticks remaining until the thread's current deadline, recomputed on every
// EventUpdate/EventTick so the ready queue always reflects the currently
// most urgent deadline. Not Queueable: the scheduler must re-rank on every
// tick rather than relying on a single insertion-time rank.
type EDF struct{ rtStatic }

func NewEDF() EDF { return EDF{rtStatic{"EDF"}} }

func (EDF) Queueable() bool { return false }

func (EDF) Handle(ev Event, ctx Context) Rank {
	switch {
	case ev.Has(EventCreate):
		d := ctx.Characteristics.Deadline
		if d == 0 {
			d = ctx.Characteristics.Period
		}
		return Rank(d)
	case ev.Has(EventTick), ev.Has(EventUpdate), ev.Has(EventJobRelease):
		return Rank(ctx.TicksToDeadline)
	default:
		return ctx.Rank
	}
}

// LLF (Least Laxity First) is dynamic: rank is the thread's current laxity,
// ticks-to-deadline minus remaining execution time, which shrinks as a
// lower-priority thread runs and the deadline approaches. This is the
// criterion most prone to thrashing (two threads with near-equal laxity
// swapping ranks every tick), which is why the update frequency is left
// as a tunable (config.Traits.LaxityUpdateHz) rather than a fixed
// every-tick recomputation.
type LLF struct{ rtStatic }

func NewLLF() LLF { return LLF{rtStatic{"LLF"}} }

func (LLF) Queueable() bool { return false }

func (LLF) Handle(ev Event, ctx Context) Rank {
	switch {
	case ev.Has(EventCreate):
		d := ctx.Characteristics.Deadline
		if d == 0 {
			d = ctx.Characteristics.Period
		}
		laxity := int64(d) - int64(ctx.Characteristics.ExecutionTime)
		return Rank(laxity)
	case ev.Has(EventTick), ev.Has(EventUpdate), ev.Has(EventJobRelease):
		remaining := int64(ctx.Characteristics.ExecutionTime) - int64(ctx.ConsumedTicks)
		if remaining < 0 {
			remaining = 0
		}
		laxity := int64(ctx.TicksToDeadline) - remaining
		return Rank(laxity)
	default:
		return ctx.Rank
	}
}

// GLLF (Global LLF) reuses LLF's rank computation; the distinction from
// LLF is structural, not arithmetic: squeue schedules GLLF threads from a
// single shared queue across every CPU (a multihead scheduler) instead of
// one ready queue per CPU, matching the global-vs-partitioned scheduler
// distinction below.
type GLLF struct{ LLF }

func NewGLLF() GLLF { return GLLF{NewLLF()} }

func (g GLLF) Name() string { return "GLLF" }

// PLLF (Partitioned LLF) also reuses LLF's rank arithmetic; CPU affinity
// assignment (which ready queue a thread's rank is tracked in) is the
// scheduler's responsibility, driven by Context.CPU, not the criterion's.
type PLLF struct{ LLF }

func NewPLLF() PLLF { return PLLF{NewLLF()} }

func (p PLLF) Name() string { return "PLLF" }
