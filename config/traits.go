// Package config holds the compile-time-style configuration surface of the
// thread kernel, the Go analogue of EPOS's Traits<T> template specializations
// (see original_source/include/*_traits.h). Unlike a C++ template, a Go
// value can't be resolved at compile time per call site, so Traits is built
// once, by value, and passed explicitly to kernel.New instead of being read
// from a global singleton (see design notes on breaking up global mutable
// singletons).
package config

import "time"

// PriorityInversionProtocol selects the algorithm synchronizers use to
// control priority inversion.
type PriorityInversionProtocol int

const (
	// Inheritance boosts a holder to the priority of its highest-priority
	// blocked waiter, transitively, and restores on release.
	Inheritance PriorityInversionProtocol = iota
	// Ceiling raises a holder unconditionally to the synchronizer's
	// configured ceiling on acquisition.
	Ceiling
)

func (p PriorityInversionProtocol) String() string {
	switch p {
	case Inheritance:
		return "inheritance"
	case Ceiling:
		return "ceiling"
	default:
		return "unknown"
	}
}

// Traits carries the kernel's compile-time configuration: CPUs, tick
// frequency, quantum, MaxThreads, default stack size, and the
// priority-inversion algorithm. The scheduling criterion is not part of
// Traits; it is passed to kernel.New separately.
type Traits struct {
	// CPUs is the number of simulated cores the scheduler partitions or
	// shares across (Traits<Machine>::CPUS in the source).
	CPUs int

	// TickHz is the frequency of the tick clock's periodic source.
	TickHz int

	// Quantum is the round-robin time slice (QUANTUM in thread_init.cc),
	// only consulted when the criterion given to kernel.New is Timed() and
	// a tick source is attached.
	Quantum time.Duration

	// MaxThreads bounds the thread arena. Zero means unbounded.
	MaxThreads int

	// DefaultStackSize is used for bookkeeping purposes only: Go
	// goroutines manage their own stacks, but the field is retained so a
	// caller can still reason about the configuration the way the source
	// does, and so Thread.Stats() reports a comparable figure.
	DefaultStackSize int

	// PriorityInversionProtocol selects inheritance or ceiling.
	PriorityInversionProtocol PriorityInversionProtocol

	// Monitored turns on Real_Statistics-equivalent bookkeeping. When
	// false, statistics calls are no-ops, mirroring the source's
	// IF<monitored, Real_Statistics,
	// Dummy_Statistics> selection.
	Monitored bool

	// Reboot records whether the last thread's exit stands for a reboot()
	// or a halt(). The kernel reports it in its shutdown log line; in both
	// cases the action taken is OnShutdown.
	Reboot bool

	// LaxityUpdateHz controls how often LLF/GLLF/PLLF criteria recompute
	// laxity. Zero means "every tick", i.e. as often as TickHz allows.
	LaxityUpdateHz int

	// Debug gates fail-fast termination for documented-as-undefined
	// misuse (recursive lock, unlocking an unheld mutex), mirroring
	// EPOS's debugged build flag. With Debug off those sites log a
	// warning and take the undefined path a release kernel would.
	Debug bool

	// OnShutdown is invoked when the last thread exits. A nil value is a
	// no-op, the hosted-process equivalent of halting with nothing left
	// to do.
	OnShutdown func()
}

// Default returns a Traits value matching EPOS's usual single-core,
// 1 kHz configuration with a 10 ms quantum.
func Default() Traits {
	return Traits{
		CPUs:                      1,
		TickHz:                    1000,
		Quantum:                   10 * time.Millisecond,
		MaxThreads:                256,
		DefaultStackSize:          16 * 1024,
		PriorityInversionProtocol: Inheritance,
		Monitored:                 true,
		Reboot:                    false,
		LaxityUpdateHz:            0,
		Debug:                     true,
	}
}
