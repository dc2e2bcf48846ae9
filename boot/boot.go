// Package boot implements the kernel's startup-time synchronization,
// grounded on original_source's boot_synchronizer.h/.cc: a per-call-site
// arbiter that lets exactly one CPU perform each one-shot initialization
// step during multicore bring-up.
package boot

import (
	"sync"
	"sync/atomic"

	"github.com/epos-rts/tkernel/toposort"
)

// Synchronizer arbitrates one-shot boot tasks across CPUs, the direct
// counterpart of Boot_Synchronizer::try_acquire(): the first CPU to reach
// a given call site wins it and performs that site's initialization,
// every later arrival at the same site loses, and the next call site is
// arbitrated afresh without any reset.
type Synchronizer struct {
	counter []uint32 // per-CPU: how many call sites this CPU has visited
	max     uint32   // how many call sites have been won so far
}

// New constructs an arbiter for the given number of CPUs, the counterpart
// of Boot_Synchronizer's per-CPU counter array sized by
// Traits<Build>::CPUS.
func New(cpus int) *Synchronizer {
	return &Synchronizer{counter: make([]uint32, cpus)}
}

// TryAcquire reports whether the calling CPU is the first to reach the
// current call site, the counterpart of:
//
//	if (++_counter[CPU::id()] > _max) { CPU::finc(_max); return true; }
//	return false;
//
// Each CPU's counter tracks how many sites that CPU has visited; max
// tracks how many sites have been won. A CPU whose visit count exceeds
// the won count is the first arrival at a not-yet-won site and claims it.
// The source's bare finc leaves a window where two CPUs racing into the
// same site could both win; a compare-and-swap on max closes it without
// changing the winner-per-site accounting.
func (s *Synchronizer) TryAcquire(cpu int) bool {
	c := atomic.AddUint32(&s.counter[cpu], 1)
	for {
		m := atomic.LoadUint32(&s.max)
		if c <= m {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.max, m, m+1) {
			return true
		}
	}
}

// Sequencer orders a set of named boot-time initialization steps by their
// declared dependencies, the supplemented-feature counterpart of EPOS's
// fixed INIT_* linker-section ordering (original_source's init_first.cc /
// init_system.cc chain device, CPU, and subsystem initialization in a
// fixed compile-time order; here the order is expressed as a dependency
// graph and resolved at boot time instead, which is friendlier to a
// kernel assembled from independently testable packages).
type Sequencer struct {
	mu     sync.Mutex
	sorter toposort.Sorter
	steps  map[string]func()
}

// NewSequencer constructs an empty boot sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{steps: map[string]func(){}}
}

// Step registers a named initialization function. after lists the names
// of steps that must run before this one; they need not be registered
// yet, matching toposort.Sorter.AddEdge's "implicitly added" nodes.
func (s *Sequencer) Step(name string, after []string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[name] = fn
	s.sorter.AddNode(name)
	for _, dep := range after {
		s.sorter.AddEdge(name, dep)
	}
}

// Run executes every registered step in dependency order. It returns the
// cycles toposort.Sorter.Sort detected, if any; steps participating in a
// cycle still run, in the arbitrary order Sort gives them, the same
// best-effort guarantee the source's documentation gives for malformed
// INIT_* dependency declarations.
func (s *Sequencer) Run() [][]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, cycles := s.sorter.Sort()
	for _, v := range order {
		name := v.(string)
		if fn, ok := s.steps[name]; ok {
			fn()
		}
	}
	return cycles
}
