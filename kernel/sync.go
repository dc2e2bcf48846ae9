package kernel

import (
	"github.com/epos-rts/tkernel/config"
	"github.com/epos-rts/tkernel/criterion"
	"github.com/epos-rts/tkernel/klog"
	"github.com/epos-rts/tkernel/squeue"
)

// blocker is implemented by every synchronizer a thread can park on. It
// lets the kernel walk and cascade a priority boost along an arbitrary
// chain of nested synchronizers without each synchronizer type knowing
// about the others, the same decoupling nsync's waiter achieves by
// keeping a back-pointer (cvMu) rather than a concrete Mu/CV union.
type blocker interface {
	reinsertWaiter(t *Thread)
	holderThread() *Thread
	name() string
}

// restoreLocked recomputes t's effective rank from its base priority and
// whatever boosts the synchronizers it currently holds require, the
// counterpart of the source's Thread::priority() recalculation inside
// Synchronizer_Common's lock_for_releasing. If the rank changes and t is
// itself blocked on another synchronizer, the boost cascades to that
// synchronizer's holder, the transitive behavior priority inheritance
// requires across nested mutexes.
func (k *Kernel) restoreLocked(t *Thread) {
	best := t.basePriority
	for hs := range t.held {
		if r, ok := hs.boost(); ok && r < best {
			best = r
		}
	}
	if best == t.rank {
		return
	}
	t.rank = best
	t.boosted = best != t.basePriority
	k.reorder(t)
	k.log(klog.Synchronizer).Trace(0, "boost: %s -> rank=%d", t.Name(), t.rank)

	if t.state == StateWaiting && t.waitingOn != nil {
		t.waitingOn.reinsertWaiter(t)
		if holder := t.waitingOn.holderThread(); holder != nil {
			k.restoreLocked(holder)
		}
	}
}

// drainWaitersLocked wakes every thread blocked on q, the shared tail of
// ~Synchronizer_Common: destroying a synchronizer with blocked waiters
// releases them all (they observe a spurious wake and must re-check
// whatever condition they were waiting for) and logs a warning. Caller
// holds k.mu.
func (k *Kernel) drainWaitersLocked(q *squeue.List, name string) {
	woken := 0
	for {
		id, ok := q.Chosen()
		if !ok {
			break
		}
		q.Remove(id)
		t := k.threads[ThreadID(id)]
		t.waitingOn = nil
		k.makeReadyLocked(t)
		woken++
	}
	if woken > 0 {
		k.log(klog.Synchronizer).Warning("destroying %s with %d blocked waiters", name, woken)
		k.preemptAllLocked()
	}
}

// ---- Mutex -----------------------------------------------------------

// Mutex is a binary lock with priority-inversion control, the counterpart
// of original_source's Mutex (a Synchronizer_Common specialization with a
// single granted holder). The inversion-control algorithm is fixed at
// construction: inheritance transiently boosts the holder to the best
// rank among its blocked waiters, ceiling unconditionally boosts the
// holder to the mutex's configured ceiling while held.
type Mutex struct {
	k        *Kernel
	nm       string
	protocol config.PriorityInversionProtocol
	ceiling  criterion.Rank

	holder  *Thread
	holding *heldSync
	waiting *squeue.List
}

// MutexOption configures a Mutex at construction.
type MutexOption func(*Mutex)

// WithCeiling sets the priority-ceiling rank this mutex boosts its holder
// to while held, and switches this mutex to the Ceiling protocol
// regardless of the kernel's configured default. Ceiling values and
// protocol scope are per-resource, not global: rather than one
// ceiling/protocol shared by every synchronizer,
// each resource carries its own, set by whoever creates it (typically the
// system integrator, who knows the highest priority among the resource's
// potential lockers).
func WithCeiling(rank criterion.Rank) MutexOption {
	return func(m *Mutex) {
		m.ceiling = rank
		m.protocol = config.Ceiling
	}
}

// WithName attaches a debug name used in trace output.
func WithName(name string) MutexOption {
	return func(m *Mutex) { m.nm = name }
}

// NewMutex constructs an unlocked mutex using the kernel's configured
// priority-inversion protocol.
func (k *Kernel) NewMutex(opts ...MutexOption) *Mutex {
	m := &Mutex{
		k:        k,
		protocol: k.cfg.PriorityInversionProtocol,
		ceiling:  criterion.Ceiling,
		waiting:  squeue.NewList(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mutex) name() string {
	if m.nm != "" {
		return m.nm
	}
	return "mutex"
}

func (m *Mutex) holderThread() *Thread { return m.holder }

func (m *Mutex) reinsertWaiter(t *Thread) {
	m.waiting.Insert(squeue.ID(t.id), t.rank)
}

// Lock acquires the mutex, blocking if already held, the counterpart of
// Mutex::lock(). Priority inheritance/ceiling is applied while the caller
// waits or, for Ceiling, immediately upon acquisition.
func (m *Mutex) Lock(t *Thread) {
	k := m.k
	k.mu.Lock()
	if m.holder == nil {
		m.grantLocked(t)
		k.mu.Unlock()
		return
	}
	if m.holder == t {
		// Undefined per the synchronizer contract. A debug build fails
		// fast; a release build takes the silent path a real kernel
		// would: the holder blocks on itself and deadlocks.
		if k.cfg.Debug {
			k.mu.Unlock()
			k.log(klog.Synchronizer).Fatal("recursive lock of %s by %s", m.name(), t.Name())
			return
		}
		k.log(klog.Synchronizer).Warning("recursive lock of %s by %s", m.name(), t.Name())
	}
	k.log(klog.Synchronizer).Trace(0, "block: %s on %s", t.Name(), m.name())
	t.state = StateWaiting
	t.waitingOn = m
	m.waiting.Insert(squeue.ID(t.id), t.rank)
	if m.protocol == config.Inheritance {
		k.restoreLocked(m.holder)
	}
	k.dispatchLocked(t.cpu)
	k.mu.Unlock()
	<-t.turn
}

// TryLock attempts to acquire the mutex without blocking, the counterpart
// of Mutex's non-blocking fast path used by lock_for_acquiring checks.
func (m *Mutex) TryLock(t *Thread) bool {
	k := m.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if m.holder != nil {
		return false
	}
	m.grantLocked(t)
	return true
}

func (m *Mutex) grantLocked(t *Thread) {
	m.holder = t
	hs := &heldSync{name: m.name()}
	hs.boost = func() (criterion.Rank, bool) {
		if m.holder != t {
			return 0, false
		}
		switch m.protocol {
		case config.Ceiling:
			return m.ceiling, true
		default:
			if id, ok := m.waiting.Chosen(); ok {
				rank, _ := m.waiting.RankOf(id)
				return rank, true
			}
			return 0, false
		}
	}
	t.held[hs] = struct{}{}
	m.holding = hs
	m.k.restoreLocked(t)
}

// Unlock releases the mutex, waking the best-ranked waiter (if any) and
// restoring the releaser's priority, the counterpart of Mutex::unlock()'s
// lock_for_releasing/wakeup pair.
func (m *Mutex) Unlock(t *Thread) {
	k := m.k
	k.mu.Lock()
	if m.holder != t {
		// Undefined per the synchronizer contract: fail fast in a debug
		// build, warn and leave the mutex untouched otherwise.
		k.mu.Unlock()
		if k.cfg.Debug {
			k.log(klog.Synchronizer).Fatal("unlock of %s by non-holder %s", m.name(), t.Name())
			return
		}
		k.log(klog.Synchronizer).Warning("unlock of %s by non-holder %s", m.name(), t.Name())
		return
	}
	delete(t.held, m.holding)
	m.holding = nil
	m.holder = nil
	k.restoreLocked(t)

	if id, ok := m.waiting.Chosen(); ok {
		m.waiting.Remove(id)
		next := k.threads[ThreadID(id)]
		next.waitingOn = nil
		m.grantLocked(next)
		k.makeReadyLocked(next)
		k.maybePreempt(next)
	}
	k.mu.Unlock()
}

// Close destroys the mutex: any blocked waiters are woken spuriously
// (Lock returns without the caller holding the mutex; they must retry)
// and a warning is logged, mirroring ~Synchronizer_Common's
// wakeup_all()/db<Synchronizer>(WRN) pair. The mutex must not be used
// after Close.
func (m *Mutex) Close() {
	k := m.k
	k.mu.Lock()
	if m.holder != nil {
		delete(m.holder.held, m.holding)
		k.restoreLocked(m.holder)
		m.holder = nil
		m.holding = nil
	}
	k.drainWaitersLocked(m.waiting, m.name())
	k.mu.Unlock()
}

// ---- Semaphore --------------------------------------------------------

// Semaphore is a counting synchronizer, the counterpart of
// original_source's Semaphore (P/V on an integer count with a FIFO/ranked
// waiting list). Semaphores do not participate in priority inheritance in
// the source (only Mutex does, since a semaphore has no single "holder"
// to boost once its count exceeds one) and this implementation preserves
// that: V() always simply wakes the best-ranked waiter.
type Semaphore struct {
	k       *Kernel
	nm      string
	count   int
	waiting *squeue.List
}

// NewSemaphore constructs a counting semaphore starting at value.
func (k *Kernel) NewSemaphore(value int, name string) *Semaphore {
	return &Semaphore{k: k, nm: name, count: value, waiting: squeue.NewList()}
}

func (s *Semaphore) name() string {
	if s.nm != "" {
		return s.nm
	}
	return "semaphore"
}

// P decrements the semaphore, blocking the caller if the count is
// already zero, the counterpart of Semaphore::p().
func (s *Semaphore) P(t *Thread) {
	k := s.k
	k.mu.Lock()
	if s.count > 0 {
		s.count--
		k.mu.Unlock()
		return
	}
	t.state = StateWaiting
	t.waitingOn = s
	s.waiting.Insert(squeue.ID(t.id), t.rank)
	k.dispatchLocked(t.cpu)
	k.mu.Unlock()
	<-t.turn
}

func (s *Semaphore) reinsertWaiter(t *Thread) { s.waiting.Insert(squeue.ID(t.id), t.rank) }
func (s *Semaphore) holderThread() *Thread    { return nil }

// V increments the semaphore, waking the best-ranked waiter if one is
// blocked, the counterpart of Semaphore::v().
func (s *Semaphore) V(t *Thread) {
	k := s.k
	k.mu.Lock()
	if id, ok := s.waiting.Chosen(); ok {
		s.waiting.Remove(id)
		next := k.threads[ThreadID(id)]
		next.waitingOn = nil
		k.makeReadyLocked(next)
		k.maybePreempt(next)
	} else {
		s.count++
	}
	k.mu.Unlock()
}

// Value returns the semaphore's current count (for tests/diagnostics
// only; EPOS has no public accessor, but exposing one non-destructively
// doesn't change observable synchronization behavior).
func (s *Semaphore) Value() int {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.count
}

// Close destroys the semaphore, waking every blocked waiter spuriously
// and logging a warning, the same ~Synchronizer_Common semantics Mutex.
// Close carries.
func (s *Semaphore) Close() {
	k := s.k
	k.mu.Lock()
	k.drainWaitersLocked(s.waiting, s.name())
	k.mu.Unlock()
}

// ---- Condition ---------------------------------------------------------

// Condition is a condition variable associated with a Mutex, the
// counterpart of original_source's Condition plus the POSIX-style
// wait/associated-lock convention nsync's CV also follows (cv.go's
// Wait(mu) releases mu for the duration of the wait and reacquires it
// before returning).
type Condition struct {
	k       *Kernel
	nm      string
	waiting *squeue.List
}

// NewCondition constructs a condition variable.
func (k *Kernel) NewCondition(name string) *Condition {
	return &Condition{k: k, nm: name, waiting: squeue.NewList()}
}

func (c *Condition) name() string {
	if c.nm != "" {
		return c.nm
	}
	return "condition"
}

func (c *Condition) reinsertWaiter(t *Thread) { c.waiting.Insert(squeue.ID(t.id), t.rank) }
func (c *Condition) holderThread() *Thread    { return nil }

// Wait releases mu, blocks until Signal or Broadcast wakes this thread,
// then reacquires mu before returning.
func (c *Condition) Wait(t *Thread, mu *Mutex) {
	mu.Unlock(t)

	k := c.k
	k.mu.Lock()
	t.state = StateWaiting
	t.waitingOn = c
	c.waiting.Insert(squeue.ID(t.id), t.rank)
	k.dispatchLocked(t.cpu)
	k.mu.Unlock()
	<-t.turn

	mu.Lock(t)
}

// Signal wakes at most one waiter, the best-ranked one, the counterpart
// of Condition::signal().
func (c *Condition) Signal() {
	k := c.k
	k.mu.Lock()
	if id, ok := c.waiting.Chosen(); ok {
		c.waiting.Remove(id)
		next := k.threads[ThreadID(id)]
		next.waitingOn = nil
		k.makeReadyLocked(next)
		k.maybePreempt(next)
	}
	k.mu.Unlock()
}

// Broadcast wakes every waiter, the counterpart of Condition::broadcast().
func (c *Condition) Broadcast() {
	k := c.k
	k.mu.Lock()
	for {
		id, ok := c.waiting.Chosen()
		if !ok {
			break
		}
		c.waiting.Remove(id)
		next := k.threads[ThreadID(id)]
		next.waitingOn = nil
		k.makeReadyLocked(next)
	}
	k.preemptAllLocked()
	k.mu.Unlock()
}

// Close destroys the condition variable, waking every waiter spuriously
// and logging a warning. Woken waiters reacquire their mutex and return
// from Wait as if signaled; callers following the usual re-check-loop
// convention observe nothing unusual beyond the warning.
func (c *Condition) Close() {
	k := c.k
	k.mu.Lock()
	k.drainWaitersLocked(c.waiting, c.name())
	k.mu.Unlock()
}
