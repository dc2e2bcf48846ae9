// Package alarm implements the periodic/one-shot alarm service, grounded
// on original_source/src/api/alarm.cc and alarm_init.cc: an
// Alarm fires a handler every Period ticks, Times times (or forever), and
// the Service amortizes tick-ISR work by only waking the single
// next-to-fire alarm rather than scanning every registered alarm on every
// tick.
package alarm

import (
	"container/heap"
	"sync"

	"golang.org/x/time/rate"

	"github.com/epos-rts/tkernel/tick"
)

// Infinite marks an alarm that never exhausts its Times count, the
// counterpart of the source's INFINITE sentinel for Alarm::_times.
const Infinite = ^uint64(0)

// Handler is invoked when an alarm fires. It runs synchronously on the
// tick source's goroutine, the same constraint tick.Handler carries, so it
// must not block.
type Handler func(a *Alarm)

// Alarm is a single-shot or periodic timer. Matches the source's Alarm
// class: constructed with a period, a handler and a fire count, it
// self-reschedules on the Service's ordered queue until its count is
// exhausted or it is cancelled.
type Alarm struct {
	period  uint64
	handler Handler
	times   uint64 // remaining invocations; Infinite never decrements

	svc    *Service
	next   uint64 // absolute tick at which this alarm next fires
	index  int    // heap index, maintained by container/heap
	active bool
}

// Period returns the alarm's period in ticks.
func (a *Alarm) Period() uint64 { return a.period }

// Remaining returns how many more times the alarm will fire (Infinite if
// unbounded).
func (a *Alarm) Remaining() uint64 { return a.times }

// Cancel removes the alarm from its service. Safe to call from the
// handler itself or from any other goroutine.
func (a *Alarm) Cancel() {
	a.svc.cancel(a)
}

// Reset reprograms the alarm's period, matching Alarm::reset(): the
// pending entry is removed, the period and the remaining fire count are
// both replaced by the given values, and the alarm is reinserted computed
// from now.
func (a *Alarm) Reset(period uint64, times uint64) {
	a.svc.reset(a, period, times)
}

// alarmQueue is a container/heap ordered by next-fire tick, the Go
// counterpart of the source's ordered intrusive alarm queue (Alarm::_queue
// in alarm_init.cc), which keeps only the minimum accessible in O(1) so
// the tick handler need only compare against the head.
type alarmQueue []*Alarm

func (q alarmQueue) Len() int           { return len(q) }
func (q alarmQueue) Less(i, j int) bool { return q[i].next < q[j].next }
func (q alarmQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *alarmQueue) Push(x interface{}) {
	a := x.(*Alarm)
	a.index = len(*q)
	*q = append(*q, a)
}
func (q *alarmQueue) Pop() interface{} {
	old := *q
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*q = old[:n-1]
	return a
}

// Service drives one or more Alarms off a tick.Source, the counterpart of
// Alarm::init() installing the tick-ISR handler and Alarm::handler()'s
// amortized "only touch the next alarm" logic: on every tick it checks
// only the queue head, and reprograms/reschedules it (and any other alarm
// that happens to share that exact tick) without scanning the rest.
type Service struct {
	mu      sync.Mutex
	source  tick.Source
	queue   alarmQueue
	unregFn func()

	// limiter caps how many handler invocations onTick will make per
	// second, an overload guard against an alarm storm (many short-period
	// periodic threads all coming due on the same tick) saturating the
	// tick source's goroutine. Nil, with fixedBudget unset, means
	// unlimited, the source's behavior.
	limiter  *rate.Limiter
	overruns uint64

	// fixedBudget is set when the guard was configured with a non-positive
	// rate: budget then counts the firings still allowed, and never refills.
	fixedBudget bool
	budget      int
}

// NewService attaches an alarm service to a tick source. The caller must
// call source.Start() separately; Service only registers a handler.
func NewService(source tick.Source) *Service {
	s := &Service{source: source}
	s.unregFn = source.Register(s.onTick)
	return s
}

// WithOverloadGuard caps the rate at which onTick invokes alarm handlers,
// using a token-bucket limiter: up to burst handler calls may happen back
// to back, refilling at ratePerSecond thereafter. Alarms that lose the
// race are still rescheduled for their next period; they just don't fire
// this tick, and Overruns() counts how often that happened. A rate of zero
// or less never refills: only the first burst firings are handled.
func (s *Service) WithOverloadGuard(ratePerSecond float64, burst int) *Service {
	s.mu.Lock()
	if ratePerSecond <= 0 {
		s.fixedBudget, s.budget = true, burst
	} else {
		s.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	s.mu.Unlock()
	return s
}

// Overruns reports how many alarm firings were dropped by the overload
// guard since the service was created.
func (s *Service) Overruns() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overruns
}

// Close detaches the service from its tick source. Pending alarms are
// discarded.
func (s *Service) Close() {
	s.unregFn()
}

// New creates and arms an alarm: period ticks between firings, handler
// invoked on each firing, times total firings (alarm.Infinite for
// unbounded). A period of 0 with times == 1 fires handler synchronously,
// immediately, matching the source's special-cased "deliver now" Alarm
// constructor path, and returns an already-exhausted Alarm.
func (s *Service) New(period uint64, times uint64, handler Handler) *Alarm {
	a := &Alarm{period: period, handler: handler, times: times, svc: s}
	if period == 0 && times == 1 {
		handler(a)
		a.times = 0
		return a
	}
	s.mu.Lock()
	a.next = s.source.Now() + period
	heap.Push(&s.queue, a)
	a.active = true
	s.mu.Unlock()
	return a
}

func (s *Service) cancel(a *Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.active && a.index >= 0 {
		heap.Remove(&s.queue, a.index)
	}
	a.active = false
}

func (s *Service) reset(a *Alarm, period, times uint64) {
	s.mu.Lock()
	if a.active && a.index >= 0 {
		heap.Remove(&s.queue, a.index)
	}
	a.period = period
	a.times = times
	a.next = s.source.Now() + period
	heap.Push(&s.queue, a)
	a.active = true
	s.mu.Unlock()
}

// Delay blocks the calling goroutine until ticks ticks have elapsed, the
// counterpart of Alarm::delay(): it registers a temporary handler on the
// same tick source, which releases the caller once the target tick
// arrives, rather than using a dedicated sleep primitive.
func (s *Service) Delay(ticks uint64) {
	target := s.source.Now() + ticks
	done := make(chan struct{})
	var once sync.Once
	unreg := s.source.Register(func(now uint64) {
		if now >= target {
			once.Do(func() { close(done) })
		}
	})
	defer unreg()
	<-done
}

// onTick is the amortized tick-ISR handler: pop and fire every alarm
// whose next-fire tick has arrived, requeuing periodic ones, matching
// Alarm::handler()'s loop over the queue head.
func (s *Service) onTick(now uint64) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].next > now {
			s.mu.Unlock()
			return
		}
		a := heap.Pop(&s.queue).(*Alarm)
		a.active = false
		if a.times != Infinite {
			a.times--
		}
		refire := a.times == Infinite || a.times > 0
		if refire {
			a.next = now + a.period
			heap.Push(&s.queue, a)
			a.active = true
		}
		skip := false
		switch {
		case s.fixedBudget:
			skip = s.budget <= 0
			if !skip {
				s.budget--
			}
		case s.limiter != nil:
			skip = !s.limiter.Allow()
		}
		if skip {
			s.overruns++
		}
		s.mu.Unlock()

		if !skip {
			a.handler(a)
		}
	}
}
