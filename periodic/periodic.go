// Package periodic implements periodic threads, grounded on
// original_source's Periodic_Thread: a Thread whose body loop is
// chained to an Alarm so that each iteration begins at a fixed tick
// interval regardless of how long the previous iteration's body took,
// up to the overrun accounting below.
package periodic

import (
	"sync"

	"github.com/epos-rts/tkernel/alarm"
	"github.com/epos-rts/tkernel/kernel"
)

// Body is a periodic thread's iteration function. It runs once per
// period; WaitNext is called by the wrapper after Body returns, so Body
// itself should not call it.
type Body func(pt *PeriodicThread)

// PeriodicThread pairs a kernel.Thread with an alarm.Alarm, the
// counterpart of Periodic_Thread's private Handler nested class wiring
// an Alarm's expiry back into the thread's wait_next().
type PeriodicThread struct {
	thread *kernel.Thread
	al     *alarm.Alarm
	sem    *kernel.Semaphore

	mu        sync.Mutex
	exhausted bool
	overruns  uint64
}

// New spawns a periodic thread: body runs, then the thread blocks until
// the next period boundary, repeating until the alarm's times count is
// exhausted (alarm.Infinite for unbounded). Kernel shutdown does not end
// the loop. periodTicks is the thread's period in the kernel's tick units
// and is also used as its RM/DM/EDF/LLF Characteristics.Period if
// opts.Characteristics.Period is left zero. times mirrors
// Periodic_Thread::Configuration's times field (real-time.h): once the
// underlying alarm has fired that many times, WaitNext returns false and
// the thread's loop below exits.
//
// WaitNext parks on a kernel semaphore rather than a raw channel so that
// a waiting periodic thread releases its CPU back to the scheduler
// instead of occupying a running slot while blocked.
func New(k *kernel.Kernel, svc *alarm.Service, opts kernel.SpawnOptions, periodTicks uint64, times uint64, body Body) *PeriodicThread {
	if opts.Characteristics.Period == 0 {
		opts.Characteristics.Period = periodTicks
	}
	pt := &PeriodicThread{sem: k.NewSemaphore(0, "periodic-wake")}
	pt.thread = k.Spawn(func(t *kernel.Thread) {
		for {
			t.StartPeriod()
			body(pt)
			if !pt.WaitNext() {
				return
			}
		}
	}, opts)
	pt.al = svc.New(periodTicks, times, func(a *alarm.Alarm) {
		pt.mu.Lock()
		if a.Remaining() == 0 {
			pt.exhausted = true
		}
		overrun := pt.sem.Value() > 0
		if overrun {
			pt.overruns++
		}
		pt.mu.Unlock()
		if !overrun {
			pt.sem.V(nil)
		}
	})
	return pt
}

// Thread returns the underlying kernel thread, for Join/priority/state
// access.
func (pt *PeriodicThread) Thread() *kernel.Thread { return pt.thread }

// Overruns reports how many period boundaries elapsed while the previous
// iteration's body was still running, the counterpart of a deadline miss
// counter a Real_Statistics build would track.
func (pt *PeriodicThread) Overruns() uint64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.overruns
}

// WaitNext blocks the calling thread until the alarm's next period
// boundary, the counterpart of Periodic_Thread::wait_next(). If the
// period already elapsed (an overrun), it returns immediately, exactly
// once, consuming the buffered signal. It returns false once the
// alarm's times count is exhausted, telling the caller's loop to exit
// rather than wait forever on an alarm that will never fire again.
func (pt *PeriodicThread) WaitNext() bool {
	pt.thread.FinishJob()
	pt.sem.P(pt.thread)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return !pt.exhausted
}

// Cancel stops the backing alarm; the thread's next WaitNext call blocks
// forever, so callers that Cancel a running periodic thread should also
// arrange for it to exit (e.g. via a done channel captured in Body).
func (pt *PeriodicThread) Cancel() {
	pt.al.Cancel()
}
