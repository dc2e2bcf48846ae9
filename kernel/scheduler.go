package kernel

import (
	"github.com/epos-rts/tkernel/criterion"
	"github.com/epos-rts/tkernel/squeue"
)

// scheduler adapts squeue's three ready-queue shapes (a single List, a
// partitioned Multilist, or a shared Multihead) behind one small interface
// so Kernel doesn't need to branch on criterion kind at every call site.
// The shape is chosen once, in newScheduler, based on the criterion's own
// single/partitioned/global taxonomy.
type scheduler struct {
	single *squeue.List
	multi  *squeue.Multilist
	head   *squeue.Multihead
}

func newScheduler(crit criterion.Criterion, cpus int) *scheduler {
	if cpus <= 1 {
		return &scheduler{single: squeue.NewList()}
	}
	if crit.Queueable() || crit.Name() == "PLLF" {
		return &scheduler{multi: squeue.NewMultilist(cpus)}
	}
	return &scheduler{head: squeue.NewMultihead(cpus)}
}

func (s *scheduler) listFor(cpu int) *squeue.List {
	switch {
	case s.single != nil:
		return s.single
	case s.multi != nil:
		return s.multi.List(cpu)
	default:
		return s.head.List
	}
}

func (s *scheduler) insert(cpu int, id squeue.ID, rank criterion.Rank) {
	s.listFor(cpu).Insert(id, rank)
}

func (s *scheduler) remove(cpu int, id squeue.ID) {
	s.listFor(cpu).Remove(id)
}

func (s *scheduler) chosen(cpu int) (squeue.ID, bool) {
	return s.listFor(cpu).Chosen()
}
