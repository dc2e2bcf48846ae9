// Package squeue implements the scheduler's ready-queue storage, the Go
// counterpart of original_source's Scheduling_List / Scheduling_Queue
// templates (a vector of embedded, intrusive links ordered by rank). Go
// offers no portable way to embed an intrusive link in an arbitrary
// element the way the source's Scheduling_List<T> does, so squeue instead
// keeps an ordered multiset of ids in a B-tree, ordered by (rank, insertion
// sequence), with id resolving back to whatever the caller's own thread
// table holds. See
// DESIGN.md for the intrusive-to-arena rationale.
package squeue

import (
	"sync"

	"github.com/google/btree"

	"github.com/epos-rts/tkernel/criterion"
)

// ID identifies a schedulable entity (a kernel.ThreadID in practice) to
// this package, which otherwise has no notion of threads.
type ID uint32

// entry is the B-tree element: ordered primarily by Rank, secondarily by
// an insertion sequence number. The sequence, not the thread's ID, breaks
// ties: re-inserting the same id (as every Yield does) assigns it a fresh,
// larger sequence number, so it lands behind every other entry already
// sharing its rank. That is what gives round-robin its rotation among
// equal-priority threads — tie-breaking by ID would let the
// lowest-numbered thread win forever.
type entry struct {
	rank criterion.Rank
	seq  uint64
	id   ID
}

func (e entry) Less(than btree.Item) bool {
	o := than.(entry)
	if e.rank != o.rank {
		return e.rank < o.rank
	}
	return e.seq < o.seq
}

// List is a single ordered ready queue, the direct counterpart of one
// Scheduling_List<T> instance: a single-CPU kernel keeps its whole ready
// queue in one List, and Multilist and Multihead below are built from
// Lists.
type List struct {
	mu      sync.Mutex
	tree    *btree.BTree
	entries map[ID]entry
	nextSeq uint64
}

// NewList constructs an empty ordered ready queue.
func NewList() *List {
	return &List{tree: btree.New(8), entries: map[ID]entry{}}
}

// Insert adds id with the given rank. Re-inserting an id already present
// first removes its old entry, matching Scheduling_List::insert's
// idempotent-by-reinsert behavior used by rank updates, and always
// assigns it a new, later sequence number.
func (l *List) Insert(id ID, rank criterion.Rank) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
	e := entry{rank: rank, seq: l.nextSeq, id: id}
	l.nextSeq++
	l.tree.ReplaceOrInsert(e)
	l.entries[id] = e
}

// Remove drops id from the queue if present.
func (l *List) Remove(id ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
}

func (l *List) removeLocked(id ID) {
	if e, ok := l.entries[id]; ok {
		l.tree.Delete(e)
		delete(l.entries, id)
	}
}

// Chosen returns the id with the smallest rank (the one to dispatch next)
// and true, or zero value and false if the queue is empty. This is the
// counterpart of Scheduling_List::chosen(), EPOS's O(1) head-of-queue pick
// (here O(log n) owing to the B-tree, a trade the design notes accept for
// a non-intrusive, arena-free implementation).
func (l *List) Chosen() (ID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var min entry
	found := false
	l.tree.Ascend(func(i btree.Item) bool {
		min = i.(entry)
		found = true
		return false
	})
	return min.id, found
}

// Len reports the number of entries currently queued.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Len()
}

// RankOf returns the current rank recorded for id, and whether id is
// present.
func (l *List) RankOf(id ID) (criterion.Rank, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	return e.rank, ok
}

// Each visits every queued id in rank order, ascending (most urgent
// first). The visitor must not call back into l.
func (l *List) Each(visit func(id ID, rank criterion.Rank) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tree.Ascend(func(i btree.Item) bool {
		e := i.(entry)
		return visit(e.id, e.rank)
	})
}

// Multilist is one List per CPU, the counterpart of a partitioned
// scheduler (PLLF, and any Queueable criterion run with CPUs > 1): each
// thread is affined to exactly one CPU's queue and migrates only by
// explicit reassignment.
type Multilist struct {
	lists []*List
}

// NewMultilist builds n independent per-CPU queues.
func NewMultilist(n int) *Multilist {
	m := &Multilist{lists: make([]*List, n)}
	for i := range m.lists {
		m.lists[i] = NewList()
	}
	return m
}

// List returns the queue for the given CPU index.
func (m *Multilist) List(cpu int) *List { return m.lists[cpu] }

// CPUs reports how many per-CPU queues exist.
func (m *Multilist) CPUs() int { return len(m.lists) }

// Multihead is a single shared queue visible to every CPU, the counterpart
// of a global scheduler (GLLF, EDF run with CPUs > 1): any CPU may dispatch
// any ready thread, so Chosen/Insert/Remove operate on one List shared
// across all cores.
type Multihead struct {
	*List
	cpus int
}

// NewMultihead builds a single shared ready queue usable from any of cpus
// CPUs.
func NewMultihead(cpus int) *Multihead {
	return &Multihead{List: NewList(), cpus: cpus}
}

// CPUs reports how many CPUs share this queue.
func (m *Multihead) CPUs() int { return m.cpus }

// ChosenN returns up to n ids with the smallest ranks, in ascending order,
// for a global scheduler picking which threads to run across n idle CPUs
// simultaneously.
func (m *Multihead) ChosenN(n int) []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ID, 0, n)
	m.tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(entry).id)
		return len(out) < n
	})
	return out
}
