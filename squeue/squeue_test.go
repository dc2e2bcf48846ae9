package squeue

import (
	"testing"

	"github.com/epos-rts/tkernel/criterion"
)

func TestChosenPicksSmallestRank(t *testing.T) {
	l := NewList()
	l.Insert(1, 50)
	l.Insert(2, 10)
	l.Insert(3, 30)

	id, ok := l.Chosen()
	if !ok || id != 2 {
		t.Fatalf("Chosen() = (%v, %v), want (2, true)", id, ok)
	}
}

func TestRoundRobinRotatesAmongEqualRanks(t *testing.T) {
	l := NewList()
	l.Insert(1, 10)
	l.Insert(2, 10)
	l.Insert(3, 10)

	// Repeatedly pop the head and reinsert it at the same rank, the way
	// Thread.Yield does. A fair rotation visits every id before any id
	// repeats.
	var order []ID
	for i := 0; i < 6; i++ {
		id, ok := l.Chosen()
		if !ok {
			t.Fatalf("round %d: queue unexpectedly empty", i)
		}
		order = append(order, id)
		l.Insert(id, 10)
	}

	want := []ID{1, 2, 3, 1, 2, 3}
	for i, id := range order {
		if id != want[i] {
			t.Fatalf("rotation order = %v, want %v", order, want)
		}
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	l := NewList()
	l.Insert(1, 10)
	l.Insert(2, 20)
	l.Remove(1)

	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
	id, ok := l.Chosen()
	if !ok || id != 2 {
		t.Fatalf("Chosen() = (%v, %v), want (2, true)", id, ok)
	}
}

func TestRankOfReflectsLatestInsert(t *testing.T) {
	l := NewList()
	l.Insert(1, 10)
	if r, ok := l.RankOf(1); !ok || r != 10 {
		t.Fatalf("RankOf(1) = (%v, %v), want (10, true)", r, ok)
	}
	l.Insert(1, 5)
	if r, ok := l.RankOf(1); !ok || r != 5 {
		t.Fatalf("RankOf(1) after reinsert = (%v, %v), want (5, true)", r, ok)
	}
	if _, ok := l.RankOf(99); ok {
		t.Fatalf("RankOf(99) = ok, want not found")
	}
}

func TestEachVisitsInRankOrder(t *testing.T) {
	l := NewList()
	l.Insert(3, 30)
	l.Insert(1, 10)
	l.Insert(2, 20)

	var seen []ID
	l.Each(func(id ID, rank criterion.Rank) bool {
		seen = append(seen, id)
		return true
	})
	want := []ID{1, 2, 3}
	for i, id := range seen {
		if id != want[i] {
			t.Fatalf("Each order = %v, want %v", seen, want)
		}
	}
}

func TestMultilistPartitionsByCPU(t *testing.T) {
	m := NewMultilist(2)
	m.List(0).Insert(1, 5)
	m.List(1).Insert(2, 5)

	if id, ok := m.List(0).Chosen(); !ok || id != 1 {
		t.Fatalf("cpu0 chosen = (%v, %v), want (1, true)", id, ok)
	}
	if id, ok := m.List(1).Chosen(); !ok || id != 2 {
		t.Fatalf("cpu1 chosen = (%v, %v), want (2, true)", id, ok)
	}
}

func TestMultiheadChosenNReturnsBestN(t *testing.T) {
	m := NewMultihead(2)
	m.Insert(1, 30)
	m.Insert(2, 10)
	m.Insert(3, 20)

	got := m.ChosenN(2)
	want := []ID{2, 3}
	if len(got) != len(want) {
		t.Fatalf("ChosenN(2) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ChosenN(2) = %v, want %v", got, want)
		}
	}
}
