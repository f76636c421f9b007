// Package idset holds the identifier sets produced by query evaluation.
package idset

import (
	"github.com/google/btree"
)

const degree = 32

func less(a, b uint32) bool { return a < b }

// Set is an ordered set of gallery identifiers. A Set is not safe for
// concurrent mutation; evaluation builds each one in a single goroutine and
// only combines finished sets.
type Set struct {
	tree *btree.BTreeG[uint32]
}

func New() *Set {
	return &Set{tree: btree.NewG[uint32](degree, less)}
}

// From builds a set from ids in any order. Duplicates collapse.
func From(ids []uint32) *Set {
	s := New()
	for _, id := range ids {
		s.tree.ReplaceOrInsert(id)
	}
	return s
}

func (s *Set) Add(id uint32) {
	s.tree.ReplaceOrInsert(id)
}

func (s *Set) Has(id uint32) bool {
	return s.tree.Has(id)
}

func (s *Set) Len() int {
	return s.tree.Len()
}

func (s *Set) Empty() bool {
	return s.tree.Len() == 0
}

// Slice returns the ids in ascending order.
func (s *Set) Slice() []uint32 {
	out := make([]uint32, 0, s.tree.Len())
	s.tree.Ascend(func(id uint32) bool {
		out = append(out, id)
		return true
	})
	return out
}

// Newest returns up to limit ids, highest (most recently published) first.
// limit <= 0 returns everything.
func (s *Set) Newest(limit int) []uint32 {
	n := s.tree.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]uint32, 0, n)
	s.tree.Descend(func(id uint32) bool {
		if len(out) == n {
			return false
		}
		out = append(out, id)
		return true
	})
	return out
}

func (s *Set) Equal(o *Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	eq := true
	s.tree.Ascend(func(id uint32) bool {
		if !o.tree.Has(id) {
			eq = false
		}
		return eq
	})
	return eq
}

// Intersect returns a new set with the ids present in both a and b.
func Intersect(a, b *Set) *Set {
	small, large := a, b
	if small.Len() > large.Len() {
		small, large = large, small
	}
	out := New()
	small.tree.Ascend(func(id uint32) bool {
		if large.tree.Has(id) {
			out.tree.ReplaceOrInsert(id)
		}
		return true
	})
	return out
}

// Union returns a new set with the ids present in a or b.
func Union(a, b *Set) *Set {
	out := New()
	// Clone would mark the operands copy-on-write; sets may be shared by
	// concurrent sub-queries, so only read them
	for _, s := range []*Set{a, b} {
		s.tree.Ascend(func(id uint32) bool {
			out.tree.ReplaceOrInsert(id)
			return true
		})
	}
	return out
}

// Difference returns a new set with the ids of a that are not in b.
func Difference(a, b *Set) *Set {
	out := New()
	a.tree.Ascend(func(id uint32) bool {
		if !b.tree.Has(id) {
			out.tree.ReplaceOrInsert(id)
		}
		return true
	})
	return out
}
