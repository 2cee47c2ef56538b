// Package rootset holds the candidate roots discovered during one collection
// pause.
package rootset

import "sort"

// Set is a set of candidate root addresses. A Set is owned by a single pause
// and is not safe for concurrent use; workers fill their own Set and the
// collector merges them.
type Set struct {
	roots map[uintptr]struct{}
}

// New constructs an empty Set.
func New() *Set {
	return &Set{roots: make(map[uintptr]struct{}, 256 /* arbitrary */)}
}

// Insert adds addr to the set. Inserting an address twice is a no-op.
func (s *Set) Insert(addr uintptr) {
	s.roots[addr] = struct{}{}
}

// Contains returns whether addr is in the set.
func (s *Set) Contains(addr uintptr) bool {
	_, ok := s.roots[addr]
	return ok
}

// Len returns the number of distinct roots.
func (s *Set) Len() int {
	return len(s.roots)
}

// ForEach calls f for every root, in no particular order.
func (s *Set) ForEach(f func(addr uintptr)) {
	for addr := range s.roots {
		f(addr)
	}
}

// Sorted returns the roots in ascending order.
func (s *Set) Sorted() []uintptr {
	out := make([]uintptr, 0, len(s.roots))
	for addr := range s.roots {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge inserts every root of other into s.
func (s *Set) Merge(other *Set) {
	for addr := range other.roots {
		s.roots[addr] = struct{}{}
	}
}

// Clear empties the set, keeping its storage for the next pause.
func (s *Set) Clear() {
	clear(s.roots)
}
