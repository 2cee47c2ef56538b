// Package stackbounds answers where a thread's stack lives. The answer comes
// from the host (the kernel's memory map on linux) and must be asked fresh
// on every pause: stacks grow between pauses.
package stackbounds

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/stackscan"
	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// ErrBoundsUnavailable is returned when the host cannot report the stack of
// a thread. Callers must skip the thread rather than guess a region.
var ErrBoundsUnavailable = stackscan.ErrBoundsUnavailable

// ErrNotImplemented is returned when stack bounds cannot be queried on the
// current platform.
var ErrNotImplemented = errors.New("not implemented")

// Provider reports the current stack region of a thread.
type Provider interface {
	Query(id threads.ID) (memory.Region, error)
}

// Forgetter is implemented by providers that remember which stack belongs to
// a thread across queries. Forget drops that knowledge for one thread, for
// instance after its stack was found to be claimed by another thread too.
type Forgetter interface {
	Forget(id threads.ID)
}

// Static is a Provider backed by a fixed table. It is used when replaying
// captured stacks and in tests.
type Static struct {
	mu      sync.Mutex
	regions map[threads.ID]memory.Region
}

// NewStatic constructs a Static provider with the given regions.
func NewStatic(regions map[threads.ID]memory.Region) *Static {
	s := &Static{regions: make(map[threads.ID]memory.Region, len(regions))}
	for id, r := range regions {
		s.regions[id] = r
	}
	return s
}

// Set records the region of a thread.
func (s *Static) Set(id threads.ID, r memory.Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[id] = r
}

// Query implements Provider.
func (s *Static) Query(id threads.ID) (memory.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regions[id]
	if !ok || !r.Valid() {
		return memory.Region{}, fmt.Errorf("thread %d: %w", id, ErrBoundsUnavailable)
	}
	return r, nil
}

var _ Provider = (*Static)(nil)
