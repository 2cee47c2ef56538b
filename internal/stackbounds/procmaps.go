package stackbounds

import (
	"fmt"
	"sync"

	"github.com/DataExMachina-dev/rootscan-go/internal/hostproc"
	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// MapsSource returns the current memory map of the target process.
type MapsSource interface {
	PID() int
	Maps() ([]hostproc.Mapping, error)
}

// ProcMaps finds stacks in the target's memory map.
//
// The main thread's stack is the "[stack]" mapping. Other threads run on
// anonymous mappings made by their thread library, which the kernel does not
// label. Such a mapping is identified by its top: stacks grow down, so the
// top of a thread's stack does not move while the thread lives. The first
// query of a thread learns its top from the mapping its stack pointer points
// into; later queries look the mapping up by that top and ignore the stack
// pointer, so that a stack pointer into a foreign stack is clamped to the
// thread's own stack instead of selecting the foreign one.
//
// The extent of a known stack is read from the memory map on every query.
type ProcMaps struct {
	src          MapsSource
	stackPointer func(threads.ID) (uintptr, error)

	mu struct {
		sync.Mutex
		// tops maps a thread to the end of its stack mapping.
		tops map[threads.ID]uintptr
		// owners is the reverse of tops.
		owners map[uintptr]threads.ID
	}
}

// NewProcMaps constructs a ProcMaps provider. stackPointer is typically
// threads.Registry.StackPointer.
func NewProcMaps(
	src MapsSource, stackPointer func(threads.ID) (uintptr, error),
) *ProcMaps {
	p := &ProcMaps{src: src, stackPointer: stackPointer}
	p.mu.tops = make(map[threads.ID]uintptr)
	p.mu.owners = make(map[uintptr]threads.ID)
	return p
}

// Query implements Provider.
func (p *ProcMaps) Query(id threads.ID) (memory.Region, error) {
	maps, err := p.src.Maps()
	if err != nil {
		return memory.Region{}, fmt.Errorf("thread %d: %v: %w", id, err, ErrBoundsUnavailable)
	}
	if int(id) == p.src.PID() {
		m, ok := hostproc.FindByPath(maps, "[stack]")
		if !ok {
			return memory.Region{}, fmt.Errorf("main thread %d has no [stack] mapping: %w", id, ErrBoundsUnavailable)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		// The kernel's label outranks a stack learned from a stack pointer.
		if owner, ok := p.mu.owners[m.End]; ok && owner != id {
			p.forgetLocked(owner)
		}
		if err := p.claimLocked(id, m.End); err != nil {
			return memory.Region{}, err
		}
		return m.Region(), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if top, ok := p.mu.tops[id]; ok {
		m, ok := hostproc.FindContaining(maps, top-1)
		if ok && m.End == top && isThreadStack(m) && p.mu.owners[top] == id {
			return m.Region(), nil
		}
		// The mapping is gone, or the thread was evicted from it.
		p.forgetLocked(id)
	}

	sp, err := p.stackPointer(id)
	if err != nil {
		return memory.Region{}, fmt.Errorf("thread %d: %v: %w", id, err, ErrBoundsUnavailable)
	}
	m, ok := hostproc.FindContaining(maps, sp)
	if !ok {
		return memory.Region{}, fmt.Errorf("thread %d: stack pointer %#x is not mapped: %w", id, sp, ErrBoundsUnavailable)
	}
	if !isThreadStack(m) {
		return memory.Region{}, fmt.Errorf("thread %d: stack pointer %#x points into %s: %w", id, sp, m, ErrBoundsUnavailable)
	}
	if err := p.claimLocked(id, m.End); err != nil {
		return memory.Region{}, err
	}
	return m.Region(), nil
}

// Forget drops what is known about the stack of a thread. The next query
// learns it again from the thread's stack pointer.
func (p *ProcMaps) Forget(id threads.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgetLocked(id)
}

func (p *ProcMaps) forgetLocked(id threads.ID) {
	top, ok := p.mu.tops[id]
	if !ok {
		return
	}
	delete(p.mu.tops, id)
	if p.mu.owners[top] == id {
		delete(p.mu.owners, top)
	}
}

// claimLocked records top as the stack of id. A stack already claimed by
// another thread is never handed out twice.
func (p *ProcMaps) claimLocked(id threads.ID, top uintptr) error {
	if owner, ok := p.mu.owners[top]; ok && owner != id {
		return fmt.Errorf("thread %d: stack ending at %#x belongs to thread %d: %w",
			id, top, owner, ErrBoundsUnavailable)
	}
	p.forgetLocked(id)
	p.mu.tops[id] = top
	p.mu.owners[top] = id
	return nil
}

func isThreadStack(m hostproc.Mapping) bool {
	return m.Anonymous() && m.Private && m.Readable && m.Writable
}

var (
	_ Provider  = (*ProcMaps)(nil)
	_ Forgetter = (*ProcMaps)(nil)
)
