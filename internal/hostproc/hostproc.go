// Package hostproc reads what the host kernel knows about a target process:
// its threads, its memory mappings and its executable.
package hostproc

import (
	"errors"
	"fmt"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
)

// ErrNotImplemented is returned when process introspection is not implemented
// for the current platform.
var ErrNotImplemented = errors.New("not implemented")

// Mapping is one entry of a process' memory map.
type Mapping struct {
	Start, End uintptr
	Readable   bool
	Writable   bool
	Executable bool
	Private    bool
	Path       string
}

// Region returns the mapping's extent as a memory.Region.
func (m Mapping) Region() memory.Region {
	return memory.Region{Base: m.Start, Size: m.End - m.Start}
}

// Contains returns whether addr lies within the mapping.
func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// Anonymous returns whether the mapping is not backed by a file. Thread
// stacks other than the main one are anonymous mappings.
func (m Mapping) Anonymous() bool {
	return m.Path == "" || m.Path == "[stack]" || len(m.Path) > 7 && m.Path[:7] == "[stack:"
}

func (m Mapping) String() string {
	return fmt.Sprintf("%#x-%#x %s", m.Start, m.End, m.Path)
}

// FindByPath returns the first mapping with the given path, such as "[stack]"
// or "[heap]".
func FindByPath(maps []Mapping, path string) (Mapping, bool) {
	for _, m := range maps {
		if m.Path == path {
			return m, true
		}
	}
	return Mapping{}, false
}

// FindContaining returns the mapping that contains addr.
func FindContaining(maps []Mapping, addr uintptr) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

// HeapRange returns the extent of the "[heap]" mapping.
func HeapRange(maps []Mapping) (memory.Range, error) {
	m, ok := FindByPath(maps, "[heap]")
	if !ok {
		return memory.Range{}, errors.New("no [heap] mapping")
	}
	return memory.Range{Low: m.Start, High: m.End}, nil
}
