// Package memory contains the address-space primitives shared by the stack
// scanner: regions, address ranges and a way to read the memory of a
// (stopped) target.
package memory

import (
	"errors"
	"fmt"
	"unsafe"
)

// PointerSize is the width of a pointer on the host, in bytes.
const PointerSize = int(unsafe.Sizeof(uintptr(0)))

// ErrUnmapped is returned by a Reader when the requested memory is not
// readable in the target.
var ErrUnmapped = errors.New("memory not mapped")

// ErrNotImplemented is returned when reading another process' memory is not
// implemented for the current platform.
var ErrNotImplemented = errors.New("not implemented")

// Reader reads memory out of an address space.
//
// ReadAt has the semantics of io.ReaderAt, except that it is addressed by
// virtual address. A short read must return a non-nil error.
type Reader interface {
	ReadAt(p []byte, addr uintptr) (n int, err error)
}

// Region is the extent of a thread's stack: [Base, Base+Size). Base is the
// lowest address of the region; stacks grow down towards it.
type Region struct {
	Base uintptr
	Size uintptr
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.Base + r.Size
}

// Valid returns whether the region is non-empty and does not wrap around the
// address space.
func (r Region) Valid() bool {
	return r.Size > 0 && r.Base+r.Size > r.Base
}

// Contains returns whether addr lies in [Base, Base+Size).
func (r Region) Contains(addr uintptr) bool {
	return r.Valid() && addr >= r.Base && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.End())
}

// Range is a half-open address range [Low, High). It describes the extent of
// the managed heap.
type Range struct {
	Low  uintptr
	High uintptr
}

// Contains returns whether addr lies in [Low, High).
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Low && addr < r.High
}

// Empty returns whether the range contains no address.
func (r Range) Empty() bool {
	return r.High <= r.Low
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Low, r.High)
}
