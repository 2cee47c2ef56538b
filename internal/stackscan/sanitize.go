// Package stackscan implements conservative scanning of thread stacks: a
// captured stack pointer is first sanitized against the stack's region, then
// every aligned word between it and the top of the stack that looks like a
// heap address is recorded as a candidate root.
package stackscan

import (
	"errors"
	"fmt"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
)

// ErrBoundsUnavailable is returned when no usable stack region is known for a
// thread. The thread's stack must not be scanned.
var ErrBoundsUnavailable = errors.New("stack bounds unavailable")

// SanitizedPointer is a stack pointer known to lie within its stack region.
// It can only be produced by Sanitize.
type SanitizedPointer struct {
	addr    uintptr
	region  memory.Region
	clamped bool
}

// Addr returns the address of the pointer.
func (p SanitizedPointer) Addr() uintptr {
	return p.addr
}

// Region returns the stack region the pointer was checked against.
func (p SanitizedPointer) Region() memory.Region {
	return p.region
}

// Clamped returns whether the candidate was out of range and replaced by the
// region's base.
func (p SanitizedPointer) Clamped() bool {
	return p.clamped
}

func (p SanitizedPointer) String() string {
	if p.clamped {
		return fmt.Sprintf("%#x (clamped)", p.addr)
	}
	return fmt.Sprintf("%#x", p.addr)
}

// Sanitize checks candidate against region. A candidate in
// [region.Base, region.Base+region.Size) is returned unchanged; anything else
// (a stale pointer, one from another stack, or a value captured before the
// thread set its stack up) is replaced by region.Base.
//
// Clamping to the base means the whole region gets scanned, which can miss
// roots only if the real stack pointer lies outside the region reported by
// the host. Capturing the pointer precisely at thread start would close that
// gap but is outside this package.
//
// Only stacks growing down are supported.
func Sanitize(candidate uintptr, region memory.Region) (SanitizedPointer, error) {
	if !region.Valid() {
		return SanitizedPointer{}, fmt.Errorf("invalid region %s: %w", region, ErrBoundsUnavailable)
	}
	if region.Contains(candidate) {
		return SanitizedPointer{addr: candidate, region: region}, nil
	}
	return SanitizedPointer{addr: region.Base, region: region, clamped: true}, nil
}
