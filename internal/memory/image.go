package memory

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Image is an in-memory address space made of non-overlapping segments.
// Addresses outside every segment are unmapped.
//
// It is used to replay captured stacks and in tests.
type Image struct {
	segments []segment
}

type segment struct {
	addr uintptr
	data []byte
}

func (s segment) end() uintptr {
	return s.addr + uintptr(len(s.data))
}

// NewImage constructs an empty Image.
func NewImage() *Image {
	return &Image{}
}

// Map adds a zeroed segment of the given size at addr and returns its backing
// storage. It fails if the segment overlaps an existing one.
func (m *Image) Map(addr uintptr, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", size)
	}
	seg := segment{addr: addr, data: make([]byte, size)}
	if seg.end() < seg.addr {
		return nil, fmt.Errorf("segment at %#x of size %d wraps around", addr, size)
	}
	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].addr >= addr
	})
	if i > 0 && m.segments[i-1].end() > addr {
		return nil, fmt.Errorf("segment at %#x overlaps %#x", addr, m.segments[i-1].addr)
	}
	if i < len(m.segments) && m.segments[i].addr < seg.end() {
		return nil, fmt.Errorf("segment at %#x overlaps %#x", addr, m.segments[i].addr)
	}
	m.segments = append(m.segments, segment{})
	copy(m.segments[i+1:], m.segments[i:])
	m.segments[i] = seg
	return seg.data, nil
}

// PutWord stores a pointer-width value at addr using the host byte order.
func (m *Image) PutWord(addr uintptr, v uintptr) error {
	var buf [8]byte
	switch PointerSize {
	case 8:
		binary.NativeEndian.PutUint64(buf[:], uint64(v))
	default:
		binary.NativeEndian.PutUint32(buf[:], uint32(v))
	}
	return m.write(addr, buf[:PointerSize])
}

func (m *Image) write(addr uintptr, p []byte) error {
	seg, ok := m.find(addr)
	if !ok || addr+uintptr(len(p)) > seg.end() {
		return fmt.Errorf("write of %d bytes at %#x: %w", len(p), addr, ErrUnmapped)
	}
	copy(seg.data[addr-seg.addr:], p)
	return nil
}

func (m *Image) find(addr uintptr) (segment, bool) {
	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].end() > addr
	})
	if i == len(m.segments) || m.segments[i].addr > addr {
		return segment{}, false
	}
	return m.segments[i], true
}

// ReadAt implements Reader. Reads may span adjacent segments.
func (m *Image) ReadAt(p []byte, addr uintptr) (int, error) {
	n := 0
	for n < len(p) {
		cur := addr + uintptr(n)
		seg, ok := m.find(cur)
		if !ok {
			return n, fmt.Errorf("read at %#x: %w", cur, ErrUnmapped)
		}
		n += copy(p[n:], seg.data[cur-seg.addr:])
	}
	return n, nil
}

var _ Reader = (*Image)(nil)
