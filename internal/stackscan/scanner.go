package stackscan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootset"
)

// ErrInvalidRange is returned when the start of a scan lies above its top.
// It indicates a bookkeeping bug, never a transient condition.
var ErrInvalidRange = errors.New("invalid scan range")

const defaultChunkSize = 4 << 10

// Scanner scans memory conservatively. The zero value scans host
// pointer-sized words in 4KiB chunks.
type Scanner struct {
	// WordSize is the width of a pointer in the scanned memory, 4 or 8. Zero
	// means the host pointer width.
	WordSize int
	// ChunkSize is the number of bytes read from memory at once. It is rounded
	// down to a multiple of WordSize.
	ChunkSize int
}

// Result describes one scan.
type Result struct {
	// Start and Top delimit the scanned range [Start, Top).
	Start, Top uintptr
	// Words is the number of aligned words examined.
	Words int
	// Roots is the number of words that fell within the heap range. Duplicate
	// values are counted every time they are found.
	Roots int
	// UnreadableBytes is the number of bytes in range that could not be read.
	// Any roots stored there were missed.
	UnreadableBytes uintptr
}

// Complete returns whether every word in range was examined.
func (r Result) Complete() bool {
	return r.UnreadableBytes == 0
}

// Validate returns an error if the scanner's configuration is unusable.
func (s Scanner) Validate() error {
	_, err := s.wordSize()
	return err
}

func (s Scanner) wordSize() (int, error) {
	switch s.WordSize {
	case 0:
		return memory.PointerSize, nil
	case 4, 8:
		if s.WordSize > memory.PointerSize {
			return 0, fmt.Errorf("word size %d exceeds host pointer size %d", s.WordSize, memory.PointerSize)
		}
		return s.WordSize, nil
	default:
		return 0, fmt.Errorf("unsupported word size %d", s.WordSize)
	}
}

func (s Scanner) chunkSize(wordSize int) int {
	n := s.ChunkSize
	if n <= 0 {
		n = defaultChunkSize
	}
	n -= n % wordSize
	if n == 0 {
		n = wordSize
	}
	return n
}

// Scan reads every word-aligned word fully contained in [start, top) and
// inserts into sink each value that lies within heap. Bytes before the first
// aligned address and a trailing partial word are ignored. The scanned memory
// is never written.
func (s Scanner) Scan(
	mem memory.Reader,
	start SanitizedPointer,
	top uintptr,
	heap memory.Range,
	sink *rootset.Set,
) (Result, error) {
	if start.addr > top {
		return Result{}, fmt.Errorf("start %#x above top %#x: %w", start.addr, top, ErrInvalidRange)
	}
	wordSize, err := s.wordSize()
	if err != nil {
		return Result{}, err
	}
	ws := uintptr(wordSize)
	res := Result{Start: start.addr, Top: top}

	addr := alignUp(start.addr, ws)
	if addr < start.addr || addr >= top {
		// Overflowed, or not a single aligned word in range.
		return res, nil
	}
	end := addr + (top-addr)/ws*ws
	buf := make([]byte, s.chunkSize(wordSize))
	for addr < end {
		n := uintptr(len(buf))
		if remaining := end - addr; remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		read, err := mem.ReadAt(chunk, addr)
		if err != nil && !errors.Is(err, memory.ErrUnmapped) {
			return res, fmt.Errorf("failed to read stack at %#x: %w", addr, err)
		}
		good := uintptr(read) / ws * ws
		s.scanWords(chunk[:good], wordSize, heap, sink, &res)
		if good < n {
			s.scanSlow(mem, addr+good, addr+n, wordSize, heap, sink, &res)
		}
		addr += n
	}
	return res, nil
}

// scanSlow examines [addr, end) one word at a time after a chunk read came
// back short, so that a hole in the middle of a chunk only costs the words
// that are actually unreadable.
func (s Scanner) scanSlow(
	mem memory.Reader,
	addr, end uintptr,
	wordSize int,
	heap memory.Range,
	sink *rootset.Set,
	res *Result,
) {
	word := make([]byte, wordSize)
	for ; addr < end; addr += uintptr(wordSize) {
		if n, _ := mem.ReadAt(word, addr); n != wordSize {
			res.UnreadableBytes += uintptr(wordSize)
			continue
		}
		s.scanWords(word, wordSize, heap, sink, res)
	}
}

func (s Scanner) scanWords(
	b []byte, wordSize int, heap memory.Range, sink *rootset.Set, res *Result,
) {
	for i := 0; i+wordSize <= len(b); i += wordSize {
		var v uintptr
		if wordSize == 8 {
			v = uintptr(binary.NativeEndian.Uint64(b[i:]))
		} else {
			v = uintptr(binary.NativeEndian.Uint32(b[i:]))
		}
		res.Words++
		if heap.Contains(v) {
			res.Roots++
			sink.Insert(v)
		}
	}
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
