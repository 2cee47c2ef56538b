// Package framing contains type definitions for the binary encoding of a
// pause report. All integers are little endian. A message is a PauseHeader,
// followed by NumThreads thread entries (a ThreadHeader and ErrByteLen bytes
// of error text each), followed by NumRoots 8-byte root addresses in
// ascending order.
package framing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic starts every message.
	Magic uint32 = 0x52534331 // "RSC1"
	// Version is bumped on incompatible layout changes.
	Version uint16 = 1

	// maxErrByteLen bounds the error text of a thread entry.
	maxErrByteLen = 1 << 16
)

// Pause flags.
const (
	PauseIncomplete uint8 = 1 << iota
)

// Thread flags.
const (
	ThreadClamped uint32 = 1 << iota
	ThreadSkipped
	ThreadIncomplete
)

// ErrMalformed is returned when decoding a message that is not well-formed.
var ErrMalformed = errors.New("malformed message")

type PauseHeader struct {
	Magic       uint32
	Version     uint16
	WordSize    uint8
	Flags       uint8
	ID          [16]byte
	TimestampNs int64
	HeapLow     uint64
	HeapHigh    uint64
	NumThreads  uint32
	NumRoots    uint32
	Statistics  Statistics
}

type Statistics struct {
	SuspendDurationNs uint64
	ScanDurationNs    uint64
	ResumeDurationNs  uint64
	TotalDurationNs   uint64
	NumThreads        uint32
	SkippedThreads    uint32
}

type ThreadHeader struct {
	ID              int64
	StackPointer    uint64
	RegionBase      uint64
	RegionSize      uint64
	Start           uint64
	ScanTop         uint64
	Words           uint64
	Roots           uint64
	UnreadableBytes uint64
	Flags           uint32
	ErrByteLen      uint32
}

// Thread is a decoded thread entry.
type Thread struct {
	Header ThreadHeader
	Err    string
}

// Message is a decoded pause report.
type Message struct {
	Header  PauseHeader
	Threads []Thread
	Roots   []uint64
}

// Encode writes m to w. The counts and lengths in the headers are derived
// from m's contents; Magic and Version are filled in.
func Encode(w io.Writer, m *Message) error {
	bw := bufio.NewWriter(w)
	h := m.Header
	h.Magic = Magic
	h.Version = Version
	h.NumThreads = uint32(len(m.Threads))
	h.NumRoots = uint32(len(m.Roots))
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write pause header: %w", err)
	}
	for i := range m.Threads {
		t := &m.Threads[i]
		errText := t.Err
		if len(errText) > maxErrByteLen {
			errText = errText[:maxErrByteLen]
		}
		th := t.Header
		th.ErrByteLen = uint32(len(errText))
		if err := binary.Write(bw, binary.LittleEndian, &th); err != nil {
			return fmt.Errorf("failed to write thread header: %w", err)
		}
		if _, err := bw.WriteString(errText); err != nil {
			return err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, m.Roots); err != nil {
		return fmt.Errorf("failed to write roots: %w", err)
	}
	return bw.Flush()
}

// Marshal encodes m into a new buffer.
func Marshal(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads one message from r.
func Decode(r io.Reader) (*Message, error) {
	m := &Message{}
	if err := binary.Read(r, binary.LittleEndian, &m.Header); err != nil {
		return nil, fmt.Errorf("failed to read pause header: %w", malformed(err))
	}
	if m.Header.Magic != Magic {
		return nil, fmt.Errorf("bad magic %#x: %w", m.Header.Magic, ErrMalformed)
	}
	if m.Header.Version != Version {
		return nil, fmt.Errorf("unsupported version %d: %w", m.Header.Version, ErrMalformed)
	}
	// The counts are not trusted for preallocation.
	for i := uint32(0); i < m.Header.NumThreads; i++ {
		var t Thread
		if err := binary.Read(r, binary.LittleEndian, &t.Header); err != nil {
			return nil, fmt.Errorf("failed to read thread header %d: %w", i, malformed(err))
		}
		if t.Header.ErrByteLen > maxErrByteLen {
			return nil, fmt.Errorf("error text of %d bytes: %w", t.Header.ErrByteLen, ErrMalformed)
		}
		if t.Header.ErrByteLen > 0 {
			b := make([]byte, t.Header.ErrByteLen)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, fmt.Errorf("failed to read error text of thread %d: %w", i, malformed(err))
			}
			t.Err = string(b)
		}
		m.Threads = append(m.Threads, t)
	}
	var buf [8]byte
	for i := uint32(0); i < m.Header.NumRoots; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read root %d: %w", i, malformed(err))
		}
		m.Roots = append(m.Roots, binary.LittleEndian.Uint64(buf[:]))
	}
	return m, nil
}

// Unmarshal decodes a message that must span all of b.
func Unmarshal(b []byte) (*Message, error) {
	r := bytes.NewReader(b)
	m, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes: %w", r.Len(), ErrMalformed)
	}
	return m, nil
}

func malformed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrMalformed, io.ErrUnexpectedEOF)
	}
	return err
}
