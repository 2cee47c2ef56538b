package framing

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMessage() *Message {
	return &Message{
		Header: PauseHeader{
			WordSize:    8,
			Flags:       PauseIncomplete,
			ID:          [16]byte{1, 2, 3},
			TimestampNs: 1700000000000000000,
			HeapLow:     0x10000,
			HeapHigh:    0x20000,
			Statistics: Statistics{
				ScanDurationNs: 1234,
				NumThreads:     2,
				SkippedThreads: 1,
			},
		},
		Threads: []Thread{
			{Header: ThreadHeader{
				ID: 1, StackPointer: 0x9010, RegionBase: 0x9000, RegionSize: 0x100,
				Start: 0x9010, ScanTop: 0x9100, Words: 30, Roots: 2,
			}},
			{
				Header: ThreadHeader{ID: 2, Flags: ThreadSkipped},
				Err:    "thread 2: stack bounds unavailable",
			},
		},
		Roots: []uint64{0x10200, 0x1ffff},
	}
}

func TestEncodeDecode(t *testing.T) {
	in := testMessage()
	b, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, Magic, binary.LittleEndian.Uint32(b))

	out, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, Magic, out.Header.Magic)
	require.Equal(t, Version, out.Header.Version)
	require.Equal(t, uint32(2), out.Header.NumThreads)
	require.Equal(t, uint32(2), out.Header.NumRoots)
	require.Equal(t, in.Header.Statistics, out.Header.Statistics)
	require.Equal(t, in.Header.ID, out.Header.ID)
	require.Equal(t, in.Roots, out.Roots)
	require.Len(t, out.Threads, 2)
	require.Equal(t, in.Threads[0].Header, out.Threads[0].Header)
	require.Equal(t, in.Threads[1].Err, out.Threads[1].Err)
	require.Equal(t, uint32(len(in.Threads[1].Err)), out.Threads[1].Header.ErrByteLen)
}

func TestDecodeEmpty(t *testing.T) {
	b, err := Marshal(&Message{})
	require.NoError(t, err)
	m, err := Unmarshal(b)
	require.NoError(t, err)
	require.Empty(t, m.Threads)
	require.Empty(t, m.Roots)
}

func TestDecodeMalformed(t *testing.T) {
	good, err := Marshal(testMessage())
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"truncated header", good[:10]},
		{"truncated roots", good[:len(good)-3]},
		{"trailing bytes", append(append([]byte{}, good...), 0)},
		{"bad magic", append([]byte{0, 0, 0, 0}, good[4:]...)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal(tc.b)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeTruncatesErrorText(t *testing.T) {
	m := &Message{Threads: []Thread{{Err: strings.Repeat("x", maxErrByteLen+10)}}}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	out, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, out.Threads[0].Err, maxErrByteLen)
}
