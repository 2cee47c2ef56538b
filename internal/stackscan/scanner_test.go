package stackscan

import (
	"math/rand"
	"testing"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootset"
	"github.com/stretchr/testify/require"
)

const word = uintptr(memory.PointerSize)

func mustSanitize(t *testing.T, sp uintptr, region memory.Region) SanitizedPointer {
	t.Helper()
	p, err := Sanitize(sp, region)
	require.NoError(t, err)
	return p
}

func fill(t *testing.T, m *memory.Image, start, end uintptr, v func(addr uintptr) uintptr) {
	t.Helper()
	for addr := start; addr+word <= end; addr += word {
		require.NoError(t, m.PutWord(addr, v(addr)))
	}
}

func TestScanFindsHeapPointer(t *testing.T) {
	m := memory.NewImage()
	_, err := m.Map(0x1000, 0x20)
	require.NoError(t, err)
	fill(t, m, 0x1000, 0x1020, func(addr uintptr) uintptr { return 0x1234 + addr })
	require.NoError(t, m.PutWord(0x1010, 0x9500))

	sink := rootset.New()
	start := mustSanitize(t, 0x1000, memory.Region{Base: 0x1000, Size: 0x20})
	res, err := Scanner{}.Scan(m, start, 0x1020, memory.Range{Low: 0x9000, High: 0xA000}, sink)
	require.NoError(t, err)
	require.Equal(t, []uintptr{0x9500}, sink.Sorted())
	require.Equal(t, int(0x20/word), res.Words)
	require.Equal(t, 1, res.Roots)
	require.True(t, res.Complete())
}

func TestScanEmptyRange(t *testing.T) {
	m := memory.NewImage()
	_, err := m.Map(0x1000, 0x100)
	require.NoError(t, err)
	region := memory.Region{Base: 0x1000, Size: 0x100}
	heap := memory.Range{Low: 0, High: ^uintptr(0)}

	sink := rootset.New()
	res, err := Scanner{}.Scan(m, mustSanitize(t, 0x1040, region), 0x1040, heap, sink)
	require.NoError(t, err)
	require.Zero(t, res.Words)
	require.Zero(t, sink.Len())

	// Unaligned start with less than one aligned word before top.
	res, err = Scanner{}.Scan(m, mustSanitize(t, 0x1041, region), 0x1040+word, heap, sink)
	require.NoError(t, err)
	require.Zero(t, res.Words)
}

func TestScanIgnoresPartialWords(t *testing.T) {
	m := memory.NewImage()
	_, err := m.Map(0x1000, 0x40)
	require.NoError(t, err)
	fill(t, m, 0x1000, 0x1040, func(addr uintptr) uintptr { return 0x9000 + addr })
	region := memory.Region{Base: 0x1000, Size: 0x40}
	heap := memory.Range{Low: 0x9000, High: 0xB000}

	sink := rootset.New()
	// Start one byte past the first word, stop one byte short of the last.
	res, err := Scanner{}.Scan(m, mustSanitize(t, 0x1001, region), 0x103f, heap, sink)
	require.NoError(t, err)
	require.Equal(t, int(0x40/word)-2, res.Words)
	require.False(t, sink.Contains(0xa000))
	require.True(t, sink.Contains(0xa000+word))
	require.False(t, sink.Contains(0xa040-word))
}

func TestScanInvalidRange(t *testing.T) {
	region := memory.Region{Base: 0x1000, Size: 0x20}
	_, err := Scanner{}.Scan(memory.NewImage(), mustSanitize(t, 0x1010, region), 0x1008, memory.Range{}, rootset.New())
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestScanUnsupportedWordSize(t *testing.T) {
	region := memory.Region{Base: 0x1000, Size: 0x20}
	_, err := Scanner{WordSize: 3}.Scan(memory.NewImage(), mustSanitize(t, 0x1000, region), 0x1020, memory.Range{}, rootset.New())
	require.Error(t, err)
}

func TestScannerValidate(t *testing.T) {
	require.NoError(t, Scanner{}.Validate())
	require.NoError(t, Scanner{WordSize: 4}.Validate())
	require.Error(t, Scanner{WordSize: 16}.Validate())
	require.Error(t, Scanner{WordSize: -1}.Validate())
}

func TestScanSkipsUnreadableMemory(t *testing.T) {
	// Two mapped pieces with a hole in the middle of a chunk.
	m := memory.NewImage()
	_, err := m.Map(0x1000, 0x40)
	require.NoError(t, err)
	_, err = m.Map(0x1080, 0x40)
	require.NoError(t, err)
	require.NoError(t, m.PutWord(0x1008, 0x9100))
	require.NoError(t, m.PutWord(0x1088, 0x9200))

	sink := rootset.New()
	region := memory.Region{Base: 0x1000, Size: 0xc0}
	res, err := Scanner{ChunkSize: 0x100}.Scan(m, mustSanitize(t, 0x1000, region), 0x10c0, memory.Range{Low: 0x9000, High: 0xA000}, sink)
	require.NoError(t, err)
	require.Equal(t, []uintptr{0x9100, 0x9200}, sink.Sorted())
	require.Equal(t, uintptr(0x40), res.UnreadableBytes)
	require.False(t, res.Complete())
	require.Equal(t, int(0x80/word), res.Words)
}

// Property: every aligned word in range whose value is in the heap range is
// found, and nothing else is.
func TestPropertyScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	heap := memory.Range{Low: 0x40000, High: 0x50000}
	for i := 0; i < 100; i++ {
		size := (1 + rng.Intn(512)) * int(word)
		region := memory.Region{Base: 0x10000, Size: uintptr(size)}
		m := memory.NewImage()
		_, err := m.Map(region.Base, size)
		require.NoError(t, err)

		want := map[uintptr]bool{}
		sp := region.Base + uintptr(rng.Intn(size))
		for addr := region.Base; addr < region.End(); addr += word {
			v := uintptr(rng.Intn(0x60000))
			require.NoError(t, m.PutWord(addr, v))
			if addr >= sp && heap.Contains(v) {
				want[v] = true
			}
		}
		sink := rootset.New()
		res, err := Scanner{ChunkSize: 64}.Scan(m, mustSanitize(t, sp, region), region.End(), heap, sink)
		require.NoError(t, err)
		require.True(t, res.Complete())
		for v := range want {
			require.True(t, sink.Contains(v), "missing %#x", v)
		}
		sink.ForEach(func(v uintptr) {
			require.True(t, heap.Contains(v))
		})
	}
}
