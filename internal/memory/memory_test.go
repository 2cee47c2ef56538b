package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegion(t *testing.T) {
	r := Region{Base: 0x1000, Size: 0x1000}
	require.True(t, r.Valid())
	require.Equal(t, uintptr(0x2000), r.End())
	require.True(t, r.Contains(0x1000))
	require.True(t, r.Contains(0x1fff))
	require.False(t, r.Contains(0x2000))
	require.False(t, r.Contains(0xfff))
	require.Equal(t, "[0x1000, 0x2000)", r.String())

	require.False(t, Region{Base: 0x1000}.Valid())
	wrapped := Region{Base: ^uintptr(0) - 0xf, Size: 0x100}
	require.False(t, wrapped.Valid())
	require.False(t, wrapped.Contains(^uintptr(0)-1))
}

func TestRange(t *testing.T) {
	h := Range{Low: 0x9000, High: 0xA000}
	require.True(t, h.Contains(0x9000))
	require.True(t, h.Contains(0x9500))
	require.False(t, h.Contains(0xA000))
	require.False(t, h.Empty())
	require.True(t, Range{Low: 5, High: 5}.Empty())
}

func TestImage(t *testing.T) {
	m := NewImage()
	_, err := m.Map(0x1000, 0x20)
	require.NoError(t, err)
	_, err = m.Map(0x1020, 0x20)
	require.NoError(t, err)
	_, err = m.Map(0x1010, 0x20)
	require.Error(t, err)
	_, err = m.Map(0x3000, 0)
	require.Error(t, err)

	require.NoError(t, m.PutWord(0x1018, 0x9500))
	require.ErrorIs(t, m.PutWord(0x1040, 1), ErrUnmapped)

	// A read spanning the two adjacent segments.
	buf := make([]byte, 0x30)
	n, err := m.ReadAt(buf, 0x1008)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	// A read running off the end is short and reports the hole.
	n, err = m.ReadAt(buf, 0x1030)
	require.ErrorIs(t, err, ErrUnmapped)
	require.Equal(t, 0x10, n)

	_, err = m.ReadAt(buf[:8], 0x500)
	require.ErrorIs(t, err, ErrUnmapped)
}
