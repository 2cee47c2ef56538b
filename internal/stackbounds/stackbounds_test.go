package stackbounds

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/rootscan-go/internal/hostproc"
	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

func TestStatic(t *testing.T) {
	s := NewStatic(map[threads.ID]memory.Region{
		1: {Base: 0x1000, Size: 0x1000},
		2: {Base: 0x3000},
	})
	r, err := s.Query(1)
	require.NoError(t, err)
	require.Equal(t, memory.Region{Base: 0x1000, Size: 0x1000}, r)

	_, err = s.Query(2)
	require.ErrorIs(t, err, ErrBoundsUnavailable)
	_, err = s.Query(3)
	require.ErrorIs(t, err, ErrBoundsUnavailable)

	s.Set(3, memory.Region{Base: 0x5000, Size: 0x100})
	r, err = s.Query(3)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x5100), r.End())
}

type fakeMaps struct {
	pid  int
	maps []hostproc.Mapping
	err  error
}

func (f fakeMaps) PID() int                          { return f.pid }
func (f fakeMaps) Maps() ([]hostproc.Mapping, error) { return f.maps, f.err }

func TestProcMaps(t *testing.T) {
	src := fakeMaps{
		pid: 100,
		maps: []hostproc.Mapping{
			{Start: 0x400000, End: 0x401000, Readable: true, Executable: true, Private: true, Path: "/bin/target"},
			{Start: 0x600000, End: 0x700000, Readable: true, Writable: true, Private: true, Path: "[heap]"},
			{Start: 0x7f0000000000, End: 0x7f0000001000, Private: true},
			{Start: 0x7f0000001000, End: 0x7f0000801000, Readable: true, Writable: true, Private: true},
			{Start: 0x7ffff0000000, End: 0x7ffff0021000, Readable: true, Writable: true, Private: true, Path: "[stack]"},
		},
	}
	sps := map[threads.ID]uintptr{
		101: 0x7f0000400000,
		102: 0x650000,
		103: 0x10,
	}
	p := NewProcMaps(src, func(id threads.ID) (uintptr, error) {
		sp, ok := sps[id]
		if !ok {
			return 0, threads.ErrNotSuspended
		}
		return sp, nil
	})

	r, err := p.Query(100)
	require.NoError(t, err)
	require.Equal(t, memory.Region{Base: 0x7ffff0000000, Size: 0x21000}, r)

	r, err = p.Query(101)
	require.NoError(t, err)
	require.Equal(t, memory.Region{Base: 0x7f0000001000, Size: 0x800000}, r)

	// A stack pointer into the heap is not trusted to find a stack.
	_, err = p.Query(102)
	require.ErrorIs(t, err, ErrBoundsUnavailable)
	_, err = p.Query(103)
	require.ErrorIs(t, err, ErrBoundsUnavailable)
	_, err = p.Query(104)
	require.ErrorIs(t, err, ErrBoundsUnavailable)

	broken := NewProcMaps(fakeMaps{pid: 100, err: errors.New("boom")}, nil)
	_, err = broken.Query(100)
	require.ErrorIs(t, err, ErrBoundsUnavailable)
}

func TestProcMapsRemembersStack(t *testing.T) {
	const (
		stackA = 0x100000
		stackB = 0x200000
	)
	anon := func(start, end uintptr) hostproc.Mapping {
		return hostproc.Mapping{Start: start, End: end, Readable: true, Writable: true, Private: true}
	}
	src := &fakeMaps{
		pid: 100,
		maps: []hostproc.Mapping{
			anon(stackA, stackA+0x1000),
			anon(stackB, stackB+0x1000),
			{Start: 0x7ffff0000000, End: 0x7ffff0021000, Readable: true, Writable: true, Private: true, Path: "[stack]"},
		},
	}
	sps := map[threads.ID]uintptr{
		101: stackA + 0x800,
		102: stackB + 0x800,
	}
	p := NewProcMaps(src, func(id threads.ID) (uintptr, error) {
		return sps[id], nil
	})
	regionA := memory.Region{Base: stackA, Size: 0x1000}
	regionB := memory.Region{Base: stackB, Size: 0x1000}

	r, err := p.Query(101)
	require.NoError(t, err)
	require.Equal(t, regionA, r)
	r, err = p.Query(102)
	require.NoError(t, err)
	require.Equal(t, regionB, r)

	// A known thread keeps its stack whatever its stack pointer says.
	sps[101] = stackB + 0x10
	r, err = p.Query(101)
	require.NoError(t, err)
	require.Equal(t, regionA, r)

	// The extent is read again on every query.
	src.maps[0] = anon(stackA-0x1000, stackA+0x1000)
	r, err = p.Query(101)
	require.NoError(t, err)
	require.Equal(t, memory.Region{Base: stackA - 0x1000, Size: 0x2000}, r)

	// An unknown thread cannot take a stack that is already known.
	sps[103] = stackA + 0x10
	_, err = p.Query(103)
	require.ErrorIs(t, err, ErrBoundsUnavailable)

	// Once forgotten, the stack is learned again from the stack pointer.
	p.Forget(101)
	r, err = p.Query(103)
	require.NoError(t, err)
	require.Equal(t, memory.Region{Base: stackA - 0x1000, Size: 0x2000}, r)
	_, err = p.Query(101)
	require.ErrorIs(t, err, ErrBoundsUnavailable)

	// The main thread's labelled stack wins over a thread that learned it.
	sps[104] = 0x7ffff0000100
	_, err = p.Query(104)
	require.NoError(t, err)
	r, err = p.Query(100)
	require.NoError(t, err)
	require.Equal(t, memory.Region{Base: 0x7ffff0000000, Size: 0x21000}, r)
	_, err = p.Query(104)
	require.ErrorIs(t, err, ErrBoundsUnavailable)

	// A stack that was unmapped is forgotten.
	src.maps = src.maps[:1]
	_, err = p.Query(102)
	require.ErrorIs(t, err, ErrBoundsUnavailable)
}
