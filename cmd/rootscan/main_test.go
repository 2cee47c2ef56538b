package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/rootscan-go/rootscan"
)

func TestParseHeap(t *testing.T) {
	r, err := parseHeap("0x1000-0x2000")
	require.NoError(t, err)
	require.Equal(t, rootscan.Range{Low: 0x1000, High: 0x2000}, r)

	r, err = parseHeap(" 4096 - 8192 ")
	require.NoError(t, err)
	require.Equal(t, rootscan.Range{Low: 0x1000, High: 0x2000}, r)

	r, err = parseHeap("")
	require.NoError(t, err)
	require.True(t, r.Empty())

	for _, s := range []string{"0x1000", "x-0x2000", "0x1000-y", "0x2000-0x1000", "0x1000-0x1000"} {
		_, err := parseHeap(s)
		require.Error(t, err, s)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rootscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pid: 1234
heap: 0x1000-0x2000
workers: 3
asserts: true
listen: 127.0.0.1:7091
lock_dir: /run/rootscan
roots: true
`), 0o644))
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, config{
		PID:     1234,
		Heap:    "0x1000-0x2000",
		Workers: 3,
		Asserts: true,
		Listen:  "127.0.0.1:7091",
		LockDir: "/run/rootscan",
		Roots:   true,
	}, cfg)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg, err = loadConfig(empty)
	require.NoError(t, err)
	require.Equal(t, config{}, cfg)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pids: 1\n"), 0o644))
	_, err = loadConfig(bad)
	require.Error(t, err)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLockProcess(t *testing.T) {
	dir := t.TempDir()
	lock, err := lockProcess(dir, 42)
	require.NoError(t, err)
	_, err = lockProcess(dir, 42)
	require.ErrorContains(t, err, "already being scanned")

	other, err := lockProcess(dir, 43)
	require.NoError(t, err)
	require.NoError(t, other.Unlock())

	require.NoError(t, lock.Unlock())
	lock, err = lockProcess(dir, 42)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}

func loadTestCapture(t *testing.T) *rootscan.Scanner {
	if strconv.IntSize != 64 {
		t.Skip("captures in this test hold 64-bit words")
	}
	data := make([]byte, 32)
	for i, w := range []uint64{0x10100, 0x10200, 0x5, 0x1ffff} {
		binary.NativeEndian.PutUint64(data[8*i:], w)
	}
	s, err := rootscan.Load(rootscan.Capture{
		PID:  7,
		Heap: rootscan.Range{Low: 0x10000, High: 0x20000},
		Stacks: []rootscan.Stack{
			{TID: 7, Base: 0x9000, Data: data, SP: 0x9008},
			{TID: 8, Base: 0xa000, Data: data, SP: 0x1},
			{TID: 9},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPrintReport(t *testing.T) {
	s := loadTestCapture(t)
	r, err := s.Pause(context.Background(), rootscan.Range{})
	require.NoError(t, err)

	var buf bytes.Buffer
	printReport(&buf, r, true)
	out := buf.String()
	require.Contains(t, out, "pause "+r.ID.String())
	require.Contains(t, out, "3 roots on 3 threads (1 skipped)")
	require.Contains(t, out, "scanned 56")
	require.Contains(t, out, "incomplete")
	require.Contains(t, out, "thread 7: stack")
	require.Contains(t, out, "stack pointer 0x1 outside stack")
	require.Contains(t, out, "thread 9: skipped")
	require.Contains(t, out, "0x10100\n0x10200\n0x1ffff\n")
}

func TestRunRemote(t *testing.T) {
	s := loadTestCapture(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, s.ServeListener(l))

	var buf bytes.Buffer
	err = run(context.Background(), config{
		Connect: l.Addr().String(),
		Heap:    "0x10200-0x10201",
		Roots:   true,
	}, &buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "1 roots on 3 threads")
	require.Contains(t, buf.String(), "0x10200\n")
}

func TestRunErrors(t *testing.T) {
	err := run(context.Background(), config{}, &bytes.Buffer{})
	require.ErrorContains(t, err, "-pid")
	err = run(context.Background(), config{PID: 1, Heap: "nope"}, &bytes.Buffer{})
	require.Error(t, err)

	dir := t.TempDir()
	lock, err := lockProcess(dir, 99)
	require.NoError(t, err)
	defer func() { _ = lock.Unlock() }()
	err = run(context.Background(), config{PID: 99, LockDir: dir}, &bytes.Buffer{})
	require.Error(t, err)
	require.False(t, errors.Is(err, rootscan.ErrUnsupportedPlatform))
}
