//go:build linux

package memory

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Process reads the memory of a process through /proc/<pid>/mem. The target
// threads must be stopped (or be the calling process) for reads to be
// consistent.
type Process struct {
	pid int
	f   *os.File
}

// OpenProcess opens the memory of the process with the given pid.
func OpenProcess(pid int) (*Process, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open memory of pid %d: %w", pid, err)
	}
	return &Process{pid: pid, f: f}, nil
}

// ReadAt implements Reader.
//
// The kernel reports unmapped pages with EIO; those are translated to
// ErrUnmapped.
func (p *Process) ReadAt(buf []byte, addr uintptr) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := unix.Pread(int(p.f.Fd()), buf[n:], int64(addr)+int64(n))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EIO) || errors.Is(err, unix.EFAULT) || (err == nil && m == 0) {
			return n, fmt.Errorf("read at %#x in pid %d: %w", addr+uintptr(n), p.pid, ErrUnmapped)
		}
		if err != nil {
			return n, fmt.Errorf("failed to read memory of pid %d at %#x: %w", p.pid, addr+uintptr(n), err)
		}
		n += m
	}
	return n, nil
}

// Close releases the underlying file.
func (p *Process) Close() error {
	return p.f.Close()
}

var _ Reader = (*Process)(nil)
