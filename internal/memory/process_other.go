//go:build !linux

package memory

// Process is unavailable on this platform.
type Process struct{}

// OpenProcess always fails on this platform.
func OpenProcess(pid int) (*Process, error) {
	return nil, ErrNotImplemented
}

// ReadAt implements Reader.
func (p *Process) ReadAt(buf []byte, addr uintptr) (int, error) {
	return 0, ErrNotImplemented
}

// Close is a no-op.
func (p *Process) Close() error {
	return nil
}

var _ Reader = (*Process)(nil)
