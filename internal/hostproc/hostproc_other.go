//go:build !linux

package hostproc

import (
	"time"

	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// Process is unavailable on this platform.
type Process struct {
	pid int
}

// Open always fails on this platform.
func Open(pid int) (*Process, error) {
	return nil, ErrNotImplemented
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.pid
}

// Threads implements the linux API.
func (p *Process) Threads() ([]threads.ID, error) {
	return nil, ErrNotImplemented
}

// Maps implements the linux API.
func (p *Process) Maps() ([]Mapping, error) {
	return nil, ErrNotImplemented
}

// Executable implements the linux API.
func (p *Process) Executable() (string, error) {
	return "", ErrNotImplemented
}

// StartTime implements the linux API.
func (p *Process) StartTime() (time.Time, error) {
	return time.Time{}, ErrNotImplemented
}
