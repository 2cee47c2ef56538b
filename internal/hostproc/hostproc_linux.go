//go:build linux

package hostproc

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prometheus/procfs"

	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// Process gives access to /proc/<pid>.
type Process struct {
	fs  procfs.FS
	pid int
}

// Open returns the Process for pid under the default /proc mount.
func Open(pid int) (*Process, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return OpenFS(fs, pid), nil
}

// OpenFS returns the Process for pid in the given procfs.
func OpenFS(fs procfs.FS, pid int) *Process {
	return &Process{fs: fs, pid: pid}
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.pid
}

// Threads lists the tasks of the process in ascending order.
func (p *Process) Threads() ([]threads.ID, error) {
	procs, err := p.fs.AllThreads(p.pid)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads of pid %d: %w", p.pid, err)
	}
	ids := make([]threads.ID, 0, len(procs))
	for _, t := range procs {
		ids = append(ids, threads.ID(t.PID))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Maps reads the memory map of the process. The map is read fresh on every
// call: stacks grow between pauses.
func (p *Process) Maps() ([]Mapping, error) {
	proc, err := p.fs.Proc(p.pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open pid %d: %w", p.pid, err)
	}
	raw, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read maps of pid %d: %w", p.pid, err)
	}
	maps := make([]Mapping, 0, len(raw))
	for _, m := range raw {
		mapping := Mapping{
			Start: m.StartAddr,
			End:   m.EndAddr,
			Path:  m.Pathname,
		}
		if m.Perms != nil {
			mapping.Readable = m.Perms.Read
			mapping.Writable = m.Perms.Write
			mapping.Executable = m.Perms.Execute
			mapping.Private = m.Perms.Private
		}
		maps = append(maps, mapping)
	}
	return maps, nil
}

// Executable returns the path of the process' executable.
func (p *Process) Executable() (string, error) {
	proc, err := p.fs.Proc(p.pid)
	if err != nil {
		return "", fmt.Errorf("failed to open pid %d: %w", p.pid, err)
	}
	exe, err := proc.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to read executable of pid %d: %w", p.pid, err)
	}
	return exe, nil
}

// StartTime returns when the process started.
func (p *Process) StartTime() (time.Time, error) {
	proc, err := p.fs.Proc(p.pid)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open pid %d: %w", p.pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read stat of pid %d: %w", p.pid, err)
	}
	secs, err := stat.StartTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute start time of pid %d: %w", p.pid, err)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), nil
}
