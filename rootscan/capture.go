package rootscan

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/DataExMachina-dev/rootscan-go/internal/hostproc"
	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/stackbounds"
	"github.com/DataExMachina-dev/rootscan-go/internal/suspend"
	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// Stack is a thread stack captured earlier, for instance from a core file.
type Stack struct {
	TID int
	// Base is the lowest address of the stack; Data holds the contents of
	// [Base, Base+len(Data)).
	Base uintptr
	Data []byte
	// SP is the stack pointer the thread was stopped with.
	SP uintptr
}

// Capture is the state of a process captured earlier.
type Capture struct {
	PID        int
	Executable string
	StartTime  time.Time
	// Heap is used when a pause does not name a heap range.
	Heap   Range
	Stacks []Stack
}

// Load returns a Scanner over a capture instead of a live process. Its
// threads are considered stopped at all times; pausing only scans.
func Load(c Capture, opts ...Option) (*Scanner, error) {
	if err := suspend.ScanSupported(); err != nil {
		return nil, err
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	mem := memory.NewImage()
	bounds := stackbounds.NewStatic(nil)
	proc := &captureProcess{capture: c}
	sus := &captureSuspender{sps: make(map[threads.ID]uintptr, len(c.Stacks))}
	for _, st := range c.Stacks {
		id := threads.ID(st.TID)
		if _, ok := sus.sps[id]; ok {
			return nil, fmt.Errorf("duplicate stack for thread %d", st.TID)
		}
		sus.sps[id] = st.SP
		region := memory.Region{Base: st.Base, Size: uintptr(len(st.Data))}
		if !region.Valid() {
			// Left without bounds; the pause skips it.
			continue
		}
		buf, err := mem.Map(st.Base, len(st.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to load stack of thread %d: %w", st.TID, err)
		}
		copy(buf, st.Data)
		bounds.Set(id, region)
		proc.maps = append(proc.maps, hostproc.Mapping{
			Start:    region.Base,
			End:      region.End(),
			Readable: true,
			Writable: true,
			Private:  true,
		})
	}
	if !c.Heap.Empty() {
		proc.maps = append(proc.maps, hostproc.Mapping{
			Start:    c.Heap.Low,
			End:      c.Heap.High,
			Readable: true,
			Writable: true,
			Private:  true,
			Path:     "[heap]",
		})
	}
	sort.Slice(proc.maps, func(i, j int) bool { return proc.maps[i].Start < proc.maps[j].Start })

	registry := threads.NewRegistry(cfg.asserts)
	s := newScanner(cfg, proc, registry, bounds, sus, mem)
	if err := s.syncThreads(); err != nil {
		return nil, err
	}
	return s, nil
}

type captureProcess struct {
	capture Capture
	maps    []hostproc.Mapping
}

func (p *captureProcess) PID() int {
	return p.capture.PID
}

func (p *captureProcess) Threads() ([]threads.ID, error) {
	ids := make([]threads.ID, 0, len(p.capture.Stacks))
	for _, st := range p.capture.Stacks {
		ids = append(ids, threads.ID(st.TID))
	}
	return ids, nil
}

func (p *captureProcess) Maps() ([]hostproc.Mapping, error) {
	return p.maps, nil
}

func (p *captureProcess) Executable() (string, error) {
	if p.capture.Executable == "" {
		return "", fmt.Errorf("capture of process %d: %w", p.capture.PID, os.ErrNotExist)
	}
	return p.capture.Executable, nil
}

func (p *captureProcess) StartTime() (time.Time, error) {
	if p.capture.StartTime.IsZero() {
		return time.Time{}, fmt.Errorf("capture of process %d has no start time", p.capture.PID)
	}
	return p.capture.StartTime, nil
}

// captureSuspender hands out the captured stack pointers.
type captureSuspender struct {
	sps map[threads.ID]uintptr
}

func (s *captureSuspender) Suspend(id threads.ID) (uintptr, error) {
	sp, ok := s.sps[id]
	if !ok {
		return 0, fmt.Errorf("no stack captured for thread %d: %w", id, suspend.ErrThreadExited)
	}
	return sp, nil
}

func (s *captureSuspender) Resume(id threads.ID) error {
	return nil
}

func (s *captureSuspender) Close() error {
	return nil
}
