// Package rootscan finds the candidate garbage-collection roots held on the
// thread stacks of a process.
//
// A pause stops every thread of the target, reads each stack from its
// stack pointer to its end and records every word whose value falls within
// the heap range. The scan is conservative: any word that looks like a heap
// address is reported, whether or not it is a pointer.
package rootscan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DataExMachina-dev/rootscan-go/internal/hostproc"
	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/pause"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootset"
	"github.com/DataExMachina-dev/rootscan-go/internal/stackbounds"
	"github.com/DataExMachina-dev/rootscan-go/internal/stackscan"
	"github.com/DataExMachina-dev/rootscan-go/internal/suspend"
	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

type (
	// Report is the outcome of a pause.
	Report = pause.Report
	// ThreadReport describes the scan of one thread's stack.
	ThreadReport = pause.ThreadReport
	// Statistics is timing information about a pause.
	Statistics = pause.Statistics
	// RootSet is a set of candidate root addresses.
	RootSet = rootset.Set
	// Range is a half-open address range [Low, High).
	Range = memory.Range
	// Region is a half-open address region [Base, Base+Size).
	Region = memory.Region
)

var (
	ErrBoundsUnavailable   = stackscan.ErrBoundsUnavailable
	ErrInvalidRange        = stackscan.ErrInvalidRange
	ErrNotSuspended        = threads.ErrNotSuspended
	ErrUnsupportedPlatform = suspend.ErrUnsupportedPlatform
)

// maxPauseAttempts bounds how often a pause is retried after a thread exited
// between the thread list being refreshed and the thread being suspended.
const maxPauseAttempts = 3

type process interface {
	PID() int
	Threads() ([]threads.ID, error)
	Maps() ([]hostproc.Mapping, error)
	Executable() (string, error)
	StartTime() (time.Time, error)
}

// Scanner scans the stacks of one process. It is safe for concurrent use;
// pauses of the same process are serialized.
type Scanner struct {
	cfg       config
	proc      process
	registry  *threads.Registry
	suspender suspend.Suspender
	collector *pause.Collector
	closeMem  func() error

	pauseMu sync.Mutex
	mu      struct {
		sync.Mutex
		last    *Report
		lastErr error
	}
	srv serverState
}

// Attach prepares to scan the process with the given pid. The process is not
// stopped until Pause is called.
//
// Attach returns ErrUnsupportedPlatform if threads cannot be suspended on this
// host. Close must be called to release the process.
func Attach(pid int, opts ...Option) (*Scanner, error) {
	if err := suspend.PlatformSupported(); err != nil {
		return nil, err
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	proc, err := hostproc.Open(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	mem, err := memory.OpenProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory of process %d: %w", pid, err)
	}
	sus, err := suspend.New()
	if err != nil {
		_ = mem.Close()
		return nil, err
	}
	registry := threads.NewRegistry(cfg.asserts)
	bounds := stackbounds.NewProcMaps(proc, registry.StackPointer)
	s := newScanner(cfg, proc, registry, bounds, sus, mem)
	s.closeMem = mem.Close
	if err := s.syncThreads(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func buildConfig(opts []Option) (config, error) {
	cfg, err := makeDefaultConfig()
	if err != nil {
		return config{}, err
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := (stackscan.Scanner{WordSize: cfg.wordSize}).Validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func newScanner(
	cfg config,
	proc process,
	registry *threads.Registry,
	bounds stackbounds.Provider,
	sus suspend.Suspender,
	mem memory.Reader,
) *Scanner {
	return &Scanner{
		cfg:       cfg,
		proc:      proc,
		registry:  registry,
		suspender: sus,
		collector: pause.NewCollector(registry, bounds, sus, mem, pause.Config{
			Workers:     cfg.workers,
			Asserts:     cfg.asserts,
			WordSize:    cfg.wordSize,
			ErrorLogger: cfg.errorLogger,
		}),
	}
}

// PID returns the id of the scanned process.
func (s *Scanner) PID() int {
	return s.proc.PID()
}

// Executable returns the path to the scanned process' executable.
func (s *Scanner) Executable() (string, error) {
	return s.proc.Executable()
}

// StartTime returns when the scanned process started.
func (s *Scanner) StartTime() (time.Time, error) {
	return s.proc.StartTime()
}

// HeapRange returns the range of the process' [heap] mapping.
func (s *Scanner) HeapRange() (Range, error) {
	maps, err := s.proc.Maps()
	if err != nil {
		return Range{}, fmt.Errorf("failed to read memory map: %w", err)
	}
	return hostproc.HeapRange(maps)
}

// Threads returns the ids of the threads known to the scanner, as of the last
// pause or Attach.
func (s *Scanner) Threads() []int {
	ids := s.registry.IDs()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// Pause stops every thread of the process, scans their stacks for values in
// heap, and resumes them. An empty heap selects HeapRange.
//
// ctx can abandon the pause while threads are being suspended; once every
// thread is stopped, the pause runs to completion.
func (s *Scanner) Pause(ctx context.Context, heap Range) (*Report, error) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	r, err := s.pauseLocked(ctx, heap)
	s.mu.Lock()
	if err == nil {
		s.mu.last = r
	}
	s.mu.lastErr = err
	s.mu.Unlock()
	return r, err
}

func (s *Scanner) pauseLocked(ctx context.Context, heap Range) (*Report, error) {
	if heap.Empty() {
		var err error
		if heap, err = s.HeapRange(); err != nil {
			return nil, err
		}
	}
	for attempt := 1; ; attempt++ {
		if err := s.syncThreads(); err != nil {
			return nil, err
		}
		r, err := s.collector.Pause(ctx, heap, nil)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, suspend.ErrThreadExited) || attempt == maxPauseAttempts {
			return nil, err
		}
		s.cfg.errorLogger(fmt.Errorf("retrying pause: %w", err))
	}
}

// LastReport returns the report of the last successful pause, or nil.
func (s *Scanner) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.last
}

// syncThreads registers the process' current threads with the registry and
// drops those that exited.
func (s *Scanner) syncThreads() error {
	ids, err := s.proc.Threads()
	if err != nil {
		return fmt.Errorf("failed to list threads of process %d: %w", s.proc.PID(), err)
	}
	s.registry.Sync(ids)
	return nil
}

// Close stops serving and releases the process. Close must not be called
// concurrently with Pause.
func (s *Scanner) Close() error {
	s.Stop()
	err := s.suspender.Close()
	if s.closeMem != nil {
		err = errors.Join(err, s.closeMem())
	}
	return err
}
