// Package pause runs stop-the-world root scanning: it suspends every
// registered thread, scans each stack conservatively and resumes the threads.
package pause

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootset"
	"github.com/DataExMachina-dev/rootscan-go/internal/stackbounds"
	"github.com/DataExMachina-dev/rootscan-go/internal/stackscan"
	"github.com/DataExMachina-dev/rootscan-go/internal/suspend"
	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// Config configures a Collector.
type Config struct {
	// Workers bounds the number of stacks scanned concurrently. Zero means
	// GOMAXPROCS.
	Workers int
	// Asserts makes contract violations and range bookkeeping errors panic.
	Asserts bool
	// WordSize is the pointer width of the target; zero means the host's.
	WordSize int
	// ErrorLogger is called with problems that do not abort the pause, such
	// as a thread whose stack bounds are unavailable. It is only called from
	// the goroutine running Pause.
	ErrorLogger func(err error)
}

type stackScanner interface {
	Scan(
		mem memory.Reader,
		start stackscan.SanitizedPointer,
		top uintptr,
		heap memory.Range,
		sink *rootset.Set,
	) (stackscan.Result, error)
}

// Collector runs pauses over one set of threads.
type Collector struct {
	registry  *threads.Registry
	bounds    stackbounds.Provider
	suspender suspend.Suspender
	mem       memory.Reader
	scanner   stackScanner
	cfg       Config
}

// NewCollector constructs a Collector.
func NewCollector(
	registry *threads.Registry,
	bounds stackbounds.Provider,
	suspender suspend.Suspender,
	mem memory.Reader,
	cfg Config,
) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.ErrorLogger == nil {
		cfg.ErrorLogger = func(err error) {}
	}
	if cfg.WordSize == 0 {
		cfg.WordSize = memory.PointerSize
	}
	return &Collector{
		registry:  registry,
		bounds:    bounds,
		suspender: suspender,
		mem:       mem,
		scanner:   stackscan.Scanner{WordSize: cfg.WordSize},
		cfg:       cfg,
	}
}

// Pause suspends every registered thread, scans their stacks for values in
// heap and resumes them. The roots are accumulated into roots, which is
// cleared first; a nil roots allocates a new set.
//
// ctx is only consulted while threads are being suspended. If it is done by
// then, the threads suspended so far are resumed and the pause is abandoned.
// Once scanning started, the pause runs to completion.
//
// A returned report may be incomplete (see Report.Complete); callers must not
// rely on it covering every root in that case.
func (c *Collector) Pause(
	ctx context.Context, heap memory.Range, roots *rootset.Set,
) (*Report, error) {
	if heap.Empty() {
		return nil, fmt.Errorf("empty heap range %s", heap)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pause id: %w", err)
	}
	if roots == nil {
		roots = rootset.New()
	} else {
		roots.Clear()
	}
	r := &Report{
		ID:        id,
		Timestamp: time.Now(),
		Heap:      heap,
		WordSize:  c.cfg.WordSize,
		Roots:     roots,
	}
	var pauseErr error
	c.registry.StopTheWorld(func() {
		pauseErr = c.pauseLocked(ctx, r)
	})
	r.Statistics.TotalDuration = time.Since(r.Timestamp)
	if pauseErr != nil {
		return nil, pauseErr
	}
	return r, nil
}

func (c *Collector) pauseLocked(ctx context.Context, r *Report) error {
	start := time.Now()
	suspended, err := c.suspendAll(ctx)
	if err != nil {
		if resumeErr := c.resumeAll(suspended); resumeErr != nil {
			err = errors.Join(err, resumeErr)
		}
		return err
	}
	afterSuspend := time.Now()
	r.Statistics.SuspendDuration = afterSuspend.Sub(start)

	c.scanAll(r)
	afterScan := time.Now()
	r.Statistics.ScanDuration = afterScan.Sub(afterSuspend)

	err = c.resumeAll(suspended)
	r.Statistics.ResumeDuration = time.Since(afterScan)
	return err
}

// suspendAll suspends every registered thread. Partial suspension is never
// left behind: on failure the caller resumes the returned threads.
func (c *Collector) suspendAll(ctx context.Context) ([]threads.ID, error) {
	ids := c.registry.IDs()
	suspended := make([]threads.ID, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return suspended, fmt.Errorf("pause abandoned: %w", err)
		}
		sp, err := c.suspender.Suspend(id)
		if err != nil {
			return suspended, fmt.Errorf("failed to suspend thread %d: %w", id, err)
		}
		suspended = append(suspended, id)
		if err := c.registry.MarkSuspended(id, sp); err != nil {
			return suspended, fmt.Errorf("failed to record suspension of thread %d: %w", id, err)
		}
	}
	return suspended, nil
}

// resumeAll resumes every given thread, continuing past failures.
func (c *Collector) resumeAll(ids []threads.ID) error {
	var errs []error
	for _, id := range ids {
		if err := c.suspender.Resume(id); err != nil {
			errs = append(errs, fmt.Errorf("failed to resume thread %d: %w", id, err))
		}
		if c.registry.Lookup(id).Status == threads.StatusSuspended {
			if err := c.registry.MarkResumed(id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// scanAll scans the stack of every suspended thread. The stacks are located
// first so that one claimed by several threads is never scanned for any of
// them. Each worker then fills its own root set; the sets are merged into the
// report's once all workers are done. Problems are logged from the calling
// goroutine after the workers finished, in thread order.
func (c *Collector) scanAll(r *Report) {
	var recs []threads.Record
	c.registry.ForEachSuspended(func(rec threads.Record) {
		recs = append(recs, rec)
	})
	r.Threads = make([]ThreadReport, len(recs))
	starts := make([]stackscan.SanitizedPointer, len(recs))
	for i, rec := range recs {
		r.Threads[i], starts[i] = c.locate(rec.ID)
	}
	c.rejectSharedStacks(r.Threads)

	local := make([]*rootset.Set, len(recs))
	logs := make([]error, len(recs))
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i := range r.Threads {
		i := i
		local[i] = rootset.New()
		if r.Threads[i].Skipped {
			logs[i] = r.Threads[i].Err
			continue
		}
		g.Go(func() error {
			logs[i] = c.scanThread(&r.Threads[i], starts[i], r.Heap, local[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := range r.Threads {
		t := &r.Threads[i]
		r.Statistics.NumThreads++
		if t.Skipped {
			r.Statistics.SkippedThreads++
		}
		if t.Incomplete {
			r.Incomplete = true
		}
		r.Roots.Merge(local[i])
		if logs[i] != nil {
			c.cfg.ErrorLogger(logs[i])
		}
	}
}

// locate determines where the scan of a thread's stack starts and ends.
func (c *Collector) locate(id threads.ID) (ThreadReport, stackscan.SanitizedPointer) {
	t := ThreadReport{ID: id}
	sp, err := c.registry.StackPointer(id)
	if err != nil {
		// Only suspended threads are scanned, so this is a bug.
		panic(err)
	}
	t.StackPointer = sp

	region, err := c.bounds.Query(id)
	if err != nil {
		t.skip(fmt.Errorf("failed to query stack bounds of thread %d: %w", id, err))
		return t, stackscan.SanitizedPointer{}
	}
	t.Region = region
	start, err := stackscan.Sanitize(sp, region)
	if err != nil {
		t.skip(fmt.Errorf("failed to sanitize stack pointer of thread %d: %w", id, err))
		return t, stackscan.SanitizedPointer{}
	}
	t.Start = start.Addr()
	t.Clamped = start.Clamped()
	return t, start
}

// rejectSharedStacks skips every thread whose stack overlaps the stack of
// another thread. At most one of them can own the memory, and scanning it
// for the others would leave their own stacks unscanned.
func (c *Collector) rejectSharedStacks(ts []ThreadReport) {
	var idx []int
	for i := range ts {
		if !ts[i].Skipped {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return ts[idx[a]].Region.Base < ts[idx[b]].Region.Base })

	shared := make(map[int]int) // thread index -> index of a thread it overlaps
	for a := 0; a < len(idx); a++ {
		for b := a + 1; b < len(idx) && ts[idx[b]].Region.Base < ts[idx[a]].Region.End(); b++ {
			shared[idx[a]] = idx[b]
			shared[idx[b]] = idx[a]
		}
	}
	forgetter, _ := c.bounds.(stackbounds.Forgetter)
	for i, other := range shared {
		t := &ts[i]
		t.skip(fmt.Errorf("thread %d: stack %s overlaps stack %s of thread %d: %w",
			t.ID, t.Region, ts[other].Region, ts[other].ID, stackbounds.ErrBoundsUnavailable))
		if forgetter != nil {
			forgetter.Forget(t.ID)
		}
	}
}

// scanThread scans a located stack into sink. It returns a problem to log,
// if any.
func (c *Collector) scanThread(
	t *ThreadReport, start stackscan.SanitizedPointer, heap memory.Range, sink *rootset.Set,
) error {
	res, err := c.scanner.Scan(c.mem, start, t.Region.End(), heap, sink)
	if err != nil {
		if errors.Is(err, stackscan.ErrInvalidRange) && c.cfg.Asserts {
			panic(fmt.Errorf("thread %d: %w", t.ID, err))
		}
		t.skip(fmt.Errorf("failed to scan stack of thread %d: %w", t.ID, err))
		t.Incomplete = true
		return t.Err
	}
	t.Result = res
	if !res.Complete() {
		t.Incomplete = true
		return fmt.Errorf(
			"thread %d: %d bytes of stack %s were unreadable", t.ID, res.UnreadableBytes, t.Region)
	}
	return nil
}
