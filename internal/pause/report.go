package pause

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootset"
	"github.com/DataExMachina-dev/rootscan-go/internal/stackscan"
	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// Report is the outcome of one pause.
type Report struct {
	ID        uuid.UUID
	Timestamp time.Time
	Heap      memory.Range
	// WordSize is the width in bytes of the words the stacks were scanned as.
	WordSize int
	// Roots holds the candidate roots found on all stacks. It belongs to the
	// caller and is cleared by the next pause that reuses it.
	Roots   *rootset.Set
	Threads []ThreadReport
	// Incomplete is set when some stack could only be partially scanned or
	// its scan range was inconsistent. Roots may be missing in that case.
	Incomplete bool
	Statistics Statistics
}

// Complete returns whether every registered thread's stack was fully
// scanned.
func (r *Report) Complete() bool {
	return !r.Incomplete && r.Statistics.SkippedThreads == 0
}

// Statistics is timing and counting information about a pause.
type Statistics struct {
	SuspendDuration time.Duration
	ScanDuration    time.Duration
	ResumeDuration  time.Duration
	TotalDuration   time.Duration
	NumThreads      int
	SkippedThreads  int
}

// ThreadReport describes the scan of one thread's stack.
type ThreadReport struct {
	ID threads.ID
	// StackPointer is the stack pointer captured at suspension.
	StackPointer uintptr
	// Region is the stack region reported by the host.
	Region memory.Region
	// Start is the sanitized stack pointer the scan started from.
	Start uintptr
	// Clamped is set when StackPointer was outside Region and the scan
	// started at the region's base instead.
	Clamped bool
	Result  stackscan.Result
	// Skipped is set when the stack was not scanned at all; Err says why.
	Skipped    bool
	Incomplete bool
	Err        error
}

func (t ThreadReport) String() string {
	if t.Skipped {
		return fmt.Sprintf("{ID: %d, Skipped: %v}", t.ID, t.Err)
	}
	return fmt.Sprintf("{ID: %d, Stack: %s, SP: %#x, Start: %#x, Words: %d, Roots: %d}",
		t.ID, t.Region, t.StackPointer, t.Start, t.Result.Words, t.Result.Roots)
}

func (t *ThreadReport) skip(err error) {
	t.Skipped = true
	t.Err = err
}
