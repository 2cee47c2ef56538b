package pause

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DataExMachina-dev/rootscan-go/internal/framing"
	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootset"
	"github.com/DataExMachina-dev/rootscan-go/internal/stackscan"
	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// MarshalBinary encodes the report in the framing format.
func (r *Report) MarshalBinary() ([]byte, error) {
	wordSize := r.WordSize
	if wordSize == 0 {
		wordSize = memory.PointerSize
	}
	m := &framing.Message{
		Header: framing.PauseHeader{
			WordSize:    uint8(wordSize),
			ID:          r.ID,
			TimestampNs: r.Timestamp.UnixNano(),
			HeapLow:     uint64(r.Heap.Low),
			HeapHigh:    uint64(r.Heap.High),
			Statistics: framing.Statistics{
				SuspendDurationNs: uint64(r.Statistics.SuspendDuration),
				ScanDurationNs:    uint64(r.Statistics.ScanDuration),
				ResumeDurationNs:  uint64(r.Statistics.ResumeDuration),
				TotalDurationNs:   uint64(r.Statistics.TotalDuration),
				NumThreads:        uint32(r.Statistics.NumThreads),
				SkippedThreads:    uint32(r.Statistics.SkippedThreads),
			},
		},
	}
	if r.Incomplete {
		m.Header.Flags |= framing.PauseIncomplete
	}
	for _, t := range r.Threads {
		ft := framing.Thread{Header: framing.ThreadHeader{
			ID:              int64(t.ID),
			StackPointer:    uint64(t.StackPointer),
			RegionBase:      uint64(t.Region.Base),
			RegionSize:      uint64(t.Region.Size),
			Start:           uint64(t.Start),
			ScanTop:         uint64(t.Result.Top),
			Words:           uint64(t.Result.Words),
			Roots:           uint64(t.Result.Roots),
			UnreadableBytes: uint64(t.Result.UnreadableBytes),
		}}
		if t.Clamped {
			ft.Header.Flags |= framing.ThreadClamped
		}
		if t.Skipped {
			ft.Header.Flags |= framing.ThreadSkipped
		}
		if t.Incomplete {
			ft.Header.Flags |= framing.ThreadIncomplete
		}
		if t.Err != nil {
			ft.Err = t.Err.Error()
		}
		m.Threads = append(m.Threads, ft)
	}
	if r.Roots != nil {
		for _, root := range r.Roots.Sorted() {
			m.Roots = append(m.Roots, uint64(root))
		}
	}
	return framing.Marshal(m)
}

// UnmarshalReport decodes a report encoded with MarshalBinary. Thread errors
// come back as opaque errors carrying the original text.
func UnmarshalReport(b []byte) (*Report, error) {
	m, err := framing.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pause report: %w", err)
	}
	h := &m.Header
	if h.WordSize == 0 {
		return nil, fmt.Errorf("pause report without word size: %w", framing.ErrMalformed)
	}
	if err := (stackscan.Scanner{WordSize: int(h.WordSize)}).Validate(); err != nil {
		return nil, fmt.Errorf("failed to decode pause report: %w", err)
	}
	r := &Report{
		ID:         uuid.UUID(h.ID),
		Timestamp:  time.Unix(0, h.TimestampNs),
		Heap:       memory.Range{Low: uintptr(h.HeapLow), High: uintptr(h.HeapHigh)},
		WordSize:   int(h.WordSize),
		Roots:      rootset.New(),
		Incomplete: h.Flags&framing.PauseIncomplete != 0,
		Statistics: Statistics{
			SuspendDuration: time.Duration(h.Statistics.SuspendDurationNs),
			ScanDuration:    time.Duration(h.Statistics.ScanDurationNs),
			ResumeDuration:  time.Duration(h.Statistics.ResumeDurationNs),
			TotalDuration:   time.Duration(h.Statistics.TotalDurationNs),
			NumThreads:      int(h.Statistics.NumThreads),
			SkippedThreads:  int(h.Statistics.SkippedThreads),
		},
	}
	for _, ft := range m.Threads {
		th := &ft.Header
		t := ThreadReport{
			ID:           threads.ID(th.ID),
			StackPointer: uintptr(th.StackPointer),
			Region:       memory.Region{Base: uintptr(th.RegionBase), Size: uintptr(th.RegionSize)},
			Start:        uintptr(th.Start),
			Clamped:      th.Flags&framing.ThreadClamped != 0,
			Skipped:      th.Flags&framing.ThreadSkipped != 0,
			Incomplete:   th.Flags&framing.ThreadIncomplete != 0,
			Result: stackscan.Result{
				Start:           uintptr(th.Start),
				Top:             uintptr(th.ScanTop),
				Words:           int(th.Words),
				Roots:           int(th.Roots),
				UnreadableBytes: uintptr(th.UnreadableBytes),
			},
		}
		if ft.Err != "" {
			t.Err = errors.New(ft.Err)
		}
		r.Threads = append(r.Threads, t)
	}
	for _, root := range m.Roots {
		r.Roots.Insert(uintptr(root))
	}
	return r, nil
}
