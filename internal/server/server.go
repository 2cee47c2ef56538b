package server

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/minio/highwayhash"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/pause"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootscanpb"
	"github.com/DataExMachina-dev/rootscan-go/internal/suspend"
)

// Target is a process that can be paused and scanned.
type Target interface {
	PID() int
	// Executable returns the path to the process' executable.
	Executable() (string, error)
	StartTime() (time.Time, error)
	// HeapRange returns the range scanned when a request does not name one.
	HeapRange() (memory.Range, error)
	Pause(ctx context.Context, heap memory.Range) (*pause.Report, error)
}

// ErrUnknownProcess is returned for requests naming a process that is not
// served.
var ErrUnknownProcess = errors.New("unknown process")

// Server implements RootScanServer.
type Server struct {
	targets map[int]*target
	// g deduplicates concurrent pauses of one process. Requests that arrive
	// while a pause is running share its report.
	g singleflight.Group
}

var _ RootScanServer = (*Server)(nil)

type target struct {
	Target
	hash binaryHashOnce
	mu   struct {
		sync.Mutex
		last *pause.Report
	}
}

type binaryHashOnce struct {
	sync.Once
	hash string
	err  error
}

// NewServer constructs a new Server for the given targets.
func NewServer(targets ...Target) *Server {
	s := &Server{targets: make(map[int]*target, len(targets))}
	for _, t := range targets {
		s.targets[t.PID()] = &target{Target: t}
	}
	return s
}

func (s *Server) lookup(pid int) (*target, error) {
	if pid == 0 && len(s.targets) == 1 {
		for _, t := range s.targets {
			return t, nil
		}
	}
	t, ok := s.targets[pid]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "process %d: %v", pid, ErrUnknownProcess)
	}
	return t, nil
}

// Scan implements RootScanServer.
func (s *Server) Scan(ctx context.Context, in *rootscanpb.ProcessRequest) (*wrapperspb.BytesValue, error) {
	req, err := RequestFromProto(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	t, err := s.lookup(req.PID)
	if err != nil {
		return nil, err
	}
	heap := req.Heap
	if heap.Empty() {
		if heap, err = t.HeapRange(); err != nil {
			return nil, status.Errorf(codes.FailedPrecondition, "failed to find heap of process %d: %v", t.PID(), err)
		}
	}
	key := strconv.Itoa(t.PID()) + "/" + heap.String()
	var called bool
	for {
		called = false
		v, err, _ := s.g.Do(key, func() (interface{}, error) {
			called = true
			r, err := t.Pause(ctx, heap)
			if err != nil {
				return nil, err
			}
			t.mu.Lock()
			t.mu.last = r
			t.mu.Unlock()
			return r.MarshalBinary()
		})
		// A shared pause abandoned because its caller went away does not fail
		// the callers that are still waiting.
		retry := err != nil &&
			!called &&
			ctx.Err() == nil &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
		if retry {
			continue
		}
		if err != nil {
			return nil, toStatus(fmt.Errorf("failed to pause process %d: %w", t.PID(), err))
		}
		return wrapperspb.Bytes(v.([]byte)), nil
	}
}

// Info implements RootScanServer.
func (s *Server) Info(ctx context.Context, in *rootscanpb.ProcessRequest) (*rootscanpb.ProcessInfo, error) {
	req, err := RequestFromProto(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	t, err := s.lookup(req.PID)
	if err != nil {
		return nil, err
	}
	exe, err := t.Executable()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get executable: %v", err)
	}
	hash, err := t.binaryHash()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get binary hash: %v", err)
	}
	pids := make([]uint32, 0, len(s.targets))
	for _, pid := range s.pids() {
		pids = append(pids, uint32(pid))
	}
	info := rootscanpb.NewProcessInfo()
	info.SetPid(uint32(t.PID()))
	info.SetExecutable(exe)
	info.SetBinaryHash(hash)
	info.SetPlatform(runtime.GOOS + "/" + runtime.GOARCH)
	info.SetWordSize(uint32(memory.PointerSize))
	info.SetServedPids(pids)
	// The start time is best effort; captures may not know it.
	if start, err := t.StartTime(); err == nil {
		info.SetStartTime(start)
	}
	return info, nil
}

// LastPause implements RootScanServer.
func (s *Server) LastPause(ctx context.Context, in *rootscanpb.ProcessRequest) (*timestamppb.Timestamp, error) {
	req, err := RequestFromProto(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	t, err := s.lookup(req.PID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	last := t.mu.last
	t.mu.Unlock()
	if last == nil {
		return nil, status.Errorf(codes.NotFound, "process %d was never paused", t.PID())
	}
	return timestamppb.New(last.Timestamp), nil
}

func (s *Server) pids() []int {
	pids := make([]int, 0, len(s.targets))
	for pid := range s.targets {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, suspend.ErrUnsupportedPlatform):
		return status.Error(codes.Unimplemented, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (t *target) binaryHash() (string, error) {
	t.hash.Once.Do(func() {
		exe, err := t.Executable()
		if err != nil {
			t.hash.err = fmt.Errorf("failed to get executable path: %w", err)
			return
		}
		t.hash.hash, t.hash.err = hashFile(exe)
	})
	return t.hash.hash, t.hash.err
}

var hashKey = [32]byte{}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open executable file at %s: %w", path, err)
	}
	defer f.Close()
	hasher, err := highwayhash.New64(hashKey[:])
	if err != nil {
		return "", fmt.Errorf("failed to create hasher: %w", err)
	}
	if _, err := io.Copy(hasher, bufio.NewReader(f)); err != nil {
		return "", fmt.Errorf("failed to hash executable: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
