package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/pause"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootscanpb"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootset"
	"github.com/DataExMachina-dev/rootscan-go/internal/suspend"
)

type fakeTarget struct {
	pid   int
	exe   string
	heap  memory.Range
	calls atomic.Int32
	pause func(ctx context.Context, heap memory.Range) (*pause.Report, error)
}

func (f *fakeTarget) PID() int                         { return f.pid }
func (f *fakeTarget) Executable() (string, error)      { return f.exe, nil }
func (f *fakeTarget) HeapRange() (memory.Range, error) { return f.heap, nil }
func (f *fakeTarget) StartTime() (time.Time, error)    { return time.Unix(1600000000, 0), nil }

func (f *fakeTarget) Pause(ctx context.Context, heap memory.Range) (*pause.Report, error) {
	f.calls.Add(1)
	return f.pause(ctx, heap)
}

func report(heap memory.Range, roots ...uintptr) *pause.Report {
	s := rootset.New()
	for _, r := range roots {
		s.Insert(r)
	}
	return &pause.Report{Timestamp: time.Unix(1700000000, 0), Heap: heap, Roots: s}
}

func newTestClient(t *testing.T, s *Server) *grpc.ClientConn {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, s)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = gs.Serve(lis)
	}()
	t.Cleanup(func() {
		gs.Stop()
		wg.Wait()
	})
	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func scan(ctx context.Context, conn *grpc.ClientConn, req Request) (*pause.Report, error) {
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, ScanMethod, req.ToProto(), out); err != nil {
		return nil, err
	}
	return pause.UnmarshalReport(out.GetValue())
}

func TestRequestProto(t *testing.T) {
	in := Request{PID: 42, Heap: memory.Range{Low: 0x7f00_0000_1000, High: 0x7f00_0000_2000}}
	b, err := proto.Marshal(in.ToProto())
	require.NoError(t, err)
	m := rootscanpb.NewProcessRequest()
	require.NoError(t, proto.Unmarshal(b, m))
	require.Equal(t, uint32(42), m.GetPid())
	out, err := RequestFromProto(m)
	require.NoError(t, err)
	require.Equal(t, in, out)

	out, err = RequestFromProto(Request{}.ToProto())
	require.NoError(t, err)
	require.Equal(t, Request{}, out)

	for _, heap := range [][2]uint64{
		{0x1000, 0},
		{0x2000, 0x1000},
		{0x1000, 0x1000},
	} {
		m := rootscanpb.NewProcessRequest()
		m.SetHeapLow(heap[0])
		m.SetHeapHigh(heap[1])
		_, err := RequestFromProto(m)
		require.Error(t, err, "%#x", heap)
	}
}

func TestScan(t *testing.T) {
	defaultHeap := memory.Range{Low: 0x1000, High: 0x2000}
	ft := &fakeTarget{
		pid:  7,
		heap: defaultHeap,
		pause: func(ctx context.Context, heap memory.Range) (*pause.Report, error) {
			return report(heap, heap.Low+8), nil
		},
	}
	conn := newTestClient(t, NewServer(ft))
	ctx := context.Background()

	r, err := scan(ctx, conn, Request{})
	require.NoError(t, err)
	require.Equal(t, defaultHeap, r.Heap)
	require.Equal(t, []uintptr{0x1008}, r.Roots.Sorted())

	heap := memory.Range{Low: 0x5000, High: 0x6000}
	r, err = scan(ctx, conn, Request{PID: 7, Heap: heap})
	require.NoError(t, err)
	require.Equal(t, []uintptr{0x5008}, r.Roots.Sorted())

	_, err = scan(ctx, conn, Request{PID: 8})
	require.Equal(t, codes.NotFound, status.Code(err))

	ts := new(timestamppb.Timestamp)
	require.NoError(t, conn.Invoke(ctx, LastPauseMethod, Request{}.ToProto(), ts))
	require.Equal(t, int64(1700000000), ts.GetSeconds())
}

func TestScanErrors(t *testing.T) {
	var fail error
	ft := &fakeTarget{
		pid:  7,
		heap: memory.Range{Low: 0x1000, High: 0x2000},
		pause: func(ctx context.Context, heap memory.Range) (*pause.Report, error) {
			return nil, fail
		},
	}
	conn := newTestClient(t, NewServer(ft))
	ctx := context.Background()

	for _, tc := range []struct {
		err  error
		code codes.Code
	}{
		{suspend.ErrUnsupportedPlatform, codes.Unimplemented},
		{errors.New("boom"), codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	} {
		fail = tc.err
		_, err := scan(ctx, conn, Request{})
		require.Equal(t, tc.code, status.Code(err), "%v", err)
	}

	err := conn.Invoke(ctx, LastPauseMethod, Request{}.ToProto(), new(timestamppb.Timestamp))
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestScanSharesConcurrentPauses(t *testing.T) {
	const n = 4
	release := make(chan struct{})
	started := make(chan struct{}, n)
	ft := &fakeTarget{
		pid:  7,
		heap: memory.Range{Low: 0x1000, High: 0x2000},
		pause: func(ctx context.Context, heap memory.Range) (*pause.Report, error) {
			started <- struct{}{}
			<-release
			return report(heap, 0x1010), nil
		},
	}
	s := NewServer(ft)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*wrapperspb.BytesValue, n)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = s.Scan(ctx, Request{}.ToProto())
	}()
	<-started
	for i := 1; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = s.Scan(ctx, Request{}.ToProto())
		}()
	}
	// Give the followers a chance to join the running pause.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	for _, r := range results {
		require.NotNil(t, r)
		require.Equal(t, results[0].GetValue(), r.GetValue())
	}
	require.LessOrEqual(t, ft.calls.Load(), int32(n))
	require.GreaterOrEqual(t, ft.calls.Load(), int32(1))
}

func TestInfo(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(exe, []byte("not really an executable"), 0o755))
	ft := &fakeTarget{pid: 7, exe: exe}
	conn := newTestClient(t, NewServer(ft, &fakeTarget{pid: 9, exe: exe}))

	info := rootscanpb.NewProcessInfo()
	require.NoError(t, conn.Invoke(context.Background(), InfoMethod, Request{PID: 7}.ToProto(), info))
	require.Equal(t, uint32(7), info.GetPid())
	require.Equal(t, exe, info.GetExecutable())
	require.Len(t, info.GetBinaryHash(), 16)
	require.Equal(t, []uint32{7, 9}, info.GetServedPids())
	require.Equal(t, "2020-09-13T12:26:40Z", info.GetStartTime().UTC().Format(time.RFC3339Nano))

	hash, err := hashFile(exe)
	require.NoError(t, err)
	require.Equal(t, hash, info.GetBinaryHash())

	// With more than one process served, the pid is required.
	err = conn.Invoke(context.Background(), InfoMethod, Request{}.ToProto(), info)
	require.Equal(t, codes.NotFound, status.Code(err))
}
