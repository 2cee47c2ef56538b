package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/DataExMachina-dev/rootscan-go/internal/memory"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootscanpb"
)

// Full method names of the RootScan service, see rootscanpb/rootscan.proto.
const (
	ServiceName     = "rootscan.RootScan"
	ScanMethod      = "/" + ServiceName + "/Scan"
	InfoMethod      = "/" + ServiceName + "/Info"
	LastPauseMethod = "/" + ServiceName + "/LastPause"
)

// RootScanServer is the server API for the RootScan service.
type RootScanServer interface {
	// Scan pauses a process and returns the encoded pause report.
	Scan(context.Context, *rootscanpb.ProcessRequest) (*wrapperspb.BytesValue, error)
	// Info describes a process being served.
	Info(context.Context, *rootscanpb.ProcessRequest) (*rootscanpb.ProcessInfo, error)
	// LastPause returns the time of the last successful pause of a process.
	LastPause(context.Context, *rootscanpb.ProcessRequest) (*timestamppb.Timestamp, error)
}

// Register registers srv with s.
func Register(s grpc.ServiceRegistrar, srv RootScanServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RootScanServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Scan", Handler: scanHandler},
		{MethodName: "Info", Handler: infoHandler},
		{MethodName: "LastPause", Handler: lastPauseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: rootscanpb.File.Path(),
}

func scanHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := rootscanpb.NewProcessRequest()
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RootScanServer).Scan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ScanMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RootScanServer).Scan(ctx, req.(*rootscanpb.ProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func infoHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := rootscanpb.NewProcessRequest()
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RootScanServer).Info(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InfoMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RootScanServer).Info(ctx, req.(*rootscanpb.ProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func lastPauseHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := rootscanpb.NewProcessRequest()
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RootScanServer).LastPause(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LastPauseMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RootScanServer).LastPause(ctx, req.(*rootscanpb.ProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Request selects a process and, for Scan, the heap range to look for. A
// zero PID selects the only process served; an empty Heap selects the
// process' [heap] mapping.
type Request struct {
	PID  int
	Heap memory.Range
}

// ToProto encodes the request.
func (r Request) ToProto() *rootscanpb.ProcessRequest {
	m := rootscanpb.NewProcessRequest()
	m.SetPid(uint32(r.PID))
	m.SetHeapLow(uint64(r.Heap.Low))
	m.SetHeapHigh(uint64(r.Heap.High))
	return m
}

// RequestFromProto decodes a request encoded with ToProto.
func RequestFromProto(m *rootscanpb.ProcessRequest) (Request, error) {
	r := Request{PID: int(m.GetPid())}
	low, high := m.GetHeapLow(), m.GetHeapHigh()
	if low == 0 && high == 0 {
		return r, nil
	}
	if uint64(uintptr(low)) != low || uint64(uintptr(high)) != high {
		return Request{}, fmt.Errorf("heap range [%#x, %#x) out of range", low, high)
	}
	r.Heap = memory.Range{Low: uintptr(low), High: uintptr(high)}
	if r.Heap.Empty() {
		return Request{}, fmt.Errorf("empty heap range %s", r.Heap)
	}
	return r, nil
}
