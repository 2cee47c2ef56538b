// Package rootscanpb holds the messages of the RootScan RPC service described
// in rootscan.proto.
//
// The file descriptor is assembled at init from descriptorpb values mirroring
// rootscan.proto, and messages are backed by dynamicpb. The wire format is
// the one protoc-generated code would produce for the same file.
package rootscanpb

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// File is the descriptor of rootscan.proto.
var File protoreflect.FileDescriptor

var (
	processRequestDesc protoreflect.MessageDescriptor
	reqPID             protoreflect.FieldDescriptor
	reqHeapLow         protoreflect.FieldDescriptor
	reqHeapHigh        protoreflect.FieldDescriptor

	processInfoDesc protoreflect.MessageDescriptor
	infoPID         protoreflect.FieldDescriptor
	infoExecutable  protoreflect.FieldDescriptor
	infoBinaryHash  protoreflect.FieldDescriptor
	infoPlatform    protoreflect.FieldDescriptor
	infoWordSize    protoreflect.FieldDescriptor
	infoServedPIDs  protoreflect.FieldDescriptor
	infoStartTime   protoreflect.FieldDescriptor
)

func init() {
	fd, err := protodesc.NewFile(fileProto(), protoregistry.GlobalFiles)
	if err != nil {
		panic(fmt.Errorf("invalid rootscan.proto descriptor: %w", err))
	}
	File = fd

	processRequestDesc = fd.Messages().ByName("ProcessRequest")
	fields := processRequestDesc.Fields()
	reqPID = fields.ByName("pid")
	reqHeapLow = fields.ByName("heap_low")
	reqHeapHigh = fields.ByName("heap_high")

	processInfoDesc = fd.Messages().ByName("ProcessInfo")
	fields = processInfoDesc.Fields()
	infoPID = fields.ByName("pid")
	infoExecutable = fields.ByName("executable")
	infoBinaryHash = fields.ByName("binary_hash")
	infoPlatform = fields.ByName("platform")
	infoWordSize = fields.ByName("word_size")
	infoServedPIDs = fields.ByName("served_pids")
	infoStartTime = fields.ByName("start_time")
}

func fileProto() *descriptorpb.FileDescriptorProto {
	field := func(
		name string, number int32, typ descriptorpb.FieldDescriptorProto_Type,
	) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(number),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   typ.Enum(),
		}
	}
	servedPIDs := field("served_pids", 6, descriptorpb.FieldDescriptorProto_TYPE_UINT32)
	servedPIDs.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	startTime := field("start_time", 7, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	startTime.TypeName = proto.String(".google.protobuf.Timestamp")
	method := func(name, in, out string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(in),
			OutputType: proto.String(out),
		}
	}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("rootscan.proto"),
		Package: proto.String("rootscan"),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			timestamppb.File_google_protobuf_timestamp_proto.Path(),
			wrapperspb.File_google_protobuf_wrappers_proto.Path(),
		},
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/DataExMachina-dev/rootscan-go/internal/rootscanpb"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("ProcessRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("pid", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
					field("heap_low", 2, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
					field("heap_high", 3, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
				},
			},
			{
				Name: proto.String("ProcessInfo"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("pid", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
					field("executable", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("binary_hash", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("platform", 4, descriptorpb.FieldDescriptorProto_TYPE_STRING),
					field("word_size", 5, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
					servedPIDs,
					startTime,
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("RootScan"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("Scan", ".rootscan.ProcessRequest", ".google.protobuf.BytesValue"),
				method("Info", ".rootscan.ProcessRequest", ".rootscan.ProcessInfo"),
				method("LastPause", ".rootscan.ProcessRequest", ".google.protobuf.Timestamp"),
			},
		}},
	}
}

// ProcessRequest selects a process and, for Scan, a heap range.
type ProcessRequest struct {
	*dynamicpb.Message
}

// NewProcessRequest returns an empty ProcessRequest.
func NewProcessRequest() *ProcessRequest {
	return &ProcessRequest{dynamicpb.NewMessage(processRequestDesc)}
}

func (x *ProcessRequest) GetPid() uint32 {
	return uint32(x.Get(reqPID).Uint())
}

func (x *ProcessRequest) SetPid(v uint32) {
	x.Set(reqPID, protoreflect.ValueOfUint32(v))
}

func (x *ProcessRequest) GetHeapLow() uint64 {
	return x.Get(reqHeapLow).Uint()
}

func (x *ProcessRequest) SetHeapLow(v uint64) {
	x.Set(reqHeapLow, protoreflect.ValueOfUint64(v))
}

func (x *ProcessRequest) GetHeapHigh() uint64 {
	return x.Get(reqHeapHigh).Uint()
}

func (x *ProcessRequest) SetHeapHigh(v uint64) {
	x.Set(reqHeapHigh, protoreflect.ValueOfUint64(v))
}

// ProcessInfo describes a process being served.
type ProcessInfo struct {
	*dynamicpb.Message
}

// NewProcessInfo returns an empty ProcessInfo.
func NewProcessInfo() *ProcessInfo {
	return &ProcessInfo{dynamicpb.NewMessage(processInfoDesc)}
}

func (x *ProcessInfo) GetPid() uint32 {
	return uint32(x.Get(infoPID).Uint())
}

func (x *ProcessInfo) SetPid(v uint32) {
	x.Set(infoPID, protoreflect.ValueOfUint32(v))
}

func (x *ProcessInfo) GetExecutable() string {
	return x.Get(infoExecutable).String()
}

func (x *ProcessInfo) SetExecutable(v string) {
	x.Set(infoExecutable, protoreflect.ValueOfString(v))
}

func (x *ProcessInfo) GetBinaryHash() string {
	return x.Get(infoBinaryHash).String()
}

func (x *ProcessInfo) SetBinaryHash(v string) {
	x.Set(infoBinaryHash, protoreflect.ValueOfString(v))
}

func (x *ProcessInfo) GetPlatform() string {
	return x.Get(infoPlatform).String()
}

func (x *ProcessInfo) SetPlatform(v string) {
	x.Set(infoPlatform, protoreflect.ValueOfString(v))
}

func (x *ProcessInfo) GetWordSize() uint32 {
	return uint32(x.Get(infoWordSize).Uint())
}

func (x *ProcessInfo) SetWordSize(v uint32) {
	x.Set(infoWordSize, protoreflect.ValueOfUint32(v))
}

func (x *ProcessInfo) GetServedPids() []uint32 {
	l := x.Get(infoServedPIDs).List()
	pids := make([]uint32, l.Len())
	for i := range pids {
		pids[i] = uint32(l.Get(i).Uint())
	}
	return pids
}

func (x *ProcessInfo) SetServedPids(pids []uint32) {
	x.Clear(infoServedPIDs)
	l := x.Mutable(infoServedPIDs).List()
	for _, pid := range pids {
		l.Append(protoreflect.ValueOfUint32(pid))
	}
}

// GetStartTime returns the start time of the process, or the zero time if it
// is unset.
func (x *ProcessInfo) GetStartTime() time.Time {
	if !x.Has(infoStartTime) {
		return time.Time{}
	}
	// A decoded field holds a dynamic message rather than a
	// timestamppb.Timestamp, so it is read through reflection.
	m := x.Get(infoStartTime).Message()
	fields := m.Descriptor().Fields()
	secs := m.Get(fields.ByName("seconds")).Int()
	nanos := m.Get(fields.ByName("nanos")).Int()
	return time.Unix(secs, nanos)
}

// SetStartTime sets the start time of the process. A zero t clears it.
func (x *ProcessInfo) SetStartTime(t time.Time) {
	if t.IsZero() {
		x.Clear(infoStartTime)
		return
	}
	x.Set(infoStartTime, protoreflect.ValueOfMessage(timestamppb.New(t).ProtoReflect()))
}
