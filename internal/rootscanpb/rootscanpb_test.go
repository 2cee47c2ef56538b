package rootscanpb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func TestFile(t *testing.T) {
	require.Equal(t, "rootscan.proto", File.Path())
	svc := File.Services().ByName("RootScan")
	require.NotNil(t, svc)
	for _, name := range []string{"Scan", "Info", "LastPause"} {
		m := svc.Methods().ByName(protoreflect.Name(name))
		require.NotNil(t, m, name)
		require.Equal(t, "rootscan.ProcessRequest", string(m.Input().FullName()))
	}
}

func TestProcessRequestWire(t *testing.T) {
	m := NewProcessRequest()
	m.SetPid(7)
	m.SetHeapHigh(0x2000)
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	require.NoError(t, err)

	var want []byte
	want = protowire.AppendTag(want, 1, protowire.VarintType)
	want = protowire.AppendVarint(want, 7)
	want = protowire.AppendTag(want, 3, protowire.VarintType)
	want = protowire.AppendVarint(want, 0x2000)
	require.Equal(t, want, b)

	out := NewProcessRequest()
	require.NoError(t, proto.Unmarshal(b, out))
	require.Equal(t, uint32(7), out.GetPid())
	require.Zero(t, out.GetHeapLow())
	require.Equal(t, uint64(0x2000), out.GetHeapHigh())
}

func TestProcessInfoRoundTrip(t *testing.T) {
	start := time.Unix(1700000000, 42)
	in := NewProcessInfo()
	in.SetPid(7)
	in.SetExecutable("/bin/target")
	in.SetBinaryHash("0011223344556677")
	in.SetPlatform("linux/amd64")
	in.SetWordSize(8)
	in.SetServedPids([]uint32{7, 9})
	in.SetStartTime(start)
	require.True(t, in.GetStartTime().Equal(start))

	b, err := proto.Marshal(in)
	require.NoError(t, err)
	out := NewProcessInfo()
	require.NoError(t, proto.Unmarshal(b, out))
	require.Equal(t, uint32(7), out.GetPid())
	require.Equal(t, "/bin/target", out.GetExecutable())
	require.Equal(t, "0011223344556677", out.GetBinaryHash())
	require.Equal(t, "linux/amd64", out.GetPlatform())
	require.Equal(t, uint32(8), out.GetWordSize())
	require.Equal(t, []uint32{7, 9}, out.GetServedPids())
	require.True(t, out.GetStartTime().Equal(start))

	out.SetStartTime(time.Time{})
	require.True(t, out.GetStartTime().IsZero())
	require.Empty(t, NewProcessInfo().GetServedPids())
}
