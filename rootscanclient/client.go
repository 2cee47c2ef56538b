// Package rootscanclient is a client for processes served by
// rootscan.Scanner.Serve.
package rootscanclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/DataExMachina-dev/rootscan-go/internal/pause"
	"github.com/DataExMachina-dev/rootscan-go/internal/rootscanpb"
	"github.com/DataExMachina-dev/rootscan-go/internal/server"
	"github.com/DataExMachina-dev/rootscan-go/rootscan"
)

const ENV_SERVER_URL = "ROOTSCAN_SERVER_URL"

// Client talks to a RootScan server.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a new Client for the server at target. target is either
// a URL ("http://host:port" for plaintext, "https://host:port" for TLS) or a
// bare "host:port" served in plaintext. An empty target is read from the
// ROOTSCAN_SERVER_URL environment variable.
//
// Close() needs to be called on the client when it is no longer needed to
// release resources.
func NewClient(target string, option ...ClientOption) (*Client, error) {
	opts := clientOpts{}
	for _, o := range option {
		if err := o.apply(&opts); err != nil {
			return nil, err
		}
	}
	if target == "" {
		target = os.Getenv(ENV_SERVER_URL)
	}
	if target == "" {
		return nil, fmt.Errorf("no server address and %s is not set", ENV_SERVER_URL)
	}
	grpcAddress, dialOpts, err := dialTarget(target)
	if err != nil {
		return nil, err
	}
	if opts.dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(opts.dialer))
	}
	conn, err := grpc.Dial(grpcAddress, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// dialTarget turns a server URL into a gRPC address.
func dialTarget(target string) (string, []grpc.DialOption, error) {
	if !strings.Contains(target, "://") {
		return target, []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}, nil
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return "", nil, err
	}
	switch parsed.Scheme {
	case "http":
		creds := grpc.WithTransportCredentials(insecure.NewCredentials())
		ip := net.ParseIP(parsed.Hostname())
		switch {
		case ip != nil && parsed.Port() != "":
			return net.JoinHostPort(ip.String(), parsed.Port()), []grpc.DialOption{creds}, nil
		case ip != nil:
			return ip.String(), []grpc.DialOption{creds}, nil
		default:
			return fmt.Sprintf("dns:///%s", parsed.Host), []grpc.DialOption{creds}, nil
		}
	case "https":
		creds := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{}))
		return fmt.Sprintf("dns:///%s", parsed.Host), []grpc.DialOption{creds}, nil
	default:
		return "", nil, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
}

// Close closes the client's network connection.
func (c *Client) Close() {
	_ /* err */ = c.conn.Close()
}

type clientOpts struct {
	dialer func(context.Context, string) (net.Conn, error)
}

// ClientOption is the interface implemented by options for NewClient.
type ClientOption interface {
	apply(*clientOpts) error
}

// WithDialer is an option for NewClient that specifies how connections to the
// server are made.
type WithDialer func(context.Context, string) (net.Conn, error)

var _ ClientOption = WithDialer(nil)

// apply implements the ClientOption interface.
func (d WithDialer) apply(opts *clientOpts) error {
	opts.dialer = d
	return nil
}

// Scan pauses the process with the given pid on the server and returns the
// report. A zero pid selects the only process served; an empty heap selects
// the process' [heap] mapping.
//
// Besides generic errors, Scan can return ProcessMissingError and errors
// wrapping rootscan.ErrUnsupportedPlatform.
func (c *Client) Scan(ctx context.Context, pid int, heap rootscan.Range) (*rootscan.Report, error) {
	out := new(wrapperspb.BytesValue)
	req := server.Request{PID: pid, Heap: heap}
	if err := c.conn.Invoke(ctx, server.ScanMethod, req.ToProto(), out); err != nil {
		return nil, convertError(err)
	}
	return pause.UnmarshalReport(out.GetValue())
}

// Info describes a process on the server.
type Info struct {
	PID        int
	Executable string
	// BinaryHash is a hash of the executable's contents.
	BinaryHash string
	Platform   string
	WordSize   int
	// ServedPIDs lists every process the server serves.
	ServedPIDs []int
	// StartTime is zero if the server does not know it.
	StartTime time.Time
}

// Info returns information about the process with the given pid.
func (c *Client) Info(ctx context.Context, pid int) (Info, error) {
	out := rootscanpb.NewProcessInfo()
	req := server.Request{PID: pid}
	if err := c.conn.Invoke(ctx, server.InfoMethod, req.ToProto(), out); err != nil {
		return Info{}, convertError(err)
	}
	info := Info{
		PID:        int(out.GetPid()),
		Executable: out.GetExecutable(),
		BinaryHash: out.GetBinaryHash(),
		Platform:   out.GetPlatform(),
		WordSize:   int(out.GetWordSize()),
		StartTime:  out.GetStartTime(),
	}
	for _, pid := range out.GetServedPids() {
		info.ServedPIDs = append(info.ServedPIDs, int(pid))
	}
	return info, nil
}

// LastPause returns the time of the last successful pause of the process with
// the given pid. It returns a ProcessMissingError if the process was never
// paused.
func (c *Client) LastPause(ctx context.Context, pid int) (time.Time, error) {
	out := new(timestamppb.Timestamp)
	req := server.Request{PID: pid}
	if err := c.conn.Invoke(ctx, server.LastPauseMethod, req.ToProto(), out); err != nil {
		return time.Time{}, convertError(err)
	}
	return out.AsTime(), nil
}

func convertError(err error) error {
	s, _ := status.FromError(err)
	switch s.Code() {
	case codes.NotFound:
		return ProcessMissingError{msg: s.Message()}
	case codes.Unimplemented:
		return fmt.Errorf("%s: %w", s.Message(), rootscan.ErrUnsupportedPlatform)
	case codes.Unavailable:
		return fmt.Errorf("failed to connect to RootScan server: %w", err)
	}
	return err
}

// ProcessMissingError is returned when the server does not serve the
// requested process, or has nothing to report about it yet.
type ProcessMissingError struct {
	msg string
}

var _ error = ProcessMissingError{}

func (e ProcessMissingError) Error() string {
	if e.msg == "" {
		return "process not found"
	}
	return e.msg
}
