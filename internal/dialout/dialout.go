// Package dialout provides a net.Listener whose connections are dialed out to
// a remote collector instead of accepted. It lets a process that cannot be
// reached serve RPCs to one that can.
package dialout

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"
)

// Magic starts the header written on every dialed connection.
var Magic = [4]byte{'R', 'S', 'C', 'N'}

// HeaderLen is the length of the connection header: Magic followed by the
// little-endian uint32 pid being served.
const HeaderLen = len(Magic) + 4

// ErrBadHeader is returned by ReadHeader for a connection that does not start
// with a valid header.
var ErrBadHeader = errors.New("bad connection header")

// Backoff bounds the delay between two dials. The delay doubles after every
// failed dial and is reset when a connection is established.
type Backoff struct {
	Min, Max time.Duration
}

var defaultBackoff = Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second}

// Listener implements net.Listener. One connection is kept open at a time;
// the next one is dialed once it is closed.
type Listener struct {
	addr   Addr
	conns  <-chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   <-chan struct{}
}

var _ net.Listener = (*Listener)(nil)

// NewListener creates a Listener dialing addr, a URL with an http (plain TCP)
// or https (TLS) scheme and no path or query. The header announcing pid is
// written on every connection before it is handed to Accept.
func NewListener(
	addr string, pid int, backoff Backoff, onDialError func(error),
) (*Listener, error) {
	d, a, err := newDialer(addr)
	if err != nil {
		return nil, err
	}
	if backoff.Min <= 0 {
		backoff.Min = defaultBackoff.Min
	}
	if backoff.Max < backoff.Min {
		backoff.Max = max(backoff.Min, defaultBackoff.Max)
	}
	if onDialError == nil {
		onDialError = func(error) {}
	}
	conns := make(chan net.Conn)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		addr:   a,
		conns:  conns,
		ctx:    ctx,
		cancel: cancel,
		done:   done,
	}
	go func() {
		defer close(done)
		dialLoop(ctx, a.Host, d, header(pid), backoff, conns, onDialError)
	}()
	return l, nil
}

func dialLoop(
	ctx context.Context,
	host string,
	d dialer,
	hdr []byte,
	backoff Backoff,
	conns chan<- net.Conn,
	onDialError func(error),
) {
	delay := backoff.Min
	for {
		conn, err := d.DialContext(ctx, "tcp", host)
		if err == nil {
			if _, err = conn.Write(hdr); err != nil {
				_ = conn.Close()
				err = fmt.Errorf("failed to write header: %w", err)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			onDialError(fmt.Errorf("failed to dial %s: %w", host, err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(2*delay, backoff.Max)
			continue
		}
		delay = backoff.Min

		c := &closeNotifyConn{Conn: conn, closed: make(chan struct{})}
		select {
		case conns <- c:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
		}
	}
}

// closeNotifyConn signals when it is closed so that the next connection can
// be dialed.
type closeNotifyConn struct {
	net.Conn
	once   sync.Once
	closed chan struct{}
	err    error
}

func (c *closeNotifyConn) Close() error {
	c.once.Do(func() {
		c.err = c.Conn.Close()
		close(c.closed)
	})
	return c.err
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case <-l.ctx.Done():
		return nil, net.ErrClosed
	case conn := <-l.conns:
		return conn, nil
	}
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Close implements net.Listener. It stops dialing; connections already
// accepted stay open.
func (l *Listener) Close() error {
	l.cancel()
	<-l.done
	return nil
}

// Addr is the address a Listener dials.
type Addr struct {
	Scheme string
	Host   string
}

// Network implements net.Addr.
func (a Addr) Network() string {
	return "dialout"
}

// String implements net.Addr.
func (a Addr) String() string {
	return a.Scheme + "://" + a.Host
}

type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func newDialer(addr string) (dialer, Addr, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, Addr{}, fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Path != "" {
		return nil, Addr{}, fmt.Errorf("unsupported path: %s", u.Path)
	}
	if u.RawQuery != "" {
		return nil, Addr{}, fmt.Errorf("unsupported query: %s", u.RawQuery)
	}
	if u.Host == "" {
		return nil, Addr{}, fmt.Errorf("missing host in %q", addr)
	}
	var d dialer
	switch u.Scheme {
	case "http":
		d = &net.Dialer{}
	case "https":
		d = &tls.Dialer{}
	default:
		return nil, Addr{}, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return d, Addr{Scheme: u.Scheme, Host: u.Host}, nil
}

func header(pid int) []byte {
	b := make([]byte, HeaderLen)
	copy(b, Magic[:])
	binary.LittleEndian.PutUint32(b[len(Magic):], uint32(pid))
	return b
}

// ReadHeader reads the header of a connection dialed by a Listener and
// returns the pid it announces. It is used on the collector side.
func ReadHeader(r io.Reader) (int, error) {
	var b [HeaderLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	if [4]byte(b[:4]) != Magic {
		return 0, fmt.Errorf("magic %q: %w", b[:4], ErrBadHeader)
	}
	return int(binary.LittleEndian.Uint32(b[4:])), nil
}
