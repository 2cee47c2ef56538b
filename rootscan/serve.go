package rootscan

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/DataExMachina-dev/rootscan-go/internal/dialout"
	"github.com/DataExMachina-dev/rootscan-go/internal/server"
)

// serverState is the RPC server started by Serve.
type serverState struct {
	// serveMu serializes ServeListener and Stop.
	serveMu sync.Mutex

	// Fields that change in Serve/Stop.
	mu struct {
		sync.Mutex
		listener   net.Listener
		grpcServer *grpc.Server
		// wg is done when the goroutine serving grpcServer returned.
		wg *sync.WaitGroup
	}
}

// Serve starts serving the RootScan RPC service for this scanner on addr. An
// empty addr uses DefaultListenAddr. A goroutine is started to handle
// incoming RPCs.
//
// Stop() (or Close()) should be called to stop serving.
func (s *Scanner) Serve(addr string) error {
	if addr == "" {
		addr = DefaultListenAddr()
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(l)
}

// ServeDial serves the RootScan RPC service to the collector at url instead
// of listening: a connection is dialed to it, announcing the pid of the
// scanned process, and redialed whenever it is closed. url has an http
// (plaintext) or https (TLS) scheme and no path.
func (s *Scanner) ServeDial(url string) error {
	l, err := dialout.NewListener(url, s.PID(), dialout.Backoff{}, s.cfg.errorLogger)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	return s.ServeListener(l)
}

// ServeListener is like Serve but accepts connections on l. l is closed by
// Stop.
func (s *Scanner) ServeListener(l net.Listener) error {
	s.srv.serveMu.Lock()
	defer s.srv.serveMu.Unlock()
	// If we were already serving, stop.
	s.stopLocked()

	gs := grpc.NewServer()
	server.Register(gs, server.NewServer(s))
	wg := &sync.WaitGroup{}
	wg.Add(1)
	s.srv.mu.Lock()
	s.srv.mu.listener = l
	s.srv.mu.grpcServer = gs
	s.srv.mu.wg = wg
	s.srv.mu.Unlock()

	errorLogger := s.cfg.errorLogger
	go func() {
		defer wg.Done() // unblock Stop()
		defer s.stopInner()
		if err := gs.Serve(l); err != nil {
			errorLogger(fmt.Errorf("failed to serve: %w", err))
		}
	}()
	return nil
}

// Addr returns the address being served on, or nil.
func (s *Scanner) Addr() net.Addr {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if s.srv.mu.listener == nil {
		return nil
	}
	return s.srv.mu.listener.Addr()
}

// Stop stops serving. It's a no-op if Serve was never called. Serve can be
// called again after Stop.
func (s *Scanner) Stop() {
	s.srv.serveMu.Lock()
	defer s.srv.serveMu.Unlock()
	s.stopLocked()
}

func (s *Scanner) stopLocked() {
	s.srv.mu.Lock()
	wg := s.srv.mu.wg
	s.srv.mu.wg = nil
	s.srv.mu.Unlock()
	if wg == nil {
		return
	}

	s.stopInner()

	// Synchronize with the goroutine handling RPCs.
	wg.Wait()
}

// stopInner stops the server. Unlike Stop(), it doesn't wait for the server
// goroutine to terminate.
//
// stopInner might be called concurrently with Stop().
func (s *Scanner) stopInner() {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	if s.srv.mu.listener == nil {
		// Already stopped.
		return
	}
	s.srv.mu.grpcServer.Stop()
	s.srv.mu.grpcServer = nil
	s.srv.mu.listener = nil
}
