//go:build linux && amd64

package suspend

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// OsArchSupported returns whether the combination of OS and architecture are
// supported.
func OsArchSupported() bool {
	return true
}

var errClosed = errors.New("suspender closed")

// New returns a Suspender that stops threads with ptrace.
//
// The kernel only accepts ptrace requests for a tracee from the thread that
// attached to it, so every request runs on one goroutine locked to its OS
// thread.
func New() (Suspender, error) {
	if err := PlatformSupported(); err != nil {
		return nil, err
	}
	s := &ptraceSuspender{
		reqs:     make(chan func()),
		done:     make(chan struct{}),
		attached: make(map[threads.ID]struct{}),
	}
	go s.run()
	return s, nil
}

type ptraceSuspender struct {
	reqs      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// attached is only accessed on the tracer thread.
	attached map[threads.ID]struct{}
}

func (s *ptraceSuspender) run() {
	// The goroutine never unlocks: if it exits, its thread exits with it and
	// the kernel detaches any remaining tracee.
	runtime.LockOSThread()
	for {
		select {
		case f := <-s.reqs:
			f()
		case <-s.done:
			for id := range s.attached {
				_ = unix.PtraceDetach(int(id))
				delete(s.attached, id)
			}
			return
		}
	}
}

func (s *ptraceSuspender) do(f func() error) error {
	errCh := make(chan error, 1)
	select {
	case s.reqs <- func() { errCh <- f() }:
	case <-s.done:
		return errClosed
	}
	return <-errCh
}

// Suspend implements Suspender.
func (s *ptraceSuspender) Suspend(id threads.ID) (uintptr, error) {
	var sp uintptr
	err := s.do(func() error {
		tid := int(id)
		if err := unix.PtraceAttach(tid); err != nil {
			if errors.Is(err, unix.ESRCH) {
				err = errors.Join(err, ErrThreadExited)
			}
			return fmt.Errorf("failed to attach to thread %d: %w", tid, err)
		}
		if err := waitStopped(tid); err != nil {
			_ = unix.PtraceDetach(tid)
			return err
		}
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(tid, &regs); err != nil {
			_ = unix.PtraceDetach(tid)
			return fmt.Errorf("failed to read registers of thread %d: %w", tid, err)
		}
		s.attached[id] = struct{}{}
		sp = uintptr(regs.Rsp)
		return nil
	})
	return sp, err
}

// waitStopped waits for the SIGSTOP sent by PTRACE_ATTACH. Other signals that
// stop the thread first are passed on to it.
func waitStopped(tid int) error {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(tid, &ws, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to wait for thread %d: %w", tid, err)
		}
		switch {
		case ws.Exited(), ws.Signaled():
			return fmt.Errorf("thread %d: %w while being suspended", tid, ErrThreadExited)
		case ws.Stopped() && ws.StopSignal() == unix.SIGSTOP:
			return nil
		case ws.Stopped():
			if err := unix.PtraceCont(tid, int(ws.StopSignal())); err != nil {
				return fmt.Errorf("failed to forward signal to thread %d: %w", tid, err)
			}
		}
	}
}

// Resume implements Suspender.
func (s *ptraceSuspender) Resume(id threads.ID) error {
	return s.do(func() error {
		if _, ok := s.attached[id]; !ok {
			return fmt.Errorf("thread %d was not suspended", id)
		}
		delete(s.attached, id)
		if err := unix.PtraceDetach(int(id)); err != nil {
			return fmt.Errorf("failed to detach from thread %d: %w", id, err)
		}
		return nil
	})
}

// Close implements Suspender.
func (s *ptraceSuspender) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
