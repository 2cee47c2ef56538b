// Package suspend stops and restarts the threads of a target so that their
// stacks can be read.
package suspend

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/DataExMachina-dev/rootscan-go/internal/threads"
)

// ErrUnsupportedPlatform is returned at initialization when the host cannot
// be scanned: either its stacks do not grow down or there is no way to
// suspend threads on it.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// ErrThreadExited is returned by Suspend for a thread that is gone.
var ErrThreadExited = errors.New("thread exited")

// Suspender is the host mechanism to stop and restart threads.
type Suspender interface {
	// Suspend stops the thread and returns the stack pointer saved in its
	// execution context.
	Suspend(id threads.ID) (sp uintptr, err error)
	// Resume restarts a thread stopped by Suspend.
	Resume(id threads.ID) error
	// Close releases the suspender. Threads still suspended are resumed.
	Close() error
}

// Architectures whose stacks grow towards lower addresses. Scanning from the
// stack pointer up to the end of the region relies on it.
var stackGrowsDown = map[string]bool{
	"386":      true,
	"amd64":    true,
	"arm":      true,
	"arm64":    true,
	"loong64":  true,
	"mips":     true,
	"mipsle":   true,
	"mips64":   true,
	"mips64le": true,
	"ppc64":    true,
	"ppc64le":  true,
	"riscv64":  true,
	"s390x":    true,
	"wasm":     true,
}

// StackGrowsDown returns whether stacks grow down on the given GOARCH.
func StackGrowsDown(goarch string) bool {
	return stackGrowsDown[goarch]
}

// ScanSupported returns an error if stacks captured on this host cannot be
// scanned at all.
func ScanSupported() error {
	if !StackGrowsDown(runtime.GOARCH) {
		return fmt.Errorf("stacks on %s do not grow down: %w", runtime.GOARCH, ErrUnsupportedPlatform)
	}
	return nil
}

// PlatformSupported returns an error if live threads cannot be suspended and
// scanned on this host.
func PlatformSupported() error {
	if err := ScanSupported(); err != nil {
		return err
	}
	if !OsArchSupported() {
		return fmt.Errorf("%s/%s: %w", runtime.GOOS, runtime.GOARCH, ErrUnsupportedPlatform)
	}
	return nil
}
