// Command rootscan pauses a process and lists the candidate garbage-collection
// roots held on its thread stacks.
//
// Usage:
//
//	rootscan -pid PID [-heap LOW-HIGH] [-roots]
//	rootscan -pid PID -listen ADDR
//	rootscan -pid PID -dial URL
//	rootscan -connect ADDR [-pid PID] [-heap LOW-HIGH]
//
// Without -heap, the process' [heap] mapping is used. With -listen, the
// process is served over RPC until interrupted, and -dial does the same over
// connections dialed out to a collector; with -connect, the pause is
// run by such a server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/inhies/go-bytesize"

	"github.com/DataExMachina-dev/rootscan-go/rootscan"
	"github.com/DataExMachina-dev/rootscan-go/rootscanclient"
)

var (
	configPath = flag.String("config", "", "YAML file with default settings")
	pid        = flag.Int("pid", 0, "process to scan")
	heap       = flag.String("heap", "", "heap range LOW-HIGH to look for (default: the [heap] mapping)")
	workers    = flag.Int("workers", 0, "stacks scanned concurrently (default: $"+rootscan.ENV_WORKERS+" or GOMAXPROCS)")
	asserts    = flag.Bool("asserts", false, "panic on contract violations")
	listen     = flag.String("listen", "", "serve RPCs for the process on this address until interrupted")
	dial       = flag.String("dial", "", "serve RPCs for the process to the collector at this URL until interrupted")
	connect    = flag.String("connect", "", "pause through the RootScan server at this address")
	lockDir    = flag.String("lock-dir", os.TempDir(), "directory of the per-process lock files")
	roots      = flag.Bool("roots", false, "list every root found")
	timeout    = flag.Duration("timeout", 10*time.Second, "time allowed to stop every thread")
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("rootscan: ")
	flag.Parse()

	cfg := config{LockDir: *lockDir}
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			log.Fatal(err)
		}
		if cfg.LockDir == "" {
			cfg.LockDir = *lockDir
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "pid":
			cfg.PID = *pid
		case "heap":
			cfg.Heap = *heap
		case "workers":
			cfg.Workers = *workers
		case "asserts":
			cfg.Asserts = *asserts
		case "listen":
			cfg.Listen = *listen
		case "dial":
			cfg.Dial = *dial
		case "connect":
			cfg.Connect = *connect
		case "lock-dir":
			cfg.LockDir = *lockDir
		case "roots":
			cfg.Roots = *roots
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config, w io.Writer) error {
	heap, err := parseHeap(cfg.Heap)
	if err != nil {
		return err
	}
	if cfg.Connect != "" {
		return runRemote(ctx, cfg, heap, w)
	}
	if cfg.PID <= 0 {
		return fmt.Errorf("-pid is required")
	}

	lock, err := lockProcess(cfg.LockDir, cfg.PID)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	opts := []rootscan.Option{
		rootscan.WithErrorLogger(func(err error) { log.Print(err) }),
	}
	if cfg.Workers > 0 {
		opts = append(opts, rootscan.WithWorkers(cfg.Workers))
	}
	if cfg.Asserts {
		opts = append(opts, rootscan.WithAsserts(true))
	}
	s, err := rootscan.Attach(cfg.PID, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if cfg.Listen != "" || cfg.Dial != "" {
		if cfg.Dial != "" {
			err = s.ServeDial(cfg.Dial)
		} else {
			err = s.Serve(cfg.Listen)
		}
		if err != nil {
			return err
		}
		log.Printf("serving process %d on %s", cfg.PID, s.Addr())
		<-ctx.Done()
		return nil
	}

	pauseCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	r, err := s.Pause(pauseCtx, heap)
	if err != nil {
		return err
	}
	printReport(w, r, cfg.Roots)
	return nil
}

func runRemote(ctx context.Context, cfg config, heap rootscan.Range, w io.Writer) error {
	c, err := rootscanclient.NewClient(cfg.Connect)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	r, err := c.Scan(ctx, cfg.PID, heap)
	if err != nil {
		return err
	}
	printReport(w, r, cfg.Roots)
	return nil
}

// lockProcess makes sure a single rootscan attaches to a process at a time:
// a second tracer would fail to suspend its threads halfway through.
func lockProcess(dir string, pid int) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(dir, fmt.Sprintf("rootscan-%d.lock", pid)))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock process %d: %w", pid, err)
	}
	if !ok {
		return nil, fmt.Errorf("process %d is already being scanned (%s)", pid, lock.Path())
	}
	return lock, nil
}

func printReport(w io.Writer, r *rootscan.Report, listRoots bool) {
	st := r.Statistics
	var scanned uint64
	for _, t := range r.Threads {
		scanned += uint64(t.Result.Top - t.Result.Start)
	}
	fmt.Fprintf(w, "pause %s at %s\n", r.ID, r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "heap %s: %d roots on %d threads (%d skipped)\n",
		r.Heap, r.Roots.Len(), st.NumThreads, st.SkippedThreads)
	fmt.Fprintf(w, "scanned %s of stack in %s (suspend %s, resume %s)\n",
		bytesize.New(float64(scanned)), st.ScanDuration, st.SuspendDuration, st.ResumeDuration)
	if !r.Complete() {
		fmt.Fprintln(w, "incomplete: some roots may be missing")
	}
	for _, t := range r.Threads {
		fmt.Fprintf(w, "  thread %d: ", t.ID)
		if t.Skipped {
			fmt.Fprintf(w, "skipped: %v\n", t.Err)
			continue
		}
		fmt.Fprintf(w, "stack %s, %d words, %d roots", t.Region, t.Result.Words, t.Result.Roots)
		if t.Clamped {
			fmt.Fprintf(w, ", stack pointer %#x outside stack", t.StackPointer)
		}
		if t.Result.UnreadableBytes > 0 {
			fmt.Fprintf(w, ", %s unreadable", bytesize.New(float64(t.Result.UnreadableBytes)))
		}
		fmt.Fprintln(w)
	}
	if listRoots {
		for _, root := range r.Roots.Sorted() {
			fmt.Fprintf(w, "%#x\n", root)
		}
	}
}
