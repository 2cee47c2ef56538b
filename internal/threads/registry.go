// Package threads tracks the threads whose stacks must be scanned and their
// suspend/resume state.
package threads

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotSuspended is returned when the stack pointer of a thread that is
	// not suspended is requested. It is a contract violation by the caller.
	ErrNotSuspended = errors.New("thread not suspended")
	// ErrThreadSuspended is returned when unregistering a suspended thread.
	ErrThreadSuspended = errors.New("thread is suspended")
	// ErrUnknownThread is returned for identities that are not registered.
	ErrUnknownThread = errors.New("unknown thread")
	// ErrAlreadyRegistered is returned when registering a thread twice.
	ErrAlreadyRegistered = errors.New("thread already registered")
)

// ID identifies a thread. On linux it is the kernel task id.
type ID int

// Record is a snapshot of the registry's knowledge about one thread.
type Record struct {
	ID     ID
	Status Status
	// StackPointer is the stack pointer captured when the thread was
	// suspended. It is zero unless Status is StatusSuspended and it is not
	// guaranteed to lie within the thread's stack.
	StackPointer uintptr
}

func (r Record) String() string {
	return fmt.Sprintf("{ID: %d, Status: %s, SP: %#x}", r.ID, r.Status, r.StackPointer)
}

// Registry tracks the threads of a program.
//
// Register and Unregister may be called concurrently with everything else.
// They wait while the world is stopped (see StopTheWorld), so the set of
// threads cannot change in the middle of a pause.
type Registry struct {
	// world is held for reading by registration changes and for writing for
	// the duration of a pause.
	world sync.RWMutex

	// asserts turns contract violations into panics.
	asserts bool

	mu struct {
		sync.Mutex
		threads map[ID]*Record
	}
}

// NewRegistry constructs an empty Registry. If asserts is set, contract
// violations (such as reading the stack pointer of a running thread) panic
// in addition to returning an error.
func NewRegistry(asserts bool) *Registry {
	r := &Registry{asserts: asserts}
	r.mu.threads = make(map[ID]*Record)
	return r
}

// Register starts tracking a thread.
func (r *Registry) Register(id ID) error {
	r.world.RLock()
	defer r.world.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mu.threads[id]; ok {
		return fmt.Errorf("thread %d: %w", id, ErrAlreadyRegistered)
	}
	r.mu.threads[id] = &Record{ID: id, Status: StatusRegistered}
	return nil
}

// Unregister stops tracking a thread, typically because it exited.
func (r *Registry) Unregister(id ID) error {
	r.world.RLock()
	defer r.world.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.mu.threads[id]
	if !ok {
		return fmt.Errorf("thread %d: %w", id, ErrUnknownThread)
	}
	if t.Status == StatusSuspended {
		return fmt.Errorf("cannot unregister thread %d: %w", id, ErrThreadSuspended)
	}
	delete(r.mu.threads, id)
	return nil
}

// Sync makes the registered set equal to ids: unknown threads are registered
// and threads missing from ids are unregistered. Suspended threads are never
// removed.
func (r *Registry) Sync(ids []ID) (added, removed []ID) {
	r.world.RLock()
	defer r.world.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
		if _, ok := r.mu.threads[id]; !ok {
			r.mu.threads[id] = &Record{ID: id, Status: StatusRegistered}
			added = append(added, id)
		}
	}
	for id, t := range r.mu.threads {
		if _, ok := live[id]; !ok && t.Status != StatusSuspended {
			delete(r.mu.threads, id)
			removed = append(removed, id)
		}
	}
	sortIDs(added)
	sortIDs(removed)
	return added, removed
}

// StopTheWorld calls f with registration changes blocked. It is how a pause
// gets a stable set of threads to suspend.
func (r *Registry) StopTheWorld(f func()) {
	r.world.Lock()
	defer r.world.Unlock()
	f()
}

// MarkSuspended records that a registered thread has been stopped with the
// given stack pointer.
func (r *Registry) MarkSuspended(id ID, sp uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.mu.threads[id]
	if !ok {
		return fmt.Errorf("thread %d: %w", id, ErrUnknownThread)
	}
	if t.Status != StatusRegistered {
		return fmt.Errorf("cannot suspend thread %d in state %s", id, t.Status)
	}
	t.Status = StatusSuspended
	t.StackPointer = sp
	return nil
}

// MarkResumed records that a suspended thread runs again.
func (r *Registry) MarkResumed(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.mu.threads[id]
	if !ok {
		return fmt.Errorf("thread %d: %w", id, ErrUnknownThread)
	}
	if t.Status != StatusSuspended {
		return fmt.Errorf("cannot resume thread %d: %w", id, ErrNotSuspended)
	}
	t.Status = StatusRegistered
	t.StackPointer = 0
	return nil
}

// StackPointer returns the stack pointer captured when the thread was
// suspended. It fails with ErrNotSuspended if the thread is not suspended.
func (r *Registry) StackPointer(id ID) (uintptr, error) {
	r.mu.Lock()
	t, ok := r.mu.threads[id]
	var rec Record
	if ok {
		rec = *t
	}
	r.mu.Unlock()

	if rec.Status != StatusSuspended {
		err := fmt.Errorf("stack pointer of thread %d in state %s: %w", id, rec.Status, ErrNotSuspended)
		if r.asserts {
			panic(err)
		}
		return 0, err
	}
	return rec.StackPointer, nil
}

// Lookup returns the record of a thread. Unknown threads are reported with
// StatusUnregistered.
func (r *Registry) Lookup(id ID) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.mu.threads[id]; ok {
		return *t
	}
	return Record{ID: id, Status: StatusUnregistered}
}

// IDs returns the identities of all registered threads in ascending order.
func (r *Registry) IDs() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ID, 0, len(r.mu.threads))
	for id := range r.mu.threads {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// ForEachSuspended calls f for every suspended thread, in ascending ID order.
// f is called without the registry lock held and receives a copy.
func (r *Registry) ForEachSuspended(f func(Record)) {
	r.mu.Lock()
	recs := make([]Record, 0, len(r.mu.threads))
	for _, t := range r.mu.threads {
		if t.Status == StatusSuspended {
			recs = append(recs, *t)
		}
	}
	r.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	for _, rec := range recs {
		f(rec)
	}
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
