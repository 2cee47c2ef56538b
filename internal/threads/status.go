package threads

// Status is the logical state of a registered thread.
//
// The state machine is
//
//	(unregistered) -> Registered -> Suspended -> Registered -> ... -> (unregistered)
//
// A thread's stack may only be read while it is Suspended: the stack of a
// running thread is being mutated concurrently.
type Status uint32

const (
	// StatusUnregistered is reported for identities the registry does not
	// know about.
	StatusUnregistered Status = iota
	// StatusRegistered means the thread exists and may be running.
	StatusRegistered
	// StatusSuspended means the thread is stopped and its stack pointer has
	// been captured.
	StatusSuspended
)

var statusStrings = [...]string{
	StatusUnregistered: "unregistered",
	StatusRegistered:   "registered",
	StatusSuspended:    "suspended",
}

func (s Status) String() string {
	if int(s) < len(statusStrings) {
		return statusStrings[s]
	}
	return "unknown"
}
