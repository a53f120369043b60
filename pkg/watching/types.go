package watching

import "fmt"

// ChangeType is the type of a filesystem change event. Its ordinal values
// are wire-stable: they're handed across the host bridge boundary as plain
// integers, so existing values must never be renumbered.
type ChangeType int

const (
	// ChangeCreated indicates that a file or directory was created (or moved
	// into the watched subtree).
	ChangeCreated ChangeType = 0
	// ChangeRemoved indicates that a file or directory was removed (or moved
	// out of the watched subtree).
	ChangeRemoved ChangeType = 1
	// ChangeModified indicates that a file's content, attributes, or
	// metadata changed.
	ChangeModified ChangeType = 2
	// ChangeInvalidated indicates that a watch root itself became unusable
	// (deleted, unmounted, or otherwise invalidated) and its watch point has
	// been torn down. The caller must re-register the root to resume
	// watching it.
	ChangeInvalidated ChangeType = 3
	// ChangeUnknown indicates that a native event was decoded but couldn't be
	// mapped to any of the above, yet a path was still available.
	ChangeUnknown ChangeType = 4
	// ChangeOverflow indicates that the native event queue overflowed and
	// some events for the affected root were lost. The watch point for that
	// root transitions to FINISHED; the caller must re-register the root.
	ChangeOverflow ChangeType = 5
	// changeFailure is reserved for error-carrying records in test harnesses
	// and is never emitted through EventSink.OnChange.
	changeFailure ChangeType = -1
)

// String returns a human-readable name for the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeCreated:
		return "CREATED"
	case ChangeRemoved:
		return "REMOVED"
	case ChangeModified:
		return "MODIFIED"
	case ChangeInvalidated:
		return "INVALIDATED"
	case ChangeUnknown:
		return "UNKNOWN"
	case ChangeOverflow:
		return "OVERFLOW"
	case changeFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(c))
	}
}

// Event is a single normalized change notification delivered to the host
// via EventSink.OnChange. Path is always absolute, in host encoding, and
// never empty.
type Event struct {
	// Type is the kind of change that occurred.
	Type ChangeType
	// Path is the absolute, host-encoded path affected by the change.
	Path string
}

// ErrorKind classifies the origin of a WatchError, per the error taxonomy in
// the error handling design.
type ErrorKind int

const (
	// ErrorStartup indicates that a native primitive was unavailable when
	// the watcher thread started. Startup errors are propagated
	// synchronously from Server.Start and are never delivered to the sink.
	ErrorStartup ErrorKind = iota
	// ErrorRegistration indicates that a register/unregister command failed
	// (missing path, not a directory, duplicate root, or the OS refused).
	// Registration failures are returned synchronously from StartWatching.
	// The one case delivered to the sink is a failure to issue native
	// cancellation while unregistering a root; the watch point is then
	// finished immediately.
	ErrorRegistration
	// ErrorRuntimeRoot indicates a root-level runtime condition (deletion,
	// lost mount, overflow). These are ordinarily delivered as a change
	// event (REMOVED/INVALIDATED/OVERFLOW), not as a WatchError; this kind
	// covers root-level failures that can't be expressed as a change event
	// (e.g. a watch that can't be re-armed, or an FSEvents stream that can't
	// be rebuilt).
	ErrorRuntimeRoot
	// ErrorRuntimeEvent indicates a runtime failure while waiting for,
	// reading, or completing native events (a failed poll or read, or a
	// completion that reports an unrecognized error code). Path is the
	// affected root when one is known, and empty otherwise.
	ErrorRuntimeEvent
	// ErrorShutdown indicates that the watcher thread failed to exit within
	// its shutdown budget.
	ErrorShutdown
	// ErrorInvalidState indicates that the server detected an invariant
	// violation (e.g. a callback boundary became unusable) and has
	// suppressed further events rather than crash the host process.
	ErrorInvalidState
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorStartup:
		return "startup"
	case ErrorRegistration:
		return "registration"
	case ErrorRuntimeRoot:
		return "runtime-root"
	case ErrorRuntimeEvent:
		return "runtime-event"
	case ErrorShutdown:
		return "shutdown"
	case ErrorInvalidState:
		return "invalid-state"
	default:
		return "unknown"
	}
}

// WatchError is a typed failure record, either returned synchronously from a
// Server method or delivered asynchronously via EventSink.OnError.
type WatchError struct {
	// Kind classifies the failure's scope.
	Kind ErrorKind
	// Path is the root or event path associated with the failure, if any.
	// It's empty for failures with no natural path (e.g. a startup failure).
	Path string
	// Err is the underlying cause.
	Err error
}

// Error implements error.Error.
func (e *WatchError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Path, e.Err)
}

// Unwrap allows WatchError to participate in errors.Is/errors.As chains.
func (e *WatchError) Unwrap() error {
	return e.Err
}

// ChangeType returns the reserved FAILURE change type, for test harnesses
// and bridges that want to represent a WatchError using the same ordinal
// space as Event.Type.
func (e *WatchError) ChangeType() ChangeType {
	return changeFailure
}

// EventSink is the contract consumed by the core to deliver normalized
// change events and errors to the host. Implementations must not block for
// long periods: both methods are invoked synchronously from the watcher
// thread, and a slow sink delays delivery of every subsequent event.
type EventSink interface {
	// OnChange is invoked once per normalized change event. path is always
	// absolute and is either a watched root or has a watched root as a
	// prefix followed by a path separator.
	OnChange(event Event)
	// OnError is invoked with a typed failure describing its scope and a
	// human-readable cause.
	OnError(err *WatchError)
}
