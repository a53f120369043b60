package watching

// WatchPointState is the lifecycle state of a single registered root, per
// the Watch Point state machine.
type WatchPointState int

const (
	// StateNotListening is the initial, transient state: the watch point has
	// been constructed but the native listen isn't armed yet.
	StateNotListening WatchPointState = iota
	// StateListening indicates a native watch is armed; events may arrive.
	StateListening
	// StateCancelled indicates unregister or shutdown has requested
	// cancellation; the native layer still owes a terminal event.
	StateCancelled
	// StateFinished indicates the native layer has acknowledged cancellation,
	// or that arming failed. It's safe to drop the watch point once in this
	// state.
	StateFinished
)

// String returns a human-readable name for the state.
func (s WatchPointState) String() string {
	switch s {
	case StateNotListening:
		return "NOT_LISTENING"
	case StateListening:
		return "LISTENING"
	case StateCancelled:
		return "CANCELLED"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// WatchPoint is the per-root state object owning an OS-level watch
// handle/descriptor and a lifecycle state machine. It's only ever touched on
// the watcher thread, which is why it carries no synchronization of its own.
type WatchPoint struct {
	// Root is the canonical, absolute root path this watch point covers.
	Root string
	// State is the watch point's current lifecycle state.
	State WatchPointState
	// native holds backend-specific data (the inotify watch descriptor, or
	// the Windows overlapped-I/O control block and buffer). The macOS backend
	// keeps its historical-event bookkeeping in the backend itself and leaves
	// native unset. Its concrete type is private to the backend that created
	// the watch point.
	native interface{}
}

// newWatchPoint creates a watch point in its initial NOT_LISTENING state.
func newWatchPoint(root string) *WatchPoint {
	return &WatchPoint{Root: root, State: StateNotListening}
}
