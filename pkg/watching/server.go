package watching

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/filewatchd/corewatch/pkg/logging"
)

const (
	// DefaultCommandTimeout is used by every platform's NewServer unless
	// overridden (macOS accepts an explicit commandTimeoutInMillis argument
	// per spec.md §6; the other platforms use this constant, resolving the
	// "fix one global value" open question in spec.md §9 for the value
	// every submit call actually uses).
	DefaultCommandTimeout = 5 * time.Second

	// ShutdownJoinTimeout is the budget Close gives the watcher thread to
	// exit before reporting a fatal shutdown failure.
	ShutdownJoinTimeout = 5 * time.Second
)

// backend is the platform-specific half of the abstract server: one
// implementation each for Linux (server_linux.go), macOS
// (server_darwin.go), and Windows (server_windows.go). All of its methods
// run exclusively on the watcher thread, except wake, which may be called
// from any caller thread pushing a command.
type backend interface {
	// runLoop performs backend-specific startup, signals ready with the
	// startup result exactly once, and then pumps the native event loop
	// until the server is terminated. It must call server.processCommands
	// whenever woken by wake so that queued commands are drained promptly.
	runLoop(ready chan<- error)
	// wake interrupts a blocked runLoop so it can observe newly queued
	// commands.
	wake()
	// registerPath arms native watching for wp. It's called before wp is
	// added to watchPoints; the server adds it only if registerPath
	// succeeds. Runs on the watcher thread.
	registerPath(wp *WatchPoint) error
	// unregisterPath begins cancellation of wp. A backend that needs no
	// native acknowledgment (Linux, macOS) finishes wp here via
	// finishWatchPoint, which removes it from watchPoints; otherwise wp stays
	// in watchPoints until the backend finishes it later. Runs on the watcher
	// thread.
	unregisterPath(wp *WatchPoint) error
	// terminateBackend performs final platform teardown (closing file
	// descriptors/handles, stopping run loops). Runs on the watcher thread,
	// as the last step of processing a Terminate command.
	terminateBackend()
}

// Server is the platform-independent watch server skeleton: it owns the
// watcher thread, the command channel, the watch-point map, and the host
// callback reference, and delegates native-loop integration and raw-event
// translation to a backend. All mutation of watchPoints happens on the
// watcher thread, which is why Server carries no lock around it; the
// command queue is the only structure shared across threads, and it has its
// own lock.
type Server struct {
	// sink is the host callback reference, held for the server's lifetime.
	sink EventSink
	// logger is used for non-sink-worthy diagnostic tracing.
	logger *logging.Logger
	// commandTimeout bounds every Server.submit call.
	commandTimeout time.Duration
	// backend is the platform-specific implementation, set by the
	// platform's NewServer before Start is called.
	backend backend
	// commands is the cross-thread command queue.
	commands *commandQueue
	// watchPoints maps canonical root -> watch point. Watcher-thread-only.
	watchPoints map[string]*WatchPoint
	// terminated is set once a Terminate command has been processed. It's
	// read from reportChange/reportError (watcher thread) and written from
	// processCommands (also watcher thread), but kept atomic so that it can
	// eventually be inspected from Close on a caller thread without a race
	// detector false positive.
	terminated atomic.Bool
	// threadDone is closed when the watcher thread's runLoop returns.
	threadDone chan struct{}
}

// newServer constructs the platform-independent portion of a Server. Each
// platform's NewServer calls this, then constructs and wires its backend.
func newServer(sink EventSink, commandTimeout time.Duration, logger *logging.Logger) *Server {
	return &Server{
		sink:           sink,
		logger:         logger,
		commandTimeout: commandTimeout,
		watchPoints:    make(map[string]*WatchPoint),
		threadDone:     make(chan struct{}),
	}
}

// Start launches the watcher thread and blocks until it reports either
// successful startup or a startup failure, which is propagated to the
// caller. The server is not usable if Start returns a non-nil error.
func (s *Server) Start() error {
	ready := make(chan error, 1)
	go func() {
		s.backend.runLoop(ready)
		close(s.threadDone)
	}()
	return <-ready
}

// StartWatching registers the given absolute paths as watch roots. It fails
// if any path is not absolute, not a directory, or already watched; in that
// case no path in the batch is registered. Registering zero paths is a
// no-op success.
func (s *Server) StartWatching(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.submit(newCommand(commandRegister, paths))
}

// StopWatching unregisters the given absolute paths. It returns true iff
// every provided path had a live watch point at the time it was processed.
// Unregistering zero paths is a no-op success that reports true.
func (s *Server) StopWatching(paths []string) (bool, error) {
	if len(paths) == 0 {
		return true, nil
	}
	cmd := newCommand(commandUnregister, paths)
	err := s.submit(cmd)
	return cmd.allPresent, err
}

// Close terminates the server and joins the watcher thread. It's safe to
// call Close more than once; subsequent calls find the command queue already
// terminated and return nil.
func (s *Server) Close() error {
	cmd := newCommand(commandTerminate, nil)
	if !s.commands.push(cmd) {
		return nil
	}

	// Wait for the terminate command itself to be picked up and processed.
	// This should never hit the command timeout in practice (terminate
	// handling does no blocking I/O before completing), but guard anyway
	// rather than wait forever on a wedged backend.
	select {
	case <-cmd.done:
	case <-time.After(s.commandTimeout):
	}

	// Join the watcher thread within the shutdown budget.
	select {
	case <-s.threadDone:
		return nil
	case <-time.After(ShutdownJoinTimeout):
		err := errors.New("watcher thread did not exit within shutdown budget")
		s.logger.Error(err)
		// This is the one failure reported after termination has begun: the
		// sink is still told, per the Shutdown row of the error taxonomy,
		// even though terminated is already true and reportError would
		// otherwise suppress delivery.
		s.sink.OnError(&WatchError{Kind: ErrorShutdown, Err: err})
		return err
	}
}

// submit enqueues cmd, wakes the watcher thread, and waits up to
// commandTimeout for completion.
func (s *Server) submit(cmd *command) error {
	if !s.commands.push(cmd) {
		return ErrServerClosed
	}
	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()
	select {
	case <-cmd.done:
		if cmd.err != nil {
			s.logger.Warn(errors.Wrapf(cmd.err, "command %v", cmd.kind))
		}
		return cmd.err
	case <-timer.C:
		s.logger.Warn(errors.Wrapf(ErrCommandTimeout, "command %v", cmd.kind))
		return ErrCommandTimeout
	}
}

// reportChange delivers a change event to the sink. It must only be called
// from the watcher thread.
func (s *Server) reportChange(changeType ChangeType, path string) {
	if s.terminated.Load() {
		return
	}
	s.sink.OnChange(Event{Type: changeType, Path: path})
}

// reportError delivers a failure record to the sink. It must only be called
// from the watcher thread.
func (s *Server) reportError(kind ErrorKind, path string, err error) {
	if s.terminated.Load() {
		return
	}
	s.sink.OnError(&WatchError{Kind: kind, Path: path, Err: err})
}

// processCommands drains every command currently queued, executing each on
// the calling (watcher) thread. It returns true once a Terminate command has
// been processed, signaling the backend's runLoop to exit.
func (s *Server) processCommands() (terminated bool) {
	for {
		cmd, ok := s.commands.pop()
		if !ok {
			return s.terminated.Load()
		}
		switch cmd.kind {
		case commandRegister:
			cmd.complete(s.doRegister(cmd.roots))
		case commandUnregister:
			allPresent, err := s.doUnregister(cmd.roots)
			cmd.allPresent = allPresent
			cmd.complete(err)
		case commandTerminate:
			s.terminated.Store(true)
			s.terminateAllWatchPoints()
			s.backend.terminateBackend()
			cmd.complete(nil)
			return true
		}
	}
}

// doRegister validates and registers a batch of roots. The whole batch is
// validated before any native registration occurs, and any native failure
// mid-batch rolls back the roots already registered in this call, so that a
// failing StartWatching call never leaves a partial registration behind.
func (s *Server) doRegister(paths []string) error {
	roots := make([]string, 0, len(paths))
	for _, path := range paths {
		root, err := canonicalizeRoot(path)
		if err != nil {
			return errors.Wrapf(err, "invalid watch path %q", path)
		}
		if _, exists := s.watchPoints[root]; exists {
			return errors.Wrapf(ErrAlreadyWatching, "%q", root)
		}
		for _, seen := range roots {
			if seen == root {
				return errors.Wrapf(ErrAlreadyWatching, "%q", root)
			}
		}
		info, err := os.Stat(root)
		if err != nil {
			return errors.Wrapf(err, "unable to watch %q", root)
		}
		if !info.IsDir() {
			return errors.Errorf("%q is not a directory", root)
		}
		roots = append(roots, root)
	}

	registered := make([]*WatchPoint, 0, len(roots))
	for _, root := range roots {
		wp := newWatchPoint(root)
		if err := s.backend.registerPath(wp); err != nil {
			wp.State = StateFinished
			for _, done := range registered {
				s.backend.unregisterPath(done)
				delete(s.watchPoints, done.Root)
			}
			return errors.Wrapf(err, "unable to watch %q", root)
		}
		wp.State = StateListening
		s.watchPoints[root] = wp
		registered = append(registered, wp)
	}
	return nil
}

// doUnregister cancels a batch of roots. A root that isn't currently watched
// doesn't produce an error; it's simply excluded from the "all present"
// result.
func (s *Server) doUnregister(paths []string) (allPresent bool, err error) {
	allPresent = true
	for _, path := range paths {
		root, cerr := canonicalizeRoot(path)
		if cerr != nil {
			allPresent = false
			continue
		}
		wp, ok := s.watchPoints[root]
		if !ok {
			allPresent = false
			continue
		}
		s.cancelWatchPoint(wp)
	}
	return allPresent, nil
}

// cancelWatchPoint transitions a watch point to CANCELLED and asks the
// backend to begin native cancellation. If the backend can't even issue the
// cancellation request, the watch point is finished immediately rather than
// left to wait for an acknowledgment that will never arrive.
func (s *Server) cancelWatchPoint(wp *WatchPoint) {
	if wp.State != StateListening {
		return
	}
	wp.State = StateCancelled
	if err := s.backend.unregisterPath(wp); err != nil {
		s.finishWatchPoint(wp)
		s.reportError(ErrorRegistration, wp.Root, err)
	}
}

// finishWatchPoint transitions a watch point to FINISHED and removes it from
// watchPoints. Called by a backend once it has observed the native
// acknowledgment of cancellation (or a root-invalidating condition), or by
// cancelWatchPoint when cancellation itself fails outright.
func (s *Server) finishWatchPoint(wp *WatchPoint) {
	wp.State = StateFinished
	delete(s.watchPoints, wp.Root)
}

// terminateAllWatchPoints cancels every remaining listening watch point as
// part of Terminate processing. It's a best-effort pass: the backend's
// terminateBackend (called immediately afterward) is responsible for making
// sure every native resource is actually released regardless of whether a
// given watch point's cancellation was acknowledged individually.
func (s *Server) terminateAllWatchPoints() {
	for _, wp := range s.watchPoints {
		if wp.State == StateListening {
			wp.State = StateCancelled
		}
	}
}
