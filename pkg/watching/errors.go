package watching

import "github.com/pkg/errors"

var (
	// ErrNotAbsolute indicates that a path supplied to StartWatching or
	// StopWatching was not absolute.
	ErrNotAbsolute = errors.New("path is not absolute")
	// ErrAlreadyWatching indicates that StartWatching was called for a root
	// that already has a live watch point.
	ErrAlreadyWatching = errors.New("already watching")
	// ErrServerClosed indicates that a command was submitted after the
	// server observed Terminate.
	ErrServerClosed = errors.New("server is closed")
	// ErrCommandTimeout indicates that a submitted command did not complete
	// within CommandTimeout. The watcher thread is not affected and may
	// complete the command later.
	ErrCommandTimeout = errors.New("command timed out")
)
