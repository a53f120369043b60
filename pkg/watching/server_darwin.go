//go:build darwin && cgo

package watching

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mutagen-io/fsevents"

	"github.com/filewatchd/corewatch/pkg/logging"
)

const (
	// fseventsChannelCapacity is the capacity of the raw FSEvents batch
	// channel, matching the teacher's single-root watcher.
	fseventsChannelCapacity = 50

	// fseventsFlags enables NoDefer (deliver isolated events immediately
	// rather than always waiting out the coalescing window), WatchRoot (so
	// the stream notices when a watched root itself is renamed or removed),
	// and FileEvents (per-file rather than per-directory granularity).
	fseventsFlags = fsevents.NoDefer | fsevents.WatchRoot | fsevents.FileEvents

	// DefaultFSEventsLatency is used by NewServer when latency <= 0.
	DefaultFSEventsLatency = 10 * time.Millisecond
)

// watchPointAge tracks whether a watch point's events should still be
// suppressed as historical replay, per spec.md §4.3 step 3.
type watchPointAge int

const (
	ageNew watchPointAge = iota
	ageHistorical
)

// NewServer creates a new FSEvents-backed watch server. Per spec.md §6, the
// macOS construction inputs are the callback, the FSEvents coalescing
// latency, and the command timeout.
func NewServer(sink EventSink, latency, commandTimeout time.Duration) (*Server, error) {
	if latency <= 0 {
		latency = DefaultFSEventsLatency
	}
	if commandTimeout <= 0 {
		commandTimeout = DefaultCommandTimeout
	}
	s := newServer(sink, commandTimeout, logging.NewLogger(logging.LevelWarn))
	b := &darwinBackend{
		server:          s,
		ages:            make(map[string]watchPointAge),
		latency:         latency,
		lastSeenEventID: fsevents.EventIDSinceNow,
		wakeCh:          make(chan struct{}, 1),
	}
	s.backend = b
	s.commands = newCommandQueue(b.wake)
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// darwinBackend implements backend using a single FSEventStream that's torn
// down and rebuilt on every register/unregister, because FSEventStreamCreate
// takes an immutable path array at creation time.
type darwinBackend struct {
	server *Server

	stream    *fsevents.EventStream
	rawEvents <-chan []fsevents.Event

	// ages tracks the historical-suppression tag for every currently
	// registered root.
	ages map[string]watchPointAge
	// historyDone latches true once kFSEventStreamEventFlagHistoryDone has
	// been observed for the current stream (or immediately, if the current
	// stream was started "since now" and thus has no history to replay).
	historyDone bool
	// lastSeenEventID is the resume point used when the stream is rebuilt;
	// it advances monotonically as records are processed.
	lastSeenEventID fsevents.EventID

	latency time.Duration
	wakeCh  chan struct{}
}

// runLoop implements backend.runLoop. FSEvents has no process-wide
// initialization step that can fail independently of a specific stream, so
// startup always reports success; per-stream failures surface later, from
// registerPath, as Registration errors.
func (b *darwinBackend) runLoop(ready chan<- error) {
	ready <- nil
	for {
		select {
		case <-b.wakeCh:
			if b.server.processCommands() {
				b.closeStream()
				return
			}
		case batch, ok := <-b.rawEvents:
			if !ok {
				b.rawEvents = nil
				continue
			}
			b.handleBatch(batch)
		}
	}
}

// wake implements backend.wake.
func (b *darwinBackend) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// registerPath implements backend.registerPath by tagging the new watch
// point's historical-suppression age and rebuilding the stream to include
// it.
func (b *darwinBackend) registerPath(wp *WatchPoint) error {
	age := ageHistorical
	if b.lastSeenEventID == fsevents.EventIDSinceNow {
		age = ageNew
	}
	b.ages[wp.Root] = age
	if err := b.rebuildStream(); err != nil {
		delete(b.ages, wp.Root)
		return errors.Wrapf(err, "unable to watch %q", wp.Root)
	}
	return nil
}

// unregisterPath implements backend.unregisterPath. Unlike Linux/Windows,
// there's no separate native acknowledgment of a single root's removal: the
// stream rebuild itself is the acknowledgment, so the watch point is
// finished synchronously here rather than by a later event.
func (b *darwinBackend) unregisterPath(wp *WatchPoint) error {
	delete(b.ages, wp.Root)
	err := b.rebuildStream()
	b.server.finishWatchPoint(wp)
	return err
}

// terminateBackend implements backend.terminateBackend.
func (b *darwinBackend) terminateBackend() {
	b.closeStream()
}

// rebuildStream implements the closeEventStream() -> mutate -> openEventStream()
// procedure from spec.md §4.3 step 1. If no roots remain, the stream is left
// torn down rather than recreated with an empty path array.
func (b *darwinBackend) rebuildStream() error {
	b.closeStream()
	if len(b.ages) == 0 {
		return nil
	}

	paths := make([]string, 0, len(b.ages))
	for root := range b.ages {
		paths = append(paths, toNativeRoot(root))
	}

	resumeFrom := b.lastSeenEventID
	events := make(chan []fsevents.Event, fseventsChannelCapacity)
	stream := &fsevents.EventStream{
		Events:  events,
		Paths:   paths,
		Latency: b.latency,
		Flags:   fseventsFlags,
		EventID: resumeFrom,
	}
	stream.Start()

	b.stream = stream
	b.rawEvents = events
	b.historyDone = resumeFrom == fsevents.EventIDSinceNow
	return nil
}

// closeStream stops and releases the current stream, if any, per the
// FSEventStreamFlushSync-then-stop/invalidate/release sequence in spec.md
// §4.3 step 7.
func (b *darwinBackend) closeStream() {
	if b.stream == nil {
		return
	}
	b.stream.Flush(true)
	b.stream.Stop()
	b.stream = nil
	b.rawEvents = nil
}

// ownerRoot finds the registered root that owns path, preferring the
// longest matching prefix in case of (disallowed but defensively handled)
// nested roots.
func (b *darwinBackend) ownerRoot(path string) (string, bool) {
	best := ""
	for root := range b.ages {
		if path == root || strings.HasPrefix(path, root+"/") {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best, best != ""
}

// handleBatch processes one delivered batch of FSEvents records.
func (b *darwinBackend) handleBatch(batch []fsevents.Event) {
	for _, event := range batch {
		if event.Flags&fsevents.HistoryDone != 0 {
			b.historyDone = true
			for root, age := range b.ages {
				if age == ageNew {
					b.ages[root] = ageHistorical
				}
			}
			continue
		}

		if b.lastSeenEventID == fsevents.EventIDSinceNow || event.ID > b.lastSeenEventID {
			b.lastSeenEventID = event.ID
		}

		root, ok := b.ownerRoot(event.Path)
		if !ok {
			continue
		}
		if !b.historyDone && b.ages[root] == ageNew {
			continue
		}

		b.translateAndReport(root, event)
	}
}

// translateAndReport implements the first-match-wins translation priority
// from spec.md §4.3 step 4.
func (b *darwinBackend) translateAndReport(root string, event fsevents.Event) {
	flags := event.Flags
	switch {
	case flags&fsevents.MustScanSubDirs != 0:
		b.server.reportChange(ChangeOverflow, root)
		b.invalidateRoot(root)
	case flags&fsevents.RootChanged != 0 && event.ID == 0:
		b.server.reportChange(ChangeInvalidated, root)
		b.invalidateRoot(root)
	case flags&(fsevents.Mount|fsevents.Unmount) != 0:
		b.server.reportChange(ChangeInvalidated, root)
		b.invalidateRoot(root)
	case flags&fsevents.ItemRenamed != 0 && flags&fsevents.ItemCreated != 0:
		b.server.reportChange(ChangeRemoved, event.Path)
	case flags&fsevents.ItemRenamed != 0:
		b.server.reportChange(ChangeCreated, event.Path)
	case flags&fsevents.ItemModified != 0:
		b.server.reportChange(ChangeModified, event.Path)
	case flags&fsevents.ItemRemoved != 0:
		b.server.reportChange(ChangeRemoved, event.Path)
	case flags&(fsevents.ItemInodeMetaMod|fsevents.ItemFinderInfoMod|fsevents.ItemChangeOwner|fsevents.ItemXattrMod) != 0:
		b.server.reportChange(ChangeModified, event.Path)
	case flags&fsevents.ItemCreated != 0:
		b.server.reportChange(ChangeCreated, event.Path)
	default:
		b.server.reportChange(ChangeUnknown, event.Path)
	}
}

// invalidateRoot finishes a watch point that the OS has told us is no
// longer valid (unmounted, or its root component replaced) and rebuilds the
// stream without it.
func (b *darwinBackend) invalidateRoot(root string) {
	wp, ok := b.server.watchPoints[root]
	if !ok {
		return
	}
	delete(b.ages, root)
	b.server.finishWatchPoint(wp)
	if err := b.rebuildStream(); err != nil {
		b.server.reportError(ErrorRuntimeRoot, root, err)
	}
}
