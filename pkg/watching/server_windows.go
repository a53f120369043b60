//go:build windows

package watching

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/filewatchd/corewatch/pkg/logging"
)

const (
	// DefaultWindowsBufferSize is used by NewServer when bufferSize <= 0.
	DefaultWindowsBufferSize = 16 * 1024
	// MaxWindowsBufferSize caps the per-watch-point buffer so a single
	// misconfigured caller can't exhaust the process's working set; it
	// matches the largest size ReadDirectoryChangesW accepts over a network
	// redirector.
	MaxWindowsBufferSize = 16 * 1024 * 1024

	windowsWatchFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
		windows.FILE_NOTIFY_CHANGE_DIR_NAME |
		windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
		windows.FILE_NOTIFY_CHANGE_SIZE |
		windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
		windows.FILE_NOTIFY_CHANGE_SECURITY

	// sleepQuantumMillis bounds how long runLoop's alertable wait can go
	// without checking the command queue; APC delivery for completed reads
	// interrupts it immediately regardless, this only bounds the latency of
	// noticing a newly queued command.
	sleepQuantumMillis = 200
)

// fileNotifyInformation mirrors the kernel's FILE_NOTIFY_INFORMATION layout.
// golang.org/x/sys/windows doesn't export this struct, so ReadDirectoryChangesW
// callers decode it by hand; FileName is the first UTF-16 code unit of a
// variable-length, non-null-terminated name that continues past the struct.
type fileNotifyInformation struct {
	NextEntryOffset uint32
	Action          uint32
	FileNameLength  uint32
	FileName        uint16
}

// NewServer creates a new ReadDirectoryChangesW-backed watch server. Per
// spec.md §6, the Windows construction inputs are the callback and the
// per-watch-point read buffer size.
func NewServer(sink EventSink, bufferSize int) (*Server, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultWindowsBufferSize
	}
	if bufferSize > MaxWindowsBufferSize {
		bufferSize = MaxWindowsBufferSize
	}

	s := newServer(sink, DefaultCommandTimeout, logging.NewLogger(logging.LevelWarn))
	b := &windowsBackend{
		server:     s,
		bufferSize: uint32(bufferSize),
		watches:    make(map[uintptr]*windowsWatch),
		wakeCh:     make(chan struct{}, 1),
	}
	s.backend = b
	s.commands = newCommandQueue(b.wake)
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// windowsWatch is the per-root control block driving one outstanding
// overlapped ReadDirectoryChangesW call, stashed in WatchPoint.native. Its
// address is stable for the watch point's lifetime, which is what lets the
// completion routine recover it from the raw OVERLAPPED pointer the kernel
// hands back.
type windowsWatch struct {
	root       string
	handle     windows.Handle
	overlapped windows.Overlapped
	buffer     []byte
	// cancelling is set by unregisterPath just before it issues CancelIoEx.
	// handleCompletion doesn't consult it: it retires the watch on any
	// ERROR_OPERATION_ABORTED, whether or not cancellation was requested.
	cancelling bool
}

// windowsBackend implements backend using one directory handle and one
// outstanding overlapped ReadDirectoryChangesW call per root, completed via
// an I/O completion routine APC delivered to the watcher thread while it's
// in an alertable wait.
type windowsBackend struct {
	server *Server

	bufferSize uint32

	// watches maps the address of a windowsWatch's embedded Overlapped to
	// the watch itself, so the completion routine (which only receives that
	// pointer back from the kernel) can find its owner. watcher-thread-only.
	watches map[uintptr]*windowsWatch

	// completionRoutine is the stdcall-compatible function pointer passed to
	// every ReadDirectoryChangesW call, created once runLoop has locked the
	// watcher goroutine to its OS thread.
	completionRoutine uintptr

	wakeCh chan struct{}
}

// runLoop implements backend.runLoop. APC completion routines are only
// delivered to the thread that both issued the I/O and is currently in an
// alertable wait, so the watcher goroutine is pinned to one OS thread for
// its entire lifetime.
func (b *windowsBackend) runLoop(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	b.completionRoutine = windows.NewCallback(func(errorCode, bytesTransferred, overlapped uintptr) uintptr {
		if w, ok := b.watches[overlapped]; ok {
			b.handleCompletion(w, uint32(errorCode), uint32(bytesTransferred))
		}
		return 0
	})
	ready <- nil

	for {
		windows.SleepEx(sleepQuantumMillis, true)
		select {
		case <-b.wakeCh:
			if b.server.processCommands() {
				b.terminateAll()
				return
			}
		default:
		}
	}
}

// wake implements backend.wake.
func (b *windowsBackend) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// registerPath implements backend.registerPath: opens the directory handle
// and issues the first overlapped read.
func (b *windowsBackend) registerPath(wp *WatchPoint) error {
	native := toNativeRoot(wp.Root)
	pathPtr, err := windows.UTF16PtrFromString(native)
	if err != nil {
		return wrapPathError(err, "UTF16PtrFromString", wp.Root)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return wrapPathError(err, "CreateFile", wp.Root)
	}

	w := &windowsWatch{
		root:   wp.Root,
		handle: handle,
		buffer: make([]byte, b.bufferSize),
	}
	wp.native = w
	b.watches[uintptr(unsafe.Pointer(&w.overlapped))] = w

	if err := b.issueRead(w); err != nil {
		delete(b.watches, uintptr(unsafe.Pointer(&w.overlapped)))
		windows.CloseHandle(handle)
		return wrapPathError(err, "ReadDirectoryChangesW", wp.Root)
	}
	return nil
}

// issueRead starts (or restarts) the outstanding overlapped read for w.
func (b *windowsBackend) issueRead(w *windowsWatch) error {
	var bytesReturned uint32
	return windows.ReadDirectoryChanges(
		w.handle,
		&w.buffer[0],
		uint32(len(w.buffer)),
		true,
		windowsWatchFilter,
		&bytesReturned,
		&w.overlapped,
		b.completionRoutine,
	)
}

// unregisterPath implements backend.unregisterPath by cancelling the
// outstanding read; the watch point finishes once cancellation completes, in
// handleCompletion.
func (b *windowsBackend) unregisterPath(wp *WatchPoint) error {
	w, ok := wp.native.(*windowsWatch)
	if !ok || w == nil {
		return nil
	}
	w.cancelling = true
	if err := windows.CancelIoEx(w.handle, &w.overlapped); err != nil {
		if err == windows.ERROR_NOT_FOUND {
			// Nothing was outstanding to cancel.
			return nil
		}
		return wrapPathError(err, "CancelIoEx", wp.Root)
	}
	return nil
}

// terminateBackend implements backend.terminateBackend.
func (b *windowsBackend) terminateBackend() {
	b.terminateAll()
}

func (b *windowsBackend) terminateAll() {
	for key, w := range b.watches {
		windows.CancelIoEx(w.handle, &w.overlapped)
		windows.CloseHandle(w.handle)
		delete(b.watches, key)
	}
}

// handleCompletion processes the outcome of one ReadDirectoryChangesW call:
// it decodes the FILE_NOTIFY_INFORMATION chain, re-issues the read for the
// next batch, and translates each record per spec.md §4.4 step 2.
func (b *windowsBackend) handleCompletion(w *windowsWatch, errCode, bytesTransferred uint32) {
	root, wp, known := b.owningWatchPoint(w)
	if !known {
		return
	}

	switch errCode {
	case uint32(windows.ERROR_OPERATION_ABORTED):
		b.retireWatch(w, wp)
		return
	case uint32(windows.ERROR_ACCESS_DENIED):
		// The directory handle itself no longer resolves to a valid
		// directory, almost always because the root was deleted out from
		// under the watch: the root itself is gone, so this is REMOVED,
		// not an ambiguous invalidation.
		b.server.reportChange(ChangeRemoved, root)
		b.retireWatch(w, wp)
		return
	case uint32(windows.ERROR_NETNAME_DELETED):
		// The underlying share was disconnected; the root directory may
		// still exist once connectivity is restored, so this is an
		// invalidation rather than a removal.
		b.server.reportChange(ChangeInvalidated, root)
		b.retireWatch(w, wp)
		return
	case 0:
		if bytesTransferred == 0 {
			// A zero-length successful completion means the kernel's buffer
			// filled faster than it could be drained; the caller must
			// re-register to resume watching this root.
			b.server.reportChange(ChangeOverflow, root)
			b.retireWatch(w, wp)
			return
		}
	default:
		// Any other error is most often delivered alongside
		// bytesTransferred == 0, so the reissue below is typically a
		// harmless no-op; we still attempt it so a transient failure
		// doesn't leave the root silently unwatched.
		b.server.reportError(ErrorRuntimeEvent, root, errors.Errorf("ReadDirectoryChangesW completed with error %d", errCode))
	}

	b.decodeAndReport(root, w.buffer[:bytesTransferred])

	if err := b.issueRead(w); err != nil {
		b.server.reportError(ErrorRuntimeRoot, root, errors.Wrap(err, "unable to re-issue ReadDirectoryChangesW"))
		b.retireWatch(w, wp)
	}
}

// retireWatch releases w's native resources and finishes its watch point.
func (b *windowsBackend) retireWatch(w *windowsWatch, wp *WatchPoint) {
	delete(b.watches, uintptr(unsafe.Pointer(&w.overlapped)))
	windows.CloseHandle(w.handle)
	b.server.finishWatchPoint(wp)
}

func (b *windowsBackend) owningWatchPoint(w *windowsWatch) (string, *WatchPoint, bool) {
	for root, wp := range b.server.watchPoints {
		if existing, ok := wp.native.(*windowsWatch); ok && existing == w {
			return root, wp, true
		}
	}
	return "", nil, false
}

// decodeAndReport walks the FILE_NOTIFY_INFORMATION chain in buf, translating
// each record's Action and reporting it relative to root.
func (b *windowsBackend) decodeAndReport(root string, buf []byte) {
	const headerSize = 12 // NextEntryOffset + Action + FileNameLength, each uint32

	offset := 0
	for offset+headerSize <= len(buf) {
		info := (*fileNotifyInformation)(unsafe.Pointer(&buf[offset]))
		nameLen := int(info.FileNameLength)
		nameStart := offset + headerSize
		if nameStart+nameLen > len(buf) {
			break
		}
		units := nameLen / 2
		name := windows.UTF16ToString(
			(*[1 << 20]uint16)(unsafe.Pointer(&buf[nameStart]))[:units:units],
		)
		path := joinEventPath(root, name)

		switch info.Action {
		case windows.FILE_ACTION_ADDED, windows.FILE_ACTION_RENAMED_NEW_NAME:
			b.server.reportChange(ChangeCreated, path)
		case windows.FILE_ACTION_REMOVED, windows.FILE_ACTION_RENAMED_OLD_NAME:
			b.server.reportChange(ChangeRemoved, path)
		case windows.FILE_ACTION_MODIFIED:
			b.server.reportChange(ChangeModified, path)
		default:
			b.server.reportChange(ChangeUnknown, path)
		}

		if info.NextEntryOffset == 0 {
			break
		}
		offset += int(info.NextEntryOffset)
	}
}
