//go:build windows

package watching

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const (
	windowsTestOperationGap = 200 * time.Millisecond
	windowsTestEventWait    = 10 * time.Second
)

func waitForWindowsChange(t *testing.T, sink *testSink, changeType ChangeType, path string) {
	t.Helper()
	deadline := time.NewTimer(windowsTestEventWait)
	defer deadline.Stop()
	for {
		select {
		case event := <-sink.changes:
			if event.Type == changeType && event.Path == path {
				return
			}
		case werr := <-sink.errors:
			t.Fatal("unexpected watch error:", werr)
		case <-deadline.C:
			t.Fatalf("timed out waiting for %v at %q", changeType, path)
		}
	}
}

func TestWindowsServerCreateModifyDelete(t *testing.T) {
	root := t.TempDir()
	sink := newTestSink()

	server, err := NewServer(sink, DefaultWindowsBufferSize)
	if err != nil {
		t.Fatal("unable to create server:", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{root}); err != nil {
		t.Fatal("unable to start watching:", err)
	}

	testFile := filepath.Join(root, "test_file")
	file, err := os.Create(testFile)
	if err != nil {
		t.Fatal("unable to create test file:", err)
	}
	file.Close()
	waitForWindowsChange(t, sink, ChangeCreated, testFile)

	time.Sleep(windowsTestOperationGap)

	if err := os.WriteFile(testFile, []byte("more data"), 0644); err != nil {
		t.Fatal("unable to modify test file:", err)
	}
	waitForWindowsChange(t, sink, ChangeModified, testFile)

	time.Sleep(windowsTestOperationGap)

	if err := os.Remove(testFile); err != nil {
		t.Fatal("unable to remove test file:", err)
	}
	waitForWindowsChange(t, sink, ChangeRemoved, testFile)
}

func TestWindowsServerRenameWithinRoot(t *testing.T) {
	root := t.TempDir()
	sink := newTestSink()

	server, err := NewServer(sink, DefaultWindowsBufferSize)
	if err != nil {
		t.Fatal("unable to create server:", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{root}); err != nil {
		t.Fatal("unable to start watching:", err)
	}

	oldPath := filepath.Join(root, "old_name")
	newPath := filepath.Join(root, "new_name")

	file, err := os.Create(oldPath)
	if err != nil {
		t.Fatal("unable to create test file:", err)
	}
	file.Close()
	waitForWindowsChange(t, sink, ChangeCreated, oldPath)

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal("unable to rename test file:", err)
	}
	waitForWindowsChange(t, sink, ChangeRemoved, oldPath)
	waitForWindowsChange(t, sink, ChangeCreated, newPath)
}

func TestWindowsServerDefaultBufferSize(t *testing.T) {
	sink := newTestSink()
	server, err := NewServer(sink, 0)
	if err != nil {
		t.Fatal("unable to create server:", err)
	}
	defer server.Close()

	backend, ok := server.backend.(*windowsBackend)
	if !ok {
		t.Fatal("expected server.backend to be a *windowsBackend")
	}
	if backend.bufferSize != DefaultWindowsBufferSize {
		t.Fatalf("expected default buffer size %d, got %d", DefaultWindowsBufferSize, backend.bufferSize)
	}
}

func TestWindowsServerBufferSizeClampedToMaximum(t *testing.T) {
	sink := newTestSink()
	server, err := NewServer(sink, MaxWindowsBufferSize*2)
	if err != nil {
		t.Fatal("unable to create server:", err)
	}
	defer server.Close()

	backend := server.backend.(*windowsBackend)
	if backend.bufferSize != MaxWindowsBufferSize {
		t.Fatalf("expected buffer size clamped to %d, got %d", MaxWindowsBufferSize, backend.bufferSize)
	}
}

func TestWindowsServerDoubleRegistrationFails(t *testing.T) {
	root := t.TempDir()
	sink := newTestSink()

	server, err := NewServer(sink, DefaultWindowsBufferSize)
	if err != nil {
		t.Fatal("unable to create server:", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{root}); err != nil {
		t.Fatal("unable to start watching:", err)
	}
	if err := server.StartWatching([]string{root}); err == nil {
		t.Fatal("expected second StartWatching for the same root to fail")
	}
}

func TestWindowsServerUnregisterStopsEvents(t *testing.T) {
	root := t.TempDir()
	sink := newTestSink()

	server, err := NewServer(sink, DefaultWindowsBufferSize)
	if err != nil {
		t.Fatal("unable to create server:", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{root}); err != nil {
		t.Fatal("unable to start watching:", err)
	}

	testFile := filepath.Join(root, "test_file")
	file, err := os.Create(testFile)
	if err != nil {
		t.Fatal("unable to create test file:", err)
	}
	file.Close()
	waitForWindowsChange(t, sink, ChangeCreated, testFile)

	allPresent, err := server.StopWatching([]string{root})
	if err != nil {
		t.Fatal("unable to stop watching:", err)
	}
	if !allPresent {
		t.Fatal("expected root to be reported present when unregistering")
	}

	time.Sleep(windowsTestOperationGap)

	if err := os.WriteFile(testFile, []byte("more"), 0644); err != nil {
		t.Fatal("unable to modify test file:", err)
	}
	select {
	case event := <-sink.changes:
		t.Fatalf("unexpected event after unregistering: %+v", event)
	case <-time.After(windowsTestOperationGap):
	}
}
