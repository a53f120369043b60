//go:build darwin && cgo

package watching

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const (
	darwinTestOperationGap = 200 * time.Millisecond
	darwinTestEventWait    = 10 * time.Second
	darwinTestLatency      = 10 * time.Millisecond
)

func waitForDarwinChange(t *testing.T, sink *testSink, changeType ChangeType, path string) {
	t.Helper()
	deadline := time.NewTimer(darwinTestEventWait)
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

func TestDarwinServerCreateModifyDelete(t *testing.T) {
	root := t.TempDir()
	sink := newTestSink()

	server, err := NewServer(sink, darwinTestLatency, DefaultCommandTimeout)
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
	waitForDarwinChange(t, sink, ChangeCreated, testFile)

	time.Sleep(darwinTestOperationGap)

	if err := os.WriteFile(testFile, []byte("more data"), 0644); err != nil {
		t.Fatal("unable to modify test file:", err)
	}
	waitForDarwinChange(t, sink, ChangeModified, testFile)

	time.Sleep(darwinTestOperationGap)

	if err := os.Remove(testFile); err != nil {
		t.Fatal("unable to remove test file:", err)
	}
	waitForDarwinChange(t, sink, ChangeRemoved, testFile)
}

func TestDarwinServerDoubleRegistrationFails(t *testing.T) {
	root := t.TempDir()
	sink := newTestSink()

	server, err := NewServer(sink, darwinTestLatency, DefaultCommandTimeout)
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

func TestDarwinServerUnregisterStopsEvents(t *testing.T) {
	root := t.TempDir()
	sink := newTestSink()

	server, err := NewServer(sink, darwinTestLatency, DefaultCommandTimeout)
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
	waitForDarwinChange(t, sink, ChangeCreated, testFile)

	allPresent, err := server.StopWatching([]string{root})
	if err != nil {
		t.Fatal("unable to stop watching:", err)
	}
	if !allPresent {
		t.Fatal("expected root to be reported present when unregistering")
	}

	if err := os.WriteFile(testFile, []byte("more"), 0644); err != nil {
		t.Fatal("unable to modify test file:", err)
	}
	select {
	case event := <-sink.changes:
		t.Fatalf("unexpected event after unregistering: %+v", event)
	case <-time.After(darwinTestOperationGap):
	}
}

func TestDarwinServerMultipleRoots(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	sink := newTestSink()

	server, err := NewServer(sink, darwinTestLatency, DefaultCommandTimeout)
	if err != nil {
		t.Fatal("unable to create server:", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{rootA, rootB}); err != nil {
		t.Fatal("unable to start watching both roots:", err)
	}

	fileA := filepath.Join(rootA, "a")
	fileB := filepath.Join(rootB, "b")
	if f, err := os.Create(fileA); err != nil {
		t.Fatal(err)
	} else {
		f.Close()
	}
	if f, err := os.Create(fileB); err != nil {
		t.Fatal(err)
	} else {
		f.Close()
	}

	waitForDarwinChange(t, sink, ChangeCreated, fileA)
	waitForDarwinChange(t, sink, ChangeCreated, fileB)
}
