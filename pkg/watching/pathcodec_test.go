package watching

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCanonicalizeRootRejectsRelative(t *testing.T) {
	if _, err := canonicalizeRoot("relative/path"); !errors.Is(err, ErrNotAbsolute) {
		t.Fatalf("expected ErrNotAbsolute, got %v", err)
	}
}

func TestCanonicalizeRootCleansPath(t *testing.T) {
	root, err := canonicalizeRoot(filepath.Join(string(filepath.Separator), "a", "b", "..", "c"))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	expected := filepath.Join(string(filepath.Separator), "a", "c")
	if root != expected {
		t.Fatalf("expected %q, got %q", expected, root)
	}
}

func TestJoinEventPath(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "watched", "root")
	if got := joinEventPath(root, ""); got != root {
		t.Fatalf("expected bare root for empty name, got %q", got)
	}
	want := filepath.Join(root, "child")
	if got := joinEventPath(root, "child"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestWrapPathError(t *testing.T) {
	cause := errors.New("boom")
	wrapped := wrapPathError(cause, "open", "/some/path")
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected wrapped error to preserve the cause")
	}
}
