package logging

import "testing"

func TestNilLoggerDoesNotPanic(t *testing.T) {
	var logger *Logger
	logger.Warn(nil)
	logger.Error(nil)
	if logger.Sublogger("name") != nil {
		t.Fatal("expected nil logger's sublogger to also be nil")
	}
}

func TestSubloggerPrefixNesting(t *testing.T) {
	root := NewLogger(LevelDebug)
	child := root.Sublogger("child")
	grandchild := child.Sublogger("grandchild")
	if grandchild.prefix != "child.grandchild" {
		t.Fatalf("expected nested prefix, got %q", grandchild.prefix)
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	logger := NewLogger(LevelWarn)
	if !logger.enabled(LevelWarn) {
		t.Fatal("expected LevelWarn to be enabled at LevelWarn")
	}
	if logger.enabled(LevelInfo) {
		t.Fatal("expected LevelInfo to be disabled at LevelWarn")
	}
	if !logger.enabled(LevelError) {
		t.Fatal("expected LevelError to be enabled at LevelWarn")
	}
}
