package watching

// testSink is a minimal EventSink used by every platform's server tests. It
// buffers changes and errors on channels sized generously enough that a
// test's producer never blocks waiting for the consumer to keep up.
type testSink struct {
	changes chan Event
	errors  chan *WatchError
}

func newTestSink() *testSink {
	return &testSink{
		changes: make(chan Event, 256),
		errors:  make(chan *WatchError, 256),
	}
}

func (s *testSink) OnChange(event Event) {
	s.changes <- event
}

func (s *testSink) OnError(err *WatchError) {
	s.errors <- err
}
