package watchfs

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// testPoll is the rescan interval used by polling tests; it is the
// configurable floor.
const testPoll = 100 * time.Millisecond

// testGrace is how long tests wait for events before giving up.
const testGrace = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newGenericWatcher returns a FileWatcher forced onto the polling
// backend, closed on test cleanup.
func newGenericWatcher(t *testing.T) *FileWatcher {
	t.Helper()
	fw, err := New(Options{Generic: true, PollInterval: testPoll, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { fw.Close() })
	return fw
}

// collector accumulates delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) HandleFileAction(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// waitFor polls until pred accepts the collected events or the grace
// period expires, returning the final snapshot.
func (c *collector) waitFor(t *testing.T, pred func([]Event) bool) []Event {
	t.Helper()
	deadline := time.Now().Add(testGrace)
	for time.Now().Before(deadline) {
		evs := c.snapshot()
		if pred(evs) {
			return evs
		}
		time.Sleep(10 * time.Millisecond)
	}
	return c.snapshot()
}

// settle waits three poll cycles so pending diffs flush.
func settle() { time.Sleep(3 * testPoll) }

func hasEvent(evs []Event, action Action, name string) bool {
	return countEvents(evs, action, name) > 0
}

func countEvents(evs []Event, action Action, name string) int {
	n := 0
	for _, ev := range evs {
		if ev.Action == action && ev.Filename == name {
			n++
		}
	}
	return n
}

// firstIndex returns the position of the first event matching action
// and name, or -1.
func firstIndex(evs []Event, action Action, name string) int {
	for i, ev := range evs {
		if ev.Action == action && ev.Filename == name {
			return i
		}
	}
	return -1
}
