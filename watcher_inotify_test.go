//go:build linux

package watchfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newInotifyWatcher returns a FileWatcher on the native backend.
func newInotifyWatcher(t *testing.T) *FileWatcher {
	t.Helper()
	fw, err := New(Options{Logger: testLogger()})
	require.NoError(t, err)
	require.False(t, fw.generic, "expected the inotify backend on linux")
	t.Cleanup(func() { fw.Close() })
	return fw
}

func TestInotifyCreateDelete(t *testing.T) {
	fw := newInotifyWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)
	fw.Watch()

	file := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionAdd, "a") })
	assert.Equal(t, 1, countEvents(evs, ActionAdd, "a"))

	require.NoError(t, os.Remove(file))
	evs = c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionDelete, "a") })
	assert.Equal(t, 1, countEvents(evs, ActionDelete, "a"))
}

func TestInotifyModify(t *testing.T) {
	fw := newInotifyWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("before"), 0o644))

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(file, []byte("after-with-more-bytes"), 0o644))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionModified, "f") })
	assert.GreaterOrEqual(t, countEvents(evs, ActionModified, "f"), 1)
	assert.Zero(t, countEvents(evs, ActionAdd, "f"))
}

func TestInotifyRename(t *testing.T) {
	fw := newInotifyWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(dir, "a"), filepath.Join(dir, "b")))

	evs := c.waitFor(t, func(evs []Event) bool {
		return hasEvent(evs, ActionMoved, "b") ||
			(hasEvent(evs, ActionDelete, "a") && hasEvent(evs, ActionAdd, "b"))
	})

	// Either one paired move or one delete plus one add, never both.
	if moved := countEvents(evs, ActionMoved, "b"); moved == 1 {
		idx := firstIndex(evs, ActionMoved, "b")
		assert.Equal(t, "a", evs[idx].OldFilename)
		assert.Zero(t, countEvents(evs, ActionDelete, "a"))
		assert.Zero(t, countEvents(evs, ActionAdd, "b"))
	} else {
		assert.Equal(t, 1, countEvents(evs, ActionDelete, "a"))
		assert.Equal(t, 1, countEvents(evs, ActionAdd, "b"))
	}
}

func TestInotifyMoveOutThenIn(t *testing.T) {
	fw := newInotifyWatcher(t)
	dir := t.TempDir()
	outside := t.TempDir()
	c := &collector{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "out"), []byte("x"), 0o644))

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)

	// Half-renames surface as delete and add.
	require.NoError(t, os.Rename(filepath.Join(dir, "out"), filepath.Join(outside, "out")))
	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionDelete, "out") })
	assert.Equal(t, 1, countEvents(evs, ActionDelete, "out"))
	assert.Zero(t, countEvents(evs, ActionMoved, "out"))

	require.NoError(t, os.Rename(filepath.Join(outside, "out"), filepath.Join(dir, "in")))
	evs = c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionAdd, "in") })
	assert.Equal(t, 1, countEvents(evs, ActionAdd, "in"))
}

func TestInotifyRecursive(t *testing.T) {
	fw := newInotifyWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	_, err := fw.AddWatch(dir, c, true)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "x", "y"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x", "y", "z"), []byte("x"), 0o644))

	want := []string{"x", filepath.Join("x", "y"), filepath.Join("x", "y", "z")}
	evs := c.waitFor(t, func(evs []Event) bool {
		for _, name := range want {
			if !hasEvent(evs, ActionAdd, name) {
				return false
			}
		}
		return true
	})

	prev := -1
	for _, name := range want {
		idx := firstIndex(evs, ActionAdd, name)
		require.GreaterOrEqual(t, idx, 0, "missing add for %q", name)
		assert.Greater(t, idx, prev, "%q delivered before its ancestor", name)
		prev = idx
	}
}

func TestInotifyRecursivePreexistingTree(t *testing.T) {
	fw := newInotifyWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755))

	_, err := fw.AddWatch(dir, c, true)
	require.NoError(t, err)

	// Changes deep in the pre-existing tree are observed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "f"), []byte("x"), 0o644))
	evs := c.waitFor(t, func(evs []Event) bool {
		return hasEvent(evs, ActionAdd, filepath.Join("a", "b", "f"))
	})
	assert.Equal(t, 1, countEvents(evs, ActionAdd, filepath.Join("a", "b", "f")))
}

func TestInotifyRootDisappears(t *testing.T) {
	fw := newInotifyWatcher(t)
	parent := t.TempDir()
	dir := filepath.Join(parent, "doomed")
	require.NoError(t, os.Mkdir(dir, 0o755))
	c := &collector{}

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)

	ClearLastError()
	require.NoError(t, os.RemoveAll(dir))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionDelete, "") })
	assert.Equal(t, 1, countEvents(evs, ActionDelete, ""))
	assert.Equal(t, WatcherFailed, LastErrorCode())
	assert.Empty(t, fw.Directories())
}

func TestInotifyRemoveStopsDelivery(t *testing.T) {
	fw := newInotifyWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	id, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)
	fw.RemoveWatchID(id)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late"), []byte("x"), 0o644))
	settle()
	assert.Empty(t, c.snapshot())
}
