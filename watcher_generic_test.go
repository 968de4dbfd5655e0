package watchfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenericCreateDelete(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)

	file := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(file, []byte(gofakeit.Sentence(3)), 0o644))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionAdd, "a") })
	assert.Equal(t, 1, countEvents(evs, ActionAdd, "a"))
	assert.Equal(t, dir, evs[0].Dir)

	require.NoError(t, os.Remove(file))
	evs = c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionDelete, "a") })
	assert.Equal(t, 1, countEvents(evs, ActionDelete, "a"))
}

func TestGenericModify(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	file := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("one"), 0o644))

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)
	settle()

	require.NoError(t, os.WriteFile(file, []byte("one two three"), 0o644))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionModified, "notes.txt") })
	assert.GreaterOrEqual(t, countEvents(evs, ActionModified, "notes.txt"), 1)
	assert.Zero(t, countEvents(evs, ActionAdd, "notes.txt"))
}

func TestGenericRenameSameDirectory(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("payload"), 0o644))

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)
	settle()

	require.NoError(t, os.Rename(filepath.Join(dir, "a"), filepath.Join(dir, "b")))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionMoved, "b") })
	require.Equal(t, 1, countEvents(evs, ActionMoved, "b"))
	moved := evs[firstIndex(evs, ActionMoved, "b")]
	assert.Equal(t, "a", moved.OldFilename)

	// A paired rename must not leak its halves.
	assert.Zero(t, countEvents(evs, ActionDelete, "a"))
	assert.Zero(t, countEvents(evs, ActionAdd, "b"))
}

func TestGenericCrossDirectoryMove(t *testing.T) {
	fw := newGenericWatcher(t)
	src := t.TempDir()
	dst := t.TempDir()
	csrc, cdst := &collector{}, &collector{}

	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("x"), 0o644))

	_, err := fw.AddWatch(src, csrc, false)
	require.NoError(t, err)
	_, err = fw.AddWatch(dst, cdst, false)
	require.NoError(t, err)
	settle()

	require.NoError(t, os.Rename(filepath.Join(src, "a"), filepath.Join(dst, "a")))

	evs := csrc.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionDelete, "a") })
	assert.Equal(t, 1, countEvents(evs, ActionDelete, "a"))

	evs = cdst.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionAdd, "a") })
	assert.Equal(t, 1, countEvents(evs, ActionAdd, "a"))
}

func TestGenericRecursiveAncestorFirst(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	_, err := fw.AddWatch(dir, c, true)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deep", "f"), []byte("x"), 0o644))

	want := []string{"sub", filepath.Join("sub", "deep"), filepath.Join("sub", "deep", "f")}
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

func TestGenericRecursiveSubtreeDelete(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deep", "f"), []byte("x"), 0o644))

	_, err := fw.AddWatch(dir, c, true)
	require.NoError(t, err)
	settle()

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "sub")))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionDelete, "sub") })
	// Tracked descendants are released deepest first, before the
	// directory itself.
	fIdx := firstIndex(evs, ActionDelete, filepath.Join("sub", "deep", "f"))
	deepIdx := firstIndex(evs, ActionDelete, filepath.Join("sub", "deep"))
	subIdx := firstIndex(evs, ActionDelete, "sub")
	require.GreaterOrEqual(t, fIdx, 0)
	require.GreaterOrEqual(t, deepIdx, 0)
	require.GreaterOrEqual(t, subIdx, 0)
	assert.Less(t, fIdx, deepIdx)
	assert.Less(t, deepIdx, subIdx)
}

func TestGenericKindChange(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	path := filepath.Join(dir, "thing")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)
	settle()

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	evs := c.waitFor(t, func(evs []Event) bool {
		return hasEvent(evs, ActionDelete, "thing") && hasEvent(evs, ActionAdd, "thing")
	})
	assert.GreaterOrEqual(t, countEvents(evs, ActionDelete, "thing"), 1)
	assert.GreaterOrEqual(t, countEvents(evs, ActionAdd, "thing"), 1)
	assert.Less(t, firstIndex(evs, ActionDelete, "thing"), firstIndex(evs, ActionAdd, "thing"))
}

func TestGenericSymlinkNotFollowedByDefault(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	outside := t.TempDir()
	c := &collector{}

	_, err := fw.AddWatch(dir, c, true)
	require.NoError(t, err)

	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionAdd, "link") })
	assert.Equal(t, 1, countEvents(evs, ActionAdd, "link"))

	// Without follow, activity behind the link is invisible.
	require.NoError(t, os.WriteFile(filepath.Join(outside, "hidden"), []byte("x"), 0o644))
	settle()
	assert.Zero(t, countEvents(c.snapshot(), ActionAdd, filepath.Join("link", "hidden")))
}

func TestGenericSymlinkFollow(t *testing.T) {
	fw := newGenericWatcher(t)
	fw.SetFollowSymlinks(true)
	fw.SetAllowOutOfScopeLinks(true)

	dir := t.TempDir()
	outside := t.TempDir()
	c := &collector{}

	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	_, err := fw.AddWatch(dir, c, true)
	require.NoError(t, err)
	settle()

	require.NoError(t, os.WriteFile(filepath.Join(outside, "f"), []byte("x"), 0o644))

	evs := c.waitFor(t, func(evs []Event) bool {
		return hasEvent(evs, ActionAdd, filepath.Join("link", "f"))
	})
	assert.Equal(t, 1, countEvents(evs, ActionAdd, filepath.Join("link", "f")))
}

func TestGenericSymlinkCycleTerminates(t *testing.T) {
	fw := newGenericWatcher(t)
	fw.SetFollowSymlinks(true)
	fw.SetAllowOutOfScopeLinks(true)

	dir := t.TempDir()
	c := &collector{}

	_, err := fw.AddWatch(dir, c, true)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, os.Symlink(dir, filepath.Join(dir, "self")))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionAdd, "self") })
	assert.Equal(t, 1, countEvents(evs, ActionAdd, "self"))

	// The cycle guard must keep the link from spawning an event storm.
	settle()
	for _, ev := range c.snapshot() {
		assert.NotContains(t, ev.Filename, filepath.Join("self", "self"))
	}
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGenericOutOfScopeLinkSkipped(t *testing.T) {
	fw := newGenericWatcher(t)
	fw.SetFollowSymlinks(true)

	dir := t.TempDir()
	outside := t.TempDir()
	c := &collector{}

	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	_, err := fw.AddWatch(dir, c, true)
	require.NoError(t, err)
	settle()

	// The link target is outside the root and out-of-scope descent is
	// disabled, so nothing behind it is reported.
	require.NoError(t, os.WriteFile(filepath.Join(outside, "f"), []byte("x"), 0o644))
	settle()
	assert.Zero(t, countEvents(c.snapshot(), ActionAdd, filepath.Join("link", "f")))
}

func TestGenericRootDisappears(t *testing.T) {
	fw := newGenericWatcher(t)
	parent := t.TempDir()
	dir := filepath.Join(parent, "doomed")
	require.NoError(t, os.Mkdir(dir, 0o755))
	c := &collector{}

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)
	settle()

	ClearLastError()
	require.NoError(t, os.RemoveAll(dir))

	evs := c.waitFor(t, func(evs []Event) bool { return hasEvent(evs, ActionDelete, "") })
	require.Equal(t, 1, countEvents(evs, ActionDelete, ""))
	assert.Equal(t, WatcherFailed, LastErrorCode())
	assert.Empty(t, fw.Directories())

	// The watch is dead: recreating the root produces nothing.
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))
	settle()
	assert.Zero(t, countEvents(c.snapshot(), ActionAdd, "f"))
}

func TestGenericManyFiles(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	_, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)

	names := make([]string, 20)
	for i := range names {
		names[i] = gofakeit.LetterN(12)
		require.NoError(t, os.WriteFile(filepath.Join(dir, names[i]), []byte(gofakeit.Word()), 0o644))
	}

	evs := c.waitFor(t, func(evs []Event) bool {
		for _, name := range names {
			if !hasEvent(evs, ActionAdd, name) {
				return false
			}
		}
		return true
	})
	for _, name := range names {
		assert.Equal(t, 1, countEvents(evs, ActionAdd, name))
	}
}
