package watchfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	fw, err := New(Options{Logger: testLogger()})
	require.NoError(t, err)
	require.NotNil(t, fw)
	assert.NoError(t, fw.Close())
}

func TestAddWatchValidation(t *testing.T) {
	fw := newGenericWatcher(t)

	t.Run("empty path", func(t *testing.T) {
		id, err := fw.AddWatch("", ListenerFunc(func(Event) {}), false)
		assert.Equal(t, WatchID(FileNotFound), id)
		assert.ErrorIs(t, err, FileNotFound)
	})

	t.Run("missing directory", func(t *testing.T) {
		id, err := fw.AddWatch(filepath.Join(t.TempDir(), "nope"), ListenerFunc(func(Event) {}), false)
		assert.Equal(t, WatchID(FileNotFound), id)
		assert.ErrorIs(t, err, FileNotFound)
	})

	t.Run("regular file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		id, err := fw.AddWatch(file, ListenerFunc(func(Event) {}), false)
		assert.Equal(t, WatchID(FileNotFound), id)
		assert.ErrorIs(t, err, FileNotFound)
	})
}

func TestAddWatchDuplicateRoot(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()

	id, err := fw.AddWatch(dir, ListenerFunc(func(Event) {}), false)
	require.NoError(t, err)
	require.Positive(t, int64(id))

	dup, err := fw.AddWatch(dir, ListenerFunc(func(Event) {}), false)
	assert.Equal(t, WatchID(-2), dup)
	assert.ErrorIs(t, err, FileRepeated)

	// The original watch is untouched.
	assert.Equal(t, []string{dir}, fw.Directories())
}

func TestAddWatchNestedUnderRecursive(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	_, err := fw.AddWatch(dir, ListenerFunc(func(Event) {}), true)
	require.NoError(t, err)

	id, err := fw.AddWatch(sub, ListenerFunc(func(Event) {}), false)
	assert.Equal(t, WatchID(FileRepeated), id)
	assert.ErrorIs(t, err, FileRepeated)
}

func TestAddWatchSiblingRootsAllowed(t *testing.T) {
	fw := newGenericWatcher(t)
	a := t.TempDir()
	b := t.TempDir()

	_, err := fw.AddWatch(a, ListenerFunc(func(Event) {}), false)
	require.NoError(t, err)
	_, err = fw.AddWatch(b, ListenerFunc(func(Event) {}), false)
	require.NoError(t, err)

	assert.Len(t, fw.Directories(), 2)
}

func TestRemoveWatch(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()

	id, err := fw.AddWatch(dir, ListenerFunc(func(Event) {}), false)
	require.NoError(t, err)

	fw.RemoveWatchID(id)
	assert.Empty(t, fw.Directories())

	// Idempotent.
	fw.RemoveWatchID(id)
	fw.RemoveWatch(dir)
	fw.RemoveWatch(filepath.Join(dir, "never-watched"))
}

func TestRemoveWatchByPath(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()

	_, err := fw.AddWatch(dir, ListenerFunc(func(Event) {}), false)
	require.NoError(t, err)

	fw.RemoveWatch(dir)
	assert.Empty(t, fw.Directories())
}

func TestRemovedWatchGoesQuiet(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()
	c := &collector{}

	id, err := fw.AddWatch(dir, c, false)
	require.NoError(t, err)
	settle()

	fw.RemoveWatchID(id)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "late"), []byte("x"), 0o644))
	settle()

	assert.Empty(t, c.snapshot())
}

func TestWatchIDsNeverReused(t *testing.T) {
	fw := newGenericWatcher(t)
	dir := t.TempDir()

	seen := make(map[WatchID]bool)
	for range 5 {
		id, err := fw.AddWatch(dir, ListenerFunc(func(Event) {}), false)
		require.NoError(t, err)
		require.Positive(t, int64(id))
		require.False(t, seen[id])
		seen[id] = true
		fw.RemoveWatchID(id)
	}
}

func TestSymlinkFlags(t *testing.T) {
	fw := newGenericWatcher(t)

	assert.False(t, fw.FollowSymlinks())
	assert.False(t, fw.AllowOutOfScopeLinks())

	fw.SetFollowSymlinks(true)
	fw.SetAllowOutOfScopeLinks(true)
	assert.True(t, fw.FollowSymlinks())
	assert.True(t, fw.AllowOutOfScopeLinks())
}

func TestCloseIsTerminal(t *testing.T) {
	fw, err := New(Options{Generic: true, PollInterval: testPoll, Logger: testLogger()})
	require.NoError(t, err)
	dir := t.TempDir()

	_, err = fw.AddWatch(dir, ListenerFunc(func(Event) {}), false)
	require.NoError(t, err)

	require.NoError(t, fw.Close())
	require.NoError(t, fw.Close())

	id, err := fw.AddWatch(dir, ListenerFunc(func(Event) {}), false)
	assert.Negative(t, int64(id))
	var werr *WatchError
	assert.True(t, errors.As(err, &werr))
}

func TestLastErrorSlot(t *testing.T) {
	fw := newGenericWatcher(t)
	ClearLastError()

	_, err := fw.AddWatch(filepath.Join(t.TempDir(), "missing"), ListenerFunc(func(Event) {}), false)
	require.Error(t, err)

	assert.Equal(t, FileNotFound, LastErrorCode())
	assert.NotEmpty(t, LastErrorMessage())

	ClearLastError()
	assert.Equal(t, NoError, LastErrorCode())
	assert.Empty(t, LastErrorMessage())
}
