package watchfs

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/listenupapp/watchfs/internal/fsutil"
)

// FileWatcher multiplexes directory watches over a platform backend and
// dispatches events to listeners. All methods are safe for concurrent
// use; listener callbacks may re-enter AddWatch and RemoveWatch.
type FileWatcher struct {
	log     *slog.Logger
	backend backend
	generic bool // backend is the polling watcher

	mu      sync.Mutex
	watches map[WatchID]*watch
	started bool
	closed  bool

	followSymlinks  bool
	outOfScopeLinks bool
}

// New creates a FileWatcher. The platform-native backend is selected
// unless opts.Generic is set; if the native backend cannot be
// constructed the watcher degrades to the generic polling backend with a
// logged warning.
func New(opts Options) (*FileWatcher, error) {
	opts.setDefaults()

	fw := &FileWatcher{
		log:     opts.Logger,
		watches: make(map[WatchID]*watch),
	}

	if opts.Generic {
		fw.backend = newGenericBackend(fw, opts.PollInterval)
		fw.generic = true
		return fw, nil
	}

	native, err := newNativeBackend(fw)
	if err != nil {
		fw.log.Warn("native watcher unavailable, falling back to polling",
			"error", err)
		fw.backend = newGenericBackend(fw, opts.PollInterval)
		fw.generic = true
		return fw, nil
	}
	fw.backend = native
	return fw, nil
}

// AddWatch registers a watch on directory. The returned id is positive
// on success. On failure the id is negative with magnitude equal to the
// error code, and the returned error is a *WatchError carrying the same
// code.
func (fw *FileWatcher) AddWatch(directory string, listener Listener, recursive bool, opts ...WatcherOption) (WatchID, error) {
	if directory == "" {
		err := newWatchError(FileNotFound, directory, nil)
		return WatchID(FileNotFound), err
	}

	root, err := fsutil.Canonicalize(directory)
	if err != nil {
		werr := newWatchError(Unspecified, directory, err)
		return WatchID(Unspecified), werr
	}

	if !fsutil.IsDir(root) {
		werr := newWatchError(FileNotFound, root, nil)
		return WatchID(FileNotFound), werr
	}

	if f, err := os.Open(root); err != nil {
		werr := newWatchError(FileNotReadable, root, err)
		return WatchID(FileNotReadable), werr
	} else {
		f.Close()
	}

	if !fw.generic && fsutil.IsRemote(root) {
		werr := newWatchError(FileRemote, root, nil)
		return WatchID(FileRemote), werr
	}

	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		werr := newWatchError(Unspecified, root, os.ErrClosed)
		return WatchID(Unspecified), werr
	}
	if fw.covered(root) {
		fw.mu.Unlock()
		werr := newWatchError(FileRepeated, root, nil)
		return WatchID(FileRepeated), werr
	}

	w := &watch{
		id:              allocWatchID(),
		root:            root,
		listener:        listener,
		recursive:       recursive,
		opts:            opts,
		followSymlinks:  fw.followSymlinks,
		outOfScopeLinks: fw.outOfScopeLinks,
	}
	fw.watches[w.id] = w
	fw.mu.Unlock()

	if err := fw.backend.add(w); err != nil {
		fw.mu.Lock()
		delete(fw.watches, w.id)
		fw.mu.Unlock()
		w.retire()
		var werr *WatchError
		if e, ok := err.(*WatchError); ok {
			werr = e
		} else {
			werr = newWatchError(Unspecified, root, err)
		}
		return WatchID(werr.Code), werr
	}

	fw.Watch()
	fw.log.Debug("watch added", "id", w.id, "root", root, "recursive", recursive)
	return w.id, nil
}

// covered reports whether root duplicates an existing watch: either the
// identical canonical root, or a directory already inside an existing
// recursive watch. Caller holds fw.mu.
func (fw *FileWatcher) covered(root string) bool {
	for _, w := range fw.watches {
		if w.root == root {
			return true
		}
		if w.recursive && isLexicalChild(w.root, root) {
			return true
		}
	}
	return false
}

// isLexicalChild reports whether path is strictly inside root.
func isLexicalChild(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// RemoveWatchID removes a watch by id. Unknown ids are a no-op. If the
// watch is delivering an event, RemoveWatchID blocks until the callback
// returns; for that reason a listener must not remove its own watch
// from inside the callback (removing other watches is fine).
func (fw *FileWatcher) RemoveWatchID(id WatchID) {
	fw.mu.Lock()
	w, ok := fw.watches[id]
	if ok {
		delete(fw.watches, id)
	}
	fw.mu.Unlock()
	if !ok {
		return
	}
	w.retire()
	fw.backend.remove(id)
	fw.log.Debug("watch removed", "id", id, "root", w.root)
}

// RemoveWatch removes a watch by directory path. When several watches
// canonicalize to the same path, the oldest match wins.
func (fw *FileWatcher) RemoveWatch(directory string) {
	root, err := fsutil.Canonicalize(directory)
	if err != nil {
		return
	}

	fw.mu.Lock()
	var match *watch
	for _, w := range fw.watches {
		if w.root != root {
			continue
		}
		if match == nil || w.id < match.id {
			match = w
		}
	}
	fw.mu.Unlock()

	if match != nil {
		fw.RemoveWatchID(match.id)
	}
}

// Watch starts the background worker. It is idempotent and is invoked
// automatically by the first successful AddWatch.
func (fw *FileWatcher) Watch() {
	fw.mu.Lock()
	if fw.started || fw.closed {
		fw.mu.Unlock()
		return
	}
	fw.started = true
	fw.mu.Unlock()

	if err := fw.backend.start(); err != nil {
		recordLastError(Unspecified, err.Error())
		fw.log.Error("watcher worker failed to start", "error", err)
	}
}

// Directories returns the canonical roots currently watched, sorted.
func (fw *FileWatcher) Directories() []string {
	fw.mu.Lock()
	dirs := make([]string, 0, len(fw.watches))
	for _, w := range fw.watches {
		dirs = append(dirs, w.root)
	}
	fw.mu.Unlock()
	sort.Strings(dirs)
	return dirs
}

// SetFollowSymlinks controls whether recursive watches added after this
// call descend into symlinked directories. Disabled by default.
func (fw *FileWatcher) SetFollowSymlinks(follow bool) {
	fw.mu.Lock()
	fw.followSymlinks = follow
	fw.mu.Unlock()
}

// FollowSymlinks reports whether symlinked directories are descended.
func (fw *FileWatcher) FollowSymlinks() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.followSymlinks
}

// SetAllowOutOfScopeLinks permits recursive descent through symlinks
// whose targets are outside the watch root. Requires FollowSymlinks.
// Disabled by default to bound recursion.
func (fw *FileWatcher) SetAllowOutOfScopeLinks(allow bool) {
	fw.mu.Lock()
	fw.outOfScopeLinks = allow
	fw.mu.Unlock()
}

// AllowOutOfScopeLinks reports whether out-of-scope symlink targets are
// descended.
func (fw *FileWatcher) AllowOutOfScopeLinks() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.outOfScopeLinks
}

// Close stops the worker, releases all kernel handles and retires every
// watch. The FileWatcher cannot be reused afterwards.
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return nil
	}
	fw.closed = true
	watches := make([]*watch, 0, len(fw.watches))
	for _, w := range fw.watches {
		watches = append(watches, w)
	}
	fw.watches = make(map[WatchID]*watch)
	fw.mu.Unlock()

	fw.backend.stop()
	for _, w := range watches {
		w.retire()
	}
	return nil
}

// failWatch handles an asynchronous backend failure that invalidates a
// single watch: the listener receives a synthetic delete with an empty
// filename, WatcherFailed is recorded, and the watch is retired. The
// calling backend remains responsible for releasing its own state.
func (fw *FileWatcher) failWatch(w *watch, detail string) {
	recordLastError(WatcherFailed, detail)
	fw.log.Warn("watch failed", "id", w.id, "root", w.root, "detail", detail)
	w.deliver("", "", ActionDelete)
	w.retire()
	fw.mu.Lock()
	delete(fw.watches, w.id)
	fw.mu.Unlock()
}
