//go:build darwin

package watchfs

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsevents"

	"github.com/listenupapp/watchfs/internal/fsutil"
)

// newNativeBackend selects FSEvents on macOS. Individual watches whose
// root has no FSEvents device are handed to a kqueue backend instead.
func newNativeBackend(fw *FileWatcher) (backend, error) {
	return &fseventsBackend{
		fw:      fw,
		log:     fw.log,
		watches: make(map[WatchID]*fseventsWatch),
	}, nil
}

// fseventsLatency is the stream coalescing window: small enough to keep
// delivery sub-second, large enough to let the kernel batch bursts.
const fseventsLatency = 50 * time.Millisecond

// fseventsBackend subscribes one recursive FSEvents stream per watch
// root. The stream only delivers coarse path hints; per-file events are
// derived by rescanning the affected directories against snapshots, and
// renames are paired by adjacent event ids.
type fseventsBackend struct {
	fw  *FileWatcher
	log *slog.Logger

	mu      sync.Mutex
	watches map[WatchID]*fseventsWatch
	started bool
	stopped bool

	// kq handles the watches whose device rejects an event stream;
	// created on first need.
	kq *kqueueBackend
}

// fseventsWatch is one stream plus the snapshot state it is diffed
// against. snaps is keyed by absolute directory path.
type fseventsWatch struct {
	b            *fseventsBackend
	w            *watch
	rootResolved string
	stream       *fsevents.EventStream

	mu     sync.Mutex
	snaps  map[string]snapshot
	paused bool

	stopc   chan struct{}
	resumec chan struct{}
	donec   chan struct{}
}

func (b *fseventsBackend) add(w *watch) error {
	resolved, err := fsutil.Resolve(w.root)
	if err != nil {
		return &WatchError{Code: FileNotFound, Path: w.root, Err: err}
	}

	// Devices that cannot carry an event stream fall back to kqueue.
	dev, err := fsevents.DeviceForPath(w.root)
	if err != nil {
		b.log.Debug("no fsevents device for path, using kqueue", "path", w.root, "error", err)
		return b.kqueueFallback(w)
	}

	fsw := &fseventsWatch{
		b:            b,
		w:            w,
		rootResolved: resolved,
		snaps:        make(map[string]snapshot),
		stopc:        make(chan struct{}),
		resumec:      make(chan struct{}, 1),
		donec:        make(chan struct{}),
	}
	fsw.stream = &fsevents.EventStream{
		Paths:   []string{w.root},
		Device:  dev,
		Latency: fseventsLatency,
		EventID: fsevents.EventIDSinceNow,
		Flags:   fsevents.FileEvents | fsevents.WatchRoot | fsevents.NoDefer,
	}

	fsw.buildSnapshots(w.root, []string{resolved})

	b.mu.Lock()
	b.watches[w.id] = fsw
	started := b.started
	b.mu.Unlock()

	if started {
		fsw.launch()
	}
	return nil
}

// buildSnapshots populates the snapshot map for dir and, for recursive
// watches, its subtree. No events are emitted.
func (fsw *fseventsWatch) buildSnapshots(dir string, chain []string) {
	snap, err := takeSnapshot(dir)
	if err != nil {
		return
	}
	fsw.mu.Lock()
	fsw.snaps[dir] = snap
	fsw.mu.Unlock()

	if !fsw.w.recursive {
		return
	}
	for name, entry := range snap {
		child := filepath.Join(dir, name)
		switch entry.kind {
		case fsutil.KindDirectory:
			resolved := child
			if r, err := fsutil.Resolve(child); err == nil {
				resolved = r
			}
			fsw.buildSnapshots(child, append(chain, resolved))
		case fsutil.KindSymlink:
			if !fsw.w.followSymlinks {
				continue
			}
			target, err := fsutil.Resolve(child)
			if err != nil || !fsutil.IsDir(target) {
				continue
			}
			if linkPruned(fsw.w, fsw.rootResolved, child, target, chain) {
				continue
			}
			fsw.buildSnapshots(child, append(chain, target))
		}
	}
}

// linkPruned applies the cycle guard and scope policy to a symlinked
// directory, reporting whether descent must be skipped.
func linkPruned(w *watch, rootResolved, path, target string, chain []string) bool {
	for _, ancestor := range chain {
		if target == ancestor {
			return true
		}
	}
	if !w.outOfScopeLinks && !withinScope(rootResolved, target) {
		recordLastError(FileOutOfScope, fmt.Sprintf("symlink out of scope: %q -> %q", path, target))
		return true
	}
	return false
}

func (fsw *fseventsWatch) launch() {
	fsw.stream.Start()
	go fsw.run()
}

func (fsw *fseventsWatch) run() {
	defer close(fsw.donec)
	for {
		select {
		case <-fsw.stopc:
			return
		case batch, ok := <-fsw.stream.Events:
			if !ok {
				// The stream went away under a root pause; hold until
				// the resubscribe or shutdown.
				select {
				case <-fsw.stopc:
					return
				case <-fsw.resumec:
					continue
				}
			}
			fsw.handleBatch(batch)
		}
	}
}

// handleBatch translates one stream callback worth of events. Rename
// pairing uses the stream's event-id delta: FSEvents assigns adjacent
// ids to the two halves of a rename.
func (fsw *fseventsWatch) handleBatch(batch []fsevents.Event) {
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	dirty := make(map[string]struct{})
	var dirtyOrder []string
	touch := func(dir string) {
		if _, ok := dirty[dir]; !ok {
			dirty[dir] = struct{}{}
			dirtyOrder = append(dirtyOrder, dir)
		}
	}

	for i := 0; i < len(batch); i++ {
		ev := batch[i]
		path := normalizeEventPath(ev.Path)

		if ev.Flags&fsevents.RootChanged != 0 {
			fsw.rootChanged()
			continue
		}

		if ev.Flags&fsevents.MustScanSubDirs != 0 {
			recordLastError(WatcherFailed, fmt.Sprintf("fsevents dropped events under %q", path))
			fsw.rescanAll()
			continue
		}

		// Paired rename: two ItemRenamed hints with consecutive ids on
		// the same device are the from/to halves.
		if ev.Flags&fsevents.ItemRenamed != 0 && i+1 < len(batch) {
			next := batch[i+1]
			if next.Flags&fsevents.ItemRenamed != 0 && next.ID == ev.ID+1 {
				nextPath := normalizeEventPath(next.Path)
				if fsw.emitRename(path, nextPath) {
					touch(filepath.Dir(path))
					touch(filepath.Dir(nextPath))
					i++
					continue
				}
			}
		}

		touch(filepath.Dir(path))
	}

	for _, dir := range dirtyOrder {
		fsw.rescanDir(dir, true)
	}
}

// emitRename reports a paired rename when it can be confirmed against
// the filesystem: the source must be gone and the destination present.
// The directory rescans that follow reconcile the snapshots; they
// suppress the duplicate delete/add because emitRename fixes the
// snapshots first.
func (fsw *fseventsWatch) emitRename(oldPath, newPath string) bool {
	oldInside := fsw.inside(oldPath)
	newInside := fsw.inside(newPath)
	if !oldInside && !newInside {
		return false
	}

	if kind, _, _ := fsutil.Classify(oldPath); kind != fsutil.KindMissing {
		return false
	}
	if kind, _, _ := fsutil.Classify(newPath); kind == fsutil.KindMissing {
		return false
	}

	oldRel, newRel := fsw.rel(oldPath), fsw.rel(newPath)
	switch {
	case oldInside && newInside:
		fsw.w.deliver(newRel, oldRel, ActionMoved)
		fsw.forgetEntry(oldPath)
		fsw.adoptEntry(newPath)
	case oldInside:
		fsw.w.deliver(oldRel, "", ActionDelete)
		fsw.forgetEntry(oldPath)
	default:
		fsw.w.deliver(newRel, "", ActionAdd)
		fsw.adoptEntry(newPath)
	}
	return true
}

// forgetEntry removes path from its parent snapshot and drops any
// snapshots underneath it.
func (fsw *fseventsWatch) forgetEntry(path string) {
	parent, name := filepath.Dir(path), filepath.Base(path)
	fsw.mu.Lock()
	defer fsw.mu.Unlock()
	if snap, ok := fsw.snaps[parent]; ok {
		delete(snap, name)
	}
	prefix := path + string(filepath.Separator)
	for dir := range fsw.snaps {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(fsw.snaps, dir)
		}
	}
}

// adoptEntry records path in its parent snapshot and, for directories
// under a recursive watch, builds subtree snapshots silently.
func (fsw *fseventsWatch) adoptEntry(path string) {
	parent, name := filepath.Dir(path), filepath.Base(path)
	entries, err := fsutil.List(parent)
	if err != nil {
		return
	}
	fsw.mu.Lock()
	snap, ok := fsw.snaps[parent]
	if !ok {
		snap = snapshot{}
		fsw.snaps[parent] = snap
	}
	var kind fsutil.Kind
	for _, e := range entries {
		if e.Name == name {
			snap[name] = snapEntry{kind: e.Kind, size: e.Size, mtime: e.ModTime}
			kind = e.Kind
			break
		}
	}
	fsw.mu.Unlock()

	if kind == fsutil.KindDirectory && fsw.w.recursive {
		fsw.buildSnapshots(path, []string{fsw.rootResolved})
	}
}

// rescanDir diffs one directory against its snapshot and emits the
// result. New subdirectories under recursive watches are adopted and
// emitted ancestor-first.
func (fsw *fseventsWatch) rescanDir(dir string, emit bool) {
	if !fsw.inside(dir) && dir != fsw.w.root {
		return
	}
	fsw.mu.Lock()
	old, tracked := fsw.snaps[dir]
	fsw.mu.Unlock()
	if !tracked {
		return
	}

	fresh, err := takeSnapshot(dir)
	if err != nil {
		// Directory vanished; the parent's rescan reports it.
		return
	}
	changes := old.diff(fresh)
	fsw.mu.Lock()
	fsw.snaps[dir] = fresh
	fsw.mu.Unlock()

	for _, c := range changes {
		abs := filepath.Join(dir, c.name)
		rel := fsw.rel(abs)
		switch c.action {
		case ActionMoved:
			oldAbs := filepath.Join(dir, c.oldName)
			fsw.w.deliver(rel, fsw.rel(oldAbs), ActionMoved)
			fsw.renameSnaps(oldAbs, abs)

		case ActionDelete:
			fsw.releaseSubtree(abs, emit)
			if emit {
				fsw.w.deliver(rel, "", ActionDelete)
			}

		case ActionAdd:
			if emit {
				fsw.w.deliver(rel, "", ActionAdd)
			}
			if c.kind == fsutil.KindDirectory && fsw.w.recursive {
				fsw.adoptNewDir(abs, emit)
			}

		case ActionModified:
			if emit {
				fsw.w.deliver(rel, "", ActionModified)
			}
		}
	}
}

// adoptNewDir starts tracking a directory created under a recursive
// watch, emitting adds for anything already inside it.
func (fsw *fseventsWatch) adoptNewDir(dir string, emit bool) {
	snap := snapshot{}
	fsw.mu.Lock()
	fsw.snaps[dir] = snap
	fsw.mu.Unlock()
	fsw.rescanDir(dir, emit)
}

// releaseSubtree emits deletes, deepest first, for tracked content
// under a vanished directory.
func (fsw *fseventsWatch) releaseSubtree(dir string, emit bool) {
	fsw.mu.Lock()
	snap, ok := fsw.snaps[dir]
	if ok {
		delete(fsw.snaps, dir)
	}
	fsw.mu.Unlock()
	if !ok {
		return
	}

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		abs := filepath.Join(dir, name)
		if snap[name].kind == fsutil.KindDirectory {
			fsw.releaseSubtree(abs, emit)
		}
		if emit {
			fsw.w.deliver(fsw.rel(abs), "", ActionDelete)
		}
	}
}

// renameSnaps rewrites snapshot keys after a directory rename.
func (fsw *fseventsWatch) renameSnaps(oldAbs, newAbs string) {
	fsw.mu.Lock()
	defer fsw.mu.Unlock()
	prefix := oldAbs + string(filepath.Separator)
	for dir, snap := range fsw.snaps {
		switch {
		case dir == oldAbs:
			delete(fsw.snaps, dir)
			fsw.snaps[newAbs] = snap
		case strings.HasPrefix(dir, prefix):
			delete(fsw.snaps, dir)
			fsw.snaps[filepath.Join(newAbs, dir[len(prefix):])] = snap
		}
	}
}

// rescanAll re-diffs every tracked directory, used after the stream
// reports dropped events.
func (fsw *fseventsWatch) rescanAll() {
	fsw.mu.Lock()
	dirs := make([]string, 0, len(fsw.snaps))
	for dir := range fsw.snaps {
		dirs = append(dirs, dir)
	}
	fsw.mu.Unlock()
	sort.Strings(dirs)
	for _, dir := range dirs {
		fsw.rescanDir(dir, true)
	}
}

// rootChanged handles deletion or replacement of the watch root: the
// watch goes quiet until the path reappears, then emits an add for the
// root and resubscribes.
func (fsw *fseventsWatch) rootChanged() {
	if fsutil.IsDir(fsw.w.root) {
		return
	}

	fsw.mu.Lock()
	if fsw.paused {
		fsw.mu.Unlock()
		return
	}
	fsw.paused = true
	fsw.snaps = make(map[string]snapshot)
	fsw.mu.Unlock()

	fsw.stream.Stop()
	go fsw.awaitRootReturn()
}

func (fsw *fseventsWatch) awaitRootReturn() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-fsw.stopc:
			return
		case <-ticker.C:
			if !fsutil.IsDir(fsw.w.root) {
				continue
			}
			fsw.mu.Lock()
			fsw.paused = false
			fsw.mu.Unlock()
			fsw.buildSnapshots(fsw.w.root, []string{fsw.rootResolved})
			fsw.w.deliver("", "", ActionAdd)
			fsw.stream.Resume = true
			fsw.stream.Start()
			select {
			case fsw.resumec <- struct{}{}:
			default:
			}
			return
		}
	}
}

// inside reports whether path is within the watch root, and for
// non-recursive watches, directly inside it.
func (fsw *fseventsWatch) inside(path string) bool {
	if !withinScope(fsw.w.root, path) {
		return false
	}
	if fsw.w.recursive {
		return true
	}
	return filepath.Dir(path) == fsw.w.root
}

func (fsw *fseventsWatch) rel(path string) string {
	rel, err := filepath.Rel(fsw.w.root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

// normalizeEventPath cleans the stream's path form: FSEvents reports
// paths without a leading slash and may append one to directories.
func normalizeEventPath(p string) string {
	if len(p) > 0 && p[0] != '/' {
		p = "/" + p
	}
	return filepath.Clean(p)
}

// kqueueFallback routes a watch to the shared kqueue backend.
func (b *fseventsBackend) kqueueFallback(w *watch) error {
	b.mu.Lock()
	if b.kq == nil {
		kq, err := newKqueueBackend(b.fw)
		if err != nil {
			b.mu.Unlock()
			return &WatchError{Code: Unspecified, Path: w.root, Err: err}
		}
		b.kq = kq
		if b.started {
			b.kq.start()
		}
	}
	kq := b.kq
	b.mu.Unlock()
	return kq.add(w)
}

func (b *fseventsBackend) remove(id WatchID) {
	b.mu.Lock()
	fsw, ok := b.watches[id]
	if ok {
		delete(b.watches, id)
	}
	started := b.started
	kq := b.kq
	b.mu.Unlock()
	if !ok {
		if kq != nil {
			kq.remove(id)
		}
		return
	}
	fsw.shutdown(started)
}

func (fsw *fseventsWatch) shutdown(started bool) {
	select {
	case <-fsw.stopc:
		return
	default:
	}
	close(fsw.stopc)
	if started {
		fsw.stream.Stop()
		<-fsw.donec
	}
}

func (b *fseventsBackend) start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	watches := make([]*fseventsWatch, 0, len(b.watches))
	for _, fsw := range b.watches {
		watches = append(watches, fsw)
	}
	kq := b.kq
	b.mu.Unlock()

	if kq != nil {
		kq.start()
	}
	for _, fsw := range watches {
		fsw.launch()
	}
	return nil
}

func (b *fseventsBackend) stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	watches := make([]*fseventsWatch, 0, len(b.watches))
	for _, fsw := range b.watches {
		watches = append(watches, fsw)
	}
	b.watches = make(map[WatchID]*fseventsWatch)
	kq := b.kq
	b.mu.Unlock()

	if kq != nil {
		kq.stop()
	}
	for _, fsw := range watches {
		fsw.shutdown(started)
	}
}
