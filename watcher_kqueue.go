//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package watchfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/listenupapp/watchfs/internal/fsutil"
)

// kqueueVnodeFlags selects the vnode changes of interest: a write to a
// directory means its entry list changed; delete and rename invalidate
// the descriptor.
const kqueueVnodeFlags = unix.NOTE_DELETE | unix.NOTE_WRITE |
	unix.NOTE_EXTEND | unix.NOTE_ATTRIB | unix.NOTE_RENAME

// kqueueBackend watches with one file descriptor per tracked entry. A
// directory's vnode signal triggers re-enumeration and a snapshot diff,
// which is also where renames are synthesized; per-file descriptors
// yield modification events directly.
type kqueueBackend struct {
	fw  *FileWatcher
	log *slog.Logger

	kq    int
	wakeR int
	wakeW int

	mu      sync.Mutex
	watches map[WatchID]*kqueueWatch
	byFd    map[int]*kqueueNode

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
	started  bool
}

// kqueueWatch is the dynamic descriptor set of one watch.
type kqueueWatch struct {
	w            *watch
	rootResolved string
	nodes        map[int]*kqueueNode
	byPath       map[string]*kqueueNode
}

// kqueueNode is one watched entry (directory or file).
type kqueueNode struct {
	kw    *kqueueWatch
	fd    int
	path  string
	rel   string
	isDir bool
	snap  snapshot // directories only
}

func newKqueueBackend(fw *FileWatcher) (*kqueueBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)

	var pipefd [2]int
	if err := unix.Pipe(pipefd[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	b := &kqueueBackend{
		fw:      fw,
		log:     fw.log,
		kq:      kq,
		wakeR:   pipefd[0],
		wakeW:   pipefd[1],
		watches: make(map[WatchID]*kqueueWatch),
		byFd:    make(map[int]*kqueueNode),
		stopc:   make(chan struct{}),
		donec:   make(chan struct{}),
	}

	// The wake pipe sits in the same kqueue so stop() can interrupt the
	// blocking wait.
	var kev unix.Kevent_t
	unix.SetKevent(&kev, b.wakeR, unix.EVFILT_READ, unix.EV_ADD)
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		b.closeFDs()
		return nil, fmt.Errorf("kevent: %w", err)
	}
	return b, nil
}

func (b *kqueueBackend) add(w *watch) error {
	resolved, err := fsutil.Resolve(w.root)
	if err != nil {
		return &WatchError{Code: FileNotFound, Path: w.root, Err: err}
	}
	kw := &kqueueWatch{
		w:            w,
		rootResolved: resolved,
		nodes:        make(map[int]*kqueueNode),
		byPath:       make(map[string]*kqueueNode),
	}

	if _, err := b.trackDir(kw, w.root, "", []string{resolved}); err != nil {
		b.dropWatch(kw)
		return err
	}

	b.mu.Lock()
	b.watches[w.id] = kw
	b.mu.Unlock()
	return nil
}

// trackDir opens and registers a directory, snapshots it and tracks its
// children: files individually, subdirectories recursively for
// recursive watches, symlinks subject to the watch's policy.
func (b *kqueueBackend) trackDir(kw *kqueueWatch, path, rel string, chain []string) (*kqueueNode, error) {
	node, err := b.trackEntry(kw, path, rel, true)
	if err != nil {
		return nil, err
	}

	snap, err := takeSnapshot(path)
	if err != nil {
		return node, nil
	}
	node.snap = snap

	for name, entry := range snap {
		childPath := filepath.Join(path, name)
		childRel := filepath.Join(rel, name)
		b.trackChild(kw, childPath, childRel, entry.kind, chain)
	}
	return node, nil
}

// trackChild tracks one directory entry according to kind and policy.
func (b *kqueueBackend) trackChild(kw *kqueueWatch, path, rel string, kind fsutil.Kind, chain []string) {
	switch kind {
	case fsutil.KindFile:
		if _, err := b.trackEntry(kw, path, rel, false); err != nil {
			b.log.Debug("cannot watch file", "path", path, "error", err)
		}

	case fsutil.KindDirectory:
		if !kw.w.recursive {
			return
		}
		resolved := path
		if r, err := fsutil.Resolve(path); err == nil {
			resolved = r
		}
		if _, err := b.trackDir(kw, path, rel, append(chain, resolved)); err != nil {
			b.log.Debug("cannot watch directory", "path", path, "error", err)
		}

	case fsutil.KindSymlink:
		if !kw.w.recursive || !kw.w.followSymlinks {
			return
		}
		target, err := fsutil.Resolve(path)
		if err != nil || !fsutil.IsDir(target) {
			return
		}
		for _, ancestor := range chain {
			if target == ancestor {
				b.log.Debug("skipping symlink cycle", "path", path, "target", target)
				return
			}
		}
		if !kw.w.outOfScopeLinks && !withinScope(kw.rootResolved, target) {
			recordLastError(FileOutOfScope, fmt.Sprintf("symlink out of scope: %q -> %q", path, target))
			return
		}
		if _, err := b.trackDir(kw, path, rel, append(chain, target)); err != nil {
			b.log.Debug("cannot watch directory", "path", path, "error", err)
		}
	}
}

// trackEntry opens path and registers its vnode filter.
func (b *kqueueBackend) trackEntry(kw *kqueueWatch, path, rel string, isDir bool) (*kqueueNode, error) {
	b.mu.Lock()
	if existing, ok := kw.byPath[path]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	b.mu.Unlock()

	fd, err := unix.Open(path, kqueueOpenMode, 0)
	if err != nil {
		code := Unspecified
		if os.IsNotExist(err) {
			code = FileNotFound
		} else if os.IsPermission(err) {
			code = FileNotReadable
		}
		return nil, &WatchError{Code: code, Path: path, Err: err}
	}

	var kev unix.Kevent_t
	unix.SetKevent(&kev, fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_CLEAR)
	kev.Fflags = kqueueVnodeFlags
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(fd)
		return nil, &WatchError{Code: Unspecified, Path: path, Err: err}
	}

	node := &kqueueNode{kw: kw, fd: fd, path: path, rel: rel, isDir: isDir}
	b.mu.Lock()
	kw.nodes[fd] = node
	kw.byPath[path] = node
	b.byFd[fd] = node
	b.mu.Unlock()
	return node, nil
}

func (b *kqueueBackend) untrack(node *kqueueNode) {
	b.mu.Lock()
	delete(node.kw.nodes, node.fd)
	delete(node.kw.byPath, node.path)
	delete(b.byFd, node.fd)
	b.mu.Unlock()
	// Closing the descriptor also removes its kevent registration.
	unix.Close(node.fd)
}

func (b *kqueueBackend) remove(id WatchID) {
	b.mu.Lock()
	kw, ok := b.watches[id]
	if ok {
		delete(b.watches, id)
	}
	b.mu.Unlock()
	if ok {
		b.dropWatch(kw)
	}
}

func (b *kqueueBackend) dropWatch(kw *kqueueWatch) {
	b.mu.Lock()
	nodes := make([]*kqueueNode, 0, len(kw.nodes))
	for _, node := range kw.nodes {
		nodes = append(nodes, node)
	}
	kw.nodes = make(map[int]*kqueueNode)
	kw.byPath = make(map[string]*kqueueNode)
	for _, node := range nodes {
		delete(b.byFd, node.fd)
	}
	b.mu.Unlock()

	for _, node := range nodes {
		unix.Close(node.fd)
	}
}

func (b *kqueueBackend) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true
	go b.waitEvents()
	return nil
}

func (b *kqueueBackend) stop() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()

	b.stopOnce.Do(func() {
		close(b.stopc)
		unix.Write(b.wakeW, []byte{0})
	})
	if started {
		<-b.donec
	} else {
		b.closeFDs()
	}
}

func (b *kqueueBackend) closeFDs() {
	b.mu.Lock()
	for fd := range b.byFd {
		unix.Close(fd)
	}
	b.byFd = make(map[int]*kqueueNode)
	b.mu.Unlock()
	unix.Close(b.kq)
	unix.Close(b.wakeR)
	unix.Close(b.wakeW)
}

func (b *kqueueBackend) waitEvents() {
	defer func() {
		b.closeFDs()
		close(b.donec)
	}()

	events := make([]unix.Kevent_t, 16)
	for {
		n, err := unix.Kevent(b.kq, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.log.Error("kevent wait failed", "error", err)
			return
		}

		select {
		case <-b.stopc:
			return
		default:
		}

		for i := range n {
			ev := events[i]
			if int(ev.Ident) == b.wakeR {
				continue
			}
			b.handleVnode(int(ev.Ident), ev.Fflags)
		}
	}
}

func (b *kqueueBackend) handleVnode(fd int, fflags uint32) {
	b.mu.Lock()
	node, ok := b.byFd[fd]
	b.mu.Unlock()
	if !ok {
		return
	}

	if node.isDir {
		b.handleDirChange(node, fflags)
		return
	}

	// Per-file descriptor: writes and attribute changes surface
	// directly; deletes and renames are reported by the parent
	// directory's diff, the descriptor just gets released.
	if fflags&(unix.NOTE_DELETE|unix.NOTE_RENAME) != 0 {
		b.untrack(node)
		return
	}
	if fflags&(unix.NOTE_WRITE|unix.NOTE_EXTEND|unix.NOTE_ATTRIB) != 0 {
		node.kw.w.deliver(node.rel, "", ActionModified)
	}
}

func (b *kqueueBackend) handleDirChange(node *kqueueNode, fflags uint32) {
	kw := node.kw

	if fflags&(unix.NOTE_DELETE|unix.NOTE_RENAME) != 0 {
		if node.rel == "" {
			b.remove(kw.w.id)
			b.fw.failWatch(kw.w, fmt.Sprintf("watched root disappeared: %q", kw.w.root))
			return
		}
		b.untrack(node)
		return
	}

	if fflags&(unix.NOTE_WRITE|unix.NOTE_EXTEND|unix.NOTE_ATTRIB) == 0 {
		return
	}

	fresh, err := takeSnapshot(node.path)
	if err != nil {
		return
	}
	changes := node.snap.diff(fresh)
	node.snap = fresh

	chain := []string{kw.rootResolved}
	for _, c := range changes {
		rel := filepath.Join(node.rel, c.name)
		switch c.action {
		case ActionMoved:
			oldRel := filepath.Join(node.rel, c.oldName)
			kw.w.deliver(rel, oldRel, ActionMoved)
			b.renameChild(kw, filepath.Join(node.path, c.oldName), filepath.Join(node.path, c.name), oldRel, rel)

		case ActionDelete:
			kw.w.deliver(rel, "", ActionDelete)
			b.untrackSubtree(kw, filepath.Join(node.path, c.name))

		case ActionAdd:
			kw.w.deliver(rel, "", ActionAdd)
			b.trackChild(kw, filepath.Join(node.path, c.name), rel, c.kind, chain)

		case ActionModified:
			kw.w.deliver(rel, "", ActionModified)
		}
	}
}

// renameChild rewrites tracked paths under a directory that moved
// within its parent.
func (b *kqueueBackend) renameChild(kw *kqueueWatch, oldPath, newPath, oldRel, newRel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := oldPath + string(filepath.Separator)
	for _, n := range kw.nodes {
		switch {
		case n.path == oldPath:
			delete(kw.byPath, n.path)
			n.path, n.rel = newPath, newRel
			kw.byPath[n.path] = n
		case len(n.path) > len(prefix) && n.path[:len(prefix)] == prefix:
			delete(kw.byPath, n.path)
			suffix := n.path[len(prefix):]
			n.path = filepath.Join(newPath, suffix)
			n.rel = filepath.Join(newRel, suffix)
			kw.byPath[n.path] = n
		}
	}
}

// untrackSubtree closes descriptors at and under path.
func (b *kqueueBackend) untrackSubtree(kw *kqueueWatch, path string) {
	b.mu.Lock()
	prefix := path + string(filepath.Separator)
	var victims []*kqueueNode
	for _, n := range kw.nodes {
		if n.path == path || (len(n.path) > len(prefix) && n.path[:len(prefix)] == prefix) {
			victims = append(victims, n)
		}
	}
	for _, n := range victims {
		delete(kw.nodes, n.fd)
		delete(kw.byPath, n.path)
		delete(b.byFd, n.fd)
	}
	b.mu.Unlock()

	for _, n := range victims {
		unix.Close(n.fd)
	}
}
