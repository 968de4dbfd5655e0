//go:build linux

package watchfs

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/charlievieth/fastwalk"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/listenupapp/watchfs/internal/fsutil"
)

// newNativeBackend selects inotify on Linux.
func newNativeBackend(fw *FileWatcher) (backend, error) {
	return newInotifyBackend(fw)
}

// inotifyMask is the per-directory event selection. Close-write and
// modify both map to Modified; moved-from/moved-to carry the rename
// cookies used for pairing.
const inotifyMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF |
	unix.IN_MODIFY | unix.IN_CLOSE_WRITE | unix.IN_ATTRIB |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_MOVE_SELF

// inotifyBackend bridges the kernel inotify interface to the event
// stream. One inotify descriptor serves every watch; a single worker
// drains it. A pipe added to the poll set wakes the worker for shutdown.
type inotifyBackend struct {
	fw  *FileWatcher
	log *slog.Logger

	fd    int
	wakeR int
	wakeW int

	mu      sync.Mutex
	watches map[WatchID]*inotifyWatch
	dirs    map[int32]*inotifyDir

	// rescanLimiter paces the full re-enumerations triggered by queue
	// overflow so a storm of lost events cannot turn into a storm of
	// tree walks.
	rescanLimiter *rate.Limiter

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
	started  bool
}

// inotifyWatch is the per-watch descriptor bookkeeping.
type inotifyWatch struct {
	w            *watch
	rootResolved string
	wds          map[int32]*inotifyDir
}

// inotifyDir binds one watch descriptor to one directory.
type inotifyDir struct {
	iw   *inotifyWatch
	wd   int32
	path string // absolute
	rel  string // relative to the watch root, "" for the root
}

func newInotifyBackend(fw *FileWatcher) (*inotifyBackend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	var pipefd [2]int
	if err := unix.Pipe2(pipefd[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	return &inotifyBackend{
		fw:            fw,
		log:           fw.log,
		fd:            fd,
		wakeR:         pipefd[0],
		wakeW:         pipefd[1],
		watches:       make(map[WatchID]*inotifyWatch),
		dirs:          make(map[int32]*inotifyDir),
		rescanLimiter: rate.NewLimiter(rate.Limit(1), 2),
		stopc:         make(chan struct{}),
		donec:         make(chan struct{}),
	}, nil
}

func (b *inotifyBackend) add(w *watch) error {
	resolved, err := fsutil.Resolve(w.root)
	if err != nil {
		return &WatchError{Code: FileNotFound, Path: w.root, Err: err}
	}
	iw := &inotifyWatch{w: w, rootResolved: resolved, wds: make(map[int32]*inotifyDir)}

	if err := b.watchDir(iw, w.root, ""); err != nil {
		return err
	}

	if w.recursive {
		if err := b.registerTree(iw, w.root); err != nil {
			b.dropWatch(iw)
			return err
		}
	}

	b.mu.Lock()
	b.watches[w.id] = iw
	b.mu.Unlock()
	return nil
}

// registerTree walks the subtree under root and registers a descriptor
// for every directory. The walk is parallel; descriptor bookkeeping is
// serialized in watchDir. No events are emitted.
func (b *inotifyBackend) registerTree(iw *inotifyWatch, root string) error {
	conf := fastwalk.Config{Follow: iw.w.followSymlinks}
	return fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if !iw.w.followSymlinks {
				return nil
			}
			target, rerr := fsutil.Resolve(path)
			if rerr != nil || !fsutil.IsDir(target) {
				return nil
			}
			if !iw.w.outOfScopeLinks && !withinScope(iw.rootResolved, target) {
				recordLastError(FileOutOfScope, fmt.Sprintf("symlink out of scope: %q -> %q", path, target))
				return filepath.SkipDir
			}
		} else if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		if werr := b.watchDir(iw, path, rel); werr != nil {
			b.log.Warn("failed to watch subdirectory", "path", path, "error", werr)
		}
		return nil
	})
}

// watchDir registers one directory under a watch.
func (b *inotifyBackend) watchDir(iw *inotifyWatch, path, rel string) error {
	wd, err := unix.InotifyAddWatch(b.fd, path, inotifyMask)
	if err != nil {
		code := Unspecified
		if os.IsNotExist(err) {
			code = FileNotFound
		} else if os.IsPermission(err) {
			code = FileNotReadable
		}
		return &WatchError{Code: code, Path: path, Err: err}
	}

	d := &inotifyDir{iw: iw, wd: int32(wd), path: path, rel: rel}
	b.mu.Lock()
	iw.wds[d.wd] = d
	b.dirs[d.wd] = d
	b.mu.Unlock()
	return nil
}

func (b *inotifyBackend) remove(id WatchID) {
	b.mu.Lock()
	iw, ok := b.watches[id]
	if ok {
		delete(b.watches, id)
	}
	b.mu.Unlock()
	if ok {
		b.dropWatch(iw)
	}
}

// dropWatch releases every descriptor owned by iw.
func (b *inotifyBackend) dropWatch(iw *inotifyWatch) {
	b.mu.Lock()
	for wd := range iw.wds {
		unix.InotifyRmWatch(b.fd, uint32(wd))
		delete(b.dirs, wd)
	}
	iw.wds = make(map[int32]*inotifyDir)
	b.mu.Unlock()
}

func (b *inotifyBackend) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true
	go b.readEvents()
	return nil
}

func (b *inotifyBackend) stop() {
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

func (b *inotifyBackend) closeFDs() {
	unix.Close(b.fd)
	unix.Close(b.wakeR)
	unix.Close(b.wakeW)
}

// readEvents blocks on the inotify descriptor and the wake pipe,
// draining and translating raw events until stopped.
func (b *inotifyBackend) readEvents() {
	defer func() {
		b.closeFDs()
		close(b.donec)
	}()

	buf := make([]byte, 64*1024)
	for {
		fds := []unix.PollFd{
			{Fd: int32(b.fd), Events: unix.POLLIN},
			{Fd: int32(b.wakeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			b.log.Error("inotify poll failed", "error", err)
			return
		}

		select {
		case <-b.stopc:
			return
		default:
		}

		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(b.fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			b.log.Error("inotify read failed", "error", err)
			return
		}
		if n >= unix.SizeofInotifyEvent {
			b.drain(buf[:n])
		}
	}
}

// rawEvent is one decoded inotify record.
type rawEvent struct {
	wd     int32
	mask   uint32
	cookie uint32
	name   string
}

// pendingRename is a moved-from waiting for its moved-to partner within
// the same drain.
type pendingRename struct {
	d    *inotifyDir
	name string
}

// drain translates one buffer of kernel events. Rename cookies pair
// within the drain; unpaired moved-from entries flush as deletes at the
// end. Modified events coalesce per (directory, name).
func (b *inotifyBackend) drain(buf []byte) {
	var raws []rawEvent
	for offset := 0; offset+unix.SizeofInotifyEvent <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		offset = nameStart + int(ev.Len)

		name := ""
		if ev.Len > 0 {
			nameBytes := buf[nameStart : nameStart+int(ev.Len)]
			name = string(nameBytes[:clen(nameBytes)])
		}
		raws = append(raws, rawEvent{wd: ev.Wd, mask: ev.Mask, cookie: ev.Cookie, name: name})
	}

	pending := make(map[uint32]pendingRename)
	var pendingOrder []uint32
	modified := make(map[string]struct{})

	for _, raw := range raws {
		if raw.mask&unix.IN_Q_OVERFLOW != 0 {
			b.overflow()
			continue
		}

		b.mu.Lock()
		d, ok := b.dirs[raw.wd]
		b.mu.Unlock()
		if !ok {
			continue
		}

		if raw.mask&unix.IN_IGNORED != 0 {
			b.forgetDir(d)
			continue
		}

		if raw.name == "" {
			// The watched directory itself. A vanished root invalidates
			// the watch; a vanished subdirectory is reported through its
			// parent's IN_DELETE.
			if raw.mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
				if d.rel == "" {
					iw := d.iw
					b.remove(iw.w.id)
					b.fw.failWatch(iw.w, fmt.Sprintf("watched root disappeared: %q", iw.w.root))
				} else {
					b.forgetDir(d)
				}
			}
			continue
		}

		rel := filepath.Join(d.rel, raw.name)
		isDir := raw.mask&unix.IN_ISDIR != 0

		switch {
		case raw.mask&unix.IN_CREATE != 0:
			d.iw.w.deliver(rel, "", ActionAdd)
			if isDir && d.iw.w.recursive {
				b.adoptNewDir(d.iw, filepath.Join(d.path, raw.name), rel)
			}

		case raw.mask&unix.IN_MOVED_FROM != 0:
			pending[raw.cookie] = pendingRename{d: d, name: raw.name}
			pendingOrder = append(pendingOrder, raw.cookie)

		case raw.mask&unix.IN_MOVED_TO != 0:
			if p, ok := pending[raw.cookie]; ok && p.d.iw == d.iw {
				oldRel := filepath.Join(p.d.rel, p.name)
				d.iw.w.deliver(rel, oldRel, ActionMoved)
				delete(pending, raw.cookie)
				if isDir {
					b.renameSubtree(d.iw, filepath.Join(p.d.path, p.name), filepath.Join(d.path, raw.name), oldRel, rel)
				}
				continue
			}
			// Orphan moved-to: the source is outside our watches.
			d.iw.w.deliver(rel, "", ActionAdd)
			if isDir && d.iw.w.recursive {
				b.adoptNewDir(d.iw, filepath.Join(d.path, raw.name), rel)
			}

		case raw.mask&unix.IN_DELETE != 0:
			d.iw.w.deliver(rel, "", ActionDelete)

		case raw.mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE|unix.IN_ATTRIB) != 0:
			key := fmt.Sprintf("%d/%s", raw.wd, raw.name)
			if _, seen := modified[key]; !seen {
				modified[key] = struct{}{}
				d.iw.w.deliver(rel, "", ActionModified)
			}
		}
	}

	// Unpaired moved-from: the entry left our view of the filesystem.
	for _, cookie := range pendingOrder {
		p, ok := pending[cookie]
		if !ok {
			continue
		}
		oldRel := filepath.Join(p.d.rel, p.name)
		p.d.iw.w.deliver(oldRel, "", ActionDelete)
		b.unregisterSubtree(p.d.iw, filepath.Join(p.d.path, p.name))
	}
}

// adoptNewDir registers a directory created inside a recursive watch,
// then enumerates the children that raced in before the descriptor
// existed, emitting ancestor-first adds for them.
func (b *inotifyBackend) adoptNewDir(iw *inotifyWatch, path, rel string) {
	if err := b.watchDir(iw, path, rel); err != nil {
		b.log.Warn("failed to watch new directory", "path", path, "error", err)
		return
	}

	entries, err := fsutil.List(path)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		childRel := filepath.Join(rel, e.Name)
		iw.w.deliver(childRel, "", ActionAdd)
		if e.Kind == fsutil.KindDirectory {
			b.adoptNewDir(iw, filepath.Join(path, e.Name), childRel)
		}
	}
}

// renameSubtree rewrites descriptor paths after a tracked directory was
// moved within the watch.
func (b *inotifyBackend) renameSubtree(iw *inotifyWatch, oldPath, newPath, oldRel, newRel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range iw.wds {
		switch {
		case d.path == oldPath:
			d.path, d.rel = newPath, newRel
		case strings.HasPrefix(d.path, oldPath+string(filepath.Separator)):
			suffix := d.path[len(oldPath):]
			d.path = newPath + suffix
			d.rel = filepath.Join(newRel, filepath.ToSlash(strings.TrimPrefix(d.rel, oldRel)))
		}
	}
}

// unregisterSubtree drops the descriptors at and under path.
func (b *inotifyBackend) unregisterSubtree(iw *inotifyWatch, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := path + string(filepath.Separator)
	for wd, d := range iw.wds {
		if d.path == path || strings.HasPrefix(d.path, prefix) {
			unix.InotifyRmWatch(b.fd, uint32(wd))
			delete(iw.wds, wd)
			delete(b.dirs, wd)
		}
	}
}

// forgetDir drops the bookkeeping for a descriptor the kernel has
// already released.
func (b *inotifyBackend) forgetDir(d *inotifyDir) {
	b.mu.Lock()
	delete(d.iw.wds, d.wd)
	delete(b.dirs, d.wd)
	b.mu.Unlock()
}

// overflow handles IN_Q_OVERFLOW: the kernel dropped events, so every
// watch may have missed directory creations. Record the failure and
// re-enumerate recursive watches to pick up unregistered directories,
// paced by the rescan limiter.
func (b *inotifyBackend) overflow() {
	recordLastError(WatcherFailed, "inotify event queue overflowed")
	b.log.Warn("inotify event queue overflowed, re-enumerating watches")

	if !b.rescanLimiter.Allow() {
		return
	}

	b.mu.Lock()
	iws := make([]*inotifyWatch, 0, len(b.watches))
	for _, iw := range b.watches {
		if iw.w.recursive {
			iws = append(iws, iw)
		}
	}
	b.mu.Unlock()

	for _, iw := range iws {
		if err := b.registerTree(iw, iw.w.root); err != nil {
			b.log.Warn("re-enumeration failed", "root", iw.w.root, "error", err)
		}
	}
}

// clen returns the length of a null-terminated byte slice.
func clen(b []byte) int {
	for i := range b {
		if b[i] == 0 {
			return i
		}
	}
	return len(b)
}
