package watchfs

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/listenupapp/watchfs/internal/fsutil"
)

// ErrDispatcherClosed is returned by Subscribe after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher fans a single watch per directory out to many subscribers.
// Subscribing to a directory delivers every event in it; subscribing to
// a file path delivers only events for that name; a glob pattern in the
// final path element matches event filenames. The underlying watch is
// created on the first subscription for a directory and removed when
// the last one closes, so N subscribers on one directory cost one
// kernel watch.
type Dispatcher struct {
	fw      *FileWatcher
	nextKey atomic.Uint64

	mu     sync.Mutex
	dirs   map[string]*dirWatch
	closed bool
}

// dirWatch is one shared watch with its subscriber registry. The
// registry is a concurrent map because delivery iterates it on the
// watcher worker while user goroutines subscribe and unsubscribe.
type dirWatch struct {
	id    WatchID
	subs  *xsync.MapOf[uint64, *Subscription]
	count int // guarded by Dispatcher.mu
}

// Subscription is one registered callback. Close unsubscribes; the
// last close for a directory tears down the shared watch.
type Subscription struct {
	d     *Dispatcher
	dir   string
	key   uint64
	fn    ListenerFunc
	exact string    // exact-filename filter, "" when unused
	match glob.Glob // glob filter, nil when unused
	once  sync.Once
}

// NewDispatcher creates a dispatcher with its own FileWatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	fw, err := New(opts)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		fw:   fw,
		dirs: make(map[string]*dirWatch),
	}, nil
}

// Subscribe registers fn for events under path. path may be an existing
// directory (all events), a file path (exact-name match) or a path
// whose final element is a glob pattern.
func (d *Dispatcher) Subscribe(path string, fn ListenerFunc) (*Subscription, error) {
	canonical, err := fsutil.Canonicalize(path)
	if err != nil {
		return nil, newWatchError(Unspecified, path, err)
	}

	sub := &Subscription{d: d, fn: fn, key: d.nextKey.Add(1)}
	switch {
	case fsutil.IsDir(canonical):
		sub.dir = canonical
	case strings.ContainsAny(filepath.Base(canonical), "*?[{"):
		sub.dir = filepath.Dir(canonical)
		g, gerr := glob.Compile(filepath.Base(canonical))
		if gerr != nil {
			return nil, newWatchError(Unspecified, path, gerr)
		}
		sub.match = g
	default:
		sub.dir = filepath.Dir(canonical)
		sub.exact = filepath.Base(canonical)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, newWatchError(Unspecified, path, ErrDispatcherClosed)
	}

	dw, ok := d.dirs[sub.dir]
	if !ok {
		dw = &dirWatch{subs: xsync.NewMapOf[uint64, *Subscription]()}
		id, aerr := d.fw.AddWatch(sub.dir, ListenerFunc(func(ev Event) {
			dw.dispatch(ev)
		}), false)
		if aerr != nil {
			return nil, aerr
		}
		dw.id = id
		d.dirs[sub.dir] = dw
	}
	dw.subs.Store(sub.key, sub)
	dw.count++
	return sub, nil
}

// dispatch routes one event to the matching subscribers.
func (dw *dirWatch) dispatch(ev Event) {
	dw.subs.Range(func(_ uint64, sub *Subscription) bool {
		if sub.matches(ev.Filename) || (ev.OldFilename != "" && sub.matches(ev.OldFilename)) {
			sub.fn(ev)
		}
		return true
	})
}

func (sub *Subscription) matches(name string) bool {
	switch {
	case sub.exact != "":
		return name == sub.exact
	case sub.match != nil:
		return sub.match.Match(name)
	default:
		return true
	}
}

// Close unsubscribes. The last subscription on a directory removes the
// shared watch. Idempotent.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		d := sub.d
		d.mu.Lock()
		dw, ok := d.dirs[sub.dir]
		if !ok {
			d.mu.Unlock()
			return
		}
		dw.subs.Delete(sub.key)
		dw.count--
		teardown := dw.count == 0
		if teardown {
			delete(d.dirs, sub.dir)
		}
		d.mu.Unlock()

		if teardown {
			d.fw.RemoveWatchID(dw.id)
		}
	})
}

// Close shuts the dispatcher and its FileWatcher down.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.dirs = make(map[string]*dirWatch)
	d.mu.Unlock()
	return d.fw.Close()
}

// sharedDispatcher backs the package-level Watch helper.
var sharedDispatcher = sync.OnceValues(func() (*Dispatcher, error) {
	return NewDispatcher(Options{})
})

// Watch subscribes fn to path on a lazily created process-wide
// dispatcher. See Dispatcher.Subscribe for the accepted path forms.
func Watch(path string, fn ListenerFunc) (*Subscription, error) {
	d, err := sharedDispatcher()
	if err != nil {
		return nil, err
	}
	return d.Subscribe(path, fn)
}
