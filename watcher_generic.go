package watchfs

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/listenupapp/watchfs/internal/fsutil"
)

// genericBackend is the portable polling watcher. A single worker
// goroutine rescans every watched directory tree on a fixed interval and
// derives events by diffing snapshots. It works on every platform and is
// the only correct choice for network filesystems.
type genericBackend struct {
	fw       *FileWatcher
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	watches map[WatchID]*pollWatch

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
	started  bool
}

// pollWatch is the generic backend's per-watch state: the tree of
// tracked directory nodes rooted at the watch root.
type pollWatch struct {
	w            *watch
	root         *dirNode
	rootResolved string // physical root path, scope anchor for symlinks
}

// dirNode is one tracked directory. The tree is kept as child maps keyed
// by entry name; rel is the node's path relative to the watch root and
// is what event filenames are built from.
type dirNode struct {
	path     string // absolute path, through symlink names
	rel      string // "" for the watch root
	resolved string // physical path, for the symlink cycle guard
	snap     snapshot
	children map[string]*dirNode
}

func newGenericBackend(fw *FileWatcher, interval time.Duration) *genericBackend {
	return &genericBackend{
		fw:       fw,
		log:      fw.log,
		interval: interval,
		watches:  make(map[WatchID]*pollWatch),
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
}

func (g *genericBackend) add(w *watch) error {
	resolved, err := fsutil.Resolve(w.root)
	if err != nil {
		return &WatchError{Code: FileNotFound, Path: w.root, Err: err}
	}

	pw := &pollWatch{
		w:            w,
		rootResolved: resolved,
		root: &dirNode{
			path:     w.root,
			rel:      "",
			resolved: resolved,
			snap:     snapshot{},
			children: make(map[string]*dirNode),
		},
	}

	// Populate the initial snapshots without emitting anything: events
	// start from the state observed at add time.
	if ok := g.visit(pw, pw.root, []string{resolved}, false); !ok {
		return &WatchError{Code: FileNotReadable, Path: w.root}
	}

	g.mu.Lock()
	g.watches[w.id] = pw
	g.mu.Unlock()
	return nil
}

func (g *genericBackend) remove(id WatchID) {
	g.mu.Lock()
	delete(g.watches, id)
	g.mu.Unlock()
}

func (g *genericBackend) start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}
	g.started = true
	go g.run()
	return nil
}

func (g *genericBackend) stop() {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()

	g.stopOnce.Do(func() { close(g.stopc) })
	if started {
		<-g.donec
	}
}

func (g *genericBackend) run() {
	defer close(g.donec)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopc:
			return
		case <-ticker.C:
			g.pollAll()
		}
	}
}

func (g *genericBackend) pollAll() {
	g.mu.Lock()
	batch := make([]*pollWatch, 0, len(g.watches))
	for _, pw := range g.watches {
		batch = append(batch, pw)
	}
	g.mu.Unlock()

	// Stable order across watches keeps delivery deterministic on the
	// single worker.
	sort.Slice(batch, func(i, j int) bool { return batch[i].w.id < batch[j].w.id })

	for _, pw := range batch {
		select {
		case <-g.stopc:
			return
		default:
		}
		g.poll(pw)
	}
}

func (g *genericBackend) poll(pw *pollWatch) {
	if kind, _, _ := fsutil.Classify(pw.root.path); kind != fsutil.KindDirectory && kind != fsutil.KindSymlink {
		g.remove(pw.w.id)
		g.fw.failWatch(pw.w, fmt.Sprintf("watched root disappeared: %q", pw.root.path))
		return
	}
	g.visit(pw, pw.root, []string{pw.rootResolved}, true)
}

// visit rescans node, emits the diff (when emit is set) and recurses
// into tracked children depth-first. The chain carries the resolved
// paths of the node and its ancestors for the symlink cycle guard.
// Returns false when the directory could not be listed.
func (g *genericBackend) visit(pw *pollWatch, node *dirNode, chain []string, emit bool) bool {
	fresh, err := takeSnapshot(node.path)
	if err != nil {
		// The parent's diff reports the disappearance; a permission
		// change just stalls this subtree.
		return false
	}

	changes := node.snap.diff(fresh)
	node.snap = fresh

	for _, c := range changes {
		switch c.action {
		case ActionMoved:
			if emit {
				pw.w.deliver(filepath.Join(node.rel, c.name), filepath.Join(node.rel, c.oldName), ActionMoved)
			}
			if child, ok := node.children[c.oldName]; ok {
				delete(node.children, c.oldName)
				node.children[c.name] = child
				child.rename(filepath.Join(node.path, c.name), filepath.Join(node.rel, c.name))
			}

		case ActionDelete:
			if child, ok := node.children[c.name]; ok {
				g.releaseSubtree(pw, child, emit)
				delete(node.children, c.name)
			}
			if emit {
				pw.w.deliver(filepath.Join(node.rel, c.name), "", ActionDelete)
			}

		case ActionAdd:
			if emit {
				pw.w.deliver(filepath.Join(node.rel, c.name), "", ActionAdd)
			}
			if pw.w.recursive {
				if child := g.track(pw, node, c.name, c.kind, chain); child != nil {
					g.visit(pw, child, append(chain, child.resolved), emit)
				}
			}

		case ActionModified:
			if emit {
				pw.w.deliver(filepath.Join(node.rel, c.name), "", ActionModified)
			}
		}
	}

	// Recurse into the children that existed before this cycle, in name
	// order. Children created above were already visited.
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := node.children[name]
		if _, present := node.snap[name]; !present {
			continue
		}
		if !g.visitedThisCycle(changes, name) {
			g.visit(pw, child, append(chain, child.resolved), emit)
		}
	}
	return true
}

// visitedThisCycle reports whether name was added (and therefore already
// descended into) during the current cycle.
func (g *genericBackend) visitedThisCycle(changes []change, name string) bool {
	for _, c := range changes {
		if c.action == ActionAdd && c.name == name {
			return true
		}
	}
	return false
}

// track creates a child node for a newly discovered directory entry,
// applying the symlink policy. Returns nil when the entry is not a
// directory or the policy prunes it.
func (g *genericBackend) track(pw *pollWatch, parent *dirNode, name string, kind fsutil.Kind, chain []string) *dirNode {
	path := filepath.Join(parent.path, name)
	resolved := path

	switch kind {
	case fsutil.KindDirectory:
		if r, err := fsutil.Resolve(path); err == nil {
			resolved = r
		}

	case fsutil.KindSymlink:
		if !pw.w.followSymlinks {
			return nil
		}
		r, err := fsutil.Resolve(path)
		if err != nil {
			return nil
		}
		if !fsutil.IsDir(r) {
			return nil
		}
		resolved = r

		// Cycle guard: a target already on the ancestor chain would
		// recurse forever through the link name.
		for _, ancestor := range chain {
			if resolved == ancestor {
				g.log.Debug("skipping symlink cycle", "path", path, "target", resolved)
				return nil
			}
		}

		if !pw.w.outOfScopeLinks && !withinScope(pw.rootResolved, resolved) {
			recordLastError(FileOutOfScope, fmt.Sprintf("symlink out of scope: %q -> %q", path, resolved))
			g.log.Debug("skipping out-of-scope symlink", "path", path, "target", resolved)
			return nil
		}

	default:
		return nil
	}

	child := &dirNode{
		path:     path,
		rel:      filepath.Join(parent.rel, name),
		resolved: resolved,
		snap:     snapshot{},
		children: make(map[string]*dirNode),
	}
	parent.children[name] = child
	return child
}

// releaseSubtree emits deletes for everything still tracked under node,
// deepest entries first, without rescanning the (gone) directories.
func (g *genericBackend) releaseSubtree(pw *pollWatch, node *dirNode, emit bool) {
	names := make([]string, 0, len(node.snap))
	for name := range node.snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if child, ok := node.children[name]; ok {
			g.releaseSubtree(pw, child, emit)
		}
		if emit {
			pw.w.deliver(filepath.Join(node.rel, name), "", ActionDelete)
		}
	}
	node.children = make(map[string]*dirNode)
	node.snap = snapshot{}
}

// rename rewrites the node's and its descendants' paths after the
// directory was moved within its parent.
func (n *dirNode) rename(path, rel string) {
	n.path = path
	n.rel = rel
	for name, child := range n.children {
		child.rename(filepath.Join(path, name), filepath.Join(rel, name))
	}
}

// withinScope reports whether target is root or lexically inside it.
func withinScope(root, target string) bool {
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}
