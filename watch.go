package watchfs

import (
	"sync"
	"sync/atomic"
)

// backend is the contract every platform watcher implements. The
// orchestrator allocates watch records and ids; backends own the kernel
// handles and the worker that produces events.
type backend interface {
	// add registers a watch. The root has been validated and
	// canonicalized by the orchestrator.
	add(w *watch) error

	// remove tears down the kernel state for a watch. Idempotent;
	// unknown ids are a no-op.
	remove(id WatchID)

	// start launches the worker. Idempotent.
	start() error

	// stop signals the worker, joins it and releases all kernel
	// handles. Idempotent.
	stop()
}

// Watch states. Events observed for a watch in stateRemoving or
// stateRemoved are dropped.
const (
	stateActive int32 = iota
	stateRemoving
	stateRemoved
)

// watch is the per-registration record shared between the orchestrator
// and its backend. The orchestrator owns the record; the backend's
// worker only reads the immutable fields and delivers through it.
type watch struct {
	id        WatchID
	root      string // canonical absolute path
	listener  Listener
	recursive bool
	opts      []WatcherOption

	// Symlink policy, frozen from the FileWatcher at creation time.
	followSymlinks  bool
	outOfScopeLinks bool

	state atomic.Int32

	// deliverMu serializes listener callbacks for this watch and lets
	// removal wait out an in-flight delivery.
	deliverMu sync.Mutex
}

// deliver invokes the listener unless the watch is being removed.
// Callbacks for the same watch never run concurrently.
func (w *watch) deliver(name, oldName string, action Action) {
	if w.state.Load() != stateActive {
		return
	}
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()
	if w.state.Load() != stateActive {
		return
	}
	w.listener.HandleFileAction(Event{
		WatchID:     w.id,
		Dir:         w.root,
		Filename:    name,
		Action:      action,
		OldFilename: oldName,
	})
}

// retire moves the watch to stateRemoved, blocking until any in-flight
// callback has returned. Safe to call more than once.
func (w *watch) retire() {
	w.state.CompareAndSwap(stateActive, stateRemoving)
	w.deliverMu.Lock()
	w.state.Store(stateRemoved)
	w.deliverMu.Unlock()
}

// nextWatchID allocates process-unique positive watch ids.
var nextWatchID atomic.Int64

func allocWatchID() WatchID {
	return WatchID(nextWatchID.Add(1))
}
