package watchfs

import "sync"

// ScopedWatch ties a watch's lifetime to a handle: it owns its listener
// and removes the watch when closed. Useful when the watch should live
// exactly as long as some other resource.
type ScopedWatch struct {
	fw       *FileWatcher
	id       WatchID
	listener Listener
	once     sync.Once
}

// NewScopedWatch adds a watch on dir delivering to fn and returns the
// owning handle.
func NewScopedWatch(fw *FileWatcher, dir string, fn ListenerFunc, recursive bool, opts ...WatcherOption) (*ScopedWatch, error) {
	id, err := fw.AddWatch(dir, fn, recursive, opts...)
	if err != nil {
		return nil, err
	}
	return &ScopedWatch{fw: fw, id: id, listener: fn}, nil
}

// ID returns the underlying watch id.
func (s *ScopedWatch) ID() WatchID { return s.id }

// Close removes the watch. Idempotent.
func (s *ScopedWatch) Close() {
	s.once.Do(func() {
		s.fw.RemoveWatchID(s.id)
	})
}
