//go:build windows

package watchfs

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/listenupapp/watchfs/internal/fsutil"
)

// newNativeBackend selects ReadDirectoryChangesW on Windows.
func newNativeBackend(fw *FileWatcher) (backend, error) {
	return newWindowsBackend(fw)
}

// defaultNotifyFilter mirrors the kernel categories that map onto the
// event model: names for add/delete/rename, size and last-write for
// modifications.
const defaultNotifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE

// fileNotifyInformation is the packed record layout returned by
// ReadDirectoryChangesW.
type fileNotifyInformation struct {
	nextEntryOffset uint32
	action          uint32
	fileNameLength  uint32
	fileName        uint16
}

// windowsBackend keeps one overlapped ReadDirectoryChangesW request
// outstanding per watch, multiplexed over a single I/O completion port
// drained by one worker.
type windowsBackend struct {
	fw  *FileWatcher
	log *slog.Logger

	port windows.Handle

	mu      sync.Mutex
	watches map[WatchID]*winWatch

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
	started  bool
}

// winWatch is one directory handle with its in-flight request buffer.
type winWatch struct {
	w       *watch
	handle  windows.Handle
	buf     []byte
	ov      windows.Overlapped
	filter  uint32
	closing bool
}

func newWindowsBackend(fw *FileWatcher) (*windowsBackend, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("CreateIoCompletionPort: %w", err)
	}
	return &windowsBackend{
		fw:      fw,
		log:     fw.log,
		port:    port,
		watches: make(map[WatchID]*winWatch),
		stopc:   make(chan struct{}),
		donec:   make(chan struct{}),
	}, nil
}

func (b *windowsBackend) add(w *watch) error {
	bufSize := optionValue(w.opts, OptionWinBufferSize, defaultWinBufferSize)
	if bufSize < minWinBufferSize {
		bufSize = minWinBufferSize
	}
	if bufSize > maxWinBufferSize {
		bufSize = maxWinBufferSize
	}
	// Network paths reject buffers above 64 KiB outright; warn when the
	// requested size had to shrink.
	if fsutil.IsRemote(w.root) && optionValue(w.opts, OptionWinBufferSize, defaultWinBufferSize) > maxWinBufferSize {
		b.log.Warn("buffer size clamped for network path", "path", w.root, "size", bufSize)
	}

	filter := uint32(optionValue(w.opts, OptionWinNotifyFilter, defaultNotifyFilter))

	pathp, err := windows.UTF16PtrFromString(w.root)
	if err != nil {
		return &WatchError{Code: Unspecified, Path: w.root, Err: err}
	}

	handle, err := windows.CreateFile(pathp,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0)
	if err != nil {
		code := Unspecified
		switch err {
		case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND:
			code = FileNotFound
		case windows.ERROR_ACCESS_DENIED:
			code = FileNotReadable
		}
		return &WatchError{Code: code, Path: w.root, Err: err}
	}

	if _, err := windows.CreateIoCompletionPort(handle, b.port, uintptr(w.id), 0); err != nil {
		windows.CloseHandle(handle)
		return &WatchError{Code: Unspecified, Path: w.root, Err: err}
	}

	ww := &winWatch{
		w:      w,
		handle: handle,
		buf:    make([]byte, bufSize),
		filter: filter,
	}

	if err := b.issueRead(ww); err != nil {
		windows.CloseHandle(handle)
		// ERROR_INVALID_PARAMETER on the first request is how network
		// redirectors that cannot serve change notification fail.
		if err == windows.ERROR_INVALID_PARAMETER || err == windows.ERROR_NOT_SUPPORTED {
			return &WatchError{Code: FileRemote, Path: w.root, Err: err}
		}
		return &WatchError{Code: WatcherFailed, Path: w.root, Err: err}
	}

	b.mu.Lock()
	b.watches[w.id] = ww
	b.mu.Unlock()
	return nil
}

// issueRead posts the next overlapped request on the watch buffer.
func (b *windowsBackend) issueRead(ww *winWatch) error {
	ww.ov = windows.Overlapped{}
	return windows.ReadDirectoryChanges(
		ww.handle,
		&ww.buf[0],
		uint32(len(ww.buf)),
		ww.w.recursive,
		ww.filter,
		nil,
		&ww.ov,
		0)
}

func (b *windowsBackend) remove(id WatchID) {
	b.mu.Lock()
	ww, ok := b.watches[id]
	started := b.started
	if ok {
		if started {
			// The worker completes the aborted request and closes the
			// handle.
			ww.closing = true
			windows.CancelIoEx(ww.handle, &ww.ov)
		} else {
			windows.CloseHandle(ww.handle)
			delete(b.watches, id)
		}
	}
	b.mu.Unlock()
}

func (b *windowsBackend) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true
	go b.drainCompletions()
	return nil
}

func (b *windowsBackend) stop() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()

	b.stopOnce.Do(func() {
		close(b.stopc)
		windows.PostQueuedCompletionStatus(b.port, 0, 0, nil)
	})
	if started {
		<-b.donec
	} else {
		b.closeAll()
	}
}

func (b *windowsBackend) closeAll() {
	b.mu.Lock()
	for id, ww := range b.watches {
		windows.CloseHandle(ww.handle)
		delete(b.watches, id)
	}
	b.mu.Unlock()
	windows.CloseHandle(b.port)
}

func (b *windowsBackend) drainCompletions() {
	defer func() {
		b.closeAll()
		close(b.donec)
	}()

	for {
		var (
			qty uint32
			key uintptr
			ov  *windows.Overlapped
		)
		err := windows.GetQueuedCompletionStatus(b.port, &qty, &key, &ov, windows.INFINITE)

		select {
		case <-b.stopc:
			return
		default:
		}
		if ov == nil && key == 0 {
			// Bare wake without an I/O completion.
			continue
		}

		b.mu.Lock()
		ww, ok := b.watches[WatchID(key)]
		closing := ok && ww.closing
		if closing {
			delete(b.watches, ww.w.id)
		}
		b.mu.Unlock()
		if !ok {
			continue
		}
		if closing {
			windows.CloseHandle(ww.handle)
			continue
		}

		if err != nil {
			if err == windows.ERROR_ACCESS_DENIED || err == windows.ERROR_OPERATION_ABORTED {
				// The directory went away underneath the watch.
				b.mu.Lock()
				delete(b.watches, ww.w.id)
				b.mu.Unlock()
				windows.CloseHandle(ww.handle)
				b.fw.failWatch(ww.w, fmt.Sprintf("watched root disappeared: %q", ww.w.root))
				continue
			}
			b.log.Warn("completion failed", "root", ww.w.root, "error", err)
			if rerr := b.issueRead(ww); rerr != nil {
				b.failAndDrop(ww, rerr)
			}
			continue
		}

		if qty == 0 {
			// Zero-byte completion: the kernel dropped records because
			// the buffer overflowed.
			recordLastError(WatcherFailed, fmt.Sprintf("change buffer overflowed for %q", ww.w.root))
			b.log.Warn("change buffer overflowed", "root", ww.w.root)
		} else {
			b.parseRecords(ww, qty)
		}

		if rerr := b.issueRead(ww); rerr != nil {
			b.failAndDrop(ww, rerr)
		}
	}
}

func (b *windowsBackend) failAndDrop(ww *winWatch, err error) {
	b.mu.Lock()
	delete(b.watches, ww.w.id)
	b.mu.Unlock()
	windows.CloseHandle(ww.handle)
	b.fw.failWatch(ww.w, fmt.Sprintf("ReadDirectoryChangesW failed for %q: %v", ww.w.root, err))
}

// parseRecords walks the packed FILE_NOTIFY_INFORMATION list. Rename
// halves arrive as adjacent old/new records and collapse into one
// moved event; a dangling old name flushes as a delete.
func (b *windowsBackend) parseRecords(ww *winWatch, qty uint32) {
	var (
		renamedOld string
		haveOld    bool
		modified   = make(map[string]struct{})
	)

	flushOld := func() {
		if haveOld {
			ww.w.deliver(renamedOld, "", ActionDelete)
			haveOld = false
		}
	}

	for offset := uint32(0); offset < qty; {
		info := (*fileNotifyInformation)(unsafe.Pointer(&ww.buf[offset]))
		nameLen := int(info.fileNameLength / 2)
		nameWords := unsafe.Slice(&info.fileName, nameLen)
		name := string(utf16.Decode(nameWords))

		switch info.action {
		case windows.FILE_ACTION_ADDED:
			flushOld()
			ww.w.deliver(name, "", ActionAdd)
		case windows.FILE_ACTION_REMOVED:
			flushOld()
			ww.w.deliver(name, "", ActionDelete)
		case windows.FILE_ACTION_MODIFIED:
			flushOld()
			if _, seen := modified[name]; !seen {
				modified[name] = struct{}{}
				ww.w.deliver(name, "", ActionModified)
			}
		case windows.FILE_ACTION_RENAMED_OLD_NAME:
			flushOld()
			renamedOld, haveOld = name, true
		case windows.FILE_ACTION_RENAMED_NEW_NAME:
			if haveOld {
				ww.w.deliver(name, renamedOld, ActionMoved)
				haveOld = false
			} else {
				ww.w.deliver(name, "", ActionAdd)
			}
		}

		if info.nextEntryOffset == 0 {
			break
		}
		offset += info.nextEntryOffset
	}
	flushOld()
}
