package watchfs

import (
	"fmt"
	"sync"
)

// Error is a watcher error code. The numeric values are stable and are
// what a failed AddWatch returns as a negative WatchID.
type Error int

const (
	// NoError means no error occurred.
	NoError Error = 0
	// FileNotFound means the requested path does not exist or is not a
	// directory.
	FileNotFound Error = -1
	// FileRepeated means the path is already covered by a watch on this
	// instance.
	FileRepeated Error = -2
	// FileOutOfScope means a symlink points outside the watched tree and
	// out-of-scope links are disabled.
	FileOutOfScope Error = -3
	// FileNotReadable means the path could not be opened or listed.
	FileNotReadable Error = -4
	// FileRemote means the path lives on a remote filesystem the native
	// backend cannot observe; use the generic watcher instead.
	FileRemote Error = -5
	// WatcherFailed means the platform watcher stopped working for a
	// watch (lost events, vanished root).
	WatcherFailed Error = -6
	// Unspecified covers everything else.
	Unspecified Error = -7
)

// Error implements the error interface.
func (e Error) Error() string {
	switch e {
	case NoError:
		return "no error"
	case FileNotFound:
		return "file not found"
	case FileRepeated:
		return "file repeated"
	case FileOutOfScope:
		return "symlink out of scope"
	case FileNotReadable:
		return "file not readable"
	case FileRemote:
		return "file on remote filesystem"
	case WatcherFailed:
		return "watcher failed"
	default:
		return "unspecified error"
	}
}

// WatchError carries an error code together with the path and detail of
// the failure. It is the primary error channel of AddWatch; the
// process-wide last-error slot exists for compatibility.
type WatchError struct {
	Code Error
	Path string
	Err  error
}

// Error implements the error interface.
func (e *WatchError) Error() string {
	msg := e.Code.Error()
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *WatchError) Unwrap() error { return e.Err }

// Is lets errors.Is match a WatchError against a bare Error code.
func (e *WatchError) Is(target error) bool {
	code, ok := target.(Error)
	return ok && e.Code == code
}

// newWatchError builds a WatchError, records it in the last-error slot
// and returns it.
func newWatchError(code Error, path string, cause error) *WatchError {
	err := &WatchError{Code: code, Path: path, Err: cause}
	recordLastError(code, err.Error())
	return err
}

// Process-wide last-error slot, kept for callers that only look at the
// returned WatchID sign.
var lastErr struct {
	mu   sync.Mutex
	code Error
	msg  string
}

func recordLastError(code Error, msg string) {
	lastErr.mu.Lock()
	lastErr.code = code
	lastErr.msg = msg
	lastErr.mu.Unlock()
}

// LastErrorMessage returns the text of the most recent error logged by
// any watcher in the process.
func LastErrorMessage() string {
	lastErr.mu.Lock()
	defer lastErr.mu.Unlock()
	return lastErr.msg
}

// LastErrorCode returns the code of the most recent error logged by any
// watcher in the process.
func LastErrorCode() Error {
	lastErr.mu.Lock()
	defer lastErr.mu.Unlock()
	return lastErr.code
}

// ClearLastError resets the last-error slot.
func ClearLastError() {
	lastErr.mu.Lock()
	lastErr.code = NoError
	lastErr.msg = ""
	lastErr.mu.Unlock()
}
