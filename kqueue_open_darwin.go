//go:build darwin

package watchfs

import "golang.org/x/sys/unix"

// O_EVTONLY opens for event notification only, without blocking volume
// unmounts the way a regular descriptor would.
const kqueueOpenMode = unix.O_EVTONLY | unix.O_CLOEXEC
