//go:build freebsd || netbsd || openbsd || dragonfly

package watchfs

import "golang.org/x/sys/unix"

const kqueueOpenMode = unix.O_RDONLY | unix.O_NONBLOCK | unix.O_CLOEXEC
