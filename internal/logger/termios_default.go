//go:build !windows && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package logger

import "golang.org/x/sys/unix"

const termiosRequest = unix.TCGETS
