//go:build !windows

package fsutil

import (
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// remoteFilesystems lists filesystem type names for which kernel change
// notification is known to be unreliable or absent.
var remoteFilesystems = map[string]struct{}{
	"nfs":        {},
	"nfs4":       {},
	"cifs":       {},
	"smbfs":      {},
	"smb2":       {},
	"sshfs":      {},
	"fuse.sshfs": {},
	"9p":         {},
	"afs":        {},
	"ncpfs":      {},
	"fuse":       {},
}

// IsRemote reports whether path lives on a network or userspace
// filesystem that native watchers cannot observe. Best effort: probe
// failures count as local.
func IsRemote(path string) bool {
	usage, err := disk.Usage(path)
	if err != nil {
		return false
	}
	fstype := strings.ToLower(usage.Fstype)
	if _, ok := remoteFilesystems[fstype]; ok {
		return true
	}
	return strings.HasPrefix(fstype, "fuse.sshfs")
}
