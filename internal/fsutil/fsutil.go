// Package fsutil provides the path and filesystem helpers shared by the
// watcher backends: path canonicalization, entry classification, directory
// listing and remote-filesystem detection.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Kind classifies a filesystem entry.
type Kind int

const (
	KindMissing Kind = iota
	KindFile
	KindDirectory
	KindSymlink
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Entry describes a single directory entry as observed by List.
// Kind reflects the entry itself (lstat semantics), so symbolic links
// report KindSymlink regardless of their target.
type Entry struct {
	Name    string
	Kind    Kind
	Size    int64
	ModTime time.Time
}

// Canonicalize turns a path into its cleaned absolute form. It resolves
// "." and ".." lexically but deliberately does not resolve symlinks: the
// root of a watch stays symbolic so events carry the path the caller
// asked for.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// resolveCache remembers recent symlink resolutions. The polling backend
// resolves the same directories every cycle; the short TTL bounds how
// long a re-pointed link can serve a stale target.
var resolveCache = expirable.NewLRU[string, string](512, nil, time.Second)

// Resolve evaluates every symlink in path, returning the canonical
// physical path.
func Resolve(path string) (string, error) {
	if target, ok := resolveCache.Get(path); ok {
		return target, nil
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	resolveCache.Add(path, target)
	return target, nil
}

// Classify reports what kind of entry path is. For symlinks the link
// target is returned as well. A path that does not exist yields
// KindMissing and no error.
func Classify(path string) (Kind, string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KindMissing, "", nil
		}
		return KindMissing, "", err
	}
	return classifyInfo(info, path)
}

func classifyInfo(info fs.FileInfo, path string) (Kind, string, error) {
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return KindSymlink, "", nil
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		return KindSymlink, target, nil
	case info.IsDir():
		return KindDirectory, "", nil
	default:
		return KindFile, "", nil
	}
}

// IsDir reports whether path exists and is a directory, following a final
// symlink.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// List enumerates the entries of dir. The order is whatever the OS
// returns; callers that diff listings must key by name. Entries that
// vanish between the listing and the stat are silently skipped.
func List(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		kind := KindFile
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			kind = KindSymlink
		case info.IsDir():
			kind = KindDirectory
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Kind:    kind,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}
