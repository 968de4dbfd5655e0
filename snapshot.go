package watchfs

import (
	"sort"
	"time"

	"github.com/listenupapp/watchfs/internal/fsutil"
)

// renameMtimeTolerance is how far apart the mtimes of a disappeared and
// an appeared entry may be while still counting as the same file for
// rename synthesis. Filesystems with coarse timestamps need the slack.
const renameMtimeTolerance = time.Second

// snapEntry is the remembered identity of one directory entry.
type snapEntry struct {
	kind  fsutil.Kind
	size  int64
	mtime time.Time
}

// snapshot is a directory's remembered listing, keyed by entry name. It
// is the diff basis for every backend that derives events by rescanning.
type snapshot map[string]snapEntry

// takeSnapshot lists dir into a fresh snapshot.
func takeSnapshot(dir string) (snapshot, error) {
	entries, err := fsutil.List(dir)
	if err != nil {
		return nil, err
	}
	snap := make(snapshot, len(entries))
	for _, e := range entries {
		snap[e.Name] = snapEntry{kind: e.Kind, size: e.Size, mtime: e.ModTime}
	}
	return snap, nil
}

// change is one difference between two snapshots of a directory.
type change struct {
	action  Action
	name    string
	oldName string // rename source, ActionMoved only
	kind    fsutil.Kind
}

// diff compares the remembered snapshot against a fresh one and returns
// the changes in delivery order: synthesized renames, then deletions,
// then additions, then modifications, names sorted within each group.
//
// Rename synthesis: when a cycle sees exactly one disappearance and
// exactly one appearance of the same kind and size, with mtimes within
// renameMtimeTolerance, the pair collapses into a single ActionMoved. A
// kind change under a retained name is reported as delete-then-add.
func (s snapshot) diff(fresh snapshot) []change {
	var added, removed, modified []string
	var kindChanged []string

	for name, cur := range fresh {
		old, ok := s[name]
		switch {
		case !ok:
			added = append(added, name)
		case old.kind != cur.kind:
			kindChanged = append(kindChanged, name)
		case !old.mtime.Equal(cur.mtime) || old.size != cur.size:
			modified = append(modified, name)
		}
	}
	for name := range s {
		if _, ok := fresh[name]; !ok {
			removed = append(removed, name)
		}
	}

	var changes []change

	if len(added) == 1 && len(removed) == 1 {
		oldName, newName := removed[0], added[0]
		old, cur := s[oldName], fresh[newName]
		if old.kind == cur.kind && old.size == cur.size && absDuration(old.mtime.Sub(cur.mtime)) <= renameMtimeTolerance {
			changes = append(changes, change{
				action:  ActionMoved,
				name:    newName,
				oldName: oldName,
				kind:    cur.kind,
			})
			added, removed = nil, nil
		}
	}

	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(modified)
	sort.Strings(kindChanged)

	for _, name := range removed {
		changes = append(changes, change{action: ActionDelete, name: name, kind: s[name].kind})
	}
	for _, name := range kindChanged {
		changes = append(changes, change{action: ActionDelete, name: name, kind: s[name].kind})
	}
	for _, name := range added {
		changes = append(changes, change{action: ActionAdd, name: name, kind: fresh[name].kind})
	}
	for _, name := range kindChanged {
		changes = append(changes, change{action: ActionAdd, name: name, kind: fresh[name].kind})
	}
	for _, name := range modified {
		changes = append(changes, change{action: ActionModified, name: name, kind: fresh[name].kind})
	}
	return changes
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
