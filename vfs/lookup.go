package vfs

import (
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vpath"
)

// LookupOptions controls path resolution.
type LookupOptions struct {
	// Follow substitutes a symlink in the final segment.
	Follow bool

	// Parent stops at the directory containing the final segment.
	Parent bool

	// NoFollowMount returns a mountpoint itself instead of the mounted root
	// when it is the final segment.
	NoFollowMount bool

	depth int
}

// LookupResult is a resolved node with the path it was reached by.
type LookupResult struct {
	Node *Node
	Path string
}

// LookupPath resolves path against the working directory. Intermediate
// symlinks are always substituted; the final one only with Follow. More
// than 40 consecutive symlink hops, or symlink targets nested more than 8
// lookups deep, fail with TooManySymlinks.
func (fs *FS) LookupPath(path string, opts LookupOptions) (LookupResult, error) {
	const op = "lookup"
	if path == "" {
		return LookupResult{}, errors.E(op, errors.KindNotFound, path)
	}
	if opts.depth > maxLookupDepth {
		return LookupResult{}, errors.E(op, errors.KindTooManySymlinks, path)
	}

	path = vpath.Resolve(fs.cwd, path)
	parts := vpath.Split(path)

	current := fs.root
	currentPath := "/"

	for i, part := range parts {
		last := i == len(parts)-1
		if last && opts.Parent {
			break
		}

		next, err := fs.lookupNode(current, part)
		if err != nil {
			return LookupResult{}, errors.WithOp(err, op, vpath.Join2(currentPath, part))
		}
		current = next
		currentPath = vpath.Join2(currentPath, part)

		if current.IsMountpoint() && (!last || !opts.NoFollowMount) {
			current = current.mounted.root
		}

		if !last || opts.Follow {
			hops := 0
			for current.Kind() == KindSymlink {
				target, err := current.mount.store.Readlink(current)
				if err != nil {
					return LookupResult{}, errors.WithOp(err, op, currentPath)
				}
				linkPath := vpath.Resolve(fs.cwd, vpath.Dir(currentPath), target)

				res, err := fs.LookupPath(linkPath, LookupOptions{depth: opts.depth + 1})
				if err != nil {
					return LookupResult{}, err
				}
				current = res.Node
				currentPath = res.Path

				hops++
				if hops > maxSymlinkHops {
					return LookupResult{}, errors.E(op, errors.KindTooManySymlinks, path)
				}
			}
		}
	}

	return LookupResult{Node: current, Path: currentPath}, nil
}

// lookupNode finds name in dir, first through the node table, then
// through the store.
func (fs *FS) lookupNode(dir *Node, name string) (*Node, error) {
	if err := fs.mayLookup(dir); err != nil {
		return nil, err
	}
	if n := fs.nodes.lookup(dir.id, name); n != nil {
		return n, nil
	}
	return dir.mount.store.Lookup(dir, name)
}

// checkPerm tests mode bits unless permissions are bypassed.
func (fs *FS) checkPerm(n *Node, want perm) error {
	if !fs.enforce {
		return nil
	}
	m := n.mode
	if want&permRead != 0 && m&0o444 == 0 ||
		want&permWrite != 0 && m&0o222 == 0 ||
		want&permExec != 0 && m&0o111 == 0 {
		return errors.E("", errors.KindPermissionDenied, "")
	}
	return nil
}

func (fs *FS) mayLookup(dir *Node) error {
	if dir.Kind() != KindDirectory {
		return errors.E("", errors.KindNotADirectory, "")
	}
	return fs.checkPerm(dir, permExec)
}

func (fs *FS) mayCreate(dir *Node, name string) error {
	_, err := fs.lookupNode(dir, name)
	if err == nil {
		return errors.E("", errors.KindAlreadyExists, "")
	}
	if !errors.IsKind(err, errors.KindNotFound) {
		return err
	}
	return fs.checkPerm(dir, permWrite|permExec)
}

func (fs *FS) mayDelete(dir *Node, name string, isDir bool) error {
	n, err := fs.lookupNode(dir, name)
	if err != nil {
		return err
	}
	if err := fs.checkPerm(dir, permWrite|permExec); err != nil {
		return err
	}
	if isDir {
		if n.Kind() != KindDirectory {
			return errors.E("", errors.KindNotADirectory, "")
		}
		if n.IsRoot() || fs.GetPath(n) == fs.cwd {
			return errors.E("", errors.KindBusy, "")
		}
		return nil
	}
	if n.Kind() == KindDirectory {
		return errors.E("", errors.KindIsADirectory, "")
	}
	return nil
}

func (fs *FS) mayOpen(n *Node, flags int) error {
	switch n.Kind() {
	case KindSymlink:
		return errors.E("", errors.KindTooManySymlinks, "")
	case KindDirectory:
		if flags&O_ACCMODE != O_RDONLY || flags&O_TRUNC != 0 {
			return errors.E("", errors.KindIsADirectory, "")
		}
	}
	return fs.checkPerm(n, flagsPerm(flags))
}
