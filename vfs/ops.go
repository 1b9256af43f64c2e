package vfs

import (
	"io"
	"strings"
	"time"

	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vpath"
)

// parentOf resolves the directory that holds the final segment of path.
func (fs *FS) parentOf(op, path string) (*Node, string, error) {
	res, err := fs.LookupPath(path, LookupOptions{Parent: true})
	if err != nil {
		return nil, "", errors.WithOp(err, op, path)
	}
	return res.Node, vpath.Base(path), nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

// Mknod creates a node of any supported type at path.
func (fs *FS) Mknod(path string, mode Mode, dev device.ID) (*Node, error) {
	const op = "mknod"
	dir, name, err := fs.parentOf(op, path)
	if err != nil {
		return nil, err
	}
	if name == "/" {
		return nil, errors.E(op, errors.KindAlreadyExists, path)
	}
	if !validName(name) {
		return nil, errors.E(op, errors.KindInvalidArgument, path)
	}
	if err := fs.mayCreate(dir, name); err != nil {
		return nil, errors.WithOp(err, op, path)
	}
	n, err := dir.mount.store.CreateNode(dir, name, mode&^fs.umask, dev)
	if err != nil {
		return nil, errors.WithOp(err, op, path)
	}
	return n, nil
}

// Create creates a regular file.
func (fs *FS) Create(path string, perm Mode) (*Node, error) {
	return fs.Mknod(path, perm&PermMask|S_IFREG, 0)
}

// Mkdir creates a directory.
func (fs *FS) Mkdir(path string, perm Mode) error {
	_, err := fs.Mknod(path, perm&PermMask|S_IFDIR, 0)
	return err
}

// MkdirAll creates path and any missing parents. Existing directories along
// the way are accepted.
func (fs *FS) MkdirAll(path string, perm Mode) error {
	path = fs.Resolve(path)
	cur := ""
	for _, part := range vpath.Split(path) {
		cur += "/" + part
		err := fs.Mkdir(cur, perm)
		if err == nil {
			continue
		}
		if !errors.IsKind(err, errors.KindAlreadyExists) {
			return err
		}
		st, serr := fs.Stat(cur)
		if serr != nil {
			return serr
		}
		if st.Mode.Kind() != KindDirectory {
			return errors.E("mkdir", errors.KindNotADirectory, cur)
		}
	}
	return nil
}

// Mkdev creates a character device node bound to dev.
func (fs *FS) Mkdev(path string, perm Mode, dev device.ID) error {
	_, err := fs.Mknod(path, perm&PermMask|S_IFCHR, dev)
	return err
}

// Symlink creates linkpath pointing at target. The target is stored as is.
func (fs *FS) Symlink(target, linkpath string) error {
	const op = "symlink"
	dir, name, err := fs.parentOf(op, linkpath)
	if err != nil {
		return err
	}
	if !validName(name) {
		return errors.E(op, errors.KindInvalidArgument, linkpath)
	}
	if err := fs.mayCreate(dir, name); err != nil {
		return errors.WithOp(err, op, linkpath)
	}
	if _, err := dir.mount.store.Symlink(dir, name, target); err != nil {
		return errors.WithOp(err, op, linkpath)
	}
	return nil
}

// Rename moves oldPath to newPath, replacing a compatible node at newPath.
func (fs *FS) Rename(oldPath, newPath string) error {
	const op = "rename"
	oldDir, oldName, err := fs.parentOf(op, oldPath)
	if err != nil {
		return err
	}
	newDir, newName, err := fs.parentOf(op, newPath)
	if err != nil {
		return err
	}
	if oldName == "/" || newName == "/" {
		return errors.E(op, errors.KindBusy, oldPath)
	}
	if !validName(oldName) || !validName(newName) {
		return errors.E(op, errors.KindInvalidArgument, oldPath)
	}
	if oldDir.mount != newDir.mount {
		return errors.E(op, errors.KindCrossDevice, newPath)
	}

	old, err := fs.lookupNode(oldDir, oldName)
	if err != nil {
		return errors.WithOp(err, op, oldPath)
	}

	// Checked on nodes: newPath may reach old's subtree through a symlink.
	if fs.isAncestor(old, newDir) {
		return errors.New(op, errors.KindInvalidArgument).Path(oldPath).
			Detail("cannot move into own subtree %s", newPath).Build()
	}

	existing, err := fs.lookupNode(newDir, newName)
	switch {
	case err == nil:
	case errors.IsKind(err, errors.KindNotFound):
		existing = nil
	default:
		return errors.WithOp(err, op, newPath)
	}
	if existing == old {
		return nil
	}
	if existing != nil && fs.isAncestor(existing, oldDir) {
		return errors.E(op, errors.KindDirectoryNotEmpty, newPath)
	}

	isDir := old.Kind() == KindDirectory
	if err := fs.mayDelete(oldDir, oldName, isDir); err != nil {
		return errors.WithOp(err, op, oldPath)
	}
	if existing != nil {
		err = fs.mayDelete(newDir, newName, isDir)
	} else {
		err = fs.mayCreate(newDir, newName)
	}
	if err != nil {
		return errors.WithOp(err, op, newPath)
	}
	if old.IsMountpoint() || existing != nil && existing.IsMountpoint() {
		return errors.E(op, errors.KindBusy, oldPath)
	}
	if newDir != oldDir {
		if err := fs.checkPerm(oldDir, permWrite); err != nil {
			return errors.WithOp(err, op, oldPath)
		}
	}

	fs.nodes.remove(old)
	err = oldDir.mount.store.Rename(old, newDir, newName)
	if err == nil {
		if existing != nil {
			fs.destroyNode(existing)
		}
		old.parentID = newDir.id
	}
	fs.nodes.insert(old)
	if err != nil {
		return errors.WithOp(err, op, oldPath)
	}
	return nil
}

// isAncestor reports whether anc is n or one of its parents within n's
// mount.
func (fs *FS) isAncestor(anc, n *Node) bool {
	for {
		if n == anc {
			return true
		}
		if n.IsRoot() {
			return false
		}
		n = fs.Parent(n)
	}
}

// Rmdir removes an empty directory.
func (fs *FS) Rmdir(path string) error {
	const op = "rmdir"
	dir, name, err := fs.parentOf(op, path)
	if err != nil {
		return err
	}
	if name == "/" {
		return errors.E(op, errors.KindBusy, path)
	}
	n, err := fs.lookupNode(dir, name)
	if err != nil {
		return errors.WithOp(err, op, path)
	}
	if err := fs.mayDelete(dir, name, true); err != nil {
		return errors.WithOp(err, op, path)
	}
	if n.IsMountpoint() {
		return errors.E(op, errors.KindBusy, path)
	}
	if err := dir.mount.store.Rmdir(dir, name); err != nil {
		return errors.WithOp(err, op, path)
	}
	fs.destroyNode(n)
	return nil
}

// Unlink removes a non-directory.
func (fs *FS) Unlink(path string) error {
	const op = "unlink"
	dir, name, err := fs.parentOf(op, path)
	if err != nil {
		return err
	}
	if name == "/" {
		return errors.E(op, errors.KindIsADirectory, path)
	}
	n, err := fs.lookupNode(dir, name)
	if err != nil {
		return errors.WithOp(err, op, path)
	}
	if err := fs.mayDelete(dir, name, false); err != nil {
		return errors.WithOp(err, op, path)
	}
	if n.IsMountpoint() {
		return errors.E(op, errors.KindBusy, path)
	}
	if err := dir.mount.store.Unlink(dir, name); err != nil {
		return errors.WithOp(err, op, path)
	}
	fs.destroyNode(n)
	return nil
}

// Readdir lists the names in a directory, "." and ".." first.
func (fs *FS) Readdir(path string) ([]string, error) {
	const op = "readdir"
	res, err := fs.LookupPath(path, LookupOptions{Follow: true})
	if err != nil {
		return nil, errors.WithOp(err, op, path)
	}
	if res.Node.Kind() != KindDirectory {
		return nil, errors.E(op, errors.KindNotADirectory, path)
	}
	names, err := res.Node.mount.store.Readdir(res.Node)
	if err != nil {
		return nil, errors.WithOp(err, op, path)
	}
	return names, nil
}

// Entries lists a directory with inode numbers and type tags.
func (fs *FS) Entries(path string) ([]DirEntry, error) {
	const op = "readdir"
	res, err := fs.LookupPath(path, LookupOptions{Follow: true})
	if err != nil {
		return nil, errors.WithOp(err, op, path)
	}
	entries, err := fs.dirEntries(res.Node)
	if err != nil {
		return nil, errors.WithOp(err, op, path)
	}
	return entries, nil
}

func (fs *FS) dirEntries(dir *Node) ([]DirEntry, error) {
	if dir.Kind() != KindDirectory {
		return nil, errors.E("", errors.KindNotADirectory, "")
	}
	names, err := dir.mount.store.Readdir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(names))
	for _, name := range names {
		var n *Node
		switch name {
		case ".":
			n = dir
		case "..":
			n = fs.Parent(dir)
		default:
			n, err = fs.lookupNode(dir, name)
			if err != nil {
				continue
			}
		}
		out = append(out, DirEntry{Name: name, Ino: n.id, Type: n.Kind()})
	}
	return out, nil
}

// Readlink returns the target of the symlink at path.
func (fs *FS) Readlink(path string) (string, error) {
	const op = "readlink"
	res, err := fs.LookupPath(path, LookupOptions{})
	if err != nil {
		return "", errors.WithOp(err, op, path)
	}
	if res.Node.Kind() != KindSymlink {
		return "", errors.E(op, errors.KindInvalidArgument, path)
	}
	target, err := res.Node.mount.store.Readlink(res.Node)
	if err != nil {
		return "", errors.WithOp(err, op, path)
	}
	return target, nil
}

func (fs *FS) lookupFollow(op, path string, follow bool) (*Node, error) {
	res, err := fs.LookupPath(path, LookupOptions{Follow: follow})
	if err != nil {
		return nil, errors.WithOp(err, op, path)
	}
	return res.Node, nil
}

// Stat returns the attributes of path, following a final symlink.
func (fs *FS) Stat(path string) (Stat, error) {
	return fs.stat("stat", path, true)
}

// Lstat returns the attributes of path itself.
func (fs *FS) Lstat(path string) (Stat, error) {
	return fs.stat("lstat", path, false)
}

func (fs *FS) stat(op, path string, follow bool) (Stat, error) {
	n, err := fs.lookupFollow(op, path, follow)
	if err != nil {
		return Stat{}, err
	}
	st, err := n.mount.store.Getattr(n)
	if err != nil {
		return Stat{}, errors.WithOp(err, op, path)
	}
	return st, nil
}

// Fstat returns the attributes of the node behind s.
func (fs *FS) Fstat(s *Stream) (Stat, error) {
	if s.closed {
		return Stat{}, errors.E("fstat", errors.KindBadFileDescriptor, s.path)
	}
	st, err := s.node.mount.store.Getattr(s.node)
	if err != nil {
		return Stat{}, errors.WithOp(err, "fstat", s.path)
	}
	return st, nil
}

func (fs *FS) setattr(op, path string, n *Node, attr Attr) error {
	if err := n.mount.store.SetAttr(n, attr); err != nil {
		return errors.WithOp(err, op, path)
	}
	return nil
}

func (fs *FS) chmodNode(op, path string, n *Node, mode Mode) error {
	m := n.mode&^PermMask | mode&PermMask
	now := fs.now()
	return fs.setattr(op, path, n, Attr{Mode: &m, Timestamp: &now})
}

// Chmod changes the permission bits of path.
func (fs *FS) Chmod(path string, mode Mode) error {
	n, err := fs.lookupFollow("chmod", path, true)
	if err != nil {
		return err
	}
	return fs.chmodNode("chmod", path, n, mode)
}

// Lchmod changes the permission bits without following a final symlink.
func (fs *FS) Lchmod(path string, mode Mode) error {
	n, err := fs.lookupFollow("lchmod", path, false)
	if err != nil {
		return err
	}
	return fs.chmodNode("lchmod", path, n, mode)
}

// Fchmod changes the permission bits of the node behind s.
func (fs *FS) Fchmod(s *Stream, mode Mode) error {
	if s.closed {
		return errors.E("fchmod", errors.KindBadFileDescriptor, s.path)
	}
	return fs.chmodNode("fchmod", s.path, s.node, mode)
}

// Chown records an ownership change. Owners are not tracked; only the
// timestamp moves.
func (fs *FS) Chown(path string, uid, gid int) error {
	n, err := fs.lookupFollow("chown", path, true)
	if err != nil {
		return err
	}
	return fs.touch("chown", path, n)
}

// Lchown is Chown without following a final symlink.
func (fs *FS) Lchown(path string, uid, gid int) error {
	n, err := fs.lookupFollow("lchown", path, false)
	if err != nil {
		return err
	}
	return fs.touch("lchown", path, n)
}

// Fchown is Chown on the node behind s.
func (fs *FS) Fchown(s *Stream, uid, gid int) error {
	if s.closed {
		return errors.E("fchown", errors.KindBadFileDescriptor, s.path)
	}
	return fs.touch("fchown", s.path, s.node)
}

func (fs *FS) touch(op, path string, n *Node) error {
	now := fs.now()
	return fs.setattr(op, path, n, Attr{Timestamp: &now})
}

// Truncate sets the size of the regular file at path.
func (fs *FS) Truncate(path string, size int64) error {
	const op = "truncate"
	if size < 0 {
		return errors.E(op, errors.KindInvalidArgument, path)
	}
	n, err := fs.lookupFollow(op, path, true)
	if err != nil {
		return err
	}
	if err := fs.checkPerm(n, permWrite); err != nil {
		return errors.WithOp(err, op, path)
	}
	return fs.truncateNode(op, path, n, size)
}

// Ftruncate sets the size of the file behind a writable stream.
func (fs *FS) Ftruncate(s *Stream, size int64) error {
	const op = "ftruncate"
	if s.closed {
		return errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	if size < 0 || s.shared.flags&O_ACCMODE == O_RDONLY {
		return errors.E(op, errors.KindInvalidArgument, s.path)
	}
	return fs.truncateNode(op, s.path, s.node, size)
}

func (fs *FS) truncateNode(op, path string, n *Node, size int64) error {
	switch n.Kind() {
	case KindRegularFile:
	case KindDirectory:
		return errors.E(op, errors.KindIsADirectory, path)
	default:
		return errors.E(op, errors.KindInvalidArgument, path)
	}
	now := fs.now()
	return fs.setattr(op, path, n, Attr{Size: &size, Timestamp: &now})
}

// Utime sets the node timestamp to the later of atime and mtime.
func (fs *FS) Utime(path string, atime, mtime time.Time) error {
	n, err := fs.lookupFollow("utime", path, true)
	if err != nil {
		return err
	}
	ts := mtime
	if atime.After(mtime) {
		ts = atime
	}
	return fs.setattr("utime", path, n, Attr{Timestamp: &ts})
}

// Access checks that path exists and, when permissions are enforced, that
// the R_OK, W_OK and X_OK bits in mode are granted.
func (fs *FS) Access(path string, mode int) error {
	const op = "access"
	if mode&^(R_OK|W_OK|X_OK) != 0 {
		return errors.E(op, errors.KindInvalidArgument, path)
	}
	n, err := fs.lookupFollow(op, path, true)
	if err != nil {
		return err
	}
	var want perm
	if mode&R_OK != 0 {
		want |= permRead
	}
	if mode&W_OK != 0 {
		want |= permWrite
	}
	if mode&X_OK != 0 {
		want |= permExec
	}
	if err := fs.checkPerm(n, want); err != nil {
		return errors.WithOp(err, op, path)
	}
	return nil
}

// ReadFile returns the whole contents of path.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	s, err := fs.Open(path, O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer fs.Close(s)

	st, err := fs.Fstat(s)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	off := 0
	for off < len(buf) {
		n, err := fs.Read(s, buf[off:], nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		off += n
	}
	return buf[:off], nil
}

// WriteFile replaces the contents of path, creating it with perm.
func (fs *FS) WriteFile(path string, data []byte, perm Mode) error {
	s, err := fs.Open(path, O_WRONLY|O_CREAT|O_TRUNC, perm)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		n, err := fs.Write(s, data, nil)
		if err != nil {
			fs.Close(s)
			return err
		}
		if n == 0 {
			fs.Close(s)
			return errors.Wrap("write", errors.KindIO, io.ErrShortWrite, path)
		}
		data = data[n:]
	}
	return fs.Close(s)
}
