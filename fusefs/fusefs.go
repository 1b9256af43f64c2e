// Package fusefs exports a vfs.FS tree to the host through FUSE.
//
// Every FUSE inode remembers the vfs node id it was looked up as and
// resolves its current path from the node table on each call, so renames
// done inside the filesystem stay visible to the host. Calls into the
// filesystem are serialized through Options.Lock; share that lock with any
// other goroutine using the same FS.
package fusefs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
	"github.com/wippyai/wasm-vfs/vpath"
)

// Options configures the export.
type Options struct {
	// Mountpoint is the host directory. It is created when missing.
	Mountpoint string

	// Root is the exported vfs directory. Defaults to "/".
	Root string

	// AllowOther permits other host users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Lock serializes filesystem access. Defaults to a private mutex.
	Lock sync.Locker

	// Debug logs every FUSE request.
	Debug bool
}

// bridge is the state shared by every inode of one export.
type bridge struct {
	mu sync.Locker
	fs *vfs.FS
}

// Mount exports fs at the configured mountpoint. The caller must Unmount
// the returned server.
func Mount(fs *vfs.FS, opts Options) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if opts.Root == "" {
		opts.Root = "/"
	}
	if opts.Lock == nil {
		opts.Lock = &sync.Mutex{}
	}

	root, err := NewRoot(fs, opts.Root, opts.Lock)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", opts.Mountpoint, err)
	}

	timeout := time.Second
	negative := 100 * time.Millisecond
	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &timeout,
		AttrTimeout:     &timeout,
		NegativeTimeout: &negative,
		RootStableAttr:  &gofuse.StableAttr{Mode: syscall.S_IFDIR, Ino: ino(root.id)},
		MountOptions: fuse.MountOptions{
			FsName:     "wasm-vfs",
			Name:       "wasmvfs",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", opts.Mountpoint, err)
	}

	Logger().Info("filesystem exported",
		zap.String("root", opts.Root), zap.String("mountpoint", opts.Mountpoint))
	return server, nil
}

// NewRoot returns the inode for the vfs directory at path.
func NewRoot(fs *vfs.FS, path string, lock sync.Locker) (*Node, error) {
	lock.Lock()
	defer lock.Unlock()
	res, err := fs.LookupPath(path, vfs.LookupOptions{Follow: true})
	if err != nil {
		return nil, err
	}
	if res.Node.Kind() != vfs.KindDirectory {
		return nil, errors.E("export", errors.KindNotADirectory, path)
	}
	return &Node{b: &bridge{mu: lock, fs: fs}, id: res.Node.ID()}, nil
}

// Node is one exported vfs node.
type Node struct {
	gofuse.Inode
	b  *bridge
	id uint64
}

var (
	_ gofuse.InodeEmbedder  = (*Node)(nil)
	_ gofuse.NodeLookuper   = (*Node)(nil)
	_ gofuse.NodeGetattrer  = (*Node)(nil)
	_ gofuse.NodeSetattrer  = (*Node)(nil)
	_ gofuse.NodeReaddirer  = (*Node)(nil)
	_ gofuse.NodeOpener     = (*Node)(nil)
	_ gofuse.NodeCreater    = (*Node)(nil)
	_ gofuse.NodeMkdirer    = (*Node)(nil)
	_ gofuse.NodeUnlinker   = (*Node)(nil)
	_ gofuse.NodeRmdirer    = (*Node)(nil)
	_ gofuse.NodeRenamer    = (*Node)(nil)
	_ gofuse.NodeSymlinker  = (*Node)(nil)
	_ gofuse.NodeReadlinker = (*Node)(nil)
)

// ino maps a vfs node id to a FUSE inode number. Zero is reserved.
func ino(id uint64) uint64 { return id + 1 }

// path resolves the current vfs path of the node. The lock must be held.
func (n *Node) path() (string, syscall.Errno) {
	vn, ok := n.b.fs.NodeByID(n.id)
	if !ok {
		return "", syscall.ESTALE
	}
	return n.b.fs.GetPath(vn), 0
}

func (n *Node) child(name string) (string, syscall.Errno) {
	dir, e := n.path()
	if e != 0 {
		return "", e
	}
	return vpath.Join2(dir, name), 0
}

// newChild wraps the vfs node at path, filling out with its attributes.
func (n *Node) newChild(ctx context.Context, path string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	res, err := n.b.fs.LookupPath(path, vfs.LookupOptions{})
	if err != nil {
		return nil, errno(err)
	}
	st, err := n.b.fs.Lstat(path)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, st)
	id := res.Node.ID()
	child := n.NewInode(ctx, &Node{b: n.b, id: id}, gofuse.StableAttr{
		Mode: uint32(st.Mode & vfs.S_IFMT),
		Ino:  ino(id),
	})
	return child, 0
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.child(name)
	if e != 0 {
		return nil, e
	}
	return n.newChild(ctx, p, out)
}

func (n *Node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.path()
	if e != 0 {
		return e
	}
	st, err := n.b.fs.Lstat(p)
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, st)
	return 0
}

func (n *Node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.path()
	if e != 0 {
		return e
	}
	fs := n.b.fs

	if mode, ok := in.GetMode(); ok {
		if err := fs.Lchmod(p, vfs.Mode(mode).Perm()); err != nil {
			return errno(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if err := fs.Truncate(p, int64(size)); err != nil {
			return errno(err)
		}
	}
	mtime, mok := in.GetMTime()
	atime, aok := in.GetATime()
	if mok || aok {
		if !mok {
			mtime = atime
		}
		if !aok {
			atime = mtime
		}
		if err := fs.Utime(p, atime, mtime); err != nil {
			return errno(err)
		}
	}

	st, err := fs.Lstat(p)
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, st)
	return 0
}

func (n *Node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.path()
	if e != 0 {
		return nil, e
	}
	entries, err := n.b.fs.Entries(p)
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, ent := range entries {
		if ent.Name == "." || ent.Name == ".." {
			continue
		}
		out = append(out, fuse.DirEntry{
			Name: ent.Name,
			Ino:  ino(ent.Ino),
			Mode: kindMode(ent.Type),
		})
	}
	return gofuse.NewListDirStream(out), 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	vn, ok := n.b.fs.NodeByID(n.id)
	if !ok {
		return nil, 0, syscall.ESTALE
	}
	s, err := n.b.fs.OpenNode(vn, int(flags))
	if err != nil {
		return nil, 0, errno(err)
	}
	return &handle{b: n.b, s: s}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.child(name)
	if e != 0 {
		return nil, nil, 0, e
	}
	s, err := n.b.fs.Open(p, int(flags)|vfs.O_CREAT, vfs.Mode(mode).Perm())
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	child, e := n.newChild(ctx, p, out)
	if e != 0 {
		n.b.fs.Close(s)
		return nil, nil, 0, e
	}
	return child, &handle{b: n.b, s: s}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.child(name)
	if e != 0 {
		return nil, e
	}
	if err := n.b.fs.Mkdir(p, vfs.Mode(mode).Perm()); err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, p, out)
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.child(name)
	if e != 0 {
		return nil, e
	}
	if err := n.b.fs.Symlink(target, p); err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, p, out)
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.path()
	if e != 0 {
		return nil, e
	}
	target, err := n.b.fs.Readlink(p)
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.child(name)
	if e != 0 {
		return e
	}
	return errno(n.b.fs.Unlink(p))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	p, e := n.child(name)
	if e != 0 {
		return e
	}
	return errno(n.b.fs.Rmdir(p))
}

func (n *Node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	target, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	from, e := n.child(name)
	if e != 0 {
		return e
	}
	to, e := target.child(newName)
	if e != 0 {
		return e
	}
	return errno(n.b.fs.Rename(from, to))
}

// handle is an open vfs stream.
type handle struct {
	b *bridge
	s *vfs.Stream
}

var (
	_ gofuse.FileReader   = (*handle)(nil)
	_ gofuse.FileWriter   = (*handle)(nil)
	_ gofuse.FileReleaser = (*handle)(nil)
)

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	var pos *int64
	if h.s.Seekable() {
		pos = &off
	}
	n, err := h.b.fs.Read(h.s, dest, pos)
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	var pos *int64
	if h.s.Seekable() && h.s.Flags()&vfs.O_APPEND == 0 {
		pos = &off
	}
	n, err := h.b.fs.Write(h.s, data, pos)
	if err != nil {
		return 0, errno(err)
	}
	return uint32(n), 0
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	return errno(h.b.fs.Close(h.s))
}

func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	e := errors.HostErrno(err)
	if e == syscall.EIO {
		Logger().Warn("request failed", zap.Error(err))
	}
	return e
}

func fillAttr(out *fuse.Attr, st vfs.Stat) {
	out.Ino = ino(st.Ino)
	out.Mode = uint32(st.Mode)
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Blksize = uint32(st.Blksize)
	out.Nlink = st.Nlink
	out.Owner = fuse.Owner{Uid: st.UID, Gid: st.GID}
	out.Rdev = uint32(st.Rdev)
	out.SetTimes(&st.Atime, &st.Mtime, &st.Ctime)
}

func kindMode(k vfs.Kind) uint32 {
	switch k {
	case vfs.KindDirectory:
		return syscall.S_IFDIR
	case vfs.KindSymlink:
		return syscall.S_IFLNK
	case vfs.KindCharDevice:
		return syscall.S_IFCHR
	case vfs.KindSocket:
		return syscall.S_IFSOCK
	default:
		return syscall.S_IFREG
	}
}
