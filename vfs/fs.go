package vfs

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	wasmvfs "github.com/wippyai/wasm-vfs"
	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/memory"
	"github.com/wippyai/wasm-vfs/resource"
	"github.com/wippyai/wasm-vfs/vpath"
)

// DefaultArenaSize is the size of the host arena used for mmap when no
// memory is supplied.
const DefaultArenaSize = 16 << 20

// Options configures a filesystem.
type Options struct {
	// RootStore backs "/". Defaults to a MemStore.
	RootStore Store

	// Devices overrides the device registry. When nil a registry with the
	// built-in devices wired to Stdio is created.
	Devices *device.Registry

	// Memory receives mmap'd regions. Defaults to a host arena.
	Memory wasmvfs.MappedMemory

	// Now supplies timestamps. Defaults to time.Now.
	Now func() time.Time

	Stdio device.Stdio

	// Cwd is the initial working directory. Defaults to "/".
	Cwd string

	// MaxOpenFDs is the largest descriptor number. Defaults to 4096.
	MaxOpenFDs int

	// Umask clears permission bits of newly created nodes. It applies after
	// the default tree is built.
	Umask Mode

	// EnforcePermissions turns on mode-bit checks. They are bypassed by
	// default.
	EnforcePermissions bool

	// Bare skips the default directories, devices and standard streams.
	Bare bool
}

// FS is a filesystem instance. It is not safe for concurrent use.
type FS struct {
	nodes       *nodeTable
	root        *Node
	rootMount   *Mount
	pseudoMount *Mount
	streams     *resource.Table[*Stream]
	devices     *device.Registry
	memory      wasmvfs.MappedMemory
	now         func() time.Time
	cwd         string
	umask       Mode
	enforce     bool
}

// New creates a filesystem with its root mount.
func New(opts Options) (*FS, error) {
	if opts.MaxOpenFDs <= 0 {
		opts.MaxOpenFDs = DefaultMaxOpenFDs
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RootStore == nil {
		opts.RootStore = NewMemStore()
	}
	if opts.Devices == nil {
		opts.Devices = device.NewRegistry()
		opts.Devices.RegisterDefaults(opts.Stdio)
	}

	fs := &FS{
		nodes:   newNodeTable(),
		streams: resource.NewTable[*Stream](resource.Handle(opts.MaxOpenFDs)),
		devices: opts.Devices,
		memory:  opts.Memory,
		now:     opts.Now,
		cwd:     "/",
		enforce: opts.EnforcePermissions,
	}
	fs.streams.Subscribe(resource.ObserverFunc(func(e resource.Event) {
		s, _ := e.Value.(*Stream)
		if s == nil {
			return
		}
		Logger().Debug("stream "+e.Type.String(), zap.Int("fd", int(e.Handle)), zap.String("path", s.path))
	}))

	if _, err := fs.Mount(opts.RootStore, "/"); err != nil {
		return nil, err
	}

	if !opts.Bare {
		if err := fs.createDefaults(); err != nil {
			return nil, fmt.Errorf("create default tree: %w", err)
		}
	}

	if opts.Cwd != "" && opts.Cwd != "/" {
		if err := fs.MkdirAll(opts.Cwd, 0o777); err != nil {
			return nil, err
		}
		if err := fs.Chdir(opts.Cwd); err != nil {
			return nil, err
		}
	}
	fs.umask = opts.Umask & 0o777
	return fs, nil
}

// Umask sets the creation mask and returns the previous one.
func (fs *FS) Umask(mask Mode) Mode {
	old := fs.umask
	fs.umask = mask & 0o777
	return old
}

func (fs *FS) createDefaults() error {
	for _, dir := range []string{"/tmp", "/home", "/home/web_user", "/dev", "/dev/shm", "/dev/shm/tmp", "/proc", "/proc/self", "/proc/self/fd"} {
		if err := fs.Mkdir(dir, 0o777); err != nil {
			return err
		}
	}
	for _, d := range device.DefaultNodes {
		if err := fs.Mkdev("/dev/"+d.Name, 0o666, d.ID); err != nil {
			return err
		}
	}
	if _, err := fs.Mount(&fdStore{fs: fs}, "/proc/self/fd"); err != nil {
		return err
	}

	links := [][2]string{
		{"/dev/tty", "/dev/stdin"},
		{"/dev/tty", "/dev/stdout"},
		{"/dev/tty1", "/dev/stderr"},
	}
	for _, l := range links {
		if err := fs.Symlink(l[0], l[1]); err != nil {
			return err
		}
	}

	std := []struct {
		path  string
		flags int
	}{
		{"/dev/stdin", O_RDONLY},
		{"/dev/stdout", O_WRONLY},
		{"/dev/stderr", O_WRONLY},
	}
	for want, s := range std {
		stream, err := fs.Open(s.path, s.flags, 0)
		if err != nil {
			return err
		}
		if stream.FD() != want {
			return fmt.Errorf("standard stream %s opened as fd %d", s.path, stream.FD())
		}
	}
	return nil
}

// Devices returns the device registry.
func (fs *FS) Devices() *device.Registry {
	return fs.devices
}

// Root returns the root node.
func (fs *FS) Root() *Node {
	return fs.root
}

// RootMount returns the mount at "/".
func (fs *FS) RootMount() *Mount {
	return fs.rootMount
}

// NodeCount returns the number of nodes reachable by id.
func (fs *FS) NodeCount() int {
	return fs.nodes.len()
}

// NodeByID returns a live node.
func (fs *FS) NodeByID(id uint64) (*Node, bool) {
	return fs.nodes.get(id)
}

// Parent returns the parent of n, or n itself for a mount root.
func (fs *FS) Parent(n *Node) *Node {
	if n.IsRoot() {
		return n
	}
	return fs.nodes.mustGet(n.parentID)
}

// NewRoot creates the self-parented root node of mount m.
func (fs *FS) NewRoot(m *Mount, mode Mode) *Node {
	id := fs.nodes.allocID()
	n := &Node{
		id:        id,
		parentID:  id,
		name:      "/",
		mode:      mode,
		mount:     m,
		timestamp: fs.now(),
	}
	fs.nodes.register(n)
	return n
}

// NewNode creates a node under parent and indexes it. Stores call this
// from CreateNode; the caller links it into its own directory structure.
func (fs *FS) NewNode(parent *Node, name string, mode Mode, rdev device.ID) *Node {
	n := &Node{
		id:        fs.nodes.allocID(),
		parentID:  parent.id,
		name:      name,
		mode:      mode,
		rdev:      rdev,
		mount:     parent.mount,
		timestamp: fs.now(),
	}
	fs.nodes.register(n)
	fs.nodes.insert(n)
	return n
}

// detachedNode creates a node that is neither indexed nor reachable by id.
func (fs *FS) detachedNode(parent *Node, name string, mode Mode) *Node {
	return &Node{
		id:        fs.nodes.allocID(),
		parentID:  parent.id,
		name:      name,
		mode:      mode,
		mount:     parent.mount,
		timestamp: fs.now(),
	}
}

// destroyNode drops n from the node table.
func (fs *FS) destroyNode(n *Node) {
	fs.nodes.remove(n)
	fs.nodes.unregister(n)
}

// NewSocketNode creates an anonymous socket node owned by owner. It is not
// reachable by path.
func (fs *FS) NewSocketNode(owner any) *Node {
	if fs.pseudoMount == nil {
		m := &Mount{fs: fs, store: NewMemStore()}
		root, _ := m.store.Mount(m)
		m.root = root
		fs.pseudoMount = m
	}
	root := fs.pseudoMount.root
	id := fs.nodes.nextID
	n := fs.NewNode(root, fmt.Sprintf("socket:[%d]", id), S_IFSOCK|0o777, 0)
	n.owner = owner
	return n
}

// DestroyNode removes a node created by NewSocketNode.
func (fs *FS) DestroyNode(n *Node) {
	fs.destroyNode(n)
}

// GetPath returns the absolute path of n, following mount roots back to
// their mountpoints. Anonymous nodes return their bare name.
func (fs *FS) GetPath(n *Node) string {
	path := ""
	for {
		if n.IsRoot() {
			mp := n.mount.mountpoint
			if n.mount.isPseudo() {
				return path
			}
			if path == "" {
				return mp
			}
			if mp[len(mp)-1] != '/' {
				return mp + "/" + path
			}
			return mp + path
		}
		if path == "" {
			path = n.name
		} else {
			path = n.name + "/" + path
		}
		n = fs.Parent(n)
	}
}

// Cwd returns the working directory.
func (fs *FS) Cwd() string {
	return fs.cwd
}

// Chdir changes the working directory.
func (fs *FS) Chdir(path string) error {
	const op = "chdir"
	res, err := fs.LookupPath(path, LookupOptions{Follow: true})
	if err != nil {
		return errors.WithOp(err, op, path)
	}
	if res.Node.Kind() != KindDirectory {
		return errors.E(op, errors.KindNotADirectory, path)
	}
	if err := fs.checkPerm(res.Node, permExec); err != nil {
		return errors.WithOp(err, op, path)
	}
	fs.cwd = res.Path
	return nil
}

// Resolve resolves path against the working directory.
func (fs *FS) Resolve(path string) string {
	return vpath.Resolve(fs.cwd, path)
}

// CloseAll closes every open stream.
func (fs *FS) CloseAll() error {
	var firstErr error
	for _, h := range fs.streams.Handles() {
		s, ok := fs.streams.Get(h)
		if !ok {
			continue
		}
		if err := fs.Close(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (fs *FS) mapping() (wasmvfs.MappedMemory, error) {
	if fs.memory == nil {
		fs.memory = memory.NewArena(DefaultArenaSize)
	}
	return fs.memory, nil
}
