package vfs

import (
	"time"

	"github.com/wippyai/wasm-vfs/device"
)

// Mode holds file type and permission bits.
type Mode uint32

// File type bits.
const (
	S_IFMT   Mode = 0o170000
	S_IFSOCK Mode = 0o140000
	S_IFLNK  Mode = 0o120000
	S_IFREG  Mode = 0o100000
	S_IFDIR  Mode = 0o040000
	S_IFCHR  Mode = 0o020000
	S_IFIFO  Mode = 0o010000

	PermMask Mode = 0o7777
)

// Kind is the node variant.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDirectory
	KindRegularFile
	KindSymlink
	KindCharDevice
	KindSocket
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindRegularFile:
		return "regular"
	case KindSymlink:
		return "symlink"
	case KindCharDevice:
		return "character-device"
	case KindSocket:
		return "socket"
	}
	return "unknown"
}

// Kind returns the variant encoded in the type bits.
func (m Mode) Kind() Kind {
	switch m & S_IFMT {
	case S_IFDIR:
		return KindDirectory
	case S_IFREG:
		return KindRegularFile
	case S_IFLNK:
		return KindSymlink
	case S_IFCHR:
		return KindCharDevice
	case S_IFSOCK:
		return KindSocket
	}
	return KindUnknown
}

// Perm returns the permission bits.
func (m Mode) Perm() Mode { return m & PermMask }

// Node is a filesystem object. Parents are referenced by id; a node whose
// parent id equals its own id is the root of its mount.
type Node struct {
	mount     *Mount
	mounted   *Mount
	next      *Node
	owner     any
	timestamp time.Time
	name      string
	target    string
	children  map[string]*Node
	contents  []byte
	id        uint64
	parentID  uint64
	usedBytes int
	mode      Mode
	rdev      device.ID
}

func (n *Node) ID() uint64           { return n.id }
func (n *Node) ParentID() uint64     { return n.parentID }
func (n *Node) Name() string         { return n.name }
func (n *Node) Mode() Mode           { return n.mode }
func (n *Node) Kind() Kind           { return n.mode.Kind() }
func (n *Node) Rdev() device.ID      { return n.rdev }
func (n *Node) Mount() *Mount        { return n.mount }
func (n *Node) Mounted() *Mount      { return n.mounted }
func (n *Node) Timestamp() time.Time { return n.timestamp }

// IsRoot reports whether n is the root of its mount.
func (n *Node) IsRoot() bool { return n.parentID == n.id }

// IsMountpoint reports whether another mount is attached at n.
func (n *Node) IsMountpoint() bool { return n.mounted != nil }

// Owner returns the value attached by the store or socket layer.
func (n *Node) Owner() any { return n.owner }

// SetOwner attaches a store- or layer-specific value.
func (n *Node) SetOwner(v any) { n.owner = v }

// Target returns the link target of a symlink node.
func (n *Node) Target() string { return n.target }

// Size returns the number of used bytes of a regular file.
func (n *Node) Size() int { return n.usedBytes }

// Capacity returns the allocated size of a regular file's buffer.
func (n *Node) Capacity() int { return len(n.contents) }

// Mount is a backing store attached at a path.
type Mount struct {
	fs         *FS
	store      Store
	root       *Node
	syncer     Syncer
	mountpoint string
	mounts     []*Mount
}

func (m *Mount) FS() *FS              { return m.fs }
func (m *Mount) Store() Store         { return m.store }
func (m *Mount) Root() *Node          { return m.root }
func (m *Mount) Mountpoint() string   { return m.mountpoint }
func (m *Mount) Syncer() Syncer       { return m.syncer }
func (m *Mount) Children() []*Mount   { return m.mounts }
func (m *Mount) isPseudo() bool       { return m.mountpoint == "" }
func (m *Mount) addChild(c *Mount)    { m.mounts = append(m.mounts, c) }
func (m *Mount) removeChild(c *Mount) { m.mounts = removeMount(m.mounts, c) }

func removeMount(list []*Mount, m *Mount) []*Mount {
	for i, c := range list {
		if c == m {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// all returns m and every mount nested under it, depth first.
func (m *Mount) all() []*Mount {
	out := []*Mount{m}
	for _, c := range m.mounts {
		out = append(out, c.all()...)
	}
	return out
}

// MountOption configures a mount.
type MountOption func(*Mount)

// WithSyncer attaches a durable sync target to the mount.
func WithSyncer(s Syncer) MountOption {
	return func(m *Mount) { m.syncer = s }
}

// SetSyncer replaces the sync target of an existing mount, such as the
// root mount created by New.
func (m *Mount) SetSyncer(s Syncer) { m.syncer = s }
