package vfs

import (
	"context"
	"time"

	"github.com/wippyai/wasm-vfs/device"
)

// Store is a backing store that a mount delegates node and byte-level
// operations to. Stores create nodes through FS.NewNode so they are indexed
// by the node table. Operations a store does not support return an error of
// kind NotPermitted.
type Store interface {
	// Mount creates the root node of a new mount.
	Mount(m *Mount) (*Node, error)

	// Lookup is consulted when the node table has no entry for name.
	Lookup(dir *Node, name string) (*Node, error)

	CreateNode(dir *Node, name string, mode Mode, rdev device.ID) (*Node, error)
	Rename(node, newDir *Node, newName string) error
	Unlink(dir *Node, name string) error
	Rmdir(dir *Node, name string) error
	Readdir(dir *Node) ([]string, error)
	Symlink(dir *Node, name, target string) (*Node, error)
	Readlink(node *Node) (string, error)
	Getattr(node *Node) (Stat, error)
	SetAttr(node *Node, attr Attr) error

	Read(node *Node, dst []byte, position int64) (int, error)
	Write(node *Node, src []byte, position int64) (int, error)
	Allocate(node *Node, offset, length int64) error
}

// Attr lists the attributes SetAttr changes. Nil fields are left alone.
type Attr struct {
	Mode      *Mode
	Timestamp *time.Time
	Size      *int64
}

// Syncer flushes a mount to durable storage or populates it from there.
type Syncer interface {
	Sync(ctx context.Context, fs *FS, m *Mount, populate bool) error
}

// Stat is the attribute record of a node.
type Stat struct {
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Dev     uint64
	Ino     uint64
	Size    int64
	Blksize int64
	Blocks  int64
	Mode    Mode
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    device.ID
}

// DirEntry is one record returned by Getdents.
type DirEntry struct {
	Name string
	Ino  uint64
	Type Kind
}

// BaseStat derives a Stat from the node's own fields. Directories report
// 4096 bytes, regular files their used bytes and symlinks the target
// length.
func BaseStat(n *Node) Stat {
	st := Stat{
		Dev:     1,
		Ino:     n.id,
		Mode:    n.mode,
		Nlink:   1,
		Rdev:    n.rdev,
		Atime:   n.timestamp,
		Mtime:   n.timestamp,
		Ctime:   n.timestamp,
		Blksize: BlockSize,
	}
	switch n.Kind() {
	case KindDirectory:
		st.Size = BlockSize
	case KindRegularFile:
		st.Size = int64(n.usedBytes)
	case KindSymlink:
		st.Size = int64(len(n.target))
	case KindCharDevice:
		st.Dev = n.id
	}
	st.Blocks = (st.Size + BlockSize - 1) / BlockSize
	return st
}
