package vfs

import (
	"sort"

	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/errors"
)

const (
	// capacityDoublingMax is where file buffers stop doubling and grow by
	// 1/8 instead.
	capacityDoublingMax = 1024 * 1024

	// minGrowth is the smallest capacity a file buffer grows to.
	minGrowth = 256
)

// MemStore keeps the whole tree in memory. File contents live in a byte
// buffer whose length is the capacity; usedBytes marks the logical size and
// everything past it is zero.
type MemStore struct{}

// NewMemStore creates a memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Mount(m *Mount) (*Node, error) {
	root := m.fs.NewRoot(m, S_IFDIR|0o777)
	root.children = make(map[string]*Node)
	return root, nil
}

func (s *MemStore) Lookup(dir *Node, name string) (*Node, error) {
	if n, ok := dir.children[name]; ok {
		return n, nil
	}
	return nil, errors.E("lookup", errors.KindNotFound, name)
}

func (s *MemStore) CreateNode(dir *Node, name string, mode Mode, rdev device.ID) (*Node, error) {
	switch mode.Kind() {
	case KindDirectory, KindRegularFile, KindSymlink, KindCharDevice, KindSocket:
	default:
		return nil, errors.New("mknod", errors.KindNotPermitted).Detail("unsupported mode %#o", mode).Build()
	}

	fs := dir.mount.fs
	n := fs.NewNode(dir, name, mode, rdev)
	if n.Kind() == KindDirectory {
		n.children = make(map[string]*Node)
	}
	dir.children[name] = n
	dir.timestamp = n.timestamp
	return n, nil
}

func (s *MemStore) Rename(node, newDir *Node, newName string) error {
	if node.Kind() == KindDirectory {
		if existing, ok := newDir.children[newName]; ok && len(existing.children) > 0 {
			return errors.E("rename", errors.KindDirectoryNotEmpty, newName)
		}
	}

	fs := node.mount.fs
	oldDir := fs.nodes.mustGet(node.parentID)
	now := fs.now()

	delete(oldDir.children, node.name)
	oldDir.timestamp = now

	node.name = newName
	node.parentID = newDir.id
	newDir.children[newName] = node
	newDir.timestamp = now
	return nil
}

func (s *MemStore) Unlink(dir *Node, name string) error {
	delete(dir.children, name)
	dir.timestamp = dir.mount.fs.now()
	return nil
}

func (s *MemStore) Rmdir(dir *Node, name string) error {
	n, ok := dir.children[name]
	if !ok {
		return errors.E("rmdir", errors.KindNotFound, name)
	}
	if len(n.children) > 0 {
		return errors.E("rmdir", errors.KindDirectoryNotEmpty, name)
	}
	delete(dir.children, name)
	dir.timestamp = dir.mount.fs.now()
	return nil
}

func (s *MemStore) Readdir(dir *Node) ([]string, error) {
	names := make([]string, 0, len(dir.children)+2)
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{".", ".."}, names...), nil
}

func (s *MemStore) Symlink(dir *Node, name, target string) (*Node, error) {
	n, err := s.CreateNode(dir, name, S_IFLNK|0o777, 0)
	if err != nil {
		return nil, err
	}
	n.target = target
	return n, nil
}

func (s *MemStore) Readlink(node *Node) (string, error) {
	if node.Kind() != KindSymlink {
		return "", errors.E("readlink", errors.KindInvalidArgument, node.name)
	}
	return node.target, nil
}

func (s *MemStore) Getattr(node *Node) (Stat, error) {
	return BaseStat(node), nil
}

func (s *MemStore) SetAttr(node *Node, attr Attr) error {
	if attr.Mode != nil {
		node.mode = *attr.Mode
	}
	if attr.Timestamp != nil {
		node.timestamp = *attr.Timestamp
	}
	if attr.Size != nil {
		resizeFileStorage(node, int(*attr.Size))
	}
	return nil
}

func (s *MemStore) Read(node *Node, dst []byte, position int64) (int, error) {
	if position >= int64(node.usedBytes) {
		return 0, nil
	}
	return copy(dst, node.contents[position:node.usedBytes]), nil
}

func (s *MemStore) Write(node *Node, src []byte, position int64) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	end := position + int64(len(src))
	if end > maxFileSize {
		return 0, errors.E("write", errors.KindOutOfMemory, node.name)
	}

	node.timestamp = node.mount.fs.now()
	expandFileStorage(node, int(end))
	copy(node.contents[position:], src)
	node.usedBytes = max(node.usedBytes, int(end))
	return len(src), nil
}

func (s *MemStore) Allocate(node *Node, offset, length int64) error {
	end := offset + length
	if end > maxFileSize {
		return errors.E("allocate", errors.KindOutOfMemory, node.name)
	}
	expandFileStorage(node, int(end))
	node.usedBytes = max(node.usedBytes, int(end))
	return nil
}

// maxFileSize caps a single file buffer.
const maxFileSize int64 = 1 << 31

// expandFileStorage makes the capacity at least required. Capacity grows
// geometrically: doubling below 1MiB, by 1/8 above, never below 256 bytes.
// Only the used prefix is copied.
func expandFileStorage(node *Node, required int) {
	prev := len(node.contents)
	if prev >= required {
		return
	}
	factor := 2.0
	if prev >= capacityDoublingMax {
		factor = 1.125
	}
	capacity := max(required, int(float64(prev)*factor), minGrowth)

	contents := make([]byte, capacity)
	copy(contents, node.contents[:node.usedBytes])
	node.contents = contents
}

// resizeFileStorage sets the logical size. Zero drops the buffer. Growing
// past capacity reallocates to exactly size; shrinking zeroes the cut tail
// and keeps the capacity.
func resizeFileStorage(node *Node, size int) {
	if node.usedBytes == size {
		return
	}
	switch {
	case size == 0:
		node.contents = nil
	case size > len(node.contents):
		contents := make([]byte, size)
		copy(contents, node.contents[:node.usedBytes])
		node.contents = contents
	case size < node.usedBytes:
		clear(node.contents[size:node.usedBytes])
	}
	node.usedBytes = size
}
