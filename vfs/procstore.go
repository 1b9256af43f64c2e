package vfs

import (
	"strconv"

	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/resource"
)

// fdStore backs /proc/self/fd. Entries are never stored: each lookup
// builds a detached symlink node pointing at the stream's path, so closed
// descriptors vanish immediately.
type fdStore struct {
	fs *FS
}

var _ Store = (*fdStore)(nil)

func (s *fdStore) Mount(m *Mount) (*Node, error) {
	return m.fs.NewRoot(m, S_IFDIR|0o555), nil
}

func (s *fdStore) Lookup(dir *Node, name string) (*Node, error) {
	fd, err := strconv.Atoi(name)
	if err != nil {
		return nil, errors.E("lookup", errors.KindNotFound, name)
	}
	stream, ok := s.fs.streams.Get(resource.Handle(fd))
	if !ok {
		return nil, errors.E("lookup", errors.KindBadFileDescriptor, name)
	}
	n := s.fs.detachedNode(dir, name, S_IFLNK|0o777)
	n.target = stream.path
	return n, nil
}

func (s *fdStore) Readdir(dir *Node) ([]string, error) {
	names := []string{".", ".."}
	for _, h := range s.fs.streams.Handles() {
		names = append(names, strconv.Itoa(int(h)))
	}
	return names, nil
}

func (s *fdStore) Readlink(node *Node) (string, error) {
	if node.Kind() != KindSymlink {
		return "", errors.E("readlink", errors.KindInvalidArgument, node.name)
	}
	return node.target, nil
}

func (s *fdStore) Getattr(node *Node) (Stat, error) {
	return BaseStat(node), nil
}

func (s *fdStore) CreateNode(_ *Node, name string, _ Mode, _ device.ID) (*Node, error) {
	return nil, errors.E("mknod", errors.KindNotPermitted, name)
}

func (s *fdStore) Rename(node, _ *Node, _ string) error {
	return errors.E("rename", errors.KindNotPermitted, node.name)
}

func (s *fdStore) Unlink(_ *Node, name string) error {
	return errors.E("unlink", errors.KindNotPermitted, name)
}

func (s *fdStore) Rmdir(_ *Node, name string) error {
	return errors.E("rmdir", errors.KindNotPermitted, name)
}

func (s *fdStore) Symlink(_ *Node, name, _ string) (*Node, error) {
	return nil, errors.E("symlink", errors.KindNotPermitted, name)
}

func (s *fdStore) SetAttr(node *Node, _ Attr) error {
	return errors.E("setattr", errors.KindNotPermitted, node.name)
}

func (s *fdStore) Read(node *Node, _ []byte, _ int64) (int, error) {
	return 0, errors.E("read", errors.KindInvalidArgument, node.name)
}

func (s *fdStore) Write(node *Node, _ []byte, _ int64) (int, error) {
	return 0, errors.E("write", errors.KindInvalidArgument, node.name)
}

func (s *fdStore) Allocate(node *Node, _, _ int64) error {
	return errors.E("allocate", errors.KindNotSupported, node.name)
}
