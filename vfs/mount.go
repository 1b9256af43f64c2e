package vfs

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
)

// Mount attaches store at mountpoint. Mounting "/" is only possible once.
// The mountpoint must be an existing directory that hosts no other mount.
func (fs *FS) Mount(store Store, mountpoint string, opts ...MountOption) (*Mount, error) {
	const op = "mount"

	isRoot := mountpoint == "/"
	var host *Node

	switch {
	case isRoot && fs.root != nil:
		return nil, errors.E(op, errors.KindBusy, mountpoint)
	case !isRoot:
		res, err := fs.LookupPath(mountpoint, LookupOptions{NoFollowMount: true})
		if err != nil {
			return nil, errors.WithOp(err, op, mountpoint)
		}
		mountpoint = res.Path
		host = res.Node
		if host.IsMountpoint() {
			return nil, errors.E(op, errors.KindBusy, mountpoint)
		}
		if host.Kind() != KindDirectory {
			return nil, errors.E(op, errors.KindNotADirectory, mountpoint)
		}
	}

	m := &Mount{fs: fs, store: store, mountpoint: mountpoint}
	for _, o := range opts {
		o(m)
	}
	root, err := store.Mount(m)
	if err != nil {
		return nil, errors.WithOp(err, op, mountpoint)
	}
	root.mount = m
	m.root = root

	if isRoot {
		fs.root = root
		fs.rootMount = m
	} else {
		host.mounted = m
		host.mount.addChild(m)
	}

	Logger().Debug("mounted", zap.String("mountpoint", mountpoint))
	return m, nil
}

// Unmount detaches the mount at mountpoint and drops every node that
// belongs to it or to mounts nested under it.
func (fs *FS) Unmount(mountpoint string) error {
	const op = "unmount"

	res, err := fs.LookupPath(mountpoint, LookupOptions{NoFollowMount: true})
	if err != nil {
		return errors.WithOp(err, op, mountpoint)
	}
	host := res.Node
	if !host.IsMountpoint() {
		return errors.E(op, errors.KindInvalidArgument, mountpoint)
	}

	m := host.mounted
	gone := make(map[*Mount]bool)
	for _, sub := range m.all() {
		gone[sub] = true
	}
	for _, n := range fs.nodes.byID {
		if gone[n.mount] {
			fs.destroyNode(n)
		}
	}

	host.mounted = nil
	host.mount.removeChild(m)

	Logger().Debug("unmounted", zap.String("mountpoint", res.Path))
	return nil
}

// Mounts returns every attached mount, root first.
func (fs *FS) Mounts() []*Mount {
	if fs.rootMount == nil {
		return nil
	}
	return fs.rootMount.all()
}

// SyncFS runs the sync target of every mount that has one. With populate
// set, mounts are loaded from their targets; otherwise they are flushed to
// them. All targets run; their errors are joined.
func (fs *FS) SyncFS(ctx context.Context, populate bool) error {
	var errs []error
	for _, m := range fs.Mounts() {
		if m.syncer == nil {
			continue
		}
		if err := m.syncer.Sync(ctx, fs, m, populate); err != nil {
			Logger().Warn("sync failed",
				zap.String("mountpoint", m.mountpoint),
				zap.Bool("populate", populate),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
