package vfs

import (
	"context"
	"fmt"
	"testing"

	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/errors"
)

func TestMount_Basic(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Mkdir("/mnt", 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fs.WriteFile("/mnt/hidden", nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, err := fs.Mount(NewMemStore(), "/mnt")
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if m.Mountpoint() != "/mnt" {
		t.Errorf("unexpected mountpoint %s", m.Mountpoint())
	}
	if _, err := fs.Stat("/mnt/hidden"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("mounted root should hide host entries, got %v", err)
	}

	if err := fs.WriteFile("/mnt/inside", []byte("m"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := fs.LookupPath("/mnt/inside", LookupOptions{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Node.Mount() != m {
		t.Error("node not owned by the new mount")
	}
	if got := fs.GetPath(res.Node); got != "/mnt/inside" {
		t.Errorf("expected /mnt/inside, got %s", got)
	}

	host, err := fs.LookupPath("/mnt", LookupOptions{NoFollowMount: true})
	if err != nil {
		t.Fatalf("lookup mountpoint: %v", err)
	}
	if !host.Node.IsMountpoint() || host.Node.Mounted() != m {
		t.Error("NoFollowMount should return the host directory")
	}

	expectKind(t, fs.Rename("/mnt/inside", "/tmp/inside"), errors.KindCrossDevice)
	expectKind(t, fs.Rmdir("/mnt"), errors.KindBusy)

	if len(fs.Mounts()) != 3 {
		t.Errorf("expected 3 mounts, got %d", len(fs.Mounts()))
	}
}

func TestMount_Errors(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.Mount(NewMemStore(), "/")
	expectKind(t, err, errors.KindBusy)

	_, err = fs.Mount(NewMemStore(), "/proc/self/fd")
	expectKind(t, err, errors.KindBusy)

	if err := fs.WriteFile("/tmp/file", nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = fs.Mount(NewMemStore(), "/tmp/file")
	expectKind(t, err, errors.KindNotADirectory)

	_, err = fs.Mount(NewMemStore(), "/missing")
	expectKind(t, err, errors.KindNotFound)

	expectKind(t, fs.Unmount("/tmp"), errors.KindInvalidArgument)
}

func TestUnmount_DropsNestedMounts(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Mkdir("/outer", 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	before := fs.NodeCount()

	if _, err := fs.Mount(NewMemStore(), "/outer"); err != nil {
		t.Fatalf("mount outer: %v", err)
	}
	if err := fs.MkdirAll("/outer/inner", 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := fs.Mount(NewMemStore(), "/outer/inner"); err != nil {
		t.Fatalf("mount inner: %v", err)
	}
	if err := fs.WriteFile("/outer/inner/f", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := fs.Unmount("/outer"); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	if fs.NodeCount() != before {
		t.Errorf("expected %d nodes after unmount, got %d", before, fs.NodeCount())
	}
	if len(fs.Mounts()) != 2 {
		t.Errorf("expected 2 mounts left, got %d", len(fs.Mounts()))
	}
	names, err := fs.Readdir("/outer")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(names) != 2 {
		t.Errorf("host directory should be empty again: %v", names)
	}
}

// lazyStore materializes files from a fixed table on first lookup.
type lazyStore struct {
	*MemStore
	files   map[string]string
	lookups int
}

func (s *lazyStore) Lookup(dir *Node, name string) (*Node, error) {
	if n, err := s.MemStore.Lookup(dir, name); err == nil {
		return n, nil
	}
	content, ok := s.files[name]
	if !ok || !dir.IsRoot() {
		return nil, errors.E("lookup", errors.KindNotFound, name)
	}
	s.lookups++
	n, err := s.CreateNode(dir, name, S_IFREG|0o444, 0)
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(n, []byte(content), 0); err != nil {
		return nil, err
	}
	return n, nil
}

func TestMount_StoreLookupFallback(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Mkdir("/lazy", 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	store := &lazyStore{MemStore: NewMemStore(), files: map[string]string{"hello": "world"}}
	if _, err := fs.Mount(store, "/lazy"); err != nil {
		t.Fatalf("mount: %v", err)
	}

	names, _ := fs.Readdir("/lazy")
	if len(names) != 2 {
		t.Fatalf("nothing should be materialized yet: %v", names)
	}

	for range 3 {
		data, err := fs.ReadFile("/lazy/hello")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != "world" {
			t.Errorf("expected world, got %q", data)
		}
	}
	if store.lookups != 1 {
		t.Errorf("expected one store lookup, got %d", store.lookups)
	}
	if _, err := fs.Stat("/lazy/other"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

type recordingSyncer struct {
	calls []bool
	err   error
}

func (r *recordingSyncer) Sync(_ context.Context, _ *FS, _ *Mount, populate bool) error {
	r.calls = append(r.calls, populate)
	return r.err
}

func TestSyncFS(t *testing.T) {
	fs := newTestFS(t)
	for _, dir := range []string{"/s1", "/s2"} {
		if err := fs.Mkdir(dir, 0o777); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	good := &recordingSyncer{}
	bad := &recordingSyncer{err: fmt.Errorf("disk gone")}
	if _, err := fs.Mount(NewMemStore(), "/s1", WithSyncer(good)); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if _, err := fs.Mount(NewMemStore(), "/s2", WithSyncer(bad)); err != nil {
		t.Fatalf("mount: %v", err)
	}

	if err := fs.SyncFS(context.Background(), true); err == nil {
		t.Fatal("expected sync error")
	}
	if err := fs.SyncFS(context.Background(), false); err == nil {
		t.Fatal("expected sync error")
	}
	if len(good.calls) != 2 || !good.calls[0] || good.calls[1] {
		t.Errorf("unexpected sync calls %v", good.calls)
	}
	if len(bad.calls) != 2 {
		t.Errorf("failing syncer should still run every time, got %v", bad.calls)
	}
}

func TestSocketNodes(t *testing.T) {
	fs := newTestFS(t)
	before := fs.NodeCount()
	owner := struct{ name string }{"sock"}

	n := fs.NewSocketNode(owner)
	if n.Kind() != KindSocket {
		t.Fatalf("expected socket node, got %s", n.Kind())
	}
	if n.Owner() != owner {
		t.Error("owner not attached")
	}
	if got := fs.GetPath(n); got != n.Name() {
		t.Errorf("anonymous node path should be its name, got %s", got)
	}
	if _, err := fs.Stat("/" + n.Name()); err == nil {
		t.Error("socket node must not be reachable by path")
	}

	fs.DestroyNode(n)
	if _, ok := fs.NodeByID(n.ID()); ok {
		t.Error("destroyed node still indexed")
	}
	// The pseudo mount root stays.
	if fs.NodeCount() != before+1 {
		t.Errorf("expected %d nodes, got %d", before+1, fs.NodeCount())
	}
}

func TestMknod_UnsupportedMode(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.Mknod("/tmp/fifo", S_IFIFO|0o644, device.ID(0))
	expectKind(t, err, errors.KindNotPermitted)
}
