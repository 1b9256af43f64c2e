package vfs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/wippyai/wasm-vfs/errors"
)

// buildChain creates n symlinks /chain/l0 .. l{n-1}, each pointing at the
// previous one, with l0 pointing at /chain/target. It returns the last link.
func buildChain(t *testing.T, fs *FS, n int) string {
	t.Helper()
	if err := fs.MkdirAll("/chain", 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fs.WriteFile("/chain/target", []byte("end"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	prev := "/chain/target"
	for i := range n {
		link := fmt.Sprintf("/chain/l%d", i)
		if err := fs.Symlink(prev, link); err != nil {
			t.Fatalf("symlink %s: %v", link, err)
		}
		prev = link
	}
	return prev
}

func TestLookup_SymlinkChainBound(t *testing.T) {
	tests := []struct {
		links int
		ok    bool
	}{
		{1, true},
		{39, true},
		{40, true},
		{41, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d links", tt.links), func(t *testing.T) {
			fs := newTestFS(t)
			last := buildChain(t, fs, tt.links)

			data, err := fs.ReadFile(last)
			if !tt.ok {
				expectKind(t, err, errors.KindTooManySymlinks)
				return
			}
			if err != nil {
				t.Fatalf("resolve chain: %v", err)
			}
			if string(data) != "end" {
				t.Errorf("expected end, got %q", data)
			}
		})
	}
}

func TestLookup_SymlinkLoop(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Symlink("/tmp/b", "/tmp/a"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := fs.Symlink("/tmp/a", "/tmp/b"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	_, err := fs.Stat("/tmp/a")
	expectKind(t, err, errors.KindTooManySymlinks)

	// Without following, the link itself is returned.
	st, err := fs.Lstat("/tmp/a")
	if err != nil {
		t.Fatalf("lstat: %v", err)
	}
	if st.Mode.Kind() != KindSymlink {
		t.Errorf("expected symlink, got %s", st.Mode.Kind())
	}
}

// buildNested creates links /n/s0 .. s{k} where s_i points at
// /n/s{i+1}/d and s_k points at /n/base. Resolving s0 nests k+1 lookups.
func buildNested(t *testing.T, fs *FS, k int) string {
	t.Helper()
	base := "/n/base" + strings.Repeat("/d", k)
	if err := fs.MkdirAll(base, 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fs.Symlink("/n/base", fmt.Sprintf("/n/s%d", k)); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	for i := k - 1; i >= 0; i-- {
		if err := fs.Symlink(fmt.Sprintf("/n/s%d/d", i+1), fmt.Sprintf("/n/s%d", i)); err != nil {
			t.Fatalf("symlink: %v", err)
		}
	}
	return "/n/s0"
}

func TestLookup_DepthBound(t *testing.T) {
	fs := newTestFS(t)
	res, err := fs.LookupPath(buildNested(t, fs, 7), LookupOptions{Follow: true})
	if err != nil {
		t.Fatalf("lookup within depth: %v", err)
	}
	if want := "/n/base" + strings.Repeat("/d", 7); res.Path != want {
		t.Errorf("expected %s, got %s", want, res.Path)
	}

	fs = newTestFS(t)
	_, err = fs.LookupPath(buildNested(t, fs, 8), LookupOptions{Follow: true})
	expectKind(t, err, errors.KindTooManySymlinks)
}

func TestLookup_RelativeSymlink(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.MkdirAll("/r/dir", 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fs.WriteFile("/r/file", []byte("rel"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.Symlink("../file", "/r/dir/up"); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := fs.Symlink("dir", "/r/alias"); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	data, err := fs.ReadFile("/r/alias/up")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "rel" {
		t.Errorf("expected rel, got %q", data)
	}

	res, err := fs.LookupPath("/r/alias/up", LookupOptions{Follow: true})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Path != "/r/file" {
		t.Errorf("expected /r/file, got %s", res.Path)
	}
}

func TestLookup_ParentOption(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Symlink("/tmp", "/link"); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	res, err := fs.LookupPath("/link/missing", LookupOptions{Parent: true})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Path != "/tmp" || res.Node.Kind() != KindDirectory {
		t.Errorf("expected /tmp directory, got %s (%s)", res.Path, res.Node.Kind())
	}

	res, err = fs.LookupPath("/link", LookupOptions{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if res.Node.Kind() != KindSymlink {
		t.Errorf("final symlink followed without Follow")
	}

	_, err = fs.LookupPath("", LookupOptions{})
	expectKind(t, err, errors.KindNotFound)
}

func TestLookup_Chdir(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Chdir("/home/web_user"); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if err := fs.WriteFile("../note", []byte("n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := fs.Stat("/home/note"); err != nil {
		t.Errorf("stat: %v", err)
	}
	if fs.Resolve("a/../b") != "/home/web_user/b" {
		t.Errorf("unexpected resolve %s", fs.Resolve("a/../b"))
	}

	expectKind(t, fs.Chdir("/home/note"), errors.KindNotADirectory)
	expectKind(t, fs.Chdir("/nowhere"), errors.KindNotFound)
}

func TestNodeTable(t *testing.T) {
	nt := newNodeTable()
	a := &Node{id: nt.allocID(), parentID: 1, name: "same"}
	b := &Node{id: nt.allocID(), parentID: 2, name: "same"}
	for _, n := range []*Node{a, b} {
		nt.register(n)
		nt.insert(n)
	}

	if got := nt.lookup(1, "same"); got != a {
		t.Errorf("lookup(1) returned wrong node")
	}
	if got := nt.lookup(2, "same"); got != b {
		t.Errorf("lookup(2) returned wrong node")
	}
	if nt.lookup(3, "same") != nil {
		t.Error("lookup must match the parent id")
	}

	nt.remove(a)
	if nt.lookup(1, "same") != nil {
		t.Error("removed node still found")
	}
	if nt.lookup(2, "same") != b {
		t.Error("removing one node dropped another")
	}

	defer func() {
		if recover() == nil {
			t.Error("mustGet on a dangling id should panic")
		}
	}()
	nt.mustGet(999)
}

func TestHashName_Collisions(t *testing.T) {
	nt := newNodeTable()
	var nodes []*Node
	for i := range nameTableSize + 10 {
		n := &Node{id: nt.allocID(), parentID: uint64(i % 3), name: fmt.Sprintf("n%d", i)}
		nt.insert(n)
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		if nt.lookup(n.parentID, n.name) != n {
			t.Fatalf("lost %s under %d", n.name, n.parentID)
		}
	}
}
