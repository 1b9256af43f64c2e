package shell

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/socket"
	"github.com/wippyai/wasm-vfs/vfs"
)

func newTestShell(t *testing.T) (*Shell, *bytes.Buffer) {
	t.Helper()
	fs, err := vfs.New(vfs.Options{})
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}
	t.Cleanup(func() { fs.CloseAll() })
	var out bytes.Buffer
	return New(fs, &out), &out
}

func run(t *testing.T, s *Shell, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if err := s.Exec(context.Background(), line); err != nil {
			t.Fatalf("%s: %v", line, err)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"ls -l /tmp", []string{"ls", "-l", "/tmp"}},
		{`write f "two  spaces"`, []string{"write", "f", "two  spaces"}},
		{`echo "say \"hi\""`, []string{"echo", `say "hi"`}},
		{`echo ""`, []string{"echo", ""}},
		{"echo a # comment", []string{"echo", "a"}},
		{"# whole line", nil},
		{"echo a#b", []string{"echo", "a#b"}},
	}
	for _, tt := range tests {
		got, err := Split(tt.line)
		if err != nil {
			t.Errorf("Split(%q): %v", tt.line, err)
			continue
		}
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("Split(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}

	if _, err := Split(`echo "open`); !errors.IsKind(err, errors.KindInvalidArgument) {
		t.Errorf("expected InvalidArgument for unterminated quote, got %v", err)
	}
}

func TestExec_Files(t *testing.T) {
	s, out := newTestShell(t)
	run(t, s,
		"cd /tmp",
		"write notes hello world",
		"append notes second line",
		"cat notes",
	)
	if got := out.String(); got != "hello world\nsecond line\n" {
		t.Errorf("unexpected cat output %q", got)
	}

	out.Reset()
	run(t, s, "pwd", "truncate 5 notes", "cat notes")
	if got := out.String(); got != "/tmp\nhello" {
		t.Errorf("unexpected output %q", got)
	}

	out.Reset()
	run(t, s, "mkdir -p a/b/c", "touch a/b/c/x a/y", "mv a/y a/z", "ls a")
	if got := out.String(); got != "b\nz\n" {
		t.Errorf("unexpected ls output %q", got)
	}

	run(t, s, "rm -r a")
	if _, err := s.FS().Stat("/tmp/a"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("expected a removed, got %v", err)
	}
}

func TestExec_Symlinks(t *testing.T) {
	s, out := newTestShell(t)
	run(t, s, "write /tmp/target data", "ln -s /tmp/target /tmp/link", "readlink /tmp/link", "cat /tmp/link")
	if got := out.String(); got != "/tmp/target\ndata\n" {
		t.Errorf("unexpected output %q", got)
	}

	out.Reset()
	run(t, s, "ls -l /tmp")
	if !strings.Contains(out.String(), "lrwxrwxrwx") || !strings.Contains(out.String(), "link -> /tmp/target") {
		t.Errorf("long listing missing symlink: %q", out.String())
	}

	err := s.Exec(context.Background(), "ln /tmp/target /tmp/hard")
	if !errors.IsKind(err, errors.KindNotSupported) {
		t.Errorf("expected NotSupported for hard links, got %v", err)
	}
	err = s.Exec(context.Background(), "ln -s /tmp/target")
	if err == nil || !strings.Contains(err.Error(), "usage: ln") {
		t.Errorf("expected usage error for a missing link name, got %v", err)
	}
}

func TestExec_Errors(t *testing.T) {
	s, _ := newTestShell(t)
	ctx := context.Background()

	if err := s.Exec(ctx, "frobnicate"); err == nil || !strings.Contains(err.Error(), "command not found") {
		t.Errorf("expected command not found, got %v", err)
	}
	if err := s.Exec(ctx, "mv only-one"); err == nil || !strings.Contains(err.Error(), "usage: mv") {
		t.Errorf("expected usage error, got %v", err)
	}
	if err := s.Exec(ctx, "cat /nope"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if err := s.Exec(ctx, "rmdir /home"); !errors.IsKind(err, errors.KindDirectoryNotEmpty) {
		t.Errorf("expected DirectoryNotEmpty, got %v", err)
	}
	if err := s.Exec(ctx, "chmod 9z /tmp"); !errors.IsKind(err, errors.KindInvalidArgument) {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestExec_StatAndChmod(t *testing.T) {
	s, out := newTestShell(t)
	run(t, s, "touch /tmp/f", "chmod 600 /tmp/f", "stat /tmp/f")
	if !strings.Contains(out.String(), "(0600/-rw-------)") {
		t.Errorf("unexpected stat output %q", out.String())
	}
}

func TestExec_Umask(t *testing.T) {
	s, out := newTestShell(t)
	run(t, s, "umask 027", "umask", "touch /tmp/masked")
	if got := out.String(); got != "0027\n" {
		t.Errorf("unexpected umask output %q", got)
	}
	st, err := s.FS().Stat("/tmp/masked")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode.Perm() != 0o640 {
		t.Errorf("expected 0640, got %o", st.Mode.Perm())
	}
}

func TestExec_Tree(t *testing.T) {
	s, out := newTestShell(t)
	run(t, s, "mkdir -p /tmp/t/d", "touch /tmp/t/d/f /tmp/t/g")
	out.Reset()
	run(t, s, "tree /tmp/t")
	want := "/tmp/t\n|-- d\n|   `-- f\n`-- g\n\n1 directories, 2 files\n"
	if got := out.String(); got != want {
		t.Errorf("unexpected tree:\n%s\nwant:\n%s", got, want)
	}
}

func TestExec_MountSyncLoad(t *testing.T) {
	s, out := newTestShell(t)
	snap := filepath.Join(t.TempDir(), "data.wvfs")

	run(t, s,
		"mkdir /data",
		"mount /data "+snap,
		"write /data/kept persisted",
		"sync",
		"write /data/kept changed",
		"load",
	)
	out.Reset()
	run(t, s, "cat /data/kept")
	if got := out.String(); got != "persisted\n" {
		t.Errorf("expected snapshot contents, got %q", got)
	}

	out.Reset()
	run(t, s, "df")
	if !strings.Contains(out.String(), "/data") || !strings.Contains(out.String(), snap) {
		t.Errorf("df missing the mount: %q", out.String())
	}

	run(t, s, "umount /data")
	if _, err := s.FS().Stat("/data/kept"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("expected unmounted contents to vanish, got %v", err)
	}

	// A second mount of the same snapshot loads it on mount.
	run(t, s, "mount /data "+snap)
	out.Reset()
	run(t, s, "cat /data/kept")
	if got := out.String(); got != "persisted\n" {
		t.Errorf("expected populated mount, got %q", got)
	}
}

func TestRun(t *testing.T) {
	s, out := newTestShell(t)
	script := "# setup\nmkdir /tmp/r\nwrite /tmp/r/x one\n\ncat /tmp/r/x\n"
	if err := s.Run(context.Background(), strings.NewReader(script)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "one\n" {
		t.Errorf("unexpected output %q", out.String())
	}

	err := s.Run(context.Background(), strings.NewReader("pwd\ncat /missing\npwd\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected failure on line 2, got %v", err)
	}
}

func TestModeString(t *testing.T) {
	tests := []struct {
		mode vfs.Mode
		want string
	}{
		{vfs.S_IFDIR | 0o755, "drwxr-xr-x"},
		{vfs.S_IFREG | 0o644, "-rw-r--r--"},
		{vfs.S_IFLNK | 0o777, "lrwxrwxrwx"},
		{vfs.S_IFCHR | 0o666, "crw-rw-rw-"},
	}
	for _, tt := range tests {
		if got := ModeString(tt.mode); got != tt.want {
			t.Errorf("ModeString(%o) = %s, want %s", tt.mode, got, tt.want)
		}
	}
}

func TestExec_Env(t *testing.T) {
	fs, err := vfs.New(vfs.Options{})
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}
	defer fs.CloseAll()
	var out bytes.Buffer
	s := New(fs, &out, WithEnv(map[string]string{"USER": "web_user", "HOME": "/home/web_user"}))
	run(t, s, "env")
	if got := out.String(); got != "HOME=/home/web_user\nUSER=web_user\n" {
		t.Errorf("unexpected env output %q", got)
	}
}

func TestExecTo(t *testing.T) {
	s, out := newTestShell(t)
	var side bytes.Buffer
	if err := s.ExecTo(context.Background(), &side, "echo captured"); err != nil {
		t.Fatalf("ExecTo: %v", err)
	}
	run(t, s, "echo main")
	if side.String() != "captured\n" || out.String() != "main\n" {
		t.Errorf("output routed wrong: side %q main %q", side.String(), out.String())
	}
}

// echoServer accepts one connection on its own filesystem, reads until
// EOF and answers with the upper-cased input.
func echoServer(t *testing.T, lb *socket.Loopback, port uint16) <-chan error {
	t.Helper()
	fs, err := vfs.New(vfs.Options{})
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}
	l := socket.New(fs, socket.WithTransport(lb))
	ln, err := l.Socket(socket.AF_INET, socket.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := l.Bind(ln.FD(), "127.0.0.1", port); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := l.Listen(ln.FD(), 1); err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		defer fs.CloseAll()
		defer l.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		retry := func(err error) error {
			if !errors.IsKind(err, errors.KindWouldBlock) {
				return err
			}
			return l.Inbox().Wait(ctx)
		}

		var conn *socket.Socket
		for conn == nil {
			c, err := l.Accept(ln.FD())
			if err != nil {
				if err := retry(err); err != nil {
					done <- err
					return
				}
				continue
			}
			conn = c
		}
		var got []byte
		for {
			data, _, err := l.Recv(conn.FD(), 64)
			if err != nil {
				if err := retry(err); err != nil {
					done <- err
					return
				}
				continue
			}
			if len(data) == 0 {
				break
			}
			got = append(got, data...)
		}
		if _, err := l.Send(conn.FD(), bytes.ToUpper(got), socket.Addr{}); err != nil {
			done <- err
			return
		}
		done <- l.CloseFD(conn.FD())
	}()
	return done
}

func TestExec_Nc(t *testing.T) {
	lb := socket.NewLoopback()
	done := echoServer(t, lb, 7000)

	fs, err := vfs.New(vfs.Options{})
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}
	defer fs.CloseAll()
	var out bytes.Buffer
	s := New(fs, &out, WithTransport(lb))
	defer s.Close()

	run(t, s, "nc 127.0.0.1 7000 hello there")
	if got := out.String(); got != "HELLO THERE\n" {
		t.Errorf("expected echoed line, got %q", got)
	}
	if err := <-done; err != nil {
		t.Errorf("server: %v", err)
	}

	// The socket descriptor is released after the exchange.
	if n := len(fs.Streams()); n != 3 {
		t.Errorf("expected only the standard streams open, got %d", n)
	}

	err = s.Exec(context.Background(), "nc 127.0.0.1 7001 nobody home")
	if !errors.IsKind(err, errors.KindConnectionRefused) {
		t.Errorf("expected ConnectionRefused, got %v", err)
	}
	if err := s.Exec(context.Background(), "nc 127.0.0.1 port x"); !errors.IsKind(err, errors.KindInvalidArgument) {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}
