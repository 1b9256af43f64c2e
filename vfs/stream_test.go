package vfs

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/errors"
)

func TestOpen_Errors(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteFile("/tmp/f", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.Symlink("/tmp/f", "/tmp/l"); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name  string
		path  string
		flags int
		kind  errors.Kind
	}{
		{"empty path", "", O_RDONLY, errors.KindNotFound},
		{"missing", "/tmp/none", O_RDONLY, errors.KindNotFound},
		{"exclusive existing", "/tmp/f", O_WRONLY | O_CREAT | O_EXCL, errors.KindAlreadyExists},
		{"write directory", "/tmp", O_WRONLY, errors.KindIsADirectory},
		{"truncate directory", "/tmp", O_RDONLY | O_TRUNC, errors.KindIsADirectory},
		{"directory flag on file", "/tmp/f", O_RDONLY | O_DIRECTORY, errors.KindNotADirectory},
		{"nofollow symlink", "/tmp/l", O_RDONLY | O_NOFOLLOW, errors.KindTooManySymlinks},
		{"create under missing dir", "/nodir/f", O_WRONLY | O_CREAT, errors.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fs.Open(tt.path, tt.flags, 0o644)
			expectKind(t, err, tt.kind)
		})
	}

	s, err := fs.Open("/tmp", O_RDONLY|O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	_, err = fs.Read(s, make([]byte, 1), nil)
	expectKind(t, err, errors.KindIsADirectory)
}

func TestOpen_Truncate(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteFile("/tmp/f", []byte("long content"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := fs.Open("/tmp/f", O_WRONLY|O_TRUNC, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Node().Size() != 0 {
		t.Errorf("expected truncated file, size %d", s.Node().Size())
	}
	if s.Flags()&O_TRUNC != 0 {
		t.Error("O_TRUNC kept in stream flags")
	}

	// O_TRUNC is ignored for devices.
	d, err := fs.Open("/dev/null", O_WRONLY|O_TRUNC, 0)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	if d.Seekable() {
		t.Error("device stream must not be seekable")
	}
}

func TestFD_Reuse(t *testing.T) {
	fs := newTestFS(t)
	var streams []*Stream
	for i := range 3 {
		s, err := fs.Open("/tmp/f"+strconv.Itoa(i), O_RDWR|O_CREAT, 0o644)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		streams = append(streams, s)
	}
	if streams[0].FD() != 3 || streams[2].FD() != 5 {
		t.Fatalf("unexpected fds %d..%d", streams[0].FD(), streams[2].FD())
	}

	if err := fs.Close(streams[1]); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectKind(t, fs.Close(streams[1]), errors.KindBadFileDescriptor)

	s, err := fs.Open("/tmp/f9", O_RDWR|O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.FD() != 4 {
		t.Errorf("expected fd 4 to be reused, got %d", s.FD())
	}
}

func TestFD_Exhausted(t *testing.T) {
	fs, err := New(Options{Bare: true, MaxOpenFDs: 3})
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}
	if err := fs.WriteFile("/f", nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := range 4 {
		s, err := fs.Open("/f", O_RDONLY, 0)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if s.FD() != i {
			t.Fatalf("expected fd %d, got %d", i, s.FD())
		}
	}
	_, err = fs.Open("/f", O_RDONLY, 0)
	expectKind(t, err, errors.KindTooManyOpenFiles)
}

func TestDup_SharesPosition(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteFile("/tmp/d", []byte("abcdef"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := fs.Open("/tmp/d", O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d, err := fs.Dup(s)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	if d.FD() == s.FD() {
		t.Fatal("dup returned the same fd")
	}

	buf := make([]byte, 2)
	if _, err := fs.Read(s, buf, nil); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := fs.Read(d, buf, nil); err != nil {
		t.Fatalf("read dup: %v", err)
	}
	if string(buf) != "cd" {
		t.Errorf("dup did not share the cursor, read %q", buf)
	}
	if s.Position() != 4 {
		t.Errorf("expected shared position 4, got %d", s.Position())
	}

	if err := fs.Close(s); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := fs.Read(d, buf, nil); err != nil {
		t.Errorf("dup unusable after original closed: %v", err)
	}
}

func TestDup2AndFcntl(t *testing.T) {
	fs := newTestFS(t)
	s, err := fs.Open("/tmp/x", O_WRONLY|O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	d, err := fs.Dup2(s, 1)
	if err != nil {
		t.Fatalf("dup2: %v", err)
	}
	if d.FD() != 1 {
		t.Fatalf("expected fd 1, got %d", d.FD())
	}
	got, err := fs.GetStream(1)
	if err != nil || got != d {
		t.Fatalf("fd 1 not replaced: %v", err)
	}
	if same, _ := fs.Dup2(s, s.FD()); same != s {
		t.Error("dup2 onto itself should return the stream")
	}
	_, err = fs.Dup2(s, -1)
	expectKind(t, err, errors.KindBadFileDescriptor)

	fd, err := fs.Fcntl(s, F_DUPFD, 10)
	if err != nil {
		t.Fatalf("F_DUPFD: %v", err)
	}
	if fd != 10 {
		t.Errorf("expected fd 10, got %d", fd)
	}

	if _, err := fs.Fcntl(s, F_SETFL, O_APPEND|O_RDWR); err != nil {
		t.Fatalf("F_SETFL: %v", err)
	}
	flags, _ := fs.Fcntl(d, F_GETFL, 0)
	if flags != O_WRONLY|O_APPEND {
		t.Errorf("unexpected flags %#o", flags)
	}
	_, err = fs.Fcntl(s, 99, 0)
	expectKind(t, err, errors.KindInvalidArgument)
}

func TestWrite_Append(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteFile("/tmp/log", []byte("one"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := fs.Open("/tmp/log", O_WRONLY|O_APPEND, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := fs.Write(s, []byte("two"), nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, _ := fs.ReadFile("/tmp/log")
	if string(data) != "onetwo" {
		t.Errorf("expected onetwo, got %q", data)
	}

	_, err = fs.Read(s, make([]byte, 1), nil)
	expectKind(t, err, errors.KindBadFileDescriptor)

	if _, err := fs.Llseek(s, 1, SEEK_SET); err != nil {
		t.Fatalf("seek: %v", err)
	}
	at := int64(0)
	if _, err := fs.Write(s, []byte("ON"), &at); err != nil {
		t.Fatalf("positioned write: %v", err)
	}
	if s.Position() != 1 {
		t.Errorf("positioned append write moved the cursor to %d", s.Position())
	}
	data, _ = fs.ReadFile("/tmp/log")
	if string(data) != "ONetwo" {
		t.Errorf("expected ONetwo, got %q", data)
	}

	r, _ := fs.Open("/tmp/log", O_RDONLY, 0)
	_, err = fs.Write(r, []byte("x"), nil)
	expectKind(t, err, errors.KindBadFileDescriptor)
}

func TestLlseek(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteFile("/tmp/s", []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := fs.Open("/tmp/s", O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tests := []struct {
		offset int64
		whence int
		want   int64
	}{
		{3, SEEK_SET, 3},
		{2, SEEK_CUR, 5},
		{-4, SEEK_END, 6},
		{5, SEEK_END, 15},
	}
	for _, tt := range tests {
		pos, err := fs.Llseek(s, tt.offset, tt.whence)
		if err != nil {
			t.Fatalf("llseek(%d, %d): %v", tt.offset, tt.whence, err)
		}
		if pos != tt.want {
			t.Errorf("llseek(%d, %d): expected %d, got %d", tt.offset, tt.whence, tt.want, pos)
		}
	}

	_, err = fs.Llseek(s, -100, SEEK_CUR)
	expectKind(t, err, errors.KindInvalidArgument)
	_, err = fs.Llseek(s, 0, 7)
	expectKind(t, err, errors.KindInvalidArgument)

	tty, err := fs.GetStream(1)
	if err != nil {
		t.Fatalf("stdout: %v", err)
	}
	_, err = fs.Llseek(tty, 0, SEEK_SET)
	expectKind(t, err, errors.KindInvalidSeek)
	pos := int64(0)
	_, err = fs.Write(tty, []byte("x"), &pos)
	expectKind(t, err, errors.KindInvalidSeek)
}

func TestUnread(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteFile("/tmp/u", []byte("bcd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, _ := fs.Open("/tmp/u", O_RDONLY, 0)
	fs.Unread(s, []byte("a"))

	buf := make([]byte, 4)
	n, err := fs.Read(s, buf, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "abcd" {
		t.Errorf("expected abcd, got %q", buf[:n])
	}

	fs.Unread(s, []byte("z"))
	if _, err := fs.Llseek(s, 0, SEEK_SET); err != nil {
		t.Fatalf("llseek: %v", err)
	}
	n, _ = fs.Read(s, buf[:1], nil)
	if string(buf[:n]) != "b" {
		t.Errorf("seek should drop pushback, got %q", buf[:n])
	}
}

func TestAllocate(t *testing.T) {
	fs := newTestFS(t)
	s, err := fs.Open("/tmp/a", O_RDWR|O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := fs.Allocate(s, 100, 50); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	st, _ := fs.Fstat(s)
	if st.Size != 150 {
		t.Errorf("expected size 150, got %d", st.Size)
	}
	expectKind(t, fs.Allocate(s, 0, 0), errors.KindInvalidArgument)

	d, _ := fs.Open("/dev/null", O_WRONLY, 0)
	expectKind(t, fs.Allocate(d, 0, 1), errors.KindNoDevice)
}

func TestGetdents(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.MkdirAll("/g/sub", 0o777); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := fs.WriteFile("/g/file", nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := fs.Open("/g", O_RDONLY|O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var names []string
	for {
		batch, err := fs.Getdents(s, 2)
		if err != nil {
			t.Fatalf("getdents: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			names = append(names, e.Name+":"+e.Type.String())
		}
	}
	want := []string{".:directory", "..:directory", "file:regular", "sub:directory"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d: expected %s, got %s", i, want[i], names[i])
		}
	}

	if _, err := fs.Llseek(s, 0, SEEK_SET); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	batch, _ := fs.Getdents(s, 10)
	if len(batch) != 4 {
		t.Errorf("rewind did not restart listing: %d entries", len(batch))
	}
}

func TestTTY_LineBuffered(t *testing.T) {
	var out, errOut bytes.Buffer
	fs, err := New(Options{Stdio: device.Stdio{Stdout: &out, Stderr: &errOut}})
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}

	stdout, _ := fs.GetStream(1)
	if _, err := fs.Write(stdout, []byte("abc"), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("partial line emitted: %q", out.String())
	}
	if _, err := fs.Write(stdout, []byte("d\nxy"), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.String() != "abcd\n" {
		t.Fatalf("expected first line, got %q", out.String())
	}

	stderr, _ := fs.GetStream(2)
	if _, err := fs.Write(stderr, []byte("oops\x00"), nil); err != nil {
		t.Fatalf("write stderr: %v", err)
	}
	if errOut.String() != "oops\n" {
		t.Errorf("expected stderr line, got %q", errOut.String())
	}

	if err := fs.Close(stdout); err != nil {
		t.Fatalf("close: %v", err)
	}
	if out.String() != "abcd\nxy\n" {
		t.Errorf("close did not flush, got %q", out.String())
	}
}

func TestTTY_ReadAndIoctl(t *testing.T) {
	fs, err := New(Options{Stdio: device.Stdio{Stdin: bytes.NewBufferString("input")}})
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}
	stdin, _ := fs.GetStream(0)

	buf := make([]byte, 16)
	n, err := fs.Read(stdin, buf, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "input" {
		t.Errorf("expected input, got %q", buf[:n])
	}
	n, err = fs.Read(stdin, buf, nil)
	if err != nil || n != 0 {
		t.Errorf("expected EOF, got n=%d err=%v", n, err)
	}

	var ws device.Winsize
	if err := fs.Ioctl(stdin, device.TIOCGWINSZ, &ws); err != nil {
		t.Fatalf("ioctl: %v", err)
	}
	if ws.Rows != 24 || ws.Cols != 80 {
		t.Errorf("unexpected winsize %+v", ws)
	}

	f, _ := fs.Open("/tmp/f", O_RDWR|O_CREAT, 0o644)
	expectKind(t, fs.Ioctl(f, device.TCGETS, nil), errors.KindNotATTY)
}

func TestDevices(t *testing.T) {
	fs := newTestFS(t)

	null, err := fs.Open("/dev/null", O_RDWR, 0)
	if err != nil {
		t.Fatalf("open null: %v", err)
	}
	n, err := fs.Write(null, []byte("discard"), nil)
	if err != nil || n != 7 {
		t.Errorf("null write: n=%d err=%v", n, err)
	}
	n, err = fs.Read(null, make([]byte, 4), nil)
	if err != nil || n != 0 {
		t.Errorf("null read: n=%d err=%v", n, err)
	}

	random, err := fs.Open("/dev/urandom", O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open urandom: %v", err)
	}
	buf := make([]byte, 64)
	n, err = fs.Read(random, buf, nil)
	if err != nil || n != len(buf) {
		t.Fatalf("urandom read: n=%d err=%v", n, err)
	}
	if bytes.Equal(buf, make([]byte, 64)) {
		t.Error("urandom returned only zeros")
	}

	if err := fs.Mkdev("/dev/bogus", 0o666, device.Make(99, 1)); err != nil {
		t.Fatalf("mkdev: %v", err)
	}
	_, err = fs.Open("/dev/bogus", O_RDONLY, 0)
	expectKind(t, err, errors.KindNoDevice)
}

func TestProcSelfFD(t *testing.T) {
	fs := newTestFS(t)
	s, err := fs.Open("/tmp/tracked", O_RDWR|O_CREAT, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	link := "/proc/self/fd/" + strconv.Itoa(s.FD())

	target, err := fs.Readlink(link)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "/tmp/tracked" {
		t.Errorf("expected /tmp/tracked, got %s", target)
	}

	st, err := fs.Stat(link)
	if err != nil {
		t.Fatalf("stat through link: %v", err)
	}
	if st.Ino != s.Node().ID() {
		t.Errorf("link resolved to inode %d, want %d", st.Ino, s.Node().ID())
	}

	names, err := fs.Readdir("/proc/self/fd")
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	found := false
	for _, name := range names {
		if name == strconv.Itoa(s.FD()) {
			found = true
		}
	}
	if !found {
		t.Errorf("fd %d missing from %v", s.FD(), names)
	}

	if err := fs.Close(s); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = fs.Readlink(link)
	expectKind(t, err, errors.KindBadFileDescriptor)
	expectKind(t, fs.WriteFile("/proc/self/fd/new", nil, 0o644), errors.KindNotPermitted)
}

func TestCloseAll(t *testing.T) {
	var out bytes.Buffer
	fs, err := New(Options{Stdio: device.Stdio{Stdout: &out}})
	if err != nil {
		t.Fatalf("create fs: %v", err)
	}
	stdout, _ := fs.GetStream(1)
	if _, err := fs.Write(stdout, []byte("tail"), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if len(fs.Streams()) != 0 {
		t.Errorf("streams left open: %d", len(fs.Streams()))
	}
	if out.String() != "tail\n" {
		t.Errorf("pending output lost, got %q", out.String())
	}
}
