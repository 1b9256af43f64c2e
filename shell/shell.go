// Package shell runs simple file commands against a vfs.FS.
//
// It backs the interactive vfsh tool and scripted fixtures: each line is
// one command with whitespace-separated arguments, double quotes group
// words, and '#' starts a comment.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/snapshot"
	"github.com/wippyai/wasm-vfs/socket"
	"github.com/wippyai/wasm-vfs/vfs"
	"github.com/wippyai/wasm-vfs/vpath"
)

// Shell executes commands. Output goes to the configured writer.
type Shell struct {
	fs       *vfs.FS
	out      io.Writer
	lock     sync.Locker
	env      map[string]string
	commands map[string]command

	transport socket.Transport
	sockets   *socket.Layer
}

type command struct {
	usage string
	min   int
	max   int // -1 for unbounded
	run   func(ctx context.Context, s *Shell, args []string) error
}

// Option configures a Shell.
type Option func(*Shell)

// WithLock serializes commands with other users of the filesystem.
func WithLock(l sync.Locker) Option {
	return func(s *Shell) { s.lock = l }
}

// WithEnv sets the environment printed by env.
func WithEnv(env map[string]string) Option {
	return func(s *Shell) { s.env = env }
}

// WithTransport selects the network used by nc. The default is the host
// TCP stack.
func WithTransport(t socket.Transport) Option {
	return func(s *Shell) { s.transport = t }
}

// New returns a shell over fs writing to out.
func New(fs *vfs.FS, out io.Writer, opts ...Option) *Shell {
	s := &Shell{fs: fs, out: out, lock: &sync.Mutex{}, transport: &socket.NetTransport{}}
	for _, opt := range opts {
		opt(s)
	}
	s.commands = builtins()
	return s
}

// Close releases the sockets opened by nc.
func (s *Shell) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sockets == nil {
		return nil
	}
	err := s.sockets.Close()
	s.sockets = nil
	return err
}

// FS returns the filesystem the shell operates on.
func (s *Shell) FS() *vfs.FS { return s.fs }

// Prompt returns the prompt for the current working directory.
func (s *Shell) Prompt() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.fs.Cwd() + " $ "
}

// Commands returns the sorted command names.
func (s *Shell) Commands() []string {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exec runs one command line. Empty lines and comments are no-ops.
func (s *Shell) Exec(ctx context.Context, line string) error {
	return s.ExecTo(ctx, nil, line)
}

// ExecTo runs one command line writing its output to out instead of the
// shell's writer. A nil out keeps the shell's writer.
func (s *Shell) ExecTo(ctx context.Context, out io.Writer, line string) error {
	args, err := Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	cmd, ok := s.commands[name]
	if !ok {
		return fmt.Errorf("%s: command not found", name)
	}
	if len(args) < cmd.min || (cmd.max >= 0 && len(args) > cmd.max) {
		return fmt.Errorf("usage: %s %s", name, cmd.usage)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if out != nil {
		prev := s.out
		s.out = out
		defer func() { s.out = prev }()
	}
	start := time.Now()
	err = cmd.run(ctx, s, args)
	Logger().Debug("command",
		zap.String("cmd", name),
		zap.Strings("args", args),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return err
}

// Run executes every line of r, stopping at the first failure.
func (s *Shell) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Exec(ctx, sc.Text()); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

// Split breaks a command line into words. Double quotes group words and
// support \" and \\ escapes; an unquoted '#' ends the line.
func Split(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		inQuote bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(line) && (line[i+1] == '"' || line[i+1] == '\\'):
			i++
			cur.WriteByte(line[i])
		case c == '"':
			inQuote = !inQuote
			inWord = true
		case inQuote:
			cur.WriteByte(c)
		case c == '#' && !inWord:
			i = len(line)
		case c == ' ' || c == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inQuote {
		return nil, errors.InvalidArgument("split", "unterminated quote")
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

func (s *Shell) printf(format string, a ...any) {
	fmt.Fprintf(s.out, format, a...)
}

func builtins() map[string]command {
	return map[string]command{
		"help":     {"", 0, 0, cmdHelp},
		"ls":       {"[-l] [path...]", 0, -1, cmdLs},
		"cat":      {"path...", 1, -1, cmdCat},
		"echo":     {"[text...]", 0, -1, cmdEcho},
		"write":    {"path text...", 1, -1, cmdWrite},
		"append":   {"path text...", 2, -1, cmdAppend},
		"touch":    {"path...", 1, -1, cmdTouch},
		"mkdir":    {"[-p] path...", 1, -1, cmdMkdir},
		"rmdir":    {"path...", 1, -1, cmdRmdir},
		"rm":       {"[-r] path...", 1, -1, cmdRm},
		"mv":       {"from to", 2, 2, cmdMv},
		"ln":       {"-s target link", 2, 3, cmdLn},
		"readlink": {"path", 1, 1, cmdReadlink},
		"stat":     {"path...", 1, -1, cmdStat},
		"chmod":    {"mode path...", 2, -1, cmdChmod},
		"truncate": {"size path", 2, 2, cmdTruncate},
		"cd":       {"[path]", 0, 1, cmdCd},
		"pwd":      {"", 0, 0, cmdPwd},
		"tree":     {"[path]", 0, 1, cmdTree},
		"umask":    {"[mode]", 0, 1, cmdUmask},
		"mount":    {"path [snapshot]", 1, 2, cmdMount},
		"umount":   {"path", 1, 1, cmdUmount},
		"df":       {"", 0, 0, cmdDf},
		"sync":     {"", 0, 0, cmdSync},
		"load":     {"", 0, 0, cmdLoad},
		"env":      {"", 0, 0, cmdEnv},
		"nc":       {"host port text...", 3, -1, cmdNc},
	}
}

func cmdHelp(_ context.Context, s *Shell, _ []string) error {
	for _, name := range s.Commands() {
		s.printf("%-9s %s\n", name, s.commands[name].usage)
	}
	return nil
}

func cmdLs(_ context.Context, s *Shell, args []string) error {
	long := false
	if len(args) > 0 && args[0] == "-l" {
		long = true
		args = args[1:]
	}
	if len(args) == 0 {
		args = []string{"."}
	}
	for i, p := range args {
		st, err := s.fs.Stat(p)
		if err != nil {
			return err
		}
		if st.Mode.Kind() != vfs.KindDirectory {
			s.printEntry(p, p, long)
			continue
		}
		if len(args) > 1 {
			if i > 0 {
				s.printf("\n")
			}
			s.printf("%s:\n", p)
		}
		names, err := s.fs.Readdir(p)
		if err != nil {
			return err
		}
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			s.printEntry(vpath.Join2(s.fs.Resolve(p), name), name, long)
		}
	}
	return nil
}

func (s *Shell) printEntry(path, name string, long bool) {
	if !long {
		s.printf("%s\n", name)
		return
	}
	st, err := s.fs.Lstat(path)
	if err != nil {
		s.printf("?????????? %s\n", name)
		return
	}
	suffix := ""
	if st.Mode.Kind() == vfs.KindSymlink {
		if target, err := s.fs.Readlink(path); err == nil {
			suffix = " -> " + target
		}
	}
	s.printf("%s %8d %s %s%s\n", ModeString(st.Mode), st.Size, st.Mtime.Format("Jan _2 15:04"), name, suffix)
}

func cmdCat(_ context.Context, s *Shell, args []string) error {
	for _, p := range args {
		data, err := s.fs.ReadFile(p)
		if err != nil {
			return err
		}
		s.out.Write(data)
	}
	return nil
}

func cmdEcho(_ context.Context, s *Shell, args []string) error {
	s.printf("%s\n", strings.Join(args, " "))
	return nil
}

func cmdWrite(_ context.Context, s *Shell, args []string) error {
	text := strings.Join(args[1:], " ")
	if len(args) > 1 {
		text += "\n"
	}
	return s.fs.WriteFile(args[0], []byte(text), 0o666)
}

func cmdAppend(_ context.Context, s *Shell, args []string) error {
	f, err := s.fs.Open(args[0], vfs.O_WRONLY|vfs.O_CREAT|vfs.O_APPEND, 0o666)
	if err != nil {
		return err
	}
	defer s.fs.Close(f)
	_, err = s.fs.Write(f, []byte(strings.Join(args[1:], " ")+"\n"), nil)
	return err
}

func cmdTouch(_ context.Context, s *Shell, args []string) error {
	for _, p := range args {
		if _, err := s.fs.Stat(p); err == nil {
			now := time.Now()
			if err := s.fs.Utime(p, now, now); err != nil {
				return err
			}
			continue
		}
		if _, err := s.fs.Create(p, 0o666); err != nil {
			return err
		}
	}
	return nil
}

func cmdMkdir(_ context.Context, s *Shell, args []string) error {
	parents := false
	if args[0] == "-p" {
		parents = true
		args = args[1:]
	}
	for _, p := range args {
		var err error
		if parents {
			err = s.fs.MkdirAll(p, 0o777)
		} else {
			err = s.fs.Mkdir(p, 0o777)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func cmdRmdir(_ context.Context, s *Shell, args []string) error {
	for _, p := range args {
		if err := s.fs.Rmdir(p); err != nil {
			return err
		}
	}
	return nil
}

func cmdRm(ctx context.Context, s *Shell, args []string) error {
	recursive := false
	if args[0] == "-r" {
		recursive = true
		args = args[1:]
	}
	for _, p := range args {
		var err error
		if recursive {
			err = s.removeAll(ctx, s.fs.Resolve(p))
		} else {
			err = s.fs.Unlink(p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Shell) removeAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := s.fs.Lstat(path)
	if err != nil {
		return err
	}
	if st.Mode.Kind() != vfs.KindDirectory {
		return s.fs.Unlink(path)
	}
	names, err := s.fs.Readdir(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if err := s.removeAll(ctx, vpath.Join2(path, name)); err != nil {
			return err
		}
	}
	return s.fs.Rmdir(path)
}

func cmdMv(_ context.Context, s *Shell, args []string) error {
	return s.fs.Rename(args[0], args[1])
}

func cmdLn(_ context.Context, s *Shell, args []string) error {
	if args[0] != "-s" {
		return errors.Unsupported("ln", "hard links")
	}
	if len(args) != 3 {
		return fmt.Errorf("usage: ln -s target link")
	}
	return s.fs.Symlink(args[1], args[2])
}

func cmdReadlink(_ context.Context, s *Shell, args []string) error {
	target, err := s.fs.Readlink(args[0])
	if err != nil {
		return err
	}
	s.printf("%s\n", target)
	return nil
}

func cmdStat(_ context.Context, s *Shell, args []string) error {
	for _, p := range args {
		st, err := s.fs.Lstat(p)
		if err != nil {
			return err
		}
		s.printf("  File: %s\n", p)
		s.printf("  Size: %-10d Blocks: %-6d IO Block: %-6d %s\n", st.Size, st.Blocks, st.Blksize, st.Mode.Kind())
		s.printf("Device: %-9d Inode: %-9d Links: %d\n", st.Dev, st.Ino, st.Nlink)
		s.printf("Access: (%04o/%s)  Uid: %d  Gid: %d\n", st.Mode.Perm(), ModeString(st.Mode), st.UID, st.GID)
		s.printf("Modify: %s\n", st.Mtime.Format(time.RFC3339Nano))
	}
	return nil
}

func cmdChmod(_ context.Context, s *Shell, args []string) error {
	mode, err := strconv.ParseUint(args[0], 8, 32)
	if err != nil {
		return errors.InvalidArgument("chmod", "mode must be octal")
	}
	for _, p := range args[1:] {
		if err := s.fs.Chmod(p, vfs.Mode(mode)); err != nil {
			return err
		}
	}
	return nil
}

func cmdTruncate(_ context.Context, s *Shell, args []string) error {
	size, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return errors.InvalidArgument("truncate", "size must be a number")
	}
	return s.fs.Truncate(args[1], size)
}

func cmdCd(_ context.Context, s *Shell, args []string) error {
	dir := "/home/web_user"
	if len(args) == 1 {
		dir = args[0]
	}
	return s.fs.Chdir(dir)
}

func cmdPwd(_ context.Context, s *Shell, _ []string) error {
	s.printf("%s\n", s.fs.Cwd())
	return nil
}

func cmdTree(ctx context.Context, s *Shell, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	s.printf("%s\n", root)
	dirs, files := 0, 0
	var walk func(path, indent string) error
	walk = func(path, indent string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := s.fs.Entries(path)
		if err != nil {
			return err
		}
		var kids []vfs.DirEntry
		for _, e := range entries {
			if e.Name != "." && e.Name != ".." {
				kids = append(kids, e)
			}
		}
		for i, e := range kids {
			branch, next := "|-- ", "|   "
			if i == len(kids)-1 {
				branch, next = "`-- ", "    "
			}
			child := vpath.Join2(path, e.Name)
			if e.Type == vfs.KindSymlink {
				target, _ := s.fs.Readlink(child)
				s.printf("%s%s%s -> %s\n", indent, branch, e.Name, target)
				files++
				continue
			}
			s.printf("%s%s%s\n", indent, branch, e.Name)
			if e.Type != vfs.KindDirectory {
				files++
				continue
			}
			dirs++
			if err := walk(child, indent+next); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(s.fs.Resolve(root), ""); err != nil {
		return err
	}
	s.printf("\n%d directories, %d files\n", dirs, files)
	return nil
}

func cmdUmask(_ context.Context, s *Shell, args []string) error {
	if len(args) == 0 {
		old := s.fs.Umask(0)
		s.fs.Umask(old)
		s.printf("%04o\n", old)
		return nil
	}
	mask, err := strconv.ParseUint(args[0], 8, 32)
	if err != nil || mask > 0o777 {
		return errors.InvalidArgument("umask", "mask must be octal")
	}
	s.fs.Umask(vfs.Mode(mask))
	return nil
}

func cmdMount(ctx context.Context, s *Shell, args []string) error {
	var opts []vfs.MountOption
	var target *snapshot.Target
	if len(args) == 2 {
		target = snapshot.New(args[1])
		opts = append(opts, vfs.WithSyncer(target))
	}
	m, err := s.fs.Mount(vfs.NewMemStore(), args[0], opts...)
	if err != nil {
		return err
	}
	if target != nil {
		return target.Sync(ctx, s.fs, m, true)
	}
	return nil
}

func cmdUmount(_ context.Context, s *Shell, args []string) error {
	return s.fs.Unmount(args[0])
}

func cmdDf(ctx context.Context, s *Shell, _ []string) error {
	s.printf("%-20s %-12s %8s %10s %s\n", "Mounted on", "Store", "Nodes", "Bytes", "Snapshot")
	for _, m := range s.fs.Mounts() {
		nodes, bytes, err := usage(ctx, s.fs, m)
		if err != nil {
			return err
		}
		snap := "-"
		if t, ok := m.Syncer().(*snapshot.Target); ok {
			snap = t.Path()
		}
		s.printf("%-20s %-12s %8d %10d %s\n", m.Mountpoint(), storeName(m.Store()), nodes, bytes, snap)
	}
	s.printf("%d nodes in use\n", s.fs.NodeCount())
	return nil
}

// usage counts the nodes and file bytes of one mount.
func usage(ctx context.Context, fs *vfs.FS, m *vfs.Mount) (int, int64, error) {
	records, err := snapshot.Collect(ctx, fs, m)
	if err != nil {
		return 0, 0, err
	}
	var bytes int64
	for _, r := range records {
		bytes += int64(len(r.Data))
	}
	return len(records), bytes, nil
}

func storeName(st vfs.Store) string {
	name := fmt.Sprintf("%T", st)
	name = strings.TrimPrefix(name, "*")
	return strings.TrimPrefix(name, "vfs.")
}

func cmdSync(ctx context.Context, s *Shell, _ []string) error {
	return s.fs.SyncFS(ctx, false)
}

func cmdLoad(ctx context.Context, s *Shell, _ []string) error {
	return s.fs.SyncFS(ctx, true)
}

func cmdEnv(_ context.Context, s *Shell, _ []string) error {
	keys := make([]string, 0, len(s.env))
	for k := range s.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.printf("%s=%s\n", k, s.env[k])
	}
	return nil
}

// ncTimeout bounds one nc exchange.
const ncTimeout = 5 * time.Second

// cmdNc sends a line over a stream socket, half-closes it and prints
// everything the peer sends back until it closes.
func cmdNc(ctx context.Context, s *Shell, args []string) error {
	host := args[0]
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return errors.InvalidArgument("nc", "port must be a number")
	}
	if s.sockets == nil {
		s.sockets = socket.New(s.fs, socket.WithTransport(s.transport))
	}
	l := s.sockets

	family := socket.AF_INET
	if strings.Contains(host, ":") {
		family = socket.AF_INET6
	}
	sock, err := l.Socket(family, socket.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	fd := sock.FD()
	defer l.CloseFD(fd)

	ctx, cancel := context.WithTimeout(ctx, ncTimeout)
	defer cancel()
	wait := func(err error) error {
		if !errors.IsKind(err, errors.KindWouldBlock) {
			return err
		}
		if werr := l.Inbox().Wait(ctx); werr != nil {
			return errors.Wrap("nc", errors.KindUnreachable, werr, host)
		}
		return nil
	}

	if err := l.Connect(fd, host, uint16(port)); err != nil && !errors.IsKind(err, errors.KindWouldBlock) {
		return err
	}

	payload := []byte(strings.Join(args[2:], " ") + "\n")
	for len(payload) > 0 {
		n, err := l.Send(fd, payload, socket.Addr{})
		if err != nil {
			if err := wait(err); err != nil {
				return err
			}
			continue
		}
		payload = payload[n:]
	}
	if err := l.Shutdown(fd, socket.SHUT_WR); err != nil {
		return err
	}

	for {
		data, _, err := l.Recv(fd, 4096)
		if err != nil {
			if err := wait(err); err != nil {
				return err
			}
			continue
		}
		if len(data) == 0 {
			return nil
		}
		s.out.Write(data)
	}
}

// ModeString renders mode the way ls -l does.
func ModeString(m vfs.Mode) string {
	var b [10]byte
	switch m.Kind() {
	case vfs.KindDirectory:
		b[0] = 'd'
	case vfs.KindSymlink:
		b[0] = 'l'
	case vfs.KindCharDevice:
		b[0] = 'c'
	case vfs.KindSocket:
		b[0] = 's'
	default:
		b[0] = '-'
	}
	const rwx = "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if m&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		} else {
			b[i+1] = '-'
		}
	}
	return string(b[:])
}
