package vfs

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/device"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/resource"
)

// StreamOps replaces node-level I/O for streams that are not backed by a
// store or a device, such as sockets. pos is the stream position; custom
// streams are not seekable and may ignore it.
type StreamOps interface {
	Read(s *Stream, dst []byte, pos int64) (int, error)
	Write(s *Stream, src []byte, pos int64) (int, error)
	Close(s *Stream) error
}

// Poller is implemented by StreamOps that report readiness.
type Poller interface {
	Poll(s *Stream) uint32
}

// streamShared is aliased by every duplicate of a stream.
type streamShared struct {
	flags    int
	position int64
	refs     int
}

// Stream is an open file description bound to a descriptor number.
type Stream struct {
	node     *Node
	shared   *streamShared
	ops      StreamOps
	dev      device.Ops
	path     string
	ungotten []byte
	fd       resource.Handle
	seekable bool
	closed   bool
}

func (s *Stream) FD() int            { return int(s.fd) }
func (s *Stream) Node() *Node        { return s.node }
func (s *Stream) Path() string       { return s.path }
func (s *Stream) Flags() int         { return s.shared.flags }
func (s *Stream) Position() int64    { return s.shared.position }
func (s *Stream) Seekable() bool     { return s.seekable }
func (s *Stream) IsClosed() bool     { return s.closed }
func (s *Stream) Ops() StreamOps     { return s.ops }
func (s *Stream) Device() device.Ops { return s.dev }

// Readable reports whether the stream was opened for reading.
func (s *Stream) Readable() bool { return s.shared.flags&O_ACCMODE != O_WRONLY }

// Writable reports whether the stream was opened for writing.
func (s *Stream) Writable() bool { return s.shared.flags&O_ACCMODE != O_RDONLY }

// Open opens path. With O_CREAT a missing regular file is created with
// perm; O_EXCL makes an existing one an error. O_TRUNC empties an existing
// regular file.
func (fs *FS) Open(path string, flags int, perm Mode) (*Stream, error) {
	const op = "open"
	if path == "" {
		return nil, errors.E(op, errors.KindNotFound, path)
	}

	var node *Node
	res, err := fs.LookupPath(path, LookupOptions{Follow: flags&O_NOFOLLOW == 0})
	switch {
	case err == nil:
		node = res.Node
	case flags&O_CREAT == 0 || !errors.IsKind(err, errors.KindNotFound):
		return nil, errors.WithOp(err, op, path)
	}

	created := false
	if flags&O_CREAT != 0 {
		if node != nil {
			if flags&O_EXCL != 0 {
				return nil, errors.E(op, errors.KindAlreadyExists, path)
			}
		} else {
			node, err = fs.Mknod(path, perm&PermMask|S_IFREG, 0)
			if err != nil {
				return nil, errors.WithOp(err, op, path)
			}
			created = true
		}
	}

	if node.Kind() == KindCharDevice {
		flags &^= O_TRUNC
	}
	if flags&O_DIRECTORY != 0 && node.Kind() != KindDirectory {
		return nil, errors.E(op, errors.KindNotADirectory, path)
	}
	if !created {
		if err := fs.mayOpen(node, flags); err != nil {
			return nil, errors.WithOp(err, op, path)
		}
	}
	if flags&O_TRUNC != 0 && !created {
		if err := fs.truncateNode(op, path, node, 0); err != nil {
			return nil, err
		}
	}

	flags &^= O_CREAT | O_EXCL | O_TRUNC | O_NOFOLLOW
	return fs.openNode(op, node, fs.GetPath(node), flags)
}

// OpenNode opens an already resolved node.
func (fs *FS) OpenNode(node *Node, flags int) (*Stream, error) {
	const op = "open"
	if err := fs.mayOpen(node, flags); err != nil {
		return nil, errors.WithOp(err, op, node.name)
	}
	return fs.openNode(op, node, fs.GetPath(node), flags&^(O_CREAT|O_EXCL|O_TRUNC|O_NOFOLLOW))
}

func (fs *FS) openNode(op string, node *Node, path string, flags int) (*Stream, error) {
	s := &Stream{
		node:     node,
		path:     path,
		shared:   &streamShared{flags: flags, refs: 1},
		seekable: node.Kind() == KindRegularFile || node.Kind() == KindDirectory,
	}
	if node.Kind() == KindCharDevice {
		dev, err := fs.devices.Get(node.rdev)
		if err != nil {
			return nil, errors.WithOp(err, op, path)
		}
		if err := dev.Open(); err != nil {
			return nil, errors.WithOp(err, op, path)
		}
		s.dev = dev
	}
	if err := fs.installStream(s, 0, fs.streams.Limit()); err != nil {
		if s.dev != nil {
			s.dev.Close()
		}
		return nil, errors.WithOp(err, op, path)
	}
	return s, nil
}

// CreateStream installs a stream with custom operations on node at the
// smallest free descriptor. The socket layer uses this.
func (fs *FS) CreateStream(node *Node, flags int, ops StreamOps) (*Stream, error) {
	s := &Stream{
		node:   node,
		path:   node.name,
		shared: &streamShared{flags: flags, refs: 1},
		ops:    ops,
	}
	if err := fs.installStream(s, 0, fs.streams.Limit()); err != nil {
		return nil, errors.WithOp(err, "socket", node.name)
	}
	return s, nil
}

func (fs *FS) installStream(s *Stream, lo, hi resource.Handle) error {
	fd, err := fs.streams.InsertRange(s, lo, hi)
	switch err {
	case nil:
		s.fd = fd
		return nil
	case resource.ErrExhausted:
		return errors.E("", errors.KindTooManyOpenFiles, "")
	case resource.ErrRange:
		return errors.E("", errors.KindBadFileDescriptor, "")
	default:
		return errors.Wrap("", errors.KindIO, err, "descriptor table")
	}
}

// GetStream returns the open stream for fd.
func (fs *FS) GetStream(fd int) (*Stream, error) {
	s, ok := fs.streams.Get(resource.Handle(fd))
	if !ok {
		return nil, errors.New("getstream", errors.KindBadFileDescriptor).Detail("fd %d", fd).Build()
	}
	return s, nil
}

// Streams returns the open streams in descriptor order.
func (fs *FS) Streams() []*Stream {
	var out []*Stream
	fs.streams.Each(func(_ resource.Handle, s *Stream) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Close releases the descriptor. The close hook of the device or custom
// operations runs when the last duplicate is closed.
func (fs *FS) Close(s *Stream) error {
	const op = "close"
	if s.closed {
		return errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	s.closed = true
	s.shared.refs--

	var err error
	if s.shared.refs == 0 {
		switch {
		case s.ops != nil:
			err = s.ops.Close(s)
		case s.dev != nil:
			err = s.dev.Close()
		}
	}
	fs.streams.Remove(s.fd)
	if err != nil {
		Logger().Debug("close hook failed", zap.Int("fd", int(s.fd)), zap.Error(err))
		return errors.WithOp(err, op, s.path)
	}
	return nil
}

func (fs *FS) dupInto(s *Stream, lo, hi resource.Handle) (*Stream, error) {
	if s.closed {
		return nil, errors.E("dup", errors.KindBadFileDescriptor, s.path)
	}
	d := &Stream{
		node:     s.node,
		path:     s.path,
		shared:   s.shared,
		ops:      s.ops,
		dev:      s.dev,
		seekable: s.seekable,
	}
	if err := fs.installStream(d, lo, hi); err != nil {
		return nil, errors.WithOp(err, "dup", s.path)
	}
	s.shared.refs++
	return d, nil
}

// Dup duplicates s onto the smallest free descriptor. Both share flags and
// position.
func (fs *FS) Dup(s *Stream) (*Stream, error) {
	return fs.dupInto(s, 0, fs.streams.Limit())
}

// DupMin duplicates s onto the smallest free descriptor not below min.
func (fs *FS) DupMin(s *Stream, lowest int) (*Stream, error) {
	if lowest < 0 {
		return nil, errors.E("dup", errors.KindInvalidArgument, s.path)
	}
	return fs.dupInto(s, resource.Handle(lowest), fs.streams.Limit())
}

// Dup2 duplicates s onto fd, closing whatever was open there.
func (fs *FS) Dup2(s *Stream, fd int) (*Stream, error) {
	const op = "dup2"
	if s.closed {
		return nil, errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	if fd < 0 || resource.Handle(fd) > fs.streams.Limit() {
		return nil, errors.New(op, errors.KindBadFileDescriptor).Detail("fd %d", fd).Build()
	}
	if fd == int(s.fd) {
		return s, nil
	}
	if old, ok := fs.streams.Get(resource.Handle(fd)); ok {
		if err := fs.Close(old); err != nil {
			Logger().Debug("dup2 close failed", zap.Int("fd", fd), zap.Error(err))
		}
	}
	return fs.dupInto(s, resource.Handle(fd), resource.Handle(fd))
}

// Read reads into dst from the stream cursor, or from *pos without moving
// the cursor. Short reads are not errors; 0 means end of file.
func (fs *FS) Read(s *Stream, dst []byte, pos *int64) (int, error) {
	const op = "read"
	if s.closed || !s.Readable() {
		return 0, errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	if s.node.Kind() == KindDirectory {
		return 0, errors.E(op, errors.KindIsADirectory, s.path)
	}
	seeking := pos != nil
	if seeking && !s.seekable {
		return 0, errors.E(op, errors.KindInvalidSeek, s.path)
	}

	position := s.shared.position
	if seeking {
		position = *pos
	}
	if position < 0 {
		return 0, errors.E(op, errors.KindInvalidArgument, s.path)
	}

	n := 0
	if !seeking && len(s.ungotten) > 0 {
		n = copy(dst, s.ungotten)
		s.ungotten = s.ungotten[n:]
		if n == len(dst) {
			return n, nil
		}
	}

	read, err := fs.readStream(s, dst[n:], position)
	if err != nil {
		if n > 0 {
			return n, nil
		}
		return 0, errors.WithOp(err, op, s.path)
	}
	if !seeking {
		s.shared.position += int64(read)
	}
	return n + read, nil
}

func (fs *FS) readStream(s *Stream, dst []byte, pos int64) (int, error) {
	switch {
	case s.ops != nil:
		return s.ops.Read(s, dst, pos)
	case s.dev != nil:
		return s.dev.Read(dst)
	}
	return s.node.mount.store.Read(s.node, dst, pos)
}

// Write writes src at the stream cursor, or at *pos without moving the
// cursor. With O_APPEND a cursor write first moves the cursor to the end of
// the file; a positioned write leaves it alone.
func (fs *FS) Write(s *Stream, src []byte, pos *int64) (int, error) {
	const op = "write"
	if s.closed || !s.Writable() {
		return 0, errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	if s.node.Kind() == KindDirectory {
		return 0, errors.E(op, errors.KindIsADirectory, s.path)
	}
	if s.seekable && s.shared.flags&O_APPEND != 0 && pos == nil {
		if _, err := fs.Llseek(s, 0, SEEK_END); err != nil {
			return 0, errors.WithOp(err, op, s.path)
		}
	}
	seeking := pos != nil
	if seeking && !s.seekable {
		return 0, errors.E(op, errors.KindInvalidSeek, s.path)
	}

	position := s.shared.position
	if seeking {
		position = *pos
	}
	if position < 0 {
		return 0, errors.E(op, errors.KindInvalidArgument, s.path)
	}

	var (
		n   int
		err error
	)
	switch {
	case s.ops != nil:
		n, err = s.ops.Write(s, src, position)
	case s.dev != nil:
		n, err = s.dev.Write(src)
	default:
		if err = fs.checkPerm(s.node, permWrite); err == nil {
			n, err = s.node.mount.store.Write(s.node, src, position)
		}
	}
	if err != nil {
		return n, errors.WithOp(err, op, s.path)
	}
	if !seeking {
		s.shared.position += int64(n)
	}
	return n, nil
}

// Llseek moves the cursor and returns the new position. Pushed-back bytes
// are discarded.
func (fs *FS) Llseek(s *Stream, offset int64, whence int) (int64, error) {
	const op = "llseek"
	if s.closed {
		return 0, errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	if !s.seekable {
		return 0, errors.E(op, errors.KindInvalidSeek, s.path)
	}

	position := offset
	switch whence {
	case SEEK_SET:
	case SEEK_CUR:
		position += s.shared.position
	case SEEK_END:
		if s.node.Kind() == KindRegularFile {
			st, err := s.node.mount.store.Getattr(s.node)
			if err != nil {
				return 0, errors.WithOp(err, op, s.path)
			}
			position += st.Size
		}
	default:
		return 0, errors.E(op, errors.KindInvalidArgument, s.path)
	}
	if position < 0 {
		return 0, errors.E(op, errors.KindInvalidArgument, s.path)
	}

	s.shared.position = position
	s.ungotten = nil
	return position, nil
}

// Allocate reserves storage for [offset, offset+length) of a regular file.
func (fs *FS) Allocate(s *Stream, offset, length int64) error {
	const op = "allocate"
	if s.closed || !s.Writable() {
		return errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	if offset < 0 || length <= 0 {
		return errors.E(op, errors.KindInvalidArgument, s.path)
	}
	if s.node.Kind() != KindRegularFile {
		return errors.E(op, errors.KindNoDevice, s.path)
	}
	if err := s.node.mount.store.Allocate(s.node, offset, length); err != nil {
		return errors.WithOp(err, op, s.path)
	}
	return nil
}

// Getdents returns up to count directory entries starting at the cursor and
// advances it by the number returned. An empty result means the end.
func (fs *FS) Getdents(s *Stream, count int) ([]DirEntry, error) {
	const op = "getdents"
	if s.closed {
		return nil, errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	entries, err := fs.dirEntries(s.node)
	if err != nil {
		return nil, errors.WithOp(err, op, s.path)
	}
	start := s.shared.position
	if start >= int64(len(entries)) {
		return nil, nil
	}
	end := min(int64(len(entries)), start+int64(count))
	s.shared.position = end
	return entries[start:end], nil
}

// Unread pushes bytes back so the next cursor read returns them first.
func (fs *FS) Unread(s *Stream, b []byte) {
	s.ungotten = append(append([]byte(nil), b...), s.ungotten...)
}

// Fcntl implements the descriptor commands F_DUPFD, F_GETFD, F_SETFD,
// F_GETFL and F_SETFL. F_SETFL only changes O_APPEND and O_NONBLOCK.
func (fs *FS) Fcntl(s *Stream, cmd, arg int) (int, error) {
	const op = "fcntl"
	if s.closed {
		return 0, errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	switch cmd {
	case F_DUPFD:
		d, err := fs.DupMin(s, arg)
		if err != nil {
			return 0, err
		}
		return d.FD(), nil
	case F_GETFD, F_SETFD:
		return 0, nil
	case F_GETFL:
		return s.shared.flags, nil
	case F_SETFL:
		const settable = O_APPEND | O_NONBLOCK
		s.shared.flags = s.shared.flags&^settable | arg&settable
		return 0, nil
	}
	return 0, errors.New(op, errors.KindInvalidArgument).Path(s.path).Detail("command %d", cmd).Build()
}

// Ioctl forwards a control request to the device behind s.
func (fs *FS) Ioctl(s *Stream, req uint32, arg any) error {
	const op = "ioctl"
	if s.closed {
		return errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	ioc, ok := s.dev.(device.Ioctler)
	if !ok {
		return errors.E(op, errors.KindNotATTY, s.path)
	}
	if err := ioc.Ioctl(req, arg); err != nil {
		return errors.WithOp(err, op, s.path)
	}
	return nil
}

// Poll reports readiness. Streams without a poller are always readable and
// writable.
func (fs *FS) Poll(s *Stream) uint32 {
	if s.closed {
		return POLLNVAL
	}
	if p, ok := s.ops.(Poller); ok {
		return p.Poll(s)
	}
	return POLLIN | POLLOUT
}
