package vfs

import (
	"github.com/wippyai/wasm-vfs/errors"
)

// mmapAlign is the alignment of regions allocated for mappings.
const mmapAlign = 64 * 1024

// Mapping is a region of memory holding a copy of file contents.
type Mapping struct {
	stream *Stream
	// Addr is the start of the region in memory.
	Addr   uint32
	Length uint32
	// Offset is the file position the region starts at.
	Offset int64
	Prot   int
	Flags  int
	// Allocated is set when the region was obtained from the allocator and
	// must be freed by Munmap.
	Allocated bool
}

// Mmap copies length bytes of the file behind s, starting at position, into
// a freshly allocated and zeroed region.
func (fs *FS) Mmap(s *Stream, length uint32, position int64, prot, flags int) (*Mapping, error) {
	const op = "mmap"
	if s.closed {
		return nil, errors.E(op, errors.KindBadFileDescriptor, s.path)
	}
	access := s.shared.flags & O_ACCMODE
	if prot&PROT_WRITE != 0 && flags&MAP_PRIVATE == 0 && access != O_RDWR {
		return nil, errors.E(op, errors.KindPermissionDenied, s.path)
	}
	if access == O_WRONLY {
		return nil, errors.E(op, errors.KindPermissionDenied, s.path)
	}
	if s.ops != nil || s.node.Kind() != KindRegularFile {
		return nil, errors.E(op, errors.KindNoDevice, s.path)
	}
	if length == 0 || position < 0 {
		return nil, errors.E(op, errors.KindInvalidArgument, s.path)
	}

	mem, err := fs.mapping()
	if err != nil {
		return nil, errors.WithOp(err, op, s.path)
	}
	addr, err := mem.Alloc(length, mmapAlign)
	if err != nil {
		return nil, errors.Wrap(op, errors.KindOutOfMemory, err, s.path)
	}

	buf := make([]byte, length)
	if _, err := s.node.mount.store.Read(s.node, buf, position); err != nil {
		mem.Free(addr, length, mmapAlign)
		return nil, errors.WithOp(err, op, s.path)
	}
	if err := mem.Write(addr, buf); err != nil {
		mem.Free(addr, length, mmapAlign)
		return nil, errors.Wrap(op, errors.KindIO, err, s.path)
	}

	return &Mapping{
		stream:    s,
		Addr:      addr,
		Length:    length,
		Offset:    position,
		Prot:      prot,
		Flags:     flags,
		Allocated: true,
	}, nil
}

// Msync writes [offset, offset+length) of a shared mapping back to the
// file. Private mappings are left alone. Bytes past the current end of the
// file are not written.
func (fs *FS) Msync(m *Mapping, offset, length uint32) error {
	const op = "msync"
	if m.Flags&MAP_PRIVATE != 0 {
		return nil
	}
	s := m.stream
	if s.node.Kind() != KindRegularFile {
		return errors.E(op, errors.KindNoDevice, s.path)
	}
	if uint64(offset)+uint64(length) > uint64(m.Length) {
		return errors.E(op, errors.KindInvalidArgument, s.path)
	}

	pos := m.Offset + int64(offset)
	size := int64(s.node.usedBytes)
	if pos >= size {
		return nil
	}
	length = uint32(min(int64(length), size-pos))

	mem, err := fs.mapping()
	if err != nil {
		return errors.WithOp(err, op, s.path)
	}
	buf, err := mem.Read(m.Addr+offset, length)
	if err != nil {
		return errors.Wrap(op, errors.KindIO, err, s.path)
	}
	if _, err := s.node.mount.store.Write(s.node, buf, pos); err != nil {
		return errors.WithOp(err, op, s.path)
	}
	return nil
}

// Munmap syncs a writable shared mapping and releases its region.
func (fs *FS) Munmap(m *Mapping) error {
	var err error
	if m.Prot&PROT_WRITE != 0 {
		err = fs.Msync(m, 0, m.Length)
	}
	if m.Allocated {
		mem, merr := fs.mapping()
		if merr == nil {
			mem.Free(m.Addr, m.Length, mmapAlign)
		}
		m.Allocated = false
	}
	return err
}
