package memory

import (
	"fmt"
)

// Arena is a linear memory backed by a Go byte slice. Address 0 is never
// handed out so it can serve as a null pointer.
type Arena struct {
	*FreeList
	buf []byte
}

// arenaBase keeps address 0 unused.
const arenaBase = 16

// NewArena creates an arena of size bytes.
func NewArena(size uint32) *Arena {
	a := &Arena{buf: make([]byte, size)}
	a.FreeList = NewFreeList(arenaBase, size, nil)
	return a
}

// Read returns a copy of length bytes at offset.
func (a *Arena) Read(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(a.buf)) {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	out := make([]byte, length)
	copy(out, a.buf[offset:end])
	return out, nil
}

// Write copies data to offset.
func (a *Arena) Write(offset uint32, data []byte) error {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(a.buf)) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	copy(a.buf[offset:end], data)
	return nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint32 {
	return uint32(len(a.buf))
}
