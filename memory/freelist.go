package memory

import (
	"fmt"
	"sort"

	"github.com/wippyai/wasm-vfs/errors"
)

// Span is a contiguous address range.
type Span struct {
	Addr uint32
	Size uint32
}

// FreeList is a first-fit allocator over an address range. It only does
// bookkeeping; callers own the bytes. Adjacent free spans are coalesced.
type FreeList struct {
	free  []Span
	live  map[uint32]uint32
	grow  func(need uint32) (Span, bool)
	limit uint32
}

// NewFreeList manages [base, limit). grow, when non-nil, is asked for more
// address space when no free span fits.
func NewFreeList(base, limit uint32, grow func(need uint32) (Span, bool)) *FreeList {
	fl := &FreeList{
		live:  make(map[uint32]uint32),
		grow:  grow,
		limit: limit,
	}
	if limit > base {
		fl.free = []Span{{Addr: base, Size: limit - base}}
	}
	return fl
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Alloc returns the address of a free region of size bytes aligned to align
// (a power of two; values below 8 are raised to 8).
func (fl *FreeList) Alloc(size, align uint32) (uint32, error) {
	if size == 0 {
		return 0, errors.InvalidArgument("alloc", "zero size")
	}
	if align < 8 {
		align = 8
	}
	if align&(align-1) != 0 {
		return 0, errors.InvalidArgument("alloc", fmt.Sprintf("alignment %d not a power of two", align))
	}

	if addr, ok := fl.take(size, align); ok {
		return addr, nil
	}
	if fl.grow != nil {
		if s, ok := fl.grow(size + align); ok {
			fl.release(s)
			fl.limit = max(fl.limit, s.Addr+s.Size)
			if addr, ok := fl.take(size, align); ok {
				return addr, nil
			}
		}
	}
	return 0, errors.New("alloc", errors.KindOutOfMemory).
		Detail("failed to allocate %d bytes (align %d)", size, align).Build()
}

func (fl *FreeList) take(size, align uint32) (uint32, bool) {
	for i, s := range fl.free {
		start := alignUp(s.Addr, align)
		end := s.Addr + s.Size
		if start < s.Addr || start > end || end-start < size {
			continue
		}

		var rest []Span
		if start > s.Addr {
			rest = append(rest, Span{Addr: s.Addr, Size: start - s.Addr})
		}
		if tail := end - (start + size); tail > 0 {
			rest = append(rest, Span{Addr: start + size, Size: tail})
		}
		fl.free = append(fl.free[:i], append(rest, fl.free[i+1:]...)...)
		fl.live[start] = size
		return start, true
	}
	return 0, false
}

// Free returns a region obtained from Alloc. Unknown addresses are ignored.
func (fl *FreeList) Free(ptr, _, _ uint32) {
	size, ok := fl.live[ptr]
	if !ok {
		return
	}
	delete(fl.live, ptr)
	fl.release(Span{Addr: ptr, Size: size})
}

func (fl *FreeList) release(s Span) {
	i := sort.Search(len(fl.free), func(i int) bool { return fl.free[i].Addr > s.Addr })
	fl.free = append(fl.free, Span{})
	copy(fl.free[i+1:], fl.free[i:])
	fl.free[i] = s

	if i+1 < len(fl.free) && fl.free[i].Addr+fl.free[i].Size == fl.free[i+1].Addr {
		fl.free[i].Size += fl.free[i+1].Size
		fl.free = append(fl.free[:i+1], fl.free[i+2:]...)
	}
	if i > 0 && fl.free[i-1].Addr+fl.free[i-1].Size == fl.free[i].Addr {
		fl.free[i-1].Size += fl.free[i].Size
		fl.free = append(fl.free[:i], fl.free[i+1:]...)
	}
}

// Live returns the number of outstanding allocations.
func (fl *FreeList) Live() int {
	return len(fl.live)
}

// FreeBytes returns the total size of free spans.
func (fl *FreeList) FreeBytes() uint32 {
	var n uint32
	for _, s := range fl.free {
		n += s.Size
	}
	return n
}
