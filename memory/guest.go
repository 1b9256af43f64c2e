package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

const pageSize = 65536

// Guest adapts a wazero linear memory. Allocation is host-managed: a free
// list over [base, Size()) that grows the memory by whole pages when full.
// Use it when the guest leaves a region of its memory to the host.
type Guest struct {
	*FreeList
	mem api.Memory
}

// NewGuest manages mem from base upward.
func NewGuest(mem api.Memory, base uint32) *Guest {
	g := &Guest{mem: mem}
	g.FreeList = NewFreeList(base, mem.Size(), g.growPages)
	return g
}

func (g *Guest) growPages(need uint32) (Span, bool) {
	pages := (need + pageSize - 1) / pageSize
	prev, ok := g.mem.Grow(pages)
	if !ok {
		return Span{}, false
	}
	Logger().Debug("guest memory grown", zap.Uint32("pages", pages), zap.Uint32("previous", prev))
	return Span{Addr: prev * pageSize, Size: pages * pageSize}, true
}

// Read returns a copy of length bytes at offset.
func (g *Guest) Read(offset, length uint32) ([]byte, error) {
	data, ok := g.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write copies data to offset.
func (g *Guest) Write(offset uint32, data []byte) error {
	if !g.mem.Write(offset, data) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

// Size returns the current memory size in bytes.
func (g *Guest) Size() uint32 {
	return g.mem.Size()
}

// ExportedAllocator allocates through functions the guest exports, such as
// malloc and free.
type ExportedAllocator struct {
	mem     api.Memory
	allocFn api.Function
	freeFn  api.Function
	ctx     context.Context
	mu      sync.Mutex
}

// NewExportedAllocator looks up allocName and freeName in mod. allocName
// must take (size) and return a pointer; freeName takes (ptr).
func NewExportedAllocator(ctx context.Context, mod api.Module, allocName, freeName string) (*ExportedAllocator, error) {
	allocFn := mod.ExportedFunction(allocName)
	if allocFn == nil {
		return nil, fmt.Errorf("export %q not found", allocName)
	}
	freeFn := mod.ExportedFunction(freeName)
	if freeFn == nil {
		return nil, fmt.Errorf("export %q not found", freeName)
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("module has no memory")
	}
	return &ExportedAllocator{mem: mem, allocFn: allocFn, freeFn: freeFn, ctx: ctx}, nil
}

func (a *ExportedAllocator) Alloc(size, _ uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, err := a.allocFn.Call(a.ctx, uint64(size))
	if err != nil {
		return 0, err
	}
	if len(res) == 0 || res[0] == 0 {
		return 0, fmt.Errorf("guest allocator returned null for %d bytes", size)
	}
	return uint32(res[0]), nil
}

func (a *ExportedAllocator) Free(ptr, size, _ uint32) {
	if ptr == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.freeFn.Call(a.ctx, uint64(ptr)); err != nil {
		Logger().Warn("guest free failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

func (a *ExportedAllocator) Read(offset, length uint32) ([]byte, error) {
	data, ok := a.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (a *ExportedAllocator) Write(offset uint32, data []byte) error {
	if !a.mem.Write(offset, data) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}
