package wasmvfs

// Memory is a linear address space the filesystem maps file contents into.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
}

// MemorySizer provides the current size of linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// Allocator allocates regions of linear memory
type Allocator interface {
	Alloc(size, align uint32) (uint32, error)
	Free(ptr, size, align uint32)
}

// MappedMemory is a memory together with the allocator that manages it.
// mmap copies file contents into regions obtained from it.
type MappedMemory interface {
	Memory
	Allocator
}
