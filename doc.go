// Package wasmvfs provides an in-memory POSIX filesystem for WebAssembly
// hosts.
//
// Guests see a single rooted tree with directories, regular files, symlinks,
// character devices and sockets, addressed through integer descriptors.
// Everything lives in host memory; a mount can optionally be synced to a
// durable snapshot.
//
// # Architecture Overview
//
//	wasmvfs/           Root package with Memory and Allocator interfaces
//	├── vpath/         Path normalization and resolution
//	├── errors/        Error kinds with stable numeric codes
//	├── resource/      Descriptor table (smallest-free allocation)
//	├── device/        Device registry and built-in devices
//	├── vfs/           Node table, mounts, memory store, streams, mmap
//	├── socket/        Socket layer sharing the descriptor table
//	├── memory/        Allocator implementations, wazero adapter
//	├── snapshot/      Durable sync target for mounts
//	├── fusefs/        Host export over FUSE
//	├── config/        YAML configuration and default environment
//	├── shell/         Command interpreter over a filesystem
//	└── cmd/vfsh/      Interactive shell
//
// # Quick Start
//
//	fs, err := vfs.New(vfs.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fs.CloseAll()
//
//	s, err := fs.Open("/tmp/hello", vfs.O_CREAT|vfs.O_RDWR, 0o644)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fs.Write(s, []byte("hello"), nil)
//	fs.Close(s)
//
// # Memory Mapping
//
// Mmap copies file bytes into memory obtained from a MappedMemory. Use
// memory.NewArena for host-side buffers or memory.NewGuest to map into a
// wazero module's linear memory:
//
//	mem := memory.NewGuest(mod.ExportedMemory("memory"), 1<<16)
//	fs, _ := vfs.New(vfs.Options{Memory: mem})
package wasmvfs
