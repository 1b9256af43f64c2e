package vfs

// Open flags (musl numbering).
const (
	O_RDONLY    = 0x0
	O_WRONLY    = 0x1
	O_RDWR      = 0x2
	O_ACCMODE   = 0x3
	O_CREAT     = 0o100
	O_EXCL      = 0o200
	O_NOCTTY    = 0o400
	O_TRUNC     = 0o1000
	O_APPEND    = 0o2000
	O_NONBLOCK  = 0o4000
	O_DIRECTORY = 0o200000
	O_NOFOLLOW  = 0o400000
	O_CLOEXEC   = 0o2000000
)

// Seek whence values.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// Memory protection and mapping flags.
const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4

	MAP_SHARED    = 0x1
	MAP_PRIVATE   = 0x2
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

// Poll event bits.
const (
	POLLIN     = 0x1
	POLLPRI    = 0x2
	POLLOUT    = 0x4
	POLLERR    = 0x8
	POLLHUP    = 0x10
	POLLNVAL   = 0x20
	POLLRDNORM = 0x40
)

// fcntl commands.
const (
	F_DUPFD = 0
	F_GETFD = 1
	F_SETFD = 2
	F_GETFL = 3
	F_SETFL = 4
)

// access(2) mode bits.
const (
	F_OK = 0
	X_OK = 1
	W_OK = 2
	R_OK = 4
)

const (
	// DefaultMaxOpenFDs is the largest descriptor number handed out.
	DefaultMaxOpenFDs = 4096

	// maxSymlinkHops bounds consecutive symlink substitutions in one lookup.
	maxSymlinkHops = 40

	// maxLookupDepth bounds nested lookups started from symlink targets.
	maxLookupDepth = 8

	// BlockSize is the st_blksize reported for every node.
	BlockSize = 4096
)

type perm uint8

const (
	permRead perm = 1 << iota
	permWrite
	permExec
)

// flagsPerm returns the access an open with flags requires.
func flagsPerm(flags int) perm {
	var p perm
	switch flags & O_ACCMODE {
	case O_RDONLY:
		p = permRead
	case O_WRONLY:
		p = permWrite
	default:
		p = permRead | permWrite
	}
	if flags&O_TRUNC != 0 {
		p |= permWrite
	}
	return p
}
