package errors

import (
	"syscall"

	"golang.org/x/sys/unix"
)

var hostErrnos = map[Kind]syscall.Errno{
	KindNotFound:          unix.ENOENT,
	KindAlreadyExists:     unix.EEXIST,
	KindNotADirectory:     unix.ENOTDIR,
	KindIsADirectory:      unix.EISDIR,
	KindDirectoryNotEmpty: unix.ENOTEMPTY,
	KindPermissionDenied:  unix.EACCES,
	KindNotPermitted:      unix.EPERM,
	KindInvalidArgument:   unix.EINVAL,
	KindTooManySymlinks:   unix.ELOOP,
	KindTooManyOpenFiles:  unix.EMFILE,
	KindBadFileDescriptor: unix.EBADF,
	KindInvalidSeek:       unix.ESPIPE,
	KindCrossDevice:       unix.EXDEV,
	KindBusy:              unix.EBUSY,
	KindNotConnected:      unix.ENOTCONN,
	KindWouldBlock:        unix.EAGAIN,
	KindConnectionRefused: unix.ECONNREFUSED,
	KindUnreachable:       unix.EHOSTUNREACH,
	KindAddressInUse:      unix.EADDRINUSE,
	KindNotSupported:      unix.ENOTSUP,
	KindNoDevice:          unix.ENODEV,
	KindOutOfMemory:       unix.ENOMEM,
	KindNotATTY:           unix.ENOTTY,
	KindIO:                unix.EIO,
}

// HostErrno maps err to the host errno value. nil maps to 0 and errors
// without a kind map to EIO.
func HostErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := hostErrnos[KindOf(err)]; ok {
		return errno
	}
	return unix.EIO
}

// FromHostErrno converts a host errno to an error of the matching kind.
func FromHostErrno(op string, errno syscall.Errno) *Error {
	for k, e := range hostErrnos {
		if e == errno {
			return &Error{Op: op, Kind: k, Cause: errno}
		}
	}
	return &Error{Op: op, Kind: KindIO, Cause: errno}
}
