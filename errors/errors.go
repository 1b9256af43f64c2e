package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes the error
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindNotADirectory     Kind = "not_a_directory"
	KindIsADirectory      Kind = "is_a_directory"
	KindDirectoryNotEmpty Kind = "directory_not_empty"
	KindPermissionDenied  Kind = "permission_denied"
	KindNotPermitted      Kind = "not_permitted"
	KindInvalidArgument   Kind = "invalid_argument"
	KindTooManySymlinks   Kind = "too_many_symlinks"
	KindTooManyOpenFiles  Kind = "too_many_open_files"
	KindBadFileDescriptor Kind = "bad_file_descriptor"
	KindInvalidSeek       Kind = "invalid_seek"
	KindCrossDevice       Kind = "cross_device"
	KindBusy              Kind = "busy"
	KindNotConnected      Kind = "not_connected"
	KindWouldBlock        Kind = "would_block"
	KindConnectionRefused Kind = "connection_refused"
	KindUnreachable       Kind = "unreachable"
	KindAddressInUse      Kind = "address_in_use"
	KindNotSupported      Kind = "not_supported"
	KindNoDevice          Kind = "no_device"
	KindOutOfMemory       Kind = "out_of_memory"
	KindNotATTY           Kind = "not_a_tty"
	KindIO                Kind = "io"
)

// codes holds WASI errno values. EEXIST is 20 in this numbering.
var codes = map[Kind]uint16{
	KindPermissionDenied:  2,
	KindAddressInUse:      3,
	KindWouldBlock:        6,
	KindBadFileDescriptor: 8,
	KindBusy:              10,
	KindConnectionRefused: 14,
	KindAlreadyExists:     20,
	KindUnreachable:       23,
	KindInvalidArgument:   28,
	KindIO:                29,
	KindIsADirectory:      31,
	KindTooManySymlinks:   32,
	KindTooManyOpenFiles:  33,
	KindNoDevice:          43,
	KindNotFound:          44,
	KindOutOfMemory:       48,
	KindNotConnected:      53,
	KindNotADirectory:     54,
	KindDirectoryNotEmpty: 55,
	KindNotATTY:           59,
	KindNotPermitted:      63,
	KindInvalidSeek:       70,
	KindCrossDevice:       75,
	KindNotSupported:      138,
}

// Code returns the stable numeric code for the kind, or 0 for unknown kinds.
func (k Kind) Code() uint16 {
	return codes[k]
}

// KindFromCode is the inverse of Kind.Code.
func KindFromCode(code uint16) (Kind, bool) {
	for k, c := range codes {
		if c == code {
			return k, true
		}
	}
	return "", false
}

// Error is the structured error type returned by filesystem and socket operations
type Error struct {
	Cause  error
	Op     string
	Path   string
	Kind   Kind
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteByte('[')
		b.WriteString(e.Op)
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same kind. Op and Path are ignored so
// sentinel values like ErrNotFound match any operation.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Code returns the numeric code of the error's kind
func (e *Error) Code() uint16 {
	return e.Kind.Code()
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyExists     = &Error{Kind: KindAlreadyExists}
	ErrNotADirectory     = &Error{Kind: KindNotADirectory}
	ErrIsADirectory      = &Error{Kind: KindIsADirectory}
	ErrDirectoryNotEmpty = &Error{Kind: KindDirectoryNotEmpty}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrTooManySymlinks   = &Error{Kind: KindTooManySymlinks}
	ErrTooManyOpenFiles  = &Error{Kind: KindTooManyOpenFiles}
	ErrBadFileDescriptor = &Error{Kind: KindBadFileDescriptor}
	ErrInvalidSeek       = &Error{Kind: KindInvalidSeek}
	ErrCrossDevice       = &Error{Kind: KindCrossDevice}
	ErrBusy              = &Error{Kind: KindBusy}
	ErrNotConnected      = &Error{Kind: KindNotConnected}
	ErrWouldBlock        = &Error{Kind: KindWouldBlock}
	ErrConnectionRefused = &Error{Kind: KindConnectionRefused}
	ErrUnreachable       = &Error{Kind: KindUnreachable}
	ErrNotSupported      = &Error{Kind: KindNotSupported}
	ErrNoDevice          = &Error{Kind: KindNoDevice}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(op string, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Op:   op,
			Kind: kind,
		},
	}
}

// Path sets the path the operation was applied to
func (b *Builder) Path(path string) *Builder {
	b.err.Path = path
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// E creates an error of the given kind for op on path.
func E(op string, kind Kind, path string) *Error {
	return &Error{Op: op, Kind: kind, Path: path}
}

// Wrap wraps an existing error with additional context
func Wrap(op string, kind Kind, cause error, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// WithOp returns err with op and path filled in when err is an *Error that
// lacks them. Other errors are returned unchanged.
func WithOp(err error, op, path string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	if e.Op != "" && e.Path != "" {
		return err
	}
	c := *e
	if c.Op == "" {
		c.Op = op
	}
	if c.Path == "" {
		c.Path = path
	}
	return &c
}

// KindOf returns the kind of err, or KindIO when err is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Unsupported creates an unsupported operation error
func Unsupported(op, what string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindNotSupported,
		Detail: what,
	}
}

// InvalidArgument creates an invalid argument error
func InvalidArgument(op, detail string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindInvalidArgument,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(op, what, name string) *Error {
	return &Error{
		Op:     op,
		Kind:   KindNotFound,
		Path:   name,
		Detail: what + " not found",
	}
}
