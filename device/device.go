package device

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/wippyai/wasm-vfs/errors"
)

// ID packs a major and minor device number.
type ID uint32

// Make builds a device id from its major and minor numbers.
func Make(major, minor uint32) ID {
	return ID(major<<8 | minor&0xff)
}

// Major returns the major number.
func (id ID) Major() uint32 { return uint32(id) >> 8 }

// Minor returns the minor number.
func (id ID) Minor() uint32 { return uint32(id) & 0xff }

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Major(), id.Minor())
}

// Well-known device ids.
var (
	NullID    = Make(1, 3)
	ZeroID    = Make(1, 5)
	RandomID  = Make(1, 8)
	URandomID = Make(1, 9)
	TTYID     = Make(5, 0)
	TTY1ID    = Make(6, 0)
)

// Ops is the operation table of a character device. Devices are not
// seekable, so reads and writes carry no position.
type Ops interface {
	Open() error
	Close() error
	Read(dst []byte) (int, error)
	Write(src []byte) (int, error)
}

// Flusher is implemented by devices that buffer output.
type Flusher interface {
	Flush() error
}

// Ioctler is implemented by devices that accept control requests.
type Ioctler interface {
	Ioctl(req uint32, arg any) error
}

// Registry maps device ids to operation tables.
type Registry struct {
	devices map[ID]Ops
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[ID]Ops)}
}

// Register installs ops under id, replacing any previous entry.
func (r *Registry) Register(id ID, ops Ops) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = ops
	Logger().Debug("device registered", zapID(id))
}

// Unregister removes id.
func (r *Registry) Unregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// Get returns the operation table for id.
func (r *Registry) Get(id ID) (Ops, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops, ok := r.devices[id]
	if !ok {
		return nil, errors.New("device", errors.KindNoDevice).Detail("no device %s", id).Build()
	}
	return ops, nil
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stdio names the host endpoints behind the terminal devices.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Node describes a device file created under /dev.
type Node struct {
	Name string
	ID   ID
}

// DefaultNodes lists the device files of a fresh filesystem.
var DefaultNodes = []Node{
	{Name: "null", ID: NullID},
	{Name: "zero", ID: ZeroID},
	{Name: "random", ID: RandomID},
	{Name: "urandom", ID: URandomID},
	{Name: "tty", ID: TTYID},
	{Name: "tty1", ID: TTY1ID},
}

// RegisterDefaults installs the built-in devices. tty writes to Stdout and
// reads from Stdin; tty1 writes to Stderr. Nil endpoints discard output and
// report no input.
func (r *Registry) RegisterDefaults(stdio Stdio) {
	r.Register(NullID, Null{})
	r.Register(ZeroID, Zero{})
	r.Register(RandomID, Random{})
	r.Register(URandomID, Random{})
	r.Register(TTYID, NewTTY(stdio.Stdin, stdio.Stdout))
	r.Register(TTY1ID, NewTTY(nil, stdio.Stderr))
}
