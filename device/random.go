package device

import (
	"crypto/rand"

	"github.com/wippyai/wasm-vfs/errors"
)

// MaxRandomRead caps a single read from the random devices (1MB).
const MaxRandomRead = 1 << 20

// Random serves cryptographically secure bytes. Writes are accepted and
// ignored.
type Random struct{}

func (Random) Open() error  { return nil }
func (Random) Close() error { return nil }

func (Random) Read(dst []byte) (int, error) {
	if len(dst) > MaxRandomRead {
		dst = dst[:MaxRandomRead]
	}
	if _, err := rand.Read(dst); err != nil {
		return 0, errors.Wrap("read", errors.KindIO, err, "random source failed")
	}
	return len(dst), nil
}

func (Random) Write(src []byte) (int, error) { return len(src), nil }
