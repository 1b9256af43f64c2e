package device

import (
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-vfs/errors"
)

// Terminal ioctl requests (Linux numbering).
const (
	TCGETS     uint32 = 0x5401
	TCSETS     uint32 = 0x5402
	TCSETSW    uint32 = 0x5403
	TCSETSF    uint32 = 0x5404
	TIOCGPGRP  uint32 = 0x540f
	TIOCSPGRP  uint32 = 0x5410
	TIOCGWINSZ uint32 = 0x5413
	TIOCSWINSZ uint32 = 0x5414
)

// Termios mirrors struct termios.
type Termios struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	CC    [32]byte
}

// DefaultTermios is the mode a fresh tty starts in: canonical input with
// echo, output post-processing enabled.
var DefaultTermios = Termios{
	Iflag: 0x6500,
	Oflag: 0x5,
	Cflag: 0xbf,
	Lflag: 0x8a3b,
	CC: [32]byte{
		0x03, 0x1c, 0x7f, 0x15, 0x04, 0x00, 0x01, 0x00,
		0x11, 0x13, 0x1a, 0x00, 0x12, 0x0f, 0x17, 0x16,
	},
}

// Winsize mirrors struct winsize.
type Winsize struct {
	Rows uint16
	Cols uint16
}

// DefaultWinsize is reported when the sink is not a terminal.
var DefaultWinsize = Winsize{Rows: 24, Cols: 80}

// TTY is a line-buffered terminal. Output accumulates until a newline or
// NUL byte, then the line plus a newline is written to the sink. Input is
// served from pushed bytes first, then from the input reader.
type TTY struct {
	in       io.Reader
	out      io.Writer
	input    []byte
	output   []byte
	termios  Termios
	winsize  *Winsize
	inputEOF bool
}

// NewTTY creates a terminal reading from in and writing lines to out.
func NewTTY(in io.Reader, out io.Writer) *TTY {
	return &TTY{
		in:      in,
		out:     out,
		termios: DefaultTermios,
	}
}

func (t *TTY) Open() error { return nil }

// Close flushes any partial line.
func (t *TTY) Close() error {
	return t.Flush()
}

// PushInput queues bytes for subsequent reads.
func (t *TTY) PushInput(b []byte) {
	t.input = append(t.input, b...)
	t.inputEOF = false
}

// Read returns queued input. With nothing queued and input still open it
// fails with WouldBlock. Once the input reader reports EOF, reads return 0.
func (t *TTY) Read(dst []byte) (int, error) {
	n := 0
	for n < len(dst) {
		if len(t.input) == 0 && !t.fill() {
			break
		}
		c := copy(dst[n:], t.input)
		t.input = t.input[c:]
		n += c
	}
	if n == 0 && !t.inputEOF {
		return 0, errors.E("read", errors.KindWouldBlock, "")
	}
	return n, nil
}

func (t *TTY) fill() bool {
	if t.in == nil || t.inputEOF {
		return false
	}
	buf := make([]byte, 4096)
	n, err := t.in.Read(buf)
	if n > 0 {
		t.input = append(t.input, buf[:n]...)
	}
	if err == io.EOF {
		t.inputEOF = true
	} else if err != nil {
		Logger().Debug("tty input failed", zap.Error(err))
	}
	return n > 0
}

// Write buffers bytes and emits each completed line.
func (t *TTY) Write(src []byte) (int, error) {
	for i, b := range src {
		if b == '\n' || b == 0 {
			if err := t.emit(); err != nil {
				return i, errors.Wrap("write", errors.KindIO, err, "tty sink failed")
			}
			continue
		}
		t.output = append(t.output, b)
	}
	return len(src), nil
}

// Flush emits a pending partial line.
func (t *TTY) Flush() error {
	if len(t.output) == 0 {
		return nil
	}
	return t.emit()
}

func (t *TTY) emit() error {
	line := append(t.output, '\n')
	t.output = t.output[:0]
	if t.out == nil {
		return nil
	}
	_, err := t.out.Write(line)
	return err
}

// Pending returns the buffered, not yet emitted output.
func (t *TTY) Pending() []byte {
	return t.output
}

// Ioctl handles termios and window size requests. arg must be *Termios for
// TCGETS/TCSETS*, *Winsize for TIOCGWINSZ/TIOCSWINSZ and *int32 for the
// process group requests.
func (t *TTY) Ioctl(req uint32, arg any) error {
	switch req {
	case TCGETS:
		p, ok := arg.(*Termios)
		if !ok {
			return errors.InvalidArgument("ioctl", "TCGETS expects *Termios")
		}
		*p = t.termios
	case TCSETS, TCSETSW, TCSETSF:
		p, ok := arg.(*Termios)
		if !ok {
			return errors.InvalidArgument("ioctl", "TCSETS expects *Termios")
		}
		t.termios = *p
	case TIOCGWINSZ:
		p, ok := arg.(*Winsize)
		if !ok {
			return errors.InvalidArgument("ioctl", "TIOCGWINSZ expects *Winsize")
		}
		*p = t.windowSize()
	case TIOCSWINSZ:
		p, ok := arg.(*Winsize)
		if !ok {
			return errors.InvalidArgument("ioctl", "TIOCSWINSZ expects *Winsize")
		}
		ws := *p
		t.winsize = &ws
	case TIOCGPGRP:
		p, ok := arg.(*int32)
		if !ok {
			return errors.InvalidArgument("ioctl", "TIOCGPGRP expects *int32")
		}
		*p = 0
	case TIOCSPGRP:
	default:
		return errors.New("ioctl", errors.KindInvalidArgument).Detail("unknown request %#x", req).Build()
	}
	return nil
}

func (t *TTY) windowSize() Winsize {
	if t.winsize != nil {
		return *t.winsize
	}
	if f, ok := t.out.(*os.File); ok {
		fd := int(f.Fd())
		if isTerminal(fd) {
			if cols, rows, err := term.GetSize(fd); err == nil {
				return Winsize{Rows: uint16(rows), Cols: uint16(cols)}
			}
		}
	}
	return DefaultWinsize
}

var (
	stdoutIsTerminal int32 = -1 // -1 = unchecked, 0 = no, 1 = yes
	stderrIsTerminal int32 = -1
)

func isTerminal(fd int) bool {
	var cached *int32
	switch fd {
	case int(os.Stdout.Fd()):
		cached = &stdoutIsTerminal
	case int(os.Stderr.Fd()):
		cached = &stderrIsTerminal
	default:
		return term.IsTerminal(fd)
	}
	if v := atomic.LoadInt32(cached); v >= 0 {
		return v == 1
	}
	result := term.IsTerminal(fd)
	if result {
		atomic.StoreInt32(cached, 1)
	} else {
		atomic.StoreInt32(cached, 0)
	}
	return result
}
