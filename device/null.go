package device

// Null discards writes and reads as empty.
type Null struct{}

func (Null) Open() error                   { return nil }
func (Null) Close() error                  { return nil }
func (Null) Read(_ []byte) (int, error)    { return 0, nil }
func (Null) Write(src []byte) (int, error) { return len(src), nil }

// Zero discards writes and reads as an endless run of zero bytes.
type Zero struct{}

func (Zero) Open() error  { return nil }
func (Zero) Close() error { return nil }

func (Zero) Read(dst []byte) (int, error) {
	clear(dst)
	return len(dst), nil
}

func (Zero) Write(src []byte) (int, error) { return len(src), nil }
