package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed    = errors.New("descriptor table closed")
	ErrExhausted = errors.New("no free descriptor in range")
	ErrRange     = errors.New("descriptor range invalid")
)

// LocalBackend stores values in a dense slice indexed by handle. Free slots
// are found by scanning upward from the requested minimum, so the smallest
// free handle is always reused first.
type LocalBackend[T any] struct {
	entries []entry[T]
	used    int
	mu      sync.RWMutex
	closed  bool
}

type entry[T any] struct {
	value T
	valid bool
}

// NewLocalBackend creates a new in-memory backend.
func NewLocalBackend[T any]() *LocalBackend[T] {
	return &LocalBackend[T]{
		entries: make([]entry[T], 0, 16),
	}
}

// Create stores value at the smallest free handle in [lo, hi].
func (b *LocalBackend[T]) Create(value T, lo, hi Handle) (Handle, error) {
	if lo < 0 || hi < lo {
		return Invalid, ErrRange
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Invalid, ErrClosed
	}

	for h := lo; h <= hi; h++ {
		if int(h) >= len(b.entries) {
			b.grow(int(h) + 1)
		}
		if !b.entries[h].valid {
			b.entries[h] = entry[T]{value: value, valid: true}
			b.used++
			return h, nil
		}
	}
	return Invalid, ErrExhausted
}

func (b *LocalBackend[T]) grow(n int) {
	if n <= cap(b.entries) {
		b.entries = b.entries[:n]
		return
	}
	next := make([]entry[T], n, max(n, 2*cap(b.entries)))
	copy(next, b.entries)
	b.entries = next
}

// Get retrieves a value by handle.
func (b *LocalBackend[T]) Get(handle Handle) (T, bool) {
	var zero T
	if handle < 0 {
		return zero, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if int(handle) >= len(b.entries) {
		return zero, false
	}
	e := b.entries[handle]
	if !e.valid {
		return zero, false
	}
	return e.value, true
}

// Drop removes a value and returns it.
func (b *LocalBackend[T]) Drop(handle Handle) (T, bool) {
	var zero T
	if handle < 0 {
		return zero, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if int(handle) >= len(b.entries) {
		return zero, false
	}
	e := &b.entries[handle]
	if !e.valid {
		return zero, false
	}

	value := e.value
	*e = entry[T]{}
	b.used--

	for len(b.entries) > 0 && !b.entries[len(b.entries)-1].valid {
		b.entries = b.entries[:len(b.entries)-1]
	}
	return value, true
}

// Close releases all values, calling Drop on those that implement Dropper.
func (b *LocalBackend[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for i := range b.entries {
		if b.entries[i].valid {
			if d, ok := any(b.entries[i].value).(Dropper); ok {
				d.Drop()
			}
		}
	}
	b.entries = nil
	b.used = 0
	return nil
}

// Len returns the number of live handles.
func (b *LocalBackend[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.used
}

// Each iterates over live handles in ascending order.
func (b *LocalBackend[T]) Each(fn func(Handle, T) bool) {
	b.mu.RLock()
	snapshot := make([]entry[T], len(b.entries))
	copy(snapshot, b.entries)
	b.mu.RUnlock()

	for i, e := range snapshot {
		if e.valid {
			if !fn(Handle(i), e.value) {
				return
			}
		}
	}
}
