package resource

import (
	"sync"
)

// Table is a descriptor table with lifecycle observers. Handles are
// allocated smallest-free-first within [0, Limit()].
type Table[T any] struct {
	backend   *LocalBackend[T]
	observers []Observer
	limit     Handle
	obsMu     sync.RWMutex
}

// NewTable creates a table whose largest handle is limit.
func NewTable[T any](limit Handle) *Table[T] {
	return &Table[T]{
		backend: NewLocalBackend[T](),
		limit:   limit,
	}
}

// Limit returns the largest handle the table hands out.
func (t *Table[T]) Limit() Handle {
	return t.limit
}

// Insert stores value at the smallest free handle.
func (t *Table[T]) Insert(value T) (Handle, error) {
	return t.InsertRange(value, 0, t.limit)
}

// InsertRange stores value at the smallest free handle in [lo, hi]. hi is
// clamped to Limit().
func (t *Table[T]) InsertRange(value T, lo, hi Handle) (Handle, error) {
	hi = min(hi, t.limit)
	handle, err := t.backend.Create(value, lo, hi)
	if err != nil {
		return Invalid, err
	}

	t.notify(Event{
		Type:   EventCreated,
		Handle: handle,
		Value:  value,
	})
	return handle, nil
}

// Get retrieves a value by handle.
func (t *Table[T]) Get(handle Handle) (T, bool) {
	return t.backend.Get(handle)
}

// Remove frees handle and returns its value.
func (t *Table[T]) Remove(handle Handle) (T, bool) {
	value, ok := t.backend.Drop(handle)
	if !ok {
		return value, false
	}

	t.notify(Event{
		Type:   EventDropped,
		Handle: handle,
		Value:  value,
	})
	return value, true
}

// Subscribe adds an observer for lifecycle events.
func (t *Table[T]) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	return t.backend.Len()
}

// Each iterates over live handles in ascending order.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	t.backend.Each(fn)
}

// Handles returns the live handles in ascending order.
func (t *Table[T]) Handles() []Handle {
	var out []Handle
	t.backend.Each(func(h Handle, _ T) bool {
		out = append(out, h)
		return true
	})
	return out
}

// Clear removes every value, notifying observers.
func (t *Table[T]) Clear() {
	for _, h := range t.Handles() {
		t.Remove(h)
	}
}

// Close releases all values and stops accepting inserts.
func (t *Table[T]) Close() error {
	return t.backend.Close()
}

func (t *Table[T]) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
