package esruntime

import "fmt"

// AutoIDMap is a keyed store that assigns every inserted element a fresh
// uint64 id. Ids start at 1, increase strictly, and are never reused, so
// an id observed anywhere in the system refers to at most one element
// ever. The zero id is never assigned and can be used as a sentinel by
// callers.
//
// AutoIDMap is not safe for concurrent use. Inside the runtime every
// instance is confined to the event-loop goroutine.
type AutoIDMap[T any] struct {
	lastID  uint64
	entries map[uint64]T
}

// NewAutoIDMap creates an empty map.
func NewAutoIDMap[T any]() *AutoIDMap[T] {
	return &AutoIDMap[T]{entries: make(map[uint64]T)}
}

// Insert stores v under a newly assigned id and returns that id.
func (m *AutoIDMap[T]) Insert(v T) uint64 {
	m.lastID++
	m.entries[m.lastID] = v
	return m.lastID
}

// Replace overwrites the element stored under id. The id must already be
// present: Replace never assigns ids, so callers cannot forge them.
func (m *AutoIDMap[T]) Replace(id uint64, v T) error {
	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("replace id %d: %w", id, ErrNoSuchEntry)
	}
	m.entries[id] = v
	return nil
}

// Get returns the element stored under id, if any.
func (m *AutoIDMap[T]) Get(id uint64) (T, bool) {
	v, ok := m.entries[id]
	return v, ok
}

// Remove deletes the element stored under id and returns it. Removing an
// unknown id is a caller bug and reported as ErrNoSuchEntry; the id space
// is never recycled, so the id cannot belong to a later element.
func (m *AutoIDMap[T]) Remove(id uint64) (T, error) {
	v, ok := m.entries[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("remove id %d: %w", id, ErrNoSuchEntry)
	}
	delete(m.entries, id)
	return v, nil
}

// Contains reports whether id is currently present.
func (m *AutoIDMap[T]) Contains(id uint64) bool {
	_, ok := m.entries[id]
	return ok
}

// Len returns the number of stored elements.
func (m *AutoIDMap[T]) Len() int {
	return len(m.entries)
}
