package heap

import "sync/atomic"

// Smart is a reference-counted heap cell. Duplicate shares ownership and
// bumps the count; Drop decrements it and frees the region once it hits
// zero. Handles end up on different task goroutines, so the counter is
// atomic; each individual handle must still only be dropped once.
type Smart[T any] struct {
	cell *smartCell[T]
}

type smartCell[T any] struct {
	region *Region
	value  T
	count  atomic.Int64
}

// NewSmart allocates a region and places value T in a fresh, single-owner
// cell.
func NewSmart[T any](value T) (*Smart[T], error) {
	r, err := Allocate(pageSize)
	if err != nil {
		return nil, err
	}
	cell := &smartCell[T]{region: r, value: value}
	cell.count.Store(1)
	return &Smart[T]{cell: cell}, nil
}

// Value returns the shared value.
func (s *Smart[T]) Value() T {
	return s.cell.value
}

// Duplicate returns a new handle sharing the same cell, incrementing the
// refcount.
func (s *Smart[T]) Duplicate() *Smart[T] {
	s.cell.count.Add(1)
	return &Smart[T]{cell: s.cell}
}

// Drop decrements the refcount, freeing the backing region once it
// reaches zero. Returns true if this call freed the region.
func (s *Smart[T]) Drop() (bool, error) {
	if s.cell == nil {
		return false, nil
	}
	cell := s.cell
	s.cell = nil
	if cell.count.Add(-1) > 0 {
		return false, nil
	}
	return true, cell.region.Free()
}

// Count reports the current refcount (for tests and diagnostics).
func (s *Smart[T]) Count() int {
	return int(s.cell.count.Load())
}
