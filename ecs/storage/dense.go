package storage

import (
	"fmt"

	ecs "github.com/DangerosoDavo/ecsim"
)

type denseStrategy struct{}

// NewDenseStrategy constructs a sparse-set storage strategy: values live in a packed
// array and a sparse index maps entity slots into it.
func NewDenseStrategy() ecs.StorageStrategy {
	return denseStrategy{}
}

func (denseStrategy) Name() string {
	return "dense"
}

func (denseStrategy) NewStore(t ecs.ComponentType) ecs.ComponentStore {
	return &denseStore{typ: t}
}

// denseStore is not synchronized; the world's per-type guard serializes writers.
type denseStore struct {
	typ ecs.ComponentType
	// sparse[entity index] is the packed position plus one; zero means absent.
	sparse   []uint32
	entities []ecs.EntityID
	values   []any
}

func (s *denseStore) ComponentType() ecs.ComponentType {
	return s.typ
}

func (s *denseStore) Len() int {
	return len(s.entities)
}

func (s *denseStore) slot(id ecs.EntityID) (int, bool) {
	idx := int(id.Index())
	if idx >= len(s.sparse) {
		return 0, false
	}
	pos := s.sparse[idx]
	if pos == 0 {
		return 0, false
	}
	if s.entities[pos-1] != id {
		return 0, false
	}
	return int(pos - 1), true
}

func (s *denseStore) Has(id ecs.EntityID) bool {
	_, ok := s.slot(id)
	return ok
}

func (s *denseStore) Get(id ecs.EntityID) (any, bool) {
	pos, ok := s.slot(id)
	if !ok {
		return nil, false
	}
	return s.values[pos], true
}

// Iterate walks the packed array. Order follows insertion, disturbed by swap-removals.
func (s *denseStore) Iterate(fn func(ecs.EntityID, any) bool) {
	for i, id := range s.entities {
		if !fn(id, s.values[i]) {
			return
		}
	}
}

func (s *denseStore) Set(id ecs.EntityID, value any) error {
	if id.IsZero() {
		return fmt.Errorf("dense: cannot set zero entity")
	}
	if pos, ok := s.slot(id); ok {
		s.values[pos] = value
		return nil
	}
	idx := int(id.Index())
	if idx >= len(s.sparse) {
		s.sparse = append(s.sparse, make([]uint32, idx+1-len(s.sparse))...)
	}
	if pos := s.sparse[idx]; pos != 0 {
		// A stale generation occupies the slot.
		s.removeAt(int(pos - 1))
	}
	s.entities = append(s.entities, id)
	s.values = append(s.values, value)
	s.sparse[idx] = uint32(len(s.entities))
	return nil
}

func (s *denseStore) Remove(id ecs.EntityID) bool {
	pos, ok := s.slot(id)
	if !ok {
		return false
	}
	s.removeAt(pos)
	return true
}

func (s *denseStore) removeAt(pos int) {
	last := len(s.entities) - 1
	removed := s.entities[pos]
	if pos != last {
		moved := s.entities[last]
		s.entities[pos] = moved
		s.values[pos] = s.values[last]
		s.sparse[moved.Index()] = uint32(pos + 1)
	}
	s.sparse[removed.Index()] = 0
	s.values[last] = nil
	s.entities = s.entities[:last]
	s.values = s.values[:last]
}

func (s *denseStore) Clear() {
	clear(s.sparse)
	clear(s.values)
	s.entities = s.entities[:0]
	s.values = s.values[:0]
}

var _ ecs.ComponentStore = (*denseStore)(nil)
