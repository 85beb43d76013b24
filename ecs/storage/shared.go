package storage

import (
	"fmt"
	"reflect"
	"sync"

	ecs "github.com/DangerosoDavo/ecsim"
)

// NewSharedStrategy constructs a strategy whose stores intern equal values: entities
// holding equal data reference one stored instance. It suits tag components and values
// common to many entities, such as a swarm's attraction point.
//
// Setting a value never mutates the instance other entities see; the entity is moved to
// the interned instance equal to the new value.
func NewSharedStrategy() ecs.StorageStrategy {
	return sharedStrategy{}
}

type sharedStrategy struct{}

func (sharedStrategy) Name() string {
	return "shared"
}

func (sharedStrategy) NewStore(t ecs.ComponentType) ecs.ComponentStore {
	return &sharedStore{
		typ:      t,
		values:   make(map[uint32]*sharedValue),
		byKey:    make(map[any]uint32),
		nextID:   1,
		position: make(map[ecs.EntityID]int),
	}
}

type sharedValue struct {
	data     any
	key      any
	keyed    bool
	refCount int
}

type sharedStore struct {
	mu     sync.RWMutex
	typ    ecs.ComponentType
	values map[uint32]*sharedValue
	// byKey indexes comparable values; others are found by a DeepEqual scan.
	byKey  map[any]uint32
	nextID uint32

	entities []ecs.EntityID
	valueIDs []uint32
	position map[ecs.EntityID]int
}

func (s *sharedStore) ComponentType() ecs.ComponentType {
	return s.typ
}

func (s *sharedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func (s *sharedStore) Has(id ecs.EntityID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.position[id]
	return ok
}

func (s *sharedStore) Get(id ecs.EntityID) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.position[id]
	if !ok {
		return nil, false
	}
	v, ok := s.values[s.valueIDs[pos]]
	if !ok {
		return nil, false
	}
	return v.data, true
}

func (s *sharedStore) Iterate(fn func(ecs.EntityID, any) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, id := range s.entities {
		v, ok := s.values[s.valueIDs[i]]
		if !ok {
			continue
		}
		if !fn(id, v.data) {
			return
		}
	}
}

func (s *sharedStore) Set(id ecs.EntityID, value any) error {
	if id.IsZero() {
		return fmt.Errorf("shared: cannot set zero entity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	valueID := s.internLocked(value)
	if pos, ok := s.position[id]; ok {
		s.releaseLocked(s.valueIDs[pos])
		s.valueIDs[pos] = valueID
		return nil
	}
	s.position[id] = len(s.entities)
	s.entities = append(s.entities, id)
	s.valueIDs = append(s.valueIDs, valueID)
	return nil
}

func (s *sharedStore) Remove(id ecs.EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.position[id]
	if !ok {
		return false
	}
	s.releaseLocked(s.valueIDs[pos])

	last := len(s.entities) - 1
	if pos != last {
		moved := s.entities[last]
		s.entities[pos] = moved
		s.valueIDs[pos] = s.valueIDs[last]
		s.position[moved] = pos
	}
	s.entities = s.entities[:last]
	s.valueIDs = s.valueIDs[:last]
	delete(s.position, id)
	return true
}

func (s *sharedStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = make(map[uint32]*sharedValue)
	s.byKey = make(map[any]uint32)
	s.position = make(map[ecs.EntityID]int)
	s.entities = nil
	s.valueIDs = nil
}

func (s *sharedStore) internLocked(value any) uint32 {
	keyed := value != nil && reflect.TypeOf(value).Comparable() && comparableValue(value)
	if keyed {
		if valueID, ok := s.byKey[value]; ok {
			s.values[valueID].refCount++
			return valueID
		}
	} else {
		for valueID, v := range s.values {
			if !v.keyed && reflect.DeepEqual(v.data, value) {
				v.refCount++
				return valueID
			}
		}
	}

	valueID := s.nextID
	s.nextID++
	s.values[valueID] = &sharedValue{data: value, key: value, keyed: keyed, refCount: 1}
	if keyed {
		s.byKey[value] = valueID
	}
	return valueID
}

func (s *sharedStore) releaseLocked(valueID uint32) {
	v, ok := s.values[valueID]
	if !ok {
		return
	}
	v.refCount--
	if v.refCount > 0 {
		return
	}
	delete(s.values, valueID)
	if v.keyed {
		delete(s.byKey, v.key)
	}
}

// comparableValue reports whether value works as a map key: comparing it must not panic
// and it must equal itself, which rules out NaN fields.
func comparableValue(value any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return value == value
}

// Stats returns statistics about the shared store for debugging and optimization.
func (s *sharedStore) Stats() SharedStorageStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SharedStorageStats{
		EntityCount:      len(s.entities),
		UniqueValueCount: len(s.values),
		SharingRatio:     float64(len(s.entities)) / float64(max(len(s.values), 1)),
	}
}

// SharedStorageStats provides metrics about shared component storage efficiency.
type SharedStorageStats struct {
	EntityCount      int     // entities holding a value
	UniqueValueCount int     // interned values
	SharingRatio     float64 // entities per interned value
}

// StatsOf reports interning statistics when store came from NewSharedStrategy.
func StatsOf(store ecs.ComponentView) (SharedStorageStats, bool) {
	shared, ok := store.(*sharedStore)
	if !ok {
		return SharedStorageStats{}, false
	}
	return shared.Stats(), true
}

var _ ecs.ComponentStore = (*sharedStore)(nil)
