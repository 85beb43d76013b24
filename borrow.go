package ecs

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Borrow holds the runtime guards of a declared access set. Reads take the shared side of
// a store's guard, writes the exclusive side. Guards are acquired in component-type order.
type Borrow struct {
	world    *World
	modes    map[ComponentType]AccessMode
	stores   map[ComponentType]ComponentStore
	held     []heldGuard
	released bool
}

type heldGuard struct {
	guard *sync.RWMutex
	mode  AccessMode
}

// Borrow waits until the requested guards are available. A type listed in both reads and
// writes is borrowed for writing.
func (w *World) Borrow(reads, writes []ComponentType) (*Borrow, error) {
	return w.borrow(reads, writes, true)
}

// TryBorrow is Borrow without waiting: a guard held elsewhere fails with ErrAccessConflict.
func (w *World) TryBorrow(reads, writes []ComponentType) (*Borrow, error) {
	return w.borrow(reads, writes, false)
}

// WithRead runs fn while holding shared guards on types.
func (w *World) WithRead(types []ComponentType, fn func(*Borrow) error) error {
	b, err := w.Borrow(types, nil)
	if err != nil {
		return err
	}
	defer b.Release()
	return fn(b)
}

func (w *World) borrow(reads, writes []ComponentType, wait bool) (*Borrow, error) {
	modes := accessModes(reads, writes)
	if w.scope.live() {
		for t := range modes {
			if held, ok := w.scope.modes[t]; ok {
				return nil, fmt.Errorf("%w: %s already borrowed for %s by the running system", ErrAccessConflict, t, held)
			}
		}
		wait = false
	}
	types := make([]ComponentType, 0, len(modes))
	for t := range modes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	b := &Borrow{
		world:  w,
		modes:  modes,
		stores: make(map[ComponentType]ComponentStore, len(types)),
		held:   make([]heldGuard, 0, len(types)),
	}
	for _, t := range types {
		store, err := w.storage.Store(t)
		if err != nil {
			b.Release()
			return nil, err
		}
		guard, err := w.guard(t)
		if err != nil {
			b.Release()
			return nil, err
		}
		mode := modes[t]
		if !acquire(guard, mode, wait) {
			b.Release()
			return nil, fmt.Errorf("%w: %s %s guard already held", ErrAccessConflict, t, mode)
		}
		b.held = append(b.held, heldGuard{guard: guard, mode: mode})
		b.stores[t] = store
	}
	return b, nil
}

func accessModes(reads, writes []ComponentType) map[ComponentType]AccessMode {
	modes := make(map[ComponentType]AccessMode, len(reads)+len(writes))
	for _, t := range reads {
		modes[t] = AccessModeRead
	}
	for _, t := range writes {
		modes[t] = AccessModeWrite
	}
	return modes
}

func acquire(guard *sync.RWMutex, mode AccessMode, wait bool) bool {
	switch {
	case mode == AccessModeWrite && wait:
		guard.Lock()
		return true
	case mode == AccessModeWrite:
		return guard.TryLock()
	case wait:
		guard.RLock()
		return true
	default:
		return guard.TryRLock()
	}
}

// Release drops every guard. Handles obtained from the borrow stop working afterwards.
func (b *Borrow) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	for i := len(b.held) - 1; i >= 0; i-- {
		h := b.held[i]
		if h.mode == AccessModeWrite {
			h.guard.Unlock()
		} else {
			h.guard.RUnlock()
		}
	}
	b.held = nil
}

// Mode reports how t is borrowed.
func (b *Borrow) Mode(t ComponentType) (AccessMode, bool) {
	if b == nil {
		return 0, false
	}
	mode, ok := b.modes[t]
	return mode, ok
}

func (b *Borrow) live() bool {
	return b != nil && !b.released
}

func (b *Borrow) lookup(t ComponentType, want AccessMode, handle reflect.Type) (ComponentStore, error) {
	if !b.live() {
		return nil, ErrBorrowReleased
	}
	mode, ok := b.modes[t]
	if !ok || (want == AccessModeWrite && mode != AccessModeWrite) {
		return nil, fmt.Errorf("%w: %s %s", ErrUndeclaredAccess, want, t)
	}
	if err := b.world.checkHandle(t, handle); err != nil {
		return nil, err
	}
	return b.stores[t], nil
}

// Read returns a shared handle on t. Writes declared on the borrow may also be read.
func Read[T any](b *Borrow, t ComponentType) (Shared[T], error) {
	store, err := b.lookup(t, AccessModeRead, reflect.TypeFor[T]())
	if err != nil {
		return Shared[T]{}, err
	}
	return Shared[T]{borrow: b, typ: t, view: store}, nil
}

// Write returns an exclusive handle on t, which must be borrowed for writing.
func Write[T any](b *Borrow, t ComponentType) (Exclusive[T], error) {
	store, err := b.lookup(t, AccessModeWrite, reflect.TypeFor[T]())
	if err != nil {
		return Exclusive[T]{}, err
	}
	return Exclusive[T]{borrow: b, typ: t, store: store}, nil
}

// Shared is a read-only handle on one component store.
type Shared[T any] struct {
	borrow *Borrow
	typ    ComponentType
	view   ComponentView
}

func (s Shared[T]) ComponentType() ComponentType { return s.typ }

func (s Shared[T]) Len() int {
	if !s.borrow.live() {
		return 0
	}
	return s.view.Len()
}

func (s Shared[T]) Has(id EntityID) bool {
	return s.borrow.live() && s.view.Has(id)
}

func (s Shared[T]) Get(id EntityID) (T, bool) {
	var zero T
	if !s.borrow.live() {
		return zero, false
	}
	return typedGet[T](s.view, id)
}

// Each visits every present value in store order until fn returns false.
func (s Shared[T]) Each(fn func(EntityID, T) bool) {
	if !s.borrow.live() {
		return
	}
	s.view.Iterate(func(id EntityID, raw any) bool {
		v, ok := raw.(T)
		if !ok {
			return true
		}
		return fn(id, v)
	})
}

func (s Shared[T]) componentType() ComponentType { return s.typ }
func (s Shared[T]) exclusive() bool              { return false }
func (s Shared[T]) source() ComponentView        { return s.view }
func (s Shared[T]) live() bool                   { return s.borrow.live() }
func (s Shared[T]) load(id EntityID) (T, bool)   { return typedGet[T](s.view, id) }
func (s Shared[T]) commit(EntityID, T) error     { return nil }

// Exclusive is a mutable handle on one component store.
type Exclusive[T any] struct {
	borrow *Borrow
	typ    ComponentType
	store  ComponentStore
}

func (x Exclusive[T]) ComponentType() ComponentType { return x.typ }

func (x Exclusive[T]) Len() int {
	if !x.borrow.live() {
		return 0
	}
	return x.store.Len()
}

func (x Exclusive[T]) Has(id EntityID) bool {
	return x.borrow.live() && x.store.Has(id)
}

func (x Exclusive[T]) Get(id EntityID) (T, bool) {
	var zero T
	if !x.borrow.live() {
		return zero, false
	}
	return typedGet[T](x.store, id)
}

// Set attaches or overwrites the value for id.
func (x Exclusive[T]) Set(id EntityID, value T) error {
	if !x.borrow.live() {
		return ErrBorrowReleased
	}
	return x.store.Set(id, value)
}

// Remove detaches the value for id.
func (x Exclusive[T]) Remove(id EntityID) bool {
	return x.borrow.live() && x.store.Remove(id)
}

// Update hands fn a copy of the value for id and stores the result. It reports whether
// id had a value.
func (x Exclusive[T]) Update(id EntityID, fn func(*T)) (bool, error) {
	if !x.borrow.live() {
		return false, ErrBorrowReleased
	}
	v, ok := typedGet[T](x.store, id)
	if !ok {
		return false, nil
	}
	fn(&v)
	return true, x.store.Set(id, v)
}

// Each visits every present value in entity order. The pointer is valid only for the
// duration of the callback; its final value is written back when the callback returns.
func (x Exclusive[T]) Each(fn func(EntityID, *T) bool) error {
	if !x.borrow.live() {
		return ErrBorrowReleased
	}
	for _, id := range snapshotIDs(x.store) {
		v, ok := typedGet[T](x.store, id)
		if !ok {
			continue
		}
		more := fn(id, &v)
		if err := x.store.Set(id, v); err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (x Exclusive[T]) componentType() ComponentType { return x.typ }
func (x Exclusive[T]) exclusive() bool              { return true }
func (x Exclusive[T]) source() ComponentView        { return x.store }
func (x Exclusive[T]) live() bool                   { return x.borrow.live() }
func (x Exclusive[T]) load(id EntityID) (T, bool)   { return typedGet[T](x.store, id) }
func (x Exclusive[T]) commit(id EntityID, v T) error {
	return x.store.Set(id, v)
}

func typedGet[T any](view ComponentView, id EntityID) (T, bool) {
	var zero T
	raw, ok := view.Get(id)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

func snapshotIDs(view ComponentView) []EntityID {
	ids := make([]EntityID, 0, view.Len())
	view.Iterate(func(id EntityID, _ any) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}
