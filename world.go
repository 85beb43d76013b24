package ecs

import (
	"fmt"
	"reflect"
	"sync"
)

type WorldOption func(*World)

// NewWorld constructs a world with default registries and providers.
func NewWorld(opts ...WorldOption) *World {
	w := &World{worldState: &worldState{
		registry:  NewEntityRegistry(),
		storage:   newStorageProvider(),
		resources: newResourceContainer(),
		guards:    make(map[ComponentType]*sync.RWMutex),
		types:     make(map[ComponentType]reflect.Type),
	}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WithEntityRegistry overrides the default registry.
func WithEntityRegistry(registry *EntityRegistry) WorldOption {
	return func(w *World) {
		if registry != nil {
			w.registry = registry
		}
	}
}

// WithStorageProvider overrides the default storage provider.
func WithStorageProvider(provider StorageProvider) WorldOption {
	return func(w *World) {
		if provider != nil {
			w.storage = provider
		}
	}
}

// WithResourceContainer overrides the default resource container.
func WithResourceContainer(container ResourceContainer) WorldOption {
	return func(w *World) {
		if container != nil {
			w.resources = container
		}
	}
}

// Registry exposes the backing entity registry.
func (w *World) Registry() *EntityRegistry {
	return w.registry
}

// Storage returns the storage provider used by the world.
func (w *World) Storage() StorageProvider {
	return w.storage
}

// Resources exposes the resource container.
func (w *World) Resources() ResourceContainer {
	return w.resources
}

// RegisterComponent registers an untyped component store. Values inserted later are not
// type checked; prefer Register for component types with a fixed Go type.
func (w *World) RegisterComponent(t ComponentType, strategy StorageStrategy) error {
	return w.register(t, strategy, nil)
}

// Register registers component type t whose values are always of Go type T.
func Register[T any](w *World, t ComponentType, strategy StorageStrategy) error {
	return w.register(t, strategy, reflect.TypeFor[T]())
}

func (w *World) register(t ComponentType, strategy StorageStrategy, goType reflect.Type) error {
	if err := w.storage.RegisterComponent(t, strategy); err != nil {
		return err
	}
	w.mu.Lock()
	w.guards[t] = &sync.RWMutex{}
	if goType != nil {
		w.types[t] = goType
	}
	w.mu.Unlock()
	return nil
}

// Registered reports whether t has a store in this world.
func (w *World) Registered(t ComponentType) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.guards[t]
	return ok
}

// ViewComponent retrieves a component view by type without taking its guard.
// Callers outside a tick should prefer Borrow.
func (w *World) ViewComponent(t ComponentType) (ComponentView, error) {
	return w.storage.View(t)
}

// CreateEntity allocates a new entity with no components.
func (w *World) CreateEntity() EntityID {
	return w.registry.Create()
}

// Insert attaches value to id, replacing any previous value of the same type.
func (w *World) Insert(id EntityID, t ComponentType, value any) error {
	if !w.registry.IsAlive(id) {
		return fmt.Errorf("%w: %v", ErrEntityNotAlive, id)
	}
	if err := w.checkValue(t, value); err != nil {
		return err
	}
	b, err := w.borrow(nil, []ComponentType{t}, true)
	if err != nil {
		return err
	}
	defer b.Release()
	return b.stores[t].Set(id, value)
}

// Remove detaches component t from id, reporting whether a value was present.
func (w *World) Remove(id EntityID, t ComponentType) (bool, error) {
	b, err := w.borrow(nil, []ComponentType{t}, true)
	if err != nil {
		return false, err
	}
	defer b.Release()
	return b.stores[t].Remove(id), nil
}

// Destroy removes every component of id and releases the identifier. It reports false
// when id is not alive or, inside a system run, when a store guard is unavailable.
func (w *World) Destroy(id EntityID) bool {
	if !w.registry.IsAlive(id) {
		return false
	}
	var guarded []ComponentType
	for _, t := range w.storage.Types() {
		if w.Registered(t) {
			guarded = append(guarded, t)
			continue
		}
		if store, err := w.storage.Store(t); err == nil {
			store.Remove(id)
		}
	}
	b, err := w.borrow(nil, guarded, true)
	if err != nil {
		return false
	}
	for _, store := range b.stores {
		store.Remove(id)
	}
	b.Release()
	return w.registry.Destroy(id)
}

// bind returns a view of w whose guard acquisition is checked against scope.
func (w *World) bind(scope *Borrow) *World {
	return &World{worldState: w.worldState, scope: scope}
}

// ApplyCommands executes deferred commands against the world.
func (w *World) ApplyCommands(commands []Command) error {
	return w.storage.Apply(w, commands)
}

func (w *World) guard(t ComponentType) (*sync.RWMutex, error) {
	w.mu.RLock()
	g, ok := w.guards[t]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrComponentNotRegistered, t)
	}
	return g, nil
}

func (w *World) goType(t ComponentType) reflect.Type {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.types[t]
}

func (w *World) checkValue(t ComponentType, value any) error {
	want := w.goType(t)
	if want == nil {
		return nil
	}
	if got := reflect.TypeOf(value); got != want {
		return fmt.Errorf("%w: %s holds %v, got %v", ErrComponentTypeMismatch, t, want, got)
	}
	return nil
}

func (w *World) checkHandle(t ComponentType, handle reflect.Type) error {
	want := w.goType(t)
	if want == nil || want == handle {
		return nil
	}
	return fmt.Errorf("%w: %s holds %v, handle wants %v", ErrComponentTypeMismatch, t, want, handle)
}
