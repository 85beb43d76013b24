package ecs

import "fmt"

// EntityBuilder collects components for a new entity and attaches them all on Spawn.
//
//	id, err := world.NewEntity().
//	    With("position", Position{}).
//	    With("drawable", Drawable{}).
//	    Spawn()
type EntityBuilder struct {
	world *World
	parts []builderPart
}

type builderPart struct {
	component ComponentType
	value     any
}

// NewEntity starts building an entity. No identifier is allocated until Spawn.
func (w *World) NewEntity() *EntityBuilder {
	return &EntityBuilder{world: w}
}

// With queues a component value. A later value for the same type replaces an earlier one.
func (b *EntityBuilder) With(t ComponentType, value any) *EntityBuilder {
	for i := range b.parts {
		if b.parts[i].component == t {
			b.parts[i].value = value
			return b
		}
	}
	b.parts = append(b.parts, builderPart{component: t, value: value})
	return b
}

// Spawn validates every queued component, then creates the entity and attaches them.
// Either all components are attached or no entity is left behind.
func (b *EntityBuilder) Spawn() (EntityID, error) {
	types := make([]ComponentType, 0, len(b.parts))
	for _, part := range b.parts {
		if !b.world.Registered(part.component) {
			return EntityID{}, fmt.Errorf("%w: %s", ErrComponentNotRegistered, part.component)
		}
		if err := b.world.checkValue(part.component, part.value); err != nil {
			return EntityID{}, err
		}
		types = append(types, part.component)
	}

	lock, err := b.world.borrow(nil, types, true)
	if err != nil {
		return EntityID{}, fmt.Errorf("ecs: spawn: %w", err)
	}
	defer lock.Release()

	id := b.world.CreateEntity()
	for _, part := range b.parts {
		if err := lock.stores[part.component].Set(id, part.value); err != nil {
			for _, store := range lock.stores {
				store.Remove(id)
			}
			b.world.registry.Destroy(id)
			return EntityID{}, fmt.Errorf("ecs: spawn %v: %w", id, err)
		}
	}
	return id, nil
}
