package ecs

import "fmt"

// NewCreateEntityCommand enqueues a new entity creation. If target is non-nil it receives the allocated ID.
func NewCreateEntityCommand(target *EntityID) Command {
	return createEntityCommand{target: target}
}

// NewSpawnCommand enqueues creation of an entity carrying the builder's components.
func NewSpawnCommand(build func(*EntityBuilder) *EntityBuilder, target *EntityID) Command {
	return spawnCommand{build: build, target: target}
}

// NewDestroyEntityCommand enqueues an entity deletion, removing all of its components.
func NewDestroyEntityCommand(id EntityID) Command {
	return destroyEntityCommand{entity: id}
}

// NewAddComponentCommand enqueues a component addition.
func NewAddComponentCommand(id EntityID, component ComponentType, value any) Command {
	return addComponentCommand{entity: id, component: component, value: value}
}

// NewRemoveComponentCommand enqueues a component removal.
func NewRemoveComponentCommand(id EntityID, component ComponentType) Command {
	return removeComponentCommand{entity: id, component: component}
}

type createEntityCommand struct {
	target *EntityID
}

type spawnCommand struct {
	build  func(*EntityBuilder) *EntityBuilder
	target *EntityID
}

type destroyEntityCommand struct {
	entity EntityID
}

type addComponentCommand struct {
	entity    EntityID
	component ComponentType
	value     any
}

type removeComponentCommand struct {
	entity    EntityID
	component ComponentType
}

func (c createEntityCommand) Apply(world *World) error {
	id := world.CreateEntity()
	if c.target != nil {
		*c.target = id
	}
	return nil
}

func (c spawnCommand) Apply(world *World) error {
	builder := world.NewEntity()
	if c.build != nil {
		builder = c.build(builder)
	}
	id, err := builder.Spawn()
	if err != nil {
		return err
	}
	if c.target != nil {
		*c.target = id
	}
	return nil
}

func (c destroyEntityCommand) Apply(world *World) error {
	if c.entity.IsZero() {
		return fmt.Errorf("ecs: destroy zero entity")
	}
	if !world.Destroy(c.entity) {
		return fmt.Errorf("%w: destroy %v", ErrEntityNotAlive, c.entity)
	}
	return nil
}

func (c addComponentCommand) Apply(world *World) error {
	if c.entity.IsZero() {
		return fmt.Errorf("ecs: add component to zero entity")
	}
	return world.Insert(c.entity, c.component, c.value)
}

func (c removeComponentCommand) Apply(world *World) error {
	if c.entity.IsZero() {
		return fmt.Errorf("ecs: remove component from zero entity")
	}
	_, err := world.Remove(c.entity, c.component)
	return err
}

var (
	_ Command = createEntityCommand{}
	_ Command = spawnCommand{}
	_ Command = destroyEntityCommand{}
	_ Command = addComponentCommand{}
	_ Command = removeComponentCommand{}
)
