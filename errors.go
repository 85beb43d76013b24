package ecs

import "errors"

var (
	// ErrComponentAlreadyRegistered indicates an attempt to register the same component twice.
	ErrComponentAlreadyRegistered = errors.New("ecs: component already registered")
	// ErrComponentNotRegistered signals use of a component type the world does not know.
	ErrComponentNotRegistered = errors.New("ecs: component not registered")
	// ErrComponentTypeMismatch is returned when a value or handle disagrees with the registered Go type.
	ErrComponentTypeMismatch = errors.New("ecs: component type mismatch")
	// ErrNilStorageStrategy is returned when storage registration receives a nil strategy.
	ErrNilStorageStrategy = errors.New("ecs: nil storage strategy")
	// ErrNilComponentStore is returned when a strategy produces a nil store.
	ErrNilComponentStore = errors.New("ecs: strategy returned nil store")
	// ErrEntityNotAlive indicates the entity was never created or has been destroyed.
	ErrEntityNotAlive = errors.New("ecs: entity not alive")
	// ErrWorkerPoolClosed indicates jobs cannot be submitted because the pool closed.
	ErrWorkerPoolClosed = errors.New("ecs: worker pool closed")
	// ErrDuplicateWriteAccess indicates a system lists the same component write more than once.
	ErrDuplicateWriteAccess = errors.New("ecs: duplicate write access to component")
	// ErrAccessConflict indicates two systems of one stage touch a component and one of them writes it.
	ErrAccessConflict = errors.New("ecs: conflicting component access")
	// ErrResourceAccessConflict is the resource counterpart of ErrAccessConflict.
	ErrResourceAccessConflict = errors.New("ecs: conflicting resource access")
	// ErrUndeclaredAccess indicates a system asked for a store outside its declared access set.
	ErrUndeclaredAccess = errors.New("ecs: component access not declared")
	// ErrJoinAliasing indicates a join listed the same component twice with at least one exclusive column.
	ErrJoinAliasing = errors.New("ecs: join aliases an exclusive column")
	// ErrBorrowReleased is returned when a handle is used after its borrow was released.
	ErrBorrowReleased = errors.New("ecs: borrow released")
	// ErrUnknownStage indicates a reference to a stage that has not been registered.
	ErrUnknownStage = errors.New("ecs: unknown stage")
	// ErrSystemPanic wraps a panic recovered from a system run.
	ErrSystemPanic = errors.New("ecs: system panicked")
)
